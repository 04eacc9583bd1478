package repository

import (
	"context"
	"time"

	"github.com/diagnosis/phoneauth/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OTPRepository interface {
	Create(ctx context.Context, phone, code string, createdAt, expiresAt time.Time) (*domain.OTPRecord, error)
	MostRecentByPhone(ctx context.Context, phone string) (*domain.OTPRecord, error)
	// IncrementAttempts atomically bumps the attempt counter, capped at
	// ceiling. Returns the counter value after the call.
	IncrementAttempts(ctx context.Context, id int64, ceiling int) (int, error)
	// MarkUsed flips used to true exactly once. Returns true if this call
	// performed the transition, false if the record was already used.
	MarkUsed(ctx context.Context, id int64) (bool, error)
	CountSentSince(ctx context.Context, phone string, since time.Time) (int, error)
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

type otpRepository struct {
	pool *pgxpool.Pool
}

func NewOTPRepository(pool *pgxpool.Pool) OTPRepository {
	return &otpRepository{pool: pool}
}

const otpCols = `id, phone, otp, created_at, expires_at, used, attempts`

func (r *otpRepository) Create(ctx context.Context, phone, code string, createdAt, expiresAt time.Time) (*domain.OTPRecord, error) {
	const q = `
		INSERT INTO otp_requests (phone, otp, created_at, expires_at, used, attempts)
		VALUES ($1, $2, $3, $4, false, 0)
		RETURNING ` + otpCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var rec domain.OTPRecord
	err := r.pool.QueryRow(ctx, q, phone, code, createdAt, expiresAt).Scan(
		&rec.ID, &rec.Phone, &rec.Code, &rec.CreatedAt, &rec.ExpiresAt, &rec.Used, &rec.Attempts,
	)
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (r *otpRepository) MostRecentByPhone(ctx context.Context, phone string) (*domain.OTPRecord, error) {
	const q = `
		SELECT ` + otpCols + `
		FROM otp_requests
		WHERE phone = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var rec domain.OTPRecord
	err := r.pool.QueryRow(ctx, q, phone).Scan(
		&rec.ID, &rec.Phone, &rec.Code, &rec.CreatedAt, &rec.ExpiresAt, &rec.Used, &rec.Attempts,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *otpRepository) IncrementAttempts(ctx context.Context, id int64, ceiling int) (int, error) {
	// Single atomic increment; the WHERE clause caps the counter so
	// concurrent failed attempts can never push it past the ceiling.
	const q = `
		UPDATE otp_requests
		SET attempts = attempts + 1
		WHERE id = $1 AND attempts < $2
		RETURNING attempts`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var attempts int
	err := r.pool.QueryRow(ctx, q, id, ceiling).Scan(&attempts)
	if err == pgx.ErrNoRows {
		// Either the counter is already at the ceiling or the record does
		// not exist; read the row to tell the two apart.
		err = r.pool.QueryRow(ctx, `SELECT attempts FROM otp_requests WHERE id = $1`, id).Scan(&attempts)
		if err != nil {
			return 0, err
		}
		return attempts, nil
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (r *otpRepository) MarkUsed(ctx context.Context, id int64) (bool, error) {
	// Compare-and-set on the used flag. Of N concurrent callers exactly one
	// sees RowsAffected == 1.
	const q = `UPDATE otp_requests SET used = true WHERE id = $1 AND used = false`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *otpRepository) CountSentSince(ctx context.Context, phone string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM otp_requests WHERE phone = $1 AND created_at >= $2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, q, phone, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *otpRepository) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `DELETE FROM otp_requests WHERE expires_at < $1`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

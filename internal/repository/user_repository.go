package repository

import (
	"context"
	"time"

	"github.com/diagnosis/phoneauth/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository interface {
	// FindOrCreate returns the user for the phone, inserting it on first
	// verification. Safe under concurrent calls for the same phone; created
	// reports whether this call performed the insert.
	FindOrCreate(ctx context.Context, phone string, now time.Time) (user *domain.User, created bool, err error)
	FindByID(ctx context.Context, id int64) (*domain.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userCols = `id, phone, created_at`

func (r *userRepository) FindOrCreate(ctx context.Context, phone string, now time.Time) (*domain.User, bool, error) {
	// Upsert against the unique phone constraint. The no-op DO UPDATE lets
	// RETURNING yield the existing row when another request inserted first;
	// xmax = 0 only on a freshly inserted row, so it tells the two apart.
	const q = `
		INSERT INTO users (phone, created_at)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING ` + userCols + `, (xmax = 0) AS inserted`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u domain.User
	var inserted bool
	err := r.pool.QueryRow(ctx, q, phone, now).Scan(&u.ID, &u.Phone, &u.CreatedAt, &inserted)
	if err != nil {
		return nil, false, err
	}

	return &u, inserted, nil
}

func (r *userRepository) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u domain.User
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Phone, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

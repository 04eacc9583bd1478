package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/phoneauth/internal/domain"
	"github.com/diagnosis/phoneauth/pkg/auth"
	"github.com/diagnosis/phoneauth/pkg/config"
	"github.com/diagnosis/phoneauth/pkg/events"
)

// ---------- Mocks ----------

type mockOTPRepo struct {
	mu              sync.Mutex
	nextID          int64
	records         map[int64]*domain.OTPRecord
	beforeIncrement func()
}

func newMockOTPRepo() *mockOTPRepo {
	return &mockOTPRepo{nextID: 1, records: make(map[int64]*domain.OTPRecord)}
}

func (m *mockOTPRepo) Create(_ context.Context, phone, code string, createdAt, expiresAt time.Time) (*domain.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &domain.OTPRecord{
		ID:        m.nextID,
		Phone:     phone,
		Code:      code,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	m.records[rec.ID] = rec
	m.nextID++

	out := *rec
	return &out, nil
}

func (m *mockOTPRepo) MostRecentByPhone(_ context.Context, phone string) (*domain.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *domain.OTPRecord
	for _, rec := range m.records {
		if rec.Phone != phone {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) ||
			(rec.CreatedAt.Equal(latest.CreatedAt) && rec.ID > latest.ID) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}

	out := *latest
	return &out, nil
}

func (m *mockOTPRepo) IncrementAttempts(_ context.Context, id int64, ceiling int) (int, error) {
	if m.beforeIncrement != nil {
		m.beforeIncrement()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return 0, errors.New("no such record")
	}
	if rec.Attempts < ceiling {
		rec.Attempts++
	}
	return rec.Attempts, nil
}

func (m *mockOTPRepo) MarkUsed(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false, errors.New("no such record")
	}
	if rec.Used {
		return false, nil
	}
	rec.Used = true
	return true, nil
}

func (m *mockOTPRepo) CountSentSince(_ context.Context, phone string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.records {
		if rec.Phone == phone && !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockOTPRepo) DeleteExpired(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, rec := range m.records {
		if rec.ExpiresAt.Before(olderThan) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockOTPRepo) attempts(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Attempts
}

func (m *mockOTPRepo) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

type mockUserRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]*domain.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{nextID: 1, users: make(map[string]*domain.User)}
}

func (m *mockUserRepo) FindOrCreate(_ context.Context, phone string, now time.Time) (*domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[phone]; ok {
		out := *u
		return &out, false, nil
	}
	// timestamptz keeps microseconds; mirror the round-trip so tests see
	// the same precision the real repository returns.
	u := &domain.User{ID: m.nextID, Phone: phone, CreatedAt: now.Truncate(time.Microsecond)}
	m.users[phone] = u
	m.nextID++

	out := *u
	return &out, true, nil
}

func (m *mockUserRepo) FindByID(_ context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.ID == id {
			out := *u
			return &out, nil
		}
	}
	return nil, nil
}

type mockLimiter struct {
	mu    sync.Mutex
	calls int
	deny  bool
}

func (m *mockLimiter) Allow(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return !m.deny, nil
}

type mockGateway struct {
	mu       sync.Mutex
	lastTo   string
	lastBody string
	sends    int
	sendErr  error
}

func (m *mockGateway) Send(_ context.Context, phone, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTo = phone
	m.lastBody = body
	m.sends++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return "mock-sid", nil
}

type recordingBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *recordingBus) Publish(_ context.Context, subject string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

// ---------- Fixture ----------

const testPhone = "+911234567890"

type fixture struct {
	svc     *otpService
	otpRepo *mockOTPRepo
	users   *mockUserRepo
	limiter *mockLimiter
	gateway *mockGateway
	bus     *recordingBus
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		otpRepo: newMockOTPRepo(),
		users:   newMockUserRepo(),
		limiter: &mockLimiter{},
		gateway: &mockGateway{},
		bus:     &recordingBus{},
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	cfg := config.OTPConfig{
		TTL:                 5 * time.Minute,
		MaxSendsPerHour:     5,
		MaxAttempts:         5,
		ClientRatePerMinute: 60,
		SMSTimeout:          time.Second,
	}
	issuer := auth.NewIssuer("test-secret", time.Hour)

	svc := NewOTPService(f.otpRepo, f.users, f.limiter, f.gateway, issuer, f.bus, cfg).(*otpService)
	svc.now = func() time.Time { return f.clock }
	f.svc = svc

	return f
}

func (f *fixture) requestOTP(t *testing.T) string {
	t.Helper()

	if err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: testPhone}, "1.2.3.4"); err != nil {
		t.Fatalf("RequestOTP failed: %v", err)
	}
	rec, err := f.otpRepo.MostRecentByPhone(context.Background(), testPhone)
	if err != nil || rec == nil {
		t.Fatalf("no OTP record after request: %v", err)
	}
	return rec.Code
}

func (f *fixture) verify(code string) (string, error) {
	return f.svc.VerifyOTP(context.Background(), &domain.OTPVerify{Phone: testPhone, OTP: code})
}

// ---------- Request tests ----------

func TestRequestOTPInvalidPhone(t *testing.T) {
	f := newFixture(t)

	for _, phone := range []string{"", "abc", "+12x4567890", "123456", "+1234567890123456"} {
		err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: phone}, "1.2.3.4")
		if !errors.Is(err, domain.ErrInvalidPhone) {
			t.Errorf("phone %q: got %v, want ErrInvalidPhone", phone, err)
		}
	}
	if f.gateway.sends != 0 {
		t.Errorf("gateway sends = %d, want 0", f.gateway.sends)
	}
}

func TestRequestOTPSendsCode(t *testing.T) {
	f := newFixture(t)

	code := f.requestOTP(t)
	if len(code) != domain.OTPCodeLength {
		t.Errorf("code length = %d, want %d", len(code), domain.OTPCodeLength)
	}
	if f.gateway.lastTo != testPhone {
		t.Errorf("SMS sent to %q, want %q", f.gateway.lastTo, testPhone)
	}
	want := fmt.Sprintf("Your OTP is %s. It expires in 5 minute(s).", code)
	if f.gateway.lastBody != want {
		t.Errorf("SMS body = %q, want %q", f.gateway.lastBody, want)
	}
}

func TestRequestOTPPhoneRateLimit(t *testing.T) {
	f := newFixture(t)

	// Five issuances within the hour succeed, the sixth is throttled.
	for i := 0; i < 5; i++ {
		f.clock = f.clock.Add(time.Minute)
		if err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: testPhone}, "1.2.3.4"); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: testPhone}, "1.2.3.4")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("sixth request: got %v, want ErrRateLimited", err)
	}

	// Once the oldest issuance falls out of the trailing window, requests
	// are allowed again.
	f.clock = f.clock.Add(time.Hour)
	if err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: testPhone}, "1.2.3.4"); err != nil {
		t.Fatalf("request after window: %v", err)
	}
}

func TestRequestOTPClientRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true

	err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: testPhone}, "1.2.3.4")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	if f.gateway.sends != 0 {
		t.Errorf("gateway sends = %d, want 0", f.gateway.sends)
	}
}

func TestRequestOTPSMSFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.gateway.sendErr = errors.New("provider down")

	if err := f.svc.RequestOTP(context.Background(), &domain.OTPRequest{Phone: testPhone}, "1.2.3.4"); err != nil {
		t.Fatalf("RequestOTP failed on SMS error: %v", err)
	}

	// The record must still exist so the user can verify via another channel.
	rec, _ := f.otpRepo.MostRecentByPhone(context.Background(), testPhone)
	if rec == nil {
		t.Fatal("no OTP record persisted")
	}
}

// ---------- Verify tests ----------

func TestVerifyOTPRoundTrip(t *testing.T) {
	f := newFixture(t)
	code := f.requestOTP(t)

	token, err := f.verify(code)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if token == "" {
		t.Fatal("empty token on success")
	}

	// The winning verify consumed the record; a replay is rejected.
	if _, err := f.verify(code); !errors.Is(err, domain.ErrAlreadyUsed) {
		t.Fatalf("second verify: got %v, want ErrAlreadyUsed", err)
	}
}

func TestVerifyOTPMissingFields(t *testing.T) {
	f := newFixture(t)

	cases := []domain.OTPVerify{
		{},
		{Phone: testPhone},
		{OTP: "123456"},
	}
	for _, c := range cases {
		if _, err := f.svc.VerifyOTP(context.Background(), &c); !errors.Is(err, domain.ErrMissingFields) {
			t.Errorf("%+v: got %v, want ErrMissingFields", c, err)
		}
	}
}

func TestVerifyOTPNoActiveOTP(t *testing.T) {
	f := newFixture(t)

	_, err := f.verify("123456")
	if !errors.Is(err, domain.ErrNoActiveOTP) {
		t.Fatalf("got %v, want ErrNoActiveOTP", err)
	}
}

func TestVerifyOTPWrongCodeAttempts(t *testing.T) {
	f := newFixture(t)
	code := f.requestOTP(t)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < 5; i++ {
		if _, err := f.verify(wrong); !errors.Is(err, domain.ErrIncorrectCode) {
			t.Fatalf("attempt %d: got %v, want ErrIncorrectCode", i+1, err)
		}
	}

	// Ceiling reached: even the correct code is rejected now.
	if _, err := f.verify(code); !errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("got %v, want ErrTooManyAttempts", err)
	}

	// Further failures do not grow the counter past the ceiling.
	if _, err := f.verify(wrong); !errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("got %v, want ErrTooManyAttempts", err)
	}
	if got := f.otpRepo.attempts(1); got != 5 {
		t.Fatalf("attempts = %d, want 5", got)
	}
}

func TestVerifyOTPExpired(t *testing.T) {
	f := newFixture(t)
	code := f.requestOTP(t)

	f.clock = f.clock.Add(5*time.Minute + time.Second)
	if _, err := f.verify(code); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}

	// The record stays inert: retrying finds it expired again.
	if _, err := f.verify(code); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("retry: got %v, want ErrExpired", err)
	}
}

func TestVerifyOTPExpiryBoundaryInclusive(t *testing.T) {
	f := newFixture(t)
	code := f.requestOTP(t)

	// Exactly at expiry is still valid.
	f.clock = f.clock.Add(5 * time.Minute)
	if _, err := f.verify(code); err != nil {
		t.Fatalf("verify at exact expiry failed: %v", err)
	}
}

func TestVerifyOTPTargetsMostRecentRecord(t *testing.T) {
	f := newFixture(t)
	oldCode := f.requestOTP(t)

	f.clock = f.clock.Add(time.Minute)
	newCode := f.requestOTP(t)

	if oldCode != newCode {
		if _, err := f.verify(oldCode); !errors.Is(err, domain.ErrIncorrectCode) {
			t.Fatalf("old code: got %v, want ErrIncorrectCode", err)
		}
	}
	if _, err := f.verify(newCode); err != nil {
		t.Fatalf("new code rejected: %v", err)
	}
}

func TestVerifyOTPConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	code := f.requestOTP(t)

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyOTP(context.Background(), &domain.OTPVerify{Phone: testPhone, OTP: code})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyUsed int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrAlreadyUsed):
			alreadyUsed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if alreadyUsed != workers-1 {
		t.Errorf("already used = %d, want %d", alreadyUsed, workers-1)
	}
}

func TestVerifyOTPCreatesUserOnce(t *testing.T) {
	f := newFixture(t)

	code := f.requestOTP(t)
	if _, err := f.verify(code); err != nil {
		t.Fatalf("first verify failed: %v", err)
	}

	f.clock = f.clock.Add(time.Minute)
	code = f.requestOTP(t)
	if _, err := f.verify(code); err != nil {
		t.Fatalf("second verify failed: %v", err)
	}

	if len(f.users.users) != 1 {
		t.Fatalf("user count = %d, want 1", len(f.users.users))
	}

	user, err := f.svc.GetUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.Phone != testPhone {
		t.Errorf("user phone = %q, want %q", user.Phone, testPhone)
	}
}

func TestVerifyOTPPublishesUserCreatedOnce(t *testing.T) {
	f := newFixture(t)
	// Sub-microsecond clock reading; the stored created_at loses it on the
	// timestamptz round-trip, so insertion must be detected explicitly.
	f.clock = f.clock.Add(1234 * time.Nanosecond)

	code := f.requestOTP(t)
	if _, err := f.verify(code); err != nil {
		t.Fatalf("first verify failed: %v", err)
	}
	if got := f.bus.count(events.UserCreated); got != 1 {
		t.Fatalf("user.created published %d times, want 1", got)
	}
	if got := f.bus.count(events.OTPVerified); got != 1 {
		t.Fatalf("otp.verified published %d times, want 1", got)
	}

	f.clock = f.clock.Add(time.Minute)
	code = f.requestOTP(t)
	if _, err := f.verify(code); err != nil {
		t.Fatalf("second verify failed: %v", err)
	}
	if got := f.bus.count(events.UserCreated); got != 1 {
		t.Fatalf("user.created published %d times after repeat verification, want 1", got)
	}
}

func TestVerifyOTPRecordRemovedMidVerify(t *testing.T) {
	f := newFixture(t)
	code := f.requestOTP(t)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// The record disappears between the lookup and the attempt increment
	// (e.g. cleanup ran). That must surface as an error, not as a capped
	// counter or an incorrect-code verdict.
	f.otpRepo.beforeIncrement = func() { f.otpRepo.remove(1) }

	_, err := f.verify(wrong)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, domain.ErrIncorrectCode) || errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("got %v, want a storage error", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetUser(context.Background(), 42)
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}

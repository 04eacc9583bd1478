package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/diagnosis/phoneauth/internal/domain"
	"github.com/diagnosis/phoneauth/internal/ratelimit"
	"github.com/diagnosis/phoneauth/internal/repository"
	"github.com/diagnosis/phoneauth/internal/sms"
	"github.com/diagnosis/phoneauth/pkg/auth"
	"github.com/diagnosis/phoneauth/pkg/config"
	"github.com/diagnosis/phoneauth/pkg/events"
	"github.com/diagnosis/phoneauth/pkg/logger"
)

// AcceptedMessage is deliberately the same whether or not the SMS could be
// delivered, so the endpoint does not reveal which numbers are reachable.
const AcceptedMessage = "If reachable, an OTP was sent to the phone number provided."

type OTPService interface {
	RequestOTP(ctx context.Context, req *domain.OTPRequest, clientKey string) error
	VerifyOTP(ctx context.Context, req *domain.OTPVerify) (string, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
}

type otpService struct {
	otpRepo       repository.OTPRepository
	userRepo      repository.UserRepository
	clientLimiter ratelimit.Limiter
	gateway       sms.Gateway
	issuer        *auth.Issuer
	eventBus      events.Publisher
	cfg           config.OTPConfig
	now           func() time.Time
}

func NewOTPService(
	otpRepo repository.OTPRepository,
	userRepo repository.UserRepository,
	clientLimiter ratelimit.Limiter,
	gateway sms.Gateway,
	issuer *auth.Issuer,
	eventBus events.Publisher,
	cfg config.OTPConfig,
) OTPService {
	return &otpService{
		otpRepo:       otpRepo,
		userRepo:      userRepo,
		clientLimiter: clientLimiter,
		gateway:       gateway,
		issuer:        issuer,
		eventBus:      eventBus,
		cfg:           cfg,
		now:           time.Now,
	}
}

func (s *otpService) RequestOTP(ctx context.Context, req *domain.OTPRequest, clientKey string) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.ErrInvalidPhone
	}

	allowed, err := s.clientLimiter.Allow(ctx, clientKey)
	if err != nil {
		logger.ErrorContext(ctx, "Client rate limit check failed", "error", err)
		// fail open
	} else if !allowed {
		return domain.ErrRateLimited
	}

	now := s.now()
	recent, err := s.otpRepo.CountSentSince(ctx, req.Phone, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("failed to count recent sends: %w", err)
	}
	if recent >= s.cfg.MaxSendsPerHour {
		return domain.ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	rec, err := s.otpRepo.Create(ctx, req.Phone, code, now, now.Add(s.cfg.TTL))
	if err != nil {
		return fmt.Errorf("failed to create OTP record: %w", err)
	}

	if err := s.eventBus.Publish(ctx, events.OTPRequested, events.OTPRequestedEvent{
		Phone:       rec.Phone,
		RequestedAt: rec.CreatedAt,
	}); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", events.OTPRequested, "error", err)
	}

	// Delivery is best-effort: the record is already persisted, and the
	// response must not leak whether the send worked.
	s.sendCode(ctx, rec.Phone, code)

	return nil
}

func (s *otpService) sendCode(ctx context.Context, phone, code string) {
	ttlMinutes := int(s.cfg.TTL.Minutes())
	body := fmt.Sprintf("Your OTP is %s. It expires in %d minute(s).", code, ttlMinutes)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SMSTimeout)
	defer cancel()

	if _, err := s.gateway.Send(sendCtx, phone, body); err != nil {
		logger.ErrorContext(ctx, "SMS delivery failed", "error", err)
		if pubErr := s.eventBus.Publish(ctx, events.SMSDeliveryFailed, events.SMSDeliveryFailedEvent{
			Phone:    phone,
			Reason:   err.Error(),
			FailedAt: s.now(),
		}); pubErr != nil {
			logger.WarnContext(ctx, "Failed to publish event", "subject", events.SMSDeliveryFailed, "error", pubErr)
		}
	}
}

func (s *otpService) VerifyOTP(ctx context.Context, req *domain.OTPVerify) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", domain.ErrMissingFields
	}

	rec, err := s.otpRepo.MostRecentByPhone(ctx, req.Phone)
	if err != nil {
		return "", fmt.Errorf("failed to look up OTP record: %w", err)
	}
	if rec == nil {
		return "", domain.ErrNoActiveOTP
	}

	if rec.Used {
		return "", domain.ErrAlreadyUsed
	}
	if rec.Expired(s.now()) {
		return "", domain.ErrExpired
	}
	if rec.Attempts >= s.cfg.MaxAttempts {
		return "", domain.ErrTooManyAttempts
	}

	if req.OTP != rec.Code {
		if _, err := s.otpRepo.IncrementAttempts(ctx, rec.ID, s.cfg.MaxAttempts); err != nil {
			return "", fmt.Errorf("failed to record attempt: %w", err)
		}
		return "", domain.ErrIncorrectCode
	}

	// The CAS on the used flag decides the winner when the same code is
	// submitted concurrently.
	won, err := s.otpRepo.MarkUsed(ctx, rec.ID)
	if err != nil {
		return "", fmt.Errorf("failed to mark OTP used: %w", err)
	}
	if !won {
		return "", domain.ErrAlreadyUsed
	}

	now := s.now()
	user, created, err := s.userRepo.FindOrCreate(ctx, req.Phone, now)
	if err != nil {
		return "", fmt.Errorf("failed to find or create user: %w", err)
	}

	if created {
		if err := s.eventBus.Publish(ctx, events.UserCreated, events.UserCreatedEvent{
			UserID:    user.ID,
			Phone:     user.Phone,
			CreatedAt: user.CreatedAt,
		}); err != nil {
			logger.WarnContext(ctx, "Failed to publish event", "subject", events.UserCreated, "error", err)
		}
	}

	token, err := s.issuer.Issue(user.ID, user.Phone, now)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}

	if err := s.eventBus.Publish(ctx, events.OTPVerified, events.OTPVerifiedEvent{
		Phone:      user.Phone,
		UserID:     user.ID,
		VerifiedAt: now,
	}); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", events.OTPVerified, "error", err)
	}

	return token, nil
}

func (s *otpService) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}

// generateCode returns a cryptographically unpredictable fixed-length numeric
// code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

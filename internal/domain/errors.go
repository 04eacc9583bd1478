package domain

import "errors"

// Expected verification outcomes. Handlers map these to HTTP status codes;
// they are never logged as failures.
var (
	ErrInvalidPhone    = errors.New("invalid phone format")
	ErrMissingFields   = errors.New("phone and otp are required")
	ErrRateLimited     = errors.New("too many requests")
	ErrNoActiveOTP     = errors.New("invalid or expired OTP")
	ErrAlreadyUsed     = errors.New("OTP already used")
	ErrExpired         = errors.New("OTP expired")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrIncorrectCode   = errors.New("incorrect OTP")
	ErrUserNotFound    = errors.New("user not found")
)

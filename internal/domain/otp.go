package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type OTPRequest struct {
	Phone string `json:"phone"`
}

type OTPVerify struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

type OTPRequestResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type OTPVerifyResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token"`
}

// OTPRecord is one issued passcode. Records are append-only; only the most
// recently created record for a phone is ever matched against.
type OTPRecord struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Code      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	Attempts  int       `json:"attempts"`
}

type User struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// Validation methods
func (r *OTPRequest) Validate() error {
	if r.Phone == "" {
		return fmt.Errorf("phone is required")
	}
	if !isValidPhoneFormat(r.Phone) {
		return fmt.Errorf("invalid phone format")
	}
	return nil
}

func (r *OTPVerify) Validate() error {
	if r.Phone == "" || r.OTP == "" {
		return fmt.Errorf("phone and otp are required")
	}
	return nil
}

// Normalize methods
func (r *OTPRequest) Normalize() {
	r.Phone = strings.TrimSpace(r.Phone)
}

func (r *OTPVerify) Normalize() {
	r.Phone = strings.TrimSpace(r.Phone)
	r.OTP = strings.TrimSpace(r.OTP)
}

var phoneRegex = regexp.MustCompile(`^\+?\d{7,15}$`)

func isValidPhoneFormat(phone string) bool {
	return phoneRegex.MatchString(phone)
}

const OTPCodeLength = 6

// Expired reports whether the record is past its expiry at the given instant.
// The boundary is inclusive: a check at exactly ExpiresAt still passes.
func (o *OTPRecord) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/diagnosis/phoneauth/internal/domain"
	"github.com/diagnosis/phoneauth/internal/service"
	"github.com/diagnosis/phoneauth/pkg/auth"
)

// RequestOTP handles POST /api/request-otp
func (h *Handlers) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.OTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	if err := h.otpService.RequestOTP(r.Context(), &req, getClientIP(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.OTPRequestResponse{
		OK:      true,
		Message: service.AcceptedMessage,
	})
}

// VerifyOTP handles POST /api/verify-otp
func (h *Handlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.OTPVerify
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	token, err := h.otpService.VerifyOTP(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.OTPVerifyResponse{
		OK:    true,
		Token: token,
	})
}

// Me handles GET /api/me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeError(w, http.StatusUnauthorized, "Missing Authorization header (Bearer token)", "MISSING_AUTH")
		return
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "Invalid Authorization header", "INVALID_AUTH")
		return
	}

	claims, err := h.issuer.Verify(strings.TrimPrefix(authHeader, "Bearer "), time.Now())
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "Token expired", "TOKEN_EXPIRED")
			return
		}
		writeError(w, http.StatusUnauthorized, "Invalid token", "TOKEN_INVALID")
		return
	}

	user, err := h.otpService.GetUser(r.Context(), claims.Sub)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid token", "INVALID_AUTH")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"user": user,
	})
}

// writeServiceError maps the domain error taxonomy onto the HTTP surface.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, "Invalid phone format. Example: +911234567890", "INVALID_PHONE")
	case errors.Is(err, domain.ErrMissingFields):
		writeError(w, http.StatusBadRequest, "phone and otp are required", "MISSING_FIELDS")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Too many requests. Try again later.", "RATE_LIMITED")
	case errors.Is(err, domain.ErrNoActiveOTP):
		writeError(w, http.StatusBadRequest, "Invalid or expired OTP", "NO_ACTIVE_OTP")
	case errors.Is(err, domain.ErrAlreadyUsed):
		writeError(w, http.StatusBadRequest, "OTP already used", "ALREADY_USED")
	case errors.Is(err, domain.ErrExpired):
		writeError(w, http.StatusBadRequest, "OTP expired", "EXPIRED")
	case errors.Is(err, domain.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "Too many attempts. Request new OTP.", "TOO_MANY_ATTEMPTS")
	case errors.Is(err, domain.ErrIncorrectCode):
		writeError(w, http.StatusBadRequest, "Incorrect OTP", "INCORRECT_CODE")
	default:
		writeError(w, http.StatusInternalServerError, "Server error", "INTERNAL_ERROR")
	}
}

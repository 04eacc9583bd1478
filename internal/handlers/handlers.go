package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/diagnosis/phoneauth/internal/service"
	"github.com/diagnosis/phoneauth/pkg/auth"
)

type Handlers struct {
	otpService service.OTPService
	issuer     *auth.Issuer
}

func New(otpService service.OTPService, issuer *auth.Issuer) *Handlers {
	return &Handlers{
		otpService: otpService,
		issuer:     issuer,
	}
}

// Helper functions
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	response := map[string]string{
		"error": message,
		"code":  code,
	}
	writeJSON(w, statusCode, response)
}

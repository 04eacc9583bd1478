package sms

import (
	"context"

	"github.com/diagnosis/phoneauth/pkg/logger"
)

// DevGateway logs messages instead of sending them, for environments without
// provider credentials.
type DevGateway struct{}

func NewDevGateway() *DevGateway {
	return &DevGateway{}
}

func (d *DevGateway) Send(ctx context.Context, phone, body string) (string, error) {
	logger.InfoContext(ctx, "[DEV SMS]",
		"to", phone,
		"body", body,
	)
	return "MOCK", nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/phoneauth/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.WithContext(ctx).Debug("Publishing event", "subject", subject)

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// Event subjects
const (
	OTPRequested      = "otp.requested"
	OTPVerified       = "otp.verified"
	UserCreated       = "user.created"
	SMSDeliveryFailed = "sms.delivery.failed"
)

// Event payloads
type OTPRequestedEvent struct {
	Phone       string    `json:"phone"`
	RequestedAt time.Time `json:"requested_at"`
}

type OTPVerifiedEvent struct {
	Phone      string    `json:"phone"`
	UserID     int64     `json:"user_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

type UserCreatedEvent struct {
	UserID    int64     `json:"user_id"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type SMSDeliveryFailedEvent struct {
	Phone    string    `json:"phone"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// NopBus is used in environments without a running NATS server.
type NopBus struct{}

func (NopBus) Publish(context.Context, string, interface{}) error { return nil }
func (NopBus) Close() error                                       { return nil }

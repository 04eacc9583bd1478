package sms

import "context"

// Gateway is the outbound SMS capability. Delivery is best-effort: callers
// persist their own state before sending and treat a failed send as advisory.
type Gateway interface {
	Send(ctx context.Context, phone, body string) (sid string, err error)
}

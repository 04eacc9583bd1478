package ratelimit

import "context"

// Limiter is a fixed-window request counter keyed by an arbitrary string
// (typically the client IP). Allow records the attempt regardless of outcome.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Package ratelimit throttles callers of the token and authorization
// endpoints. Two implementations share one interface: an in-process fixed
// window for single-node deployments and a Redis sliding window for
// clustered ones.
package ratelimit

import (
	"context"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

type Limiter interface {
	// Allow decides whether the request identified by key may proceed.
	Allow(ctx context.Context, key string) (*Result, error)

	Close() error
}

type Config struct {
	MaxRequests int
	Window      time.Duration
}

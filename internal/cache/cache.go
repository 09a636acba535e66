// Package cache keeps hot lookups off the database: client registrations on
// the authentication path and token-blacklist membership on the
// introspection path.
package cache

import (
	"context"
	"time"

	"authserver/internal/db"
)

// Cache is the read-through layer in front of the store.
type Cache interface {
	GetClient(ctx context.Context, clientID string) (*db.Client, error)
	SetClient(ctx context.Context, client *db.Client, ttl time.Duration) error
	InvalidateClient(ctx context.Context, clientID string) error

	// Blacklist membership. Only positive entries are cached; a miss always
	// falls through to the store.
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	MarkBlacklisted(ctx context.Context, tokenHash string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// ErrCacheMiss is returned when a key is not present.
var ErrCacheMiss = &Error{Message: "cache miss"}

type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCacheMiss reports whether err is a miss rather than a real failure.
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

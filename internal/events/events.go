// Package events carries security-relevant activity out of the request path.
// Engines emit events after state transitions; sinks decide what to do with
// them, so recording never participates in control flow.
package events

import (
	"context"
	"time"

	"authserver/internal/logging"
)

// Event types emitted by the engines.
const (
	TypeClientAuthFailed   = "client_auth_failed"
	TypeClientAuthOK       = "client_auth_ok"
	TypeTokenIssued        = "token_issued"
	TypeTokenRefreshed     = "token_refreshed"
	TypeTokenRevoked       = "token_revoked"
	TypeCodeExchanged      = "code_exchanged"
	TypeCodeReplayed       = "code_replayed"
	TypeDeviceAuthorized   = "device_authorized"
	TypeDeviceConsumed     = "device_consumed"
	TypeCIBAInitiated      = "ciba_initiated"
	TypeCIBACompleted      = "ciba_completed"
	TypeCIBAConsumed       = "ciba_consumed"
)

type Event struct {
	Type     string
	ClientID string
	UserID   string
	Detail   string
	At       time.Time
}

// Sink receives events. Implementations must not block the caller for long
// and must never return control-flow-affecting state.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	entry := s.logger.InfoEvent().
		Str("event", event.Type).
		Time("at", event.At)
	if event.ClientID != "" {
		entry = entry.Str("client_id", event.ClientID)
	}
	if event.UserID != "" {
		entry = entry.Str("user_id", event.UserID)
	}
	if event.Detail != "" {
		entry = entry.Str("detail", event.Detail)
	}
	if requestID := logging.GetRequestID(ctx); requestID != "" {
		entry = entry.Str("request_id", requestID)
	}
	entry.Msg("activity")
}

// NopSink discards everything. Useful in tests.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

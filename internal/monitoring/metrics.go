// Package monitoring aggregates flow counters and serves the health and
// metrics endpoints. The counter service doubles as an event sink, so every
// engine emission lands here without the engines knowing about metrics.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"authserver/internal/events"
)

type Metrics struct {
	StartTime             time.Time        `json:"start_time"`
	TotalRequests         int64            `json:"total_requests"`
	ActiveRequests        int64            `json:"active_requests"`
	TokensIssued          int64            `json:"tokens_issued"`
	TokensRefreshed       int64            `json:"tokens_refreshed"`
	TokensRevoked         int64            `json:"tokens_revoked"`
	CodesExchanged        int64            `json:"codes_exchanged"`
	CodeReplays           int64            `json:"code_replays"`
	DeviceFlowsCompleted  int64            `json:"device_flows_completed"`
	CIBAFlowsInitiated    int64            `json:"ciba_flows_initiated"`
	CIBAFlowsCompleted    int64            `json:"ciba_flows_completed"`
	FailedAuthentications int64            `json:"failed_authentications"`
	RequestsByEndpoint    map[string]int64 `json:"requests_by_endpoint"`
	ErrorCounts           map[string]int64 `json:"error_counts"`
}

type Service struct {
	mu            sync.RWMutex
	metrics       Metrics
	responseTimes map[string][]float64
}

func NewService() *Service {
	return &Service{
		metrics: Metrics{
			StartTime:          time.Now(),
			RequestsByEndpoint: make(map[string]int64),
			ErrorCounts:        make(map[string]int64),
		},
		responseTimes: make(map[string][]float64),
	}
}

// Emit implements events.Sink by mapping engine events onto counters.
func (s *Service) Emit(_ context.Context, event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.Type {
	case events.TypeTokenIssued:
		s.metrics.TokensIssued++
	case events.TypeTokenRefreshed:
		s.metrics.TokensRefreshed++
	case events.TypeTokenRevoked:
		s.metrics.TokensRevoked++
	case events.TypeCodeExchanged:
		s.metrics.CodesExchanged++
	case events.TypeCodeReplayed:
		s.metrics.CodeReplays++
	case events.TypeDeviceConsumed:
		s.metrics.DeviceFlowsCompleted++
	case events.TypeCIBAInitiated:
		s.metrics.CIBAFlowsInitiated++
	case events.TypeCIBAConsumed:
		s.metrics.CIBAFlowsCompleted++
	case events.TypeClientAuthFailed:
		s.metrics.FailedAuthentications++
	}
}

func (s *Service) IncrementRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.TotalRequests++
	s.metrics.ActiveRequests++
}

func (s *Service) RequestDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.ActiveRequests--
}

func (s *Service) RecordEndpointRequest(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.RequestsByEndpoint[endpoint]++
}

func (s *Service) RecordResponseTime(endpoint string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := float64(duration.Nanoseconds()) / 1e6
	s.responseTimes[endpoint] = append(s.responseTimes[endpoint], ms)
	// Bound the sample buffer per endpoint.
	if len(s.responseTimes[endpoint]) > 1000 {
		s.responseTimes[endpoint] = s.responseTimes[endpoint][100:]
	}
}

func (s *Service) RecordError(errorType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.ErrorCounts[errorType]++
}

func (s *Service) Snapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.metrics
	snapshot.RequestsByEndpoint = make(map[string]int64, len(s.metrics.RequestsByEndpoint))
	for k, v := range s.metrics.RequestsByEndpoint {
		snapshot.RequestsByEndpoint[k] = v
	}
	snapshot.ErrorCounts = make(map[string]int64, len(s.metrics.ErrorCounts))
	for k, v := range s.metrics.ErrorCounts {
		snapshot.ErrorCounts[k] = v
	}
	return snapshot
}

func (s *Service) systemMetrics() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":  time.Since(s.metrics.StartTime).Seconds(),
		"memory_alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
		"memory_sys_mb":   float64(memStats.Sys) / 1024 / 1024,
		"gc_runs":         memStats.NumGC,
		"goroutines":      runtime.NumGoroutine(),
		"go_version":      runtime.Version(),
	}
}

func (s *Service) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"oauth_metrics":  s.Snapshot(),
		"system_metrics": s.systemMetrics(),
		"timestamp":      time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Pinger is the liveness probe the health endpoint runs against its
// dependencies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports overall status, degrading when a dependency fails
// its ping.
func (s *Service) HealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		checks := make(map[string]string, len(deps))
		for name, dep := range deps {
			if err := dep.Ping(r.Context()); err != nil {
				checks[name] = err.Error()
				status = "degraded"
			} else {
				checks[name] = "ok"
			}
		}

		statusCode := http.StatusOK
		if status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"checks":    checks,
			"timestamp": time.Now().Unix(),
			"uptime":    time.Since(s.metrics.StartTime).Seconds(),
		})
	}
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a fixed-window counter per key, suitable for a single
// node. Stale windows are swept in the background.
type MemoryLimiter struct {
	cfg      Config
	mu       sync.Mutex
	windows  map[string]*window
	stopOnce sync.Once
	stop     chan struct{}
}

type window struct {
	count   int
	startAt time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	m := &MemoryLimiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.startAt) > m.cfg.Window {
		w = &window{startAt: now}
		m.windows[key] = w
	}

	reset := w.startAt.Add(m.cfg.Window)
	if w.count >= m.cfg.MaxRequests {
		return &Result{
			Allowed:   false,
			Limit:     m.cfg.MaxRequests,
			Remaining: 0,
			ResetTime: reset,
		}, nil
	}

	w.count++
	return &Result{
		Allowed:   true,
		Limit:     m.cfg.MaxRequests,
		Remaining: m.cfg.MaxRequests - w.count,
		ResetTime: reset,
	}, nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, w := range m.windows {
				if now.Sub(w.startAt) > 2*m.cfg.Window {
					delete(m.windows, key)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

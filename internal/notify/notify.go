// Package notify delivers backchannel callbacks to client-registered
// endpoints. Delivery is fire and forget: a dead client endpoint must never
// fail the request that triggered the notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"authserver/internal/logging"
)

// Notifier posts a payload to a client callback endpoint.
type Notifier interface {
	Notify(endpoint, bearerToken string, payload interface{})
}

type HTTPNotifier struct {
	client  *http.Client
	logger  *logging.Logger
	timeout time.Duration
}

func NewHTTPNotifier(logger *logging.Logger, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		timeout: timeout,
	}
}

// Notify delivers asynchronously under its own deadline, detached from the
// triggering request's context.
func (n *HTTPNotifier) Notify(endpoint, bearerToken string, payload interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		body, err := json.Marshal(payload)
		if err != nil {
			n.logger.WithError(err).Error("failed to encode notification payload")
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			n.logger.WithError(err).Error("failed to build notification request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+bearerToken)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.WithError(err).WithField("endpoint", endpoint).Warn("notification delivery failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.WithField("endpoint", endpoint).WithField("status", resp.StatusCode).Warn("notification rejected by client endpoint")
		}
	}()
}

// NopNotifier discards notifications. Useful in tests and for poll-only
// deployments.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string, interface{}) {}

// Package device implements the RFC 8628 device authorization grant: a
// constrained device shows the user a short code, the user approves it on a
// second device, and the constrained device polls the token endpoint until
// exactly one poll wins the issued tokens.
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authserver/internal/auth"
	"authserver/internal/db"
	"authserver/internal/events"
	"authserver/internal/logging"
	"authserver/internal/scopes"
	"authserver/pkg/security"
)

// GrantType is the token endpoint grant_type literal for device codes.
const GrantType = "urn:ietf:params:oauth:grant-type:device_code"

var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("polling too fast")
	ErrExpiredToken         = errors.New("device code expired")
	ErrCodeNotFound         = errors.New("device code not found")
	ErrAlreadyHandled       = errors.New("user code already handled")
	ErrClientRevoked        = errors.New("client registration revoked")
)

const deviceCodeLength = 32

type Config struct {
	CodeTTL         time.Duration
	PollInterval    time.Duration
	VerificationURI string
}

type Service struct {
	db       db.Store
	tokens   *auth.Service
	registry *scopes.Registry
	sink     events.Sink
	logger   *logging.Logger
	cfg      Config
}

func NewService(database db.Store, tokens *auth.Service, registry *scopes.Registry, sink events.Sink, logger *logging.Logger, cfg Config) *Service {
	return &Service{
		db:       database,
		tokens:   tokens,
		registry: registry,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
	}
}

// AuthorizationResponse is the device authorization endpoint payload
// (RFC 8628 section 3.2).
type AuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// CreateDeviceAuthorization starts a device flow: an opaque device code for
// the polling device and a short user code for the human.
func (s *Service) CreateDeviceAuthorization(ctx context.Context, client *db.Client, scopeNames []string) (*AuthorizationResponse, error) {
	if !client.HasGrantType(GrantType) {
		return nil, auth.ErrUnauthorizedClient
	}
	granted, err := s.registry.ValidateScopes(ctx, scopeNames)
	if err != nil {
		return nil, err
	}

	deviceCode, err := security.GenerateSecureToken(deviceCodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device code: %w", err)
	}
	userCode, err := security.GenerateUserCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user code: %w", err)
	}

	record := &db.DeviceAuthorization{
		ID:         uuid.New(),
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   client.ClientID,
		Scopes:     scopes.Names(granted),
		Status:     db.DeviceStatusPending,
		ExpiresAt:  time.Now().Add(s.cfg.CodeTTL),
		Interval:   int(s.cfg.PollInterval.Seconds()),
	}
	if err := s.db.CreateDeviceAuthorization(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store device authorization: %w", err)
	}

	return &AuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         s.cfg.VerificationURI,
		VerificationURIComplete: s.cfg.VerificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(s.cfg.CodeTTL.Seconds()),
		Interval:                record.Interval,
	}, nil
}

// Authorize binds the approving user to the pending device record. Codes
// issued to a since-revoked client are refused. The underlying update only
// matches rows still pending and unexpired, so a second approval of the
// same code loses cleanly.
func (s *Service) Authorize(ctx context.Context, userCode string, userID uuid.UUID) error {
	record, err := s.db.GetDeviceAuthorizationByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("failed to load device authorization: %w", err)
	}
	if record.IsExpired() {
		return ErrExpiredToken
	}

	client, err := s.db.GetClientByID(ctx, record.ClientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("failed to load client: %w", err)
	}
	if client.Revoked {
		return ErrClientRevoked
	}

	won, err := s.db.AuthorizeDevice(ctx, userCode, userID)
	if err != nil {
		return fmt.Errorf("failed to authorize device: %w", err)
	}
	if !won {
		return ErrAlreadyHandled
	}

	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeDeviceAuthorized,
		ClientID: record.ClientID,
		UserID:   userID.String(),
	})
	return nil
}

// PollDeviceToken handles one poll from the device. Pending records answer
// authorization_pending, impatient devices get slow_down, and an authorized
// record is consumed so concurrent pollers yield a single token response.
func (s *Service) PollDeviceToken(ctx context.Context, client *db.Client, deviceCode string) (*auth.TokenResponse, error) {
	record, err := s.db.GetDeviceAuthorizationByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to load device authorization: %w", err)
	}
	if record.ClientID != client.ClientID {
		return nil, auth.ErrInvalidGrant
	}

	if record.IsExpired() {
		if err := s.db.ExpireDeviceAuthorization(ctx, deviceCode); err != nil {
			s.logger.WithError(err).Warn("failed to mark device authorization expired")
		}
		return nil, ErrExpiredToken
	}

	tooFast := record.LastPolledAt != nil && time.Since(*record.LastPolledAt) < time.Duration(record.Interval)*time.Second
	if err := s.db.UpdateDevicePollTime(ctx, deviceCode); err != nil {
		s.logger.WithError(err).Warn("failed to record device poll time")
	}
	if tooFast {
		return nil, ErrSlowDown
	}

	switch record.Status {
	case db.DeviceStatusPending:
		return nil, ErrAuthorizationPending
	case db.DeviceStatusAuthorized:
		// fall through to consumption
	default:
		return nil, ErrExpiredToken
	}

	won, err := s.db.ConsumeDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("failed to consume device authorization: %w", err)
	}
	if !won {
		return nil, auth.ErrInvalidGrant
	}
	if record.UserID == nil {
		return nil, auth.ErrInvalidGrant
	}

	response, err := s.tokens.IssueTokenPair(ctx, *record.UserID, client.ClientID, record.Scopes, s.tokens.AccessTokenTTL(), true)
	if err != nil {
		return nil, err
	}
	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeDeviceConsumed,
		ClientID: client.ClientID,
		UserID:   record.UserID.String(),
	})
	return response, nil
}

// GetByUserCode looks up a pending record for the verification page.
func (s *Service) GetByUserCode(ctx context.Context, userCode string) (*db.DeviceAuthorization, error) {
	record, err := s.db.GetDeviceAuthorizationByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return record, nil
}

// RunSweeper deletes expired flow records on a fixed cadence until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.CleanupExpired(ctx); err != nil {
				s.logger.WithError(err).Error("expired record sweep failed")
			}
		}
	}
}

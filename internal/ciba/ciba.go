// Package ciba implements client-initiated backchannel authentication: a
// client asks the server to authenticate a user out of band, the user
// approves on their own device, and the client obtains tokens by polling or
// via a callback, depending on its registered delivery mode.
package ciba

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
	"authserver/internal/notify"
	"authserver/internal/scopes"
	"authserver/pkg/security"
)

// GrantType is the token endpoint grant_type literal for CIBA.
const GrantType = "urn:openid:params:grant-type:ciba"

// Backchannel delivery modes a client may register.
const (
	ModePoll = "poll"
	ModePing = "ping"
	ModePush = "push"
)

var (
	ErrAuthorizationPending = errors.New("user authentication pending")
	ErrAccessDenied         = errors.New("user denied the request")
	ErrExpiredToken         = errors.New("backchannel request expired")
	ErrUnknownUser          = errors.New("login hint matches no user")
	ErrInvalidBinding       = errors.New("invalid binding message")
	ErrInvalidUserCode      = errors.New("invalid user code")
	ErrRequestNotFound      = errors.New("unknown auth_req_id")
)

const (
	authReqIDLength         = 32
	notificationTokenLength = 32
	maxBindingMessageLength = 100
	minUserCodeLength       = 4
	maxUserCodeLength       = 8
)

type Config struct {
	DefaultExpiry time.Duration
	MinExpiry     time.Duration
	MaxExpiry     time.Duration
	PollInterval  time.Duration
}

type Service struct {
	db       db.Store
	tokens   *auth.Service
	registry *scopes.Registry
	notifier notify.Notifier
	sink     events.Sink
	logger   *logging.Logger
	cfg      Config
}

func NewService(database db.Store, tokens *auth.Service, registry *scopes.Registry, notifier notify.Notifier, sink events.Sink, logger *logging.Logger, cfg Config) *Service {
	return &Service{
		db:       database,
		tokens:   tokens,
		registry: registry,
		notifier: notifier,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
	}
}

// AuthRequest is a backchannel authentication request from the client. One
// of the three identity hints must be present.
type AuthRequest struct {
	LoginHint       string
	IDTokenHint     string
	LoginHintToken  string
	Scope           []string
	BindingMessage  string
	UserCode        string
	RequestedExpiry time.Duration
}

// AuthResponse is the backchannel authentication endpoint payload. Interval
// is advisory and only present for poll-mode clients.
type AuthResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// CreateBackchannelAuthRequest opens a CIBA transaction. The login hint must
// resolve to a known user and the requested expiry is clamped to the
// configured window.
func (s *Service) CreateBackchannelAuthRequest(ctx context.Context, client *db.Client, request AuthRequest) (*AuthResponse, error) {
	if client.CIBAMode == "" || !client.HasGrantType(GrantType) {
		return nil, auth.ErrUnauthorizedClient
	}
	if len(request.BindingMessage) > maxBindingMessageLength {
		return nil, ErrInvalidBinding
	}
	if request.UserCode != "" && (len(request.UserCode) < minUserCodeLength || len(request.UserCode) > maxUserCodeLength) {
		return nil, ErrInvalidUserCode
	}

	granted, err := s.registry.ValidateScopes(ctx, request.Scope)
	if err != nil {
		return nil, err
	}

	user, err := s.resolveHint(ctx, request)
	if err != nil {
		return nil, err
	}

	expiry := request.RequestedExpiry
	if expiry == 0 {
		expiry = s.cfg.DefaultExpiry
	}
	if expiry < s.cfg.MinExpiry {
		expiry = s.cfg.MinExpiry
	}
	if expiry > s.cfg.MaxExpiry {
		expiry = s.cfg.MaxExpiry
	}

	authReqID, err := security.GenerateSecureToken(authReqIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate auth_req_id: %w", err)
	}
	notificationToken := ""
	if client.CIBAMode == ModePing || client.CIBAMode == ModePush {
		notificationToken, err = security.GenerateSecureToken(notificationTokenLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate notification token: %w", err)
		}
	}

	record := &db.CIBARequest{
		ID:                uuid.New(),
		AuthReqID:         authReqID,
		ClientID:          client.ClientID,
		UserID:            user.ID,
		Scopes:            scopes.Names(granted),
		BindingMessage:    request.BindingMessage,
		UserCode:          request.UserCode,
		NotificationToken: notificationToken,
		Status:            db.CIBAStatusPending,
		ExpiresAt:         time.Now().Add(expiry),
	}
	if err := s.db.CreateCIBARequest(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store backchannel request: %w", err)
	}

	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeCIBAInitiated,
		ClientID: client.ClientID,
		UserID:   user.ID.String(),
	})
	response := &AuthResponse{
		AuthReqID: authReqID,
		ExpiresIn: int64(expiry.Seconds()),
	}
	if client.CIBAMode == ModePoll {
		response.Interval = int64(s.cfg.PollInterval.Seconds())
	}
	return response, nil
}

// CompleteUserAuthentication records the user's decision. Only the user the
// request targets may decide; anyone else gets the same error as an unknown
// auth_req_id. The status update only matches rows still pending, so
// double-processing loses cleanly. For ping and push clients the registered
// endpoint is notified afterwards.
func (s *Service) CompleteUserAuthentication(ctx context.Context, authReqID string, userID uuid.UUID, approved bool) error {
	record, err := s.db.GetCIBARequestByAuthReqID(ctx, authReqID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRequestNotFound
		}
		return fmt.Errorf("failed to load backchannel request: %w", err)
	}
	if record.UserID != userID {
		return ErrRequestNotFound
	}
	if record.IsExpired() {
		return ErrExpiredToken
	}

	target := db.CIBAStatusComplete
	if !approved {
		target = db.CIBAStatusDenied
	}
	if err := record.Status.ValidateTransition(target); err != nil {
		return err
	}

	won, err := s.db.TransitionCIBAStatus(ctx, authReqID, db.CIBAStatusPending, target)
	if err != nil {
		return fmt.Errorf("failed to update backchannel request: %w", err)
	}
	if !won {
		return ErrRequestNotFound
	}

	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeCIBACompleted,
		ClientID: record.ClientID,
		UserID:   record.UserID.String(),
		Detail:   string(target),
	})

	if approved {
		s.dispatchCallback(ctx, record)
	}
	return nil
}

// dispatchCallback notifies ping clients that the result is ready and pushes
// the finished tokens to push clients.
func (s *Service) dispatchCallback(ctx context.Context, record *db.CIBARequest) {
	client, err := s.db.GetClientByID(ctx, record.ClientID)
	if err != nil {
		s.logger.WithError(err).WithClientID(record.ClientID).Error("callback client lookup failed")
		return
	}
	if client.CIBANotificationEndpoint == "" {
		return
	}

	switch client.CIBAMode {
	case ModePing:
		s.notifier.Notify(client.CIBANotificationEndpoint, record.NotificationToken, map[string]string{
			"auth_req_id": record.AuthReqID,
		})
	case ModePush:
		// Push delivery is the one redemption this request gets; consuming
		// here closes the token endpoint path for the same auth_req_id.
		won, err := s.db.ConsumeCIBARequest(ctx, record.AuthReqID)
		if err != nil || !won {
			s.logger.WithClientID(client.ClientID).Warn("push-mode request already consumed")
			return
		}
		response, err := s.issueTokens(ctx, record, client)
		if err != nil {
			s.logger.WithError(err).WithClientID(client.ClientID).Error("push-mode token issuance failed")
			return
		}
		payload := struct {
			AuthReqID string `json:"auth_req_id"`
			*auth.TokenResponse
		}{record.AuthReqID, response}
		s.notifier.Notify(client.CIBANotificationEndpoint, record.NotificationToken, payload)
	}
}

// ExchangeCIBAForTokens redeems an auth_req_id at the token endpoint. The
// request's status maps onto the polling error vocabulary; a complete
// request yields tokens exactly once.
func (s *Service) ExchangeCIBAForTokens(ctx context.Context, client *db.Client, authReqID string) (*auth.TokenResponse, error) {
	record, err := s.db.GetCIBARequestByAuthReqID(ctx, authReqID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to load backchannel request: %w", err)
	}
	if record.ClientID != client.ClientID {
		return nil, auth.ErrInvalidGrant
	}
	if record.IsExpired() {
		return nil, ErrExpiredToken
	}

	switch record.Status {
	case db.CIBAStatusPending:
		return nil, ErrAuthorizationPending
	case db.CIBAStatusDenied:
		return nil, ErrAccessDenied
	case db.CIBAStatusExpired:
		return nil, ErrExpiredToken
	}

	won, err := s.db.ConsumeCIBARequest(ctx, authReqID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume backchannel request: %w", err)
	}
	if !won {
		return nil, auth.ErrInvalidGrant
	}

	response, err := s.issueTokens(ctx, record, client)
	if err != nil {
		return nil, err
	}
	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeCIBAConsumed,
		ClientID: client.ClientID,
		UserID:   record.UserID.String(),
	})
	return response, nil
}

func (s *Service) issueTokens(ctx context.Context, record *db.CIBARequest, client *db.Client) (*auth.TokenResponse, error) {
	response, err := s.tokens.IssueTokenPair(ctx, record.UserID, client.ClientID, record.Scopes, s.tokens.AccessTokenTTL(), true)
	if err != nil {
		return nil, err
	}
	if scopes.HasScope(record.Scopes, "openid") {
		idToken, err := s.tokens.IssueIDToken(ctx, record.UserID, client.ClientID, "", record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to sign id token: %w", err)
		}
		response.IDToken = idToken
	}
	return response, nil
}

// resolveHint turns the request's identity hints into a user. login_hint is
// a username or email; id_token_hint and login_hint_token are signed tokens
// whose subject names the user. At least one hint must resolve.
func (s *Service) resolveHint(ctx context.Context, request AuthRequest) (*db.User, error) {
	if request.LoginHint != "" {
		if user, err := s.db.GetUserByUsername(ctx, request.LoginHint); err == nil {
			return user, nil
		}
		if user, err := s.db.GetUserByEmail(ctx, request.LoginHint); err == nil {
			return user, nil
		}
		return nil, ErrUnknownUser
	}

	for _, hint := range []string{request.IDTokenHint, request.LoginHintToken} {
		if hint == "" {
			continue
		}
		subject, err := s.tokens.SubjectOfIDToken(hint)
		if err != nil {
			return nil, ErrUnknownUser
		}
		if user, err := s.db.GetUserByID(ctx, subject); err == nil {
			return user, nil
		}
		return nil, ErrUnknownUser
	}
	return nil, ErrUnknownUser
}

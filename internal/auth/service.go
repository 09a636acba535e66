// Package auth implements the grant and token engine: authorization-code,
// refresh-token and client-credentials grants, plus token introspection and
// revocation. Device and CIBA flows build on it for final token issuance.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authserver/internal/clients"
	"authserver/internal/db"
	"authserver/internal/events"
	"authserver/internal/logging"
	"authserver/internal/scopes"
	"authserver/pkg/crypto"
	"authserver/pkg/jwt"
	"authserver/pkg/security"
)

var (
	ErrInvalidGrant       = errors.New("invalid grant")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthorizedClient = errors.New("client is not authorized for this grant type")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
)

const (
	authorizationCodeLength = 48
	refreshTokenLength      = 48
)

// Config carries the issuance lifetimes. Values come from configuration once,
// at construction; nothing here reads the environment.
type Config struct {
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	ClientCredentialsTTL time.Duration
	IDTokenTTL           time.Duration
}

type Service struct {
	db       db.Store
	jwt      *jwt.Manager
	registry *scopes.Registry
	pkce     *crypto.PKCEVerifier
	sink     events.Sink
	logger   *logging.Logger
	cfg      Config
}

func NewService(database db.Store, jwtManager *jwt.Manager, registry *scopes.Registry, sink events.Sink, logger *logging.Logger, cfg Config) *Service {
	return &Service{
		db:       database,
		jwt:      jwtManager,
		registry: registry,
		pkce:     crypto.NewPKCEVerifier(),
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
	}
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`
}

// CreateAuthorizationCode mints a one-shot code after the resource owner
// approved the request. The PKCE challenge, when present, is validated
// structurally here and cryptographically at redemption.
func (s *Service) CreateAuthorizationCode(ctx context.Context, userID uuid.UUID, client *db.Client, redirectURI string, scopeNames []string, codeChallenge, codeChallengeMethod, nonce string) (*db.AuthorizationCode, error) {
	if !client.HasGrantType("authorization_code") {
		return nil, ErrUnauthorizedClient
	}
	if err := clients.ValidateRedirectURI(client, redirectURI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	granted, err := s.registry.ValidateScopes(ctx, scopeNames)
	if err != nil {
		return nil, err
	}

	if codeChallenge != "" {
		if codeChallengeMethod == "" {
			codeChallengeMethod = "plain"
		}
		if !s.pkce.IsSupportedMethod(codeChallengeMethod) || !s.pkce.IsValidCodeChallenge(codeChallenge) {
			return nil, fmt.Errorf("%w: malformed PKCE challenge", ErrInvalidRequest)
		}
	}

	code, err := security.GenerateSecureToken(authorizationCodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate authorization code: %w", err)
	}

	authCode := &db.AuthorizationCode{
		ID:                  uuid.New(),
		Code:                code,
		UserID:              userID,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scopes:              scopes.Names(granted),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Nonce:               nonce,
		ExpiresAt:           time.Now().Add(s.cfg.AuthorizationCodeTTL),
	}
	if err := s.db.CreateAuthorizationCode(ctx, authCode); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}
	return authCode, nil
}

// ExchangeCodeForToken redeems an authorization code. The code is consumed
// before any further validation, so it is burned on the first attempt
// whatever the outcome, and concurrent redeemers produce exactly one winner.
func (s *Service) ExchangeCodeForToken(ctx context.Context, client *db.Client, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	authCode, err := s.db.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	won, err := s.db.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if !won {
		s.sink.Emit(ctx, events.Event{Type: events.TypeCodeReplayed, ClientID: client.ClientID})
		return nil, ErrInvalidGrant
	}

	if authCode.IsExpired() {
		return nil, ErrInvalidGrant
	}
	if authCode.ClientID != client.ClientID {
		return nil, ErrInvalidGrant
	}
	if authCode.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}

	if authCode.CodeChallenge != "" {
		if err := s.pkce.Verify(codeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod); err != nil {
			return nil, ErrInvalidGrant
		}
	} else {
		if codeVerifier != "" {
			return nil, fmt.Errorf("%w: code_verifier supplied for a code without a challenge", ErrInvalidRequest)
		}
		if client.IsPublic() {
			return nil, fmt.Errorf("%w: public clients require PKCE", ErrInvalidRequest)
		}
	}

	response, err := s.IssueTokenPair(ctx, authCode.UserID, client.ClientID, authCode.Scopes, s.cfg.AccessTokenTTL, true)
	if err != nil {
		return nil, err
	}
	if scopes.HasScope(authCode.Scopes, "openid") {
		idToken, err := s.IssueIDToken(ctx, authCode.UserID, client.ClientID, authCode.Nonce, authCode.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to sign id token: %w", err)
		}
		response.IDToken = idToken
	}
	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeCodeExchanged,
		ClientID: client.ClientID,
		UserID:   authCode.UserID.String(),
	})
	return response, nil
}

// RefreshAccessToken rotates a token pair. The old refresh token is consumed
// with a conditional update so a reused or raced token refreshes nothing, and
// the old access token is revoked alongside it.
func (s *Service) RefreshAccessToken(ctx context.Context, client *db.Client, refreshTokenID string) (*TokenResponse, error) {
	refreshToken, err := s.db.GetRefreshToken(ctx, refreshTokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	accessToken, err := s.db.GetAccessTokenByID(ctx, refreshToken.AccessTokenID)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if accessToken.ClientID != client.ClientID {
		return nil, ErrInvalidGrant
	}

	won, err := s.db.ConsumeRefreshToken(ctx, refreshTokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if !won {
		return nil, ErrInvalidGrant
	}
	if err := s.db.RevokeAccessToken(ctx, accessToken.ID); err != nil {
		s.logger.WithError(err).Warn("failed to revoke rotated access token")
	}

	response, err := s.IssueTokenPair(ctx, accessToken.UserID, client.ClientID, accessToken.Scopes, s.cfg.AccessTokenTTL, true)
	if err != nil {
		return nil, err
	}
	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeTokenRefreshed,
		ClientID: client.ClientID,
		UserID:   subjectOf(accessToken.UserID),
	})
	return response, nil
}

// ClientCredentialsGrant issues a short-lived access token with no user
// context and no refresh token.
func (s *Service) ClientCredentialsGrant(ctx context.Context, client *db.Client, scopeNames []string) (*TokenResponse, error) {
	if !client.HasGrantType("client_credentials") {
		return nil, ErrUnauthorizedClient
	}
	granted, err := s.registry.ValidateScopes(ctx, scopeNames)
	if err != nil {
		return nil, err
	}
	return s.IssueTokenPair(ctx, uuid.Nil, client.ClientID, scopes.Names(granted), s.cfg.ClientCredentialsTTL, false)
}

// IssueTokenPair persists an access-token record, signs its JWT and, when
// withRefresh is set, attaches a rotating refresh token. userID uuid.Nil
// means a client-only token.
func (s *Service) IssueTokenPair(ctx context.Context, userID uuid.UUID, clientID string, scopeNames []string, accessTTL time.Duration, withRefresh bool) (*TokenResponse, error) {
	record := &db.AccessToken{
		ID:        uuid.New(),
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopeNames,
		ExpiresAt: time.Now().Add(accessTTL),
	}
	if err := s.db.CreateAccessToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}

	signed, err := s.jwt.GenerateAccessToken(subjectOf(userID), clientID, scopeNames, record.ID, accessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	response := &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       strings.Join(scopeNames, " "),
	}

	if withRefresh {
		refreshID, err := security.GenerateSecureToken(refreshTokenLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		refreshToken := &db.RefreshToken{
			ID:            refreshID,
			AccessTokenID: record.ID,
			ExpiresAt:     time.Now().Add(s.cfg.RefreshTokenTTL),
		}
		if err := s.db.CreateRefreshToken(ctx, refreshToken); err != nil {
			return nil, fmt.Errorf("failed to store refresh token: %w", err)
		}
		response.RefreshToken = refreshID
	}

	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeTokenIssued,
		ClientID: clientID,
		UserID:   subjectOf(userID),
	})
	return response, nil
}

// AccessTokenTTL exposes the standard access-token lifetime for flows that
// issue through this engine.
func (s *Service) AccessTokenTTL() time.Duration {
	return s.cfg.AccessTokenTTL
}

// SubjectOfIDToken verifies a token's signature, ignoring expiry, and
// returns its subject. Backchannel flows use it to resolve id_token_hint.
func (s *Service) SubjectOfIDToken(token string) (uuid.UUID, error) {
	claims, err := s.jwt.DecodeWithoutExpiry(token)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(claims.Subject)
}

// IssueIDToken signs an OIDC ID token for flows whose scope includes openid.
func (s *Service) IssueIDToken(ctx context.Context, userID uuid.UUID, clientID, nonce string, authTime time.Time) (string, error) {
	return s.jwt.GenerateIDToken(userID.String(), clientID, nonce, authTime, s.cfg.IDTokenTTL)
}

func subjectOf(userID uuid.UUID) string {
	if userID == uuid.Nil {
		return ""
	}
	return userID.String()
}

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"authserver/internal/db"
	"authserver/internal/events"
	"authserver/pkg/security"
)

// IntrospectionResponse follows RFC 7662. Inactive tokens carry only the
// active flag.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect resolves a token to its persisted record and reports whether it
// is live. It never returns an error to the caller: any decode or lookup
// failure is indistinguishable from a token that never existed.
func (s *Service) Introspect(ctx context.Context, token string) *IntrospectionResponse {
	claims, err := s.jwt.DecodeWithoutExpiry(token)
	if err != nil {
		return inactive
	}

	banned, err := s.db.IsTokenBlacklisted(ctx, security.HashToken(token))
	if err != nil {
		s.logger.WithError(err).Error("blacklist lookup failed during introspection")
		return inactive
	}
	if banned {
		return inactive
	}

	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return inactive
	}
	record, err := s.db.GetAccessTokenByID(ctx, tokenID)
	if err != nil {
		return inactive
	}
	if !record.IsValid() {
		return inactive
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     strings.Join(record.Scopes, " "),
		ClientID:  record.ClientID,
		Subject:   claims.Subject,
		Audience:  strings.Join(claims.Audience, " "),
		TokenType: "Bearer",
		ExpiresAt: record.ExpiresAt.Unix(),
		IssuedAt:  record.CreatedAt.Unix(),
		JTI:       record.ID.String(),
	}
}

// Revoke accepts either an access-token JWT or a raw refresh-token id and
// revokes whichever matches. Unknown tokens are a no-op: the endpoint always
// answers success, so callers cannot probe for token existence.
func (s *Service) Revoke(ctx context.Context, client *db.Client, token string) error {
	if claims, err := s.jwt.DecodeWithoutExpiry(token); err == nil {
		return s.revokeAccessJWT(ctx, client, token, claims.ID, claims.Subject)
	}
	return s.revokeRefreshID(ctx, client, token)
}

func (s *Service) revokeAccessJWT(ctx context.Context, client *db.Client, token, jti, subject string) error {
	tokenID, err := uuid.Parse(jti)
	if err != nil {
		return nil
	}
	record, err := s.db.GetAccessTokenByID(ctx, tokenID)
	if err != nil {
		return nil
	}
	if record.ClientID != client.ClientID {
		s.logger.WithClientID(client.ClientID).Warn("revocation attempt for a foreign token")
		return nil
	}

	if err := s.db.RevokeAccessToken(ctx, tokenID); err != nil {
		return err
	}
	// The JWT stays structurally valid until exp, so the hash goes on the
	// blacklist to stop bearer use before then.
	entry := &db.BlacklistedToken{
		ID:        uuid.New(),
		TokenHash: security.HashToken(token),
		UserID:    record.UserID,
		ExpiresAt: record.ExpiresAt,
		Reason:    "revoked",
	}
	if err := s.db.BlacklistToken(ctx, entry); err != nil {
		return err
	}

	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeTokenRevoked,
		ClientID: client.ClientID,
		UserID:   subject,
		Detail:   "access_token",
	})
	return nil
}

func (s *Service) revokeRefreshID(ctx context.Context, client *db.Client, refreshTokenID string) error {
	refreshToken, err := s.db.GetRefreshToken(ctx, refreshTokenID)
	if err != nil {
		return nil
	}
	accessToken, err := s.db.GetAccessTokenByID(ctx, refreshToken.AccessTokenID)
	if err != nil {
		return nil
	}
	if accessToken.ClientID != client.ClientID {
		s.logger.WithClientID(client.ClientID).Warn("revocation attempt for a foreign token")
		return nil
	}

	if _, err := s.db.ConsumeRefreshToken(ctx, refreshTokenID); err != nil {
		return err
	}
	if err := s.db.RevokeAccessToken(ctx, accessToken.ID); err != nil {
		return err
	}

	s.sink.Emit(ctx, events.Event{
		Type:     events.TypeTokenRevoked,
		ClientID: client.ClientID,
		Detail:   "refresh_token",
	})
	return nil
}

// BlacklistUserTokens invalidates a specific already-issued JWT for a user,
// for example at logout.
func (s *Service) BlacklistUserTokens(ctx context.Context, userID uuid.UUID, token, reason string, expiresAt time.Time) error {
	return s.db.BlacklistToken(ctx, &db.BlacklistedToken{
		ID:        uuid.New(),
		TokenHash: security.HashToken(token),
		UserID:    userID,
		ExpiresAt: expiresAt,
		Reason:    reason,
	})
}

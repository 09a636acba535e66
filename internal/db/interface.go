package db

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence collaborator shared by all engines. One-shot
// semantics are enforced by the conditional Consume*/transition operations:
// they return false when a concurrent caller already advanced the record.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Client operations
	CreateClient(ctx context.Context, client *Client) error
	GetClientByID(ctx context.Context, clientID string) (*Client, error)
	GetAllClients(ctx context.Context) ([]*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	RevokeClient(ctx context.Context, clientID string) error

	// Scope operations
	CreateScope(ctx context.Context, scope *Scope) error
	GetScopeByName(ctx context.Context, name string) (*Scope, error)
	GetAllScopes(ctx context.Context) ([]*Scope, error)
	GetDefaultScopes(ctx context.Context) ([]*Scope, error)
	UpdateScope(ctx context.Context, scope *Scope) error
	DeleteScope(ctx context.Context, name string) error

	// Authorization code operations
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	// ConsumeAuthorizationCode revokes the code and reports whether this
	// caller won the revocation.
	ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error)

	// Token operations
	CreateAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessTokenByID(ctx context.Context, id uuid.UUID) (*AccessToken, error)
	RevokeAccessToken(ctx context.Context, id uuid.UUID) error
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// ConsumeRefreshToken revokes a still-valid refresh token and reports
	// whether this caller won; rotation rides on this.
	ConsumeRefreshToken(ctx context.Context, id string) (bool, error)

	// Device authorization operations
	CreateDeviceAuthorization(ctx context.Context, device *DeviceAuthorization) error
	GetDeviceAuthorizationByDeviceCode(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)
	// AuthorizeDevice binds userID and moves pending -> authorized.
	AuthorizeDevice(ctx context.Context, userCode string, userID uuid.UUID) (bool, error)
	// ConsumeDeviceAuthorization moves authorized -> consumed; exactly one
	// concurrent poller wins.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (bool, error)
	ExpireDeviceAuthorization(ctx context.Context, deviceCode string) error
	UpdateDevicePollTime(ctx context.Context, deviceCode string) error

	// CIBA operations
	CreateCIBARequest(ctx context.Context, request *CIBARequest) error
	GetCIBARequestByAuthReqID(ctx context.Context, authReqID string) (*CIBARequest, error)
	// TransitionCIBAStatus applies from -> to only when the row still holds
	// from; false means another caller got there first.
	TransitionCIBAStatus(ctx context.Context, authReqID string, from, to CIBAStatus) (bool, error)
	// ConsumeCIBARequest marks a complete request consumed exactly once.
	ConsumeCIBARequest(ctx context.Context, authReqID string) (bool, error)

	// Token blacklist operations
	BlacklistToken(ctx context.Context, entry *BlacklistedToken) error
	IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error)

	// Maintenance operations
	CleanupExpired(ctx context.Context) error

	// Connection management
	Ping(ctx context.Context) error
	Close() error
}

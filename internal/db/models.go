package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     string    `json:"email" db:"email"`
	Password  string    `json:"-" db:"password"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Client is an OAuth client registration. Personal-access clients never hold
// a secret; revoked clients accept no new grants.
type Client struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	ClientID             string     `json:"client_id" db:"client_id"`
	UserID               *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Name                 string     `json:"name" db:"name"`
	SecretHash           string     `json:"-" db:"secret_hash"`
	RedirectURIs         []string   `json:"redirect_uris" db:"redirect_uris"`
	GrantTypes           []string   `json:"grant_types" db:"grant_types"`
	PersonalAccessClient bool       `json:"personal_access_client" db:"personal_access_client"`
	PasswordClient       bool       `json:"password_client" db:"password_client"`
	Revoked              bool       `json:"revoked" db:"revoked"`
	// AssertionSecret is a dedicated raw HMAC key for client_secret_jwt
	// assertions; it is never derived from the bcrypt-hashed client secret.
	AssertionSecret string `json:"-" db:"assertion_secret"`
	// PublicKeyPEM holds the registered RSA public key for private_key_jwt.
	PublicKeyPEM string `json:"-" db:"public_key_pem"`
	// CertThumbprint is the SHA-256 thumbprint of the bound TLS client cert.
	CertThumbprint string `json:"-" db:"cert_thumbprint"`
	// CIBAMode declares backchannel support: poll, ping or push. Empty means
	// the client may not use the CIBA grant.
	CIBAMode                 string    `json:"ciba_mode,omitempty" db:"ciba_mode"`
	CIBANotificationEndpoint string    `json:"ciba_notification_endpoint,omitempty" db:"ciba_notification_endpoint"`
	CreatedAt                time.Time `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time `json:"updated_at" db:"updated_at"`
}

func (c *Client) IsPublic() bool {
	return c.SecretHash == ""
}

func (c *Client) HasGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

type Scope struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	IsDefault   bool      `json:"is_default" db:"is_default"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AuthorizationCode is a one-shot credential: it is revoked on first
// redemption, success or failure.
type AuthorizationCode struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	Code                string    `json:"code" db:"code"`
	UserID              uuid.UUID `json:"user_id" db:"user_id"`
	ClientID            string    `json:"client_id" db:"client_id"`
	RedirectURI         string    `json:"redirect_uri" db:"redirect_uri"`
	Scopes              []string  `json:"scopes" db:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty" db:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty" db:"code_challenge_method"`
	Nonce               string    `json:"nonce,omitempty" db:"nonce"`
	ExpiresAt           time.Time `json:"expires_at" db:"expires_at"`
	Revoked             bool      `json:"revoked" db:"revoked"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// AccessToken is the persisted record behind a JWT; the JWT jti claim is the
// record ID. UserID is Nil for client-credentials tokens.
type AccessToken struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ClientID  string    `json:"client_id" db:"client_id"`
	Scopes    []string  `json:"scopes" db:"scopes"`
	Revoked   bool      `json:"revoked" db:"revoked"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (t *AccessToken) IsValid() bool {
	return !t.Revoked && time.Now().Before(t.ExpiresAt)
}

// RefreshToken is bound to its client through the parent access token.
type RefreshToken struct {
	ID            string    `json:"id" db:"id"`
	AccessTokenID uuid.UUID `json:"access_token_id" db:"access_token_id"`
	Revoked       bool      `json:"revoked" db:"revoked"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

func (t *RefreshToken) IsValid() bool {
	return !t.Revoked && time.Now().Before(t.ExpiresAt)
}

// DeviceStatus is the RFC 8628 flow state. Consumed and Expired are terminal.
type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusConsumed   DeviceStatus = "consumed"
	DeviceStatusExpired    DeviceStatus = "expired"
)

var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceStatusPending:    {DeviceStatusAuthorized, DeviceStatusExpired},
	DeviceStatusAuthorized: {DeviceStatusConsumed, DeviceStatusExpired},
}

// CanTransition reports whether from -> to is a legal device state move.
// Terminal states have no outgoing edges.
func (s DeviceStatus) CanTransition(to DeviceStatus) bool {
	for _, next := range deviceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type DeviceAuthorization struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	DeviceCode   string       `json:"device_code" db:"device_code"`
	UserCode     string       `json:"user_code" db:"user_code"`
	ClientID     string       `json:"client_id" db:"client_id"`
	Scopes       []string     `json:"scopes" db:"scopes"`
	Status       DeviceStatus `json:"status" db:"status"`
	UserID       *uuid.UUID   `json:"user_id,omitempty" db:"user_id"`
	ExpiresAt    time.Time    `json:"expires_at" db:"expires_at"`
	Interval     int          `json:"interval" db:"interval"`
	LastPolledAt *time.Time   `json:"last_polled_at,omitempty" db:"last_polled_at"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

func (d *DeviceAuthorization) IsExpired() bool {
	return time.Now().After(d.ExpiresAt)
}

// CIBAStatus is the RFC 8955 request state. Complete, Denied and Expired are
// terminal.
type CIBAStatus string

const (
	CIBAStatusPending  CIBAStatus = "pending"
	CIBAStatusComplete CIBAStatus = "complete"
	CIBAStatusDenied   CIBAStatus = "denied"
	CIBAStatusExpired  CIBAStatus = "expired"
)

var cibaTransitions = map[CIBAStatus][]CIBAStatus{
	CIBAStatusPending: {CIBAStatusComplete, CIBAStatusDenied, CIBAStatusExpired},
}

func (s CIBAStatus) CanTransition(to CIBAStatus) bool {
	for _, next := range cibaTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate rejects status moves out of terminal states before they reach the
// store.
func (s CIBAStatus) ValidateTransition(to CIBAStatus) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("illegal CIBA transition %s -> %s", s, to)
	}
	return nil
}

type CIBARequest struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	AuthReqID         string     `json:"auth_req_id" db:"auth_req_id"`
	ClientID          string     `json:"client_id" db:"client_id"`
	UserID            uuid.UUID  `json:"user_id" db:"user_id"`
	Scopes            []string   `json:"scopes" db:"scopes"`
	BindingMessage    string     `json:"binding_message,omitempty" db:"binding_message"`
	UserCode          string     `json:"user_code,omitempty" db:"user_code"`
	NotificationToken string     `json:"-" db:"notification_token"`
	Status            CIBAStatus `json:"status" db:"status"`
	Consumed          bool       `json:"consumed" db:"consumed"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

func (r *CIBARequest) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// BlacklistedToken invalidates an already-issued stateless JWT ahead of its
// natural expiry. Only the hash of the token is stored.
type BlacklistedToken struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TokenHash string    `json:"token_hash" db:"token_hash"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

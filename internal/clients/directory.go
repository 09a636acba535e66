// Package clients holds the client registry and the multi-method client
// authenticator used by every token-issuing endpoint.
package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"authserver/internal/db"
	"authserver/internal/logging"
	"authserver/pkg/security"
)

var (
	ErrClientNotFound   = errors.New("client not found")
	ErrClientRevoked    = errors.New("client is revoked")
	ErrSecretNotAllowed = errors.New("client type cannot hold a secret")
	ErrInvalidRedirect  = errors.New("invalid redirect URI")
)

const clientSecretLength = 40

// Directory manages client registrations. Confidential clients receive a
// generated secret exactly once, at creation; only the bcrypt hash is stored.
type Directory struct {
	db     db.Store
	logger *logging.Logger
}

func NewDirectory(database db.Store, logger *logging.Logger) *Directory {
	return &Directory{db: database, logger: logger}
}

// CreateClientInput describes a registration request. Public and
// personal-access clients get no secret.
type CreateClientInput struct {
	Name                     string
	UserID                   *uuid.UUID
	RedirectURIs             []string
	GrantTypes               []string
	Public                   bool
	PersonalAccessClient     bool
	PasswordClient           bool
	CIBAMode                 string
	CIBANotificationEndpoint string
}

// CreateClient registers a client and returns it together with the plaintext
// secret, or "" when the client type holds none. The plaintext is never
// recoverable afterwards.
func (d *Directory) CreateClient(ctx context.Context, input CreateClientInput) (*db.Client, string, error) {
	if len(input.GrantTypes) == 0 {
		input.GrantTypes = []string{"authorization_code", "refresh_token"}
	}

	client := &db.Client{
		ID:                       uuid.New(),
		ClientID:                 uuid.New().String(),
		UserID:                   input.UserID,
		Name:                     input.Name,
		RedirectURIs:             input.RedirectURIs,
		GrantTypes:               input.GrantTypes,
		PersonalAccessClient:     input.PersonalAccessClient,
		PasswordClient:           input.PasswordClient,
		CIBAMode:                 input.CIBAMode,
		CIBANotificationEndpoint: input.CIBANotificationEndpoint,
	}

	var plaintext string
	if !input.Public && !input.PersonalAccessClient {
		secret, err := security.GenerateSecureToken(clientSecretLength)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
		plaintext = secret
	}

	if err := d.db.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to create client: %w", err)
	}

	d.logger.WithClientID(client.ClientID).Infof("registered client %q", client.Name)
	return client, plaintext, nil
}

// GetClient loads a client by its public identifier.
func (d *Directory) GetClient(ctx context.Context, clientID string) (*db.Client, error) {
	client, err := d.db.GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

// GetActiveClient loads a client and rejects revoked registrations. All
// grant paths go through this so a revoked client accepts no new grants.
func (d *Directory) GetActiveClient(ctx context.Context, clientID string) (*db.Client, error) {
	client, err := d.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Revoked {
		return nil, ErrClientRevoked
	}
	return client, nil
}

func (d *Directory) ListClients(ctx context.Context) ([]*db.Client, error) {
	return d.db.GetAllClients(ctx)
}

// UpdateClient persists mutable registration fields. The secret hash and the
// revoked flag are not updatable through this path.
func (d *Directory) UpdateClient(ctx context.Context, client *db.Client) error {
	existing, err := d.GetActiveClient(ctx, client.ClientID)
	if err != nil {
		return err
	}
	client.ID = existing.ID
	client.SecretHash = existing.SecretHash
	client.Revoked = existing.Revoked
	if err := d.db.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

// RegenerateSecret replaces a confidential client's secret and returns the
// new plaintext. Public and personal-access clients have no secret to rotate.
func (d *Directory) RegenerateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := d.GetActiveClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if client.IsPublic() || client.PersonalAccessClient {
		return "", ErrSecretNotAllowed
	}

	secret, err := security.GenerateSecureToken(clientSecretLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}

	client.SecretHash = string(hash)
	if err := d.db.UpdateClient(ctx, client); err != nil {
		return "", fmt.Errorf("failed to store rotated secret: %w", err)
	}
	return secret, nil
}

// RevokeClient marks a client revoked. Revocation is monotonic; there is no
// un-revoke.
func (d *Directory) RevokeClient(ctx context.Context, clientID string) error {
	if err := d.db.RevokeClient(ctx, clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClientNotFound
		}
		return fmt.Errorf("failed to revoke client: %w", err)
	}
	d.logger.WithClientID(clientID).Warn("client revoked")
	return nil
}

// ValidateRedirectURI checks an exact match against the registered set.
func ValidateRedirectURI(client *db.Client, redirectURI string) error {
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return ErrInvalidRedirect
}

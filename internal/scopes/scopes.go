package scopes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"authserver/internal/db"
)

// Wildcard implies every other scope and can never be deleted.
const Wildcard = "*"

var (
	ErrInvalidScope   = errors.New("invalid scope")
	ErrScopeConflict  = errors.New("scope already exists")
	ErrScopeProtected = errors.New("scope cannot be deleted")
	ErrInvalidName    = errors.New("invalid scope name")
)

// Registry validates requested scope sets against the persisted catalog.
type Registry struct {
	db db.Store
}

func NewRegistry(database db.Store) *Registry {
	return &Registry{db: database}
}

// ValidateScopes resolves the requested names to persisted scopes. An empty
// request falls back to the configured default scopes. Any unknown name fails
// the whole request with ErrInvalidScope.
func (r *Registry) ValidateScopes(ctx context.Context, names []string) ([]*db.Scope, error) {
	if len(names) == 0 {
		return r.db.GetDefaultScopes(ctx)
	}

	scopes := make([]*db.Scope, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		scope, err := r.db.GetScopeByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScope, name)
		}
		scopes = append(scopes, scope)
	}

	return scopes, nil
}

// HasScope reports whether granted covers required: either verbatim or via
// the wildcard.
func HasScope(granted []string, required string) bool {
	for _, scope := range granted {
		if scope == Wildcard || scope == required {
			return true
		}
	}
	return false
}

// Names extracts scope names in catalog order.
func Names(scopes []*db.Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		names = append(names, scope.Name)
	}
	return names
}

// Split turns a space-delimited scope parameter into names, dropping empties.
func Split(scope string) []string {
	if scope == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(scope, " ") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (r *Registry) CreateScope(ctx context.Context, scope *db.Scope) error {
	if err := validateScopeName(scope.Name); err != nil {
		return err
	}

	if existing, err := r.db.GetScopeByName(ctx, scope.Name); err == nil && existing != nil {
		return ErrScopeConflict
	}

	return r.db.CreateScope(ctx, scope)
}

func (r *Registry) UpdateScope(ctx context.Context, scope *db.Scope) error {
	if err := validateScopeName(scope.Name); err != nil {
		return err
	}

	if existing, err := r.db.GetScopeByName(ctx, scope.Name); err == nil && existing != nil {
		if existing.ID != scope.ID {
			return ErrScopeConflict
		}
	}

	return r.db.UpdateScope(ctx, scope)
}

func (r *Registry) DeleteScope(ctx context.Context, name string) error {
	if name == Wildcard {
		return ErrScopeProtected
	}
	return r.db.DeleteScope(ctx, name)
}

func (r *Registry) GetAllScopes(ctx context.Context) ([]*db.Scope, error) {
	return r.db.GetAllScopes(ctx)
}

// SeedDefaultScopes installs the standard catalog, including the wildcard.
// Existing scopes are left untouched.
func (r *Registry) SeedDefaultScopes(ctx context.Context) error {
	seed := []*db.Scope{
		{Name: Wildcard, Description: "Full access to all scopes"},
		{Name: "openid", Description: "OpenID Connect identity", IsDefault: true},
		{Name: "profile", Description: "Profile information", IsDefault: true},
		{Name: "email", Description: "Email address", IsDefault: true},
		{Name: "read", Description: "Read access", IsDefault: true},
		{Name: "write", Description: "Write access"},
		{Name: "admin", Description: "Administrative access"},
	}

	for _, scope := range seed {
		if existing, err := r.db.GetScopeByName(ctx, scope.Name); err == nil && existing != nil {
			continue
		}
		if err := r.db.CreateScope(ctx, scope); err != nil {
			return fmt.Errorf("failed to seed scope %q: %w", scope.Name, err)
		}
	}

	return nil
}

func validateScopeName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, " \t\n\r\"\\") {
		return fmt.Errorf("%w: illegal characters", ErrInvalidName)
	}
	if len(name) > 100 {
		return fmt.Errorf("%w: name too long", ErrInvalidName)
	}
	return nil
}

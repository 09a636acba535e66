package scopes

import (
	"context"
	"errors"
	"testing"

	"authserver/internal/db"
	"authserver/internal/db/dbtest"
)

func newTestRegistry(t *testing.T) (*Registry, *dbtest.Store) {
	t.Helper()
	store := dbtest.NewStore()
	registry := NewRegistry(store)
	if err := registry.SeedDefaultScopes(context.Background()); err != nil {
		t.Fatalf("SeedDefaultScopes: %v", err)
	}
	return registry, store
}

func TestValidateScopesKnownNames(t *testing.T) {
	registry, _ := newTestRegistry(t)

	scopes, err := registry.ValidateScopes(context.Background(), []string{"read", "write"})
	if err != nil {
		t.Fatalf("ValidateScopes: %v", err)
	}
	if got := Names(scopes); len(got) != 2 || got[0] != "read" || got[1] != "write" {
		t.Errorf("got scopes %v, want [read write]", got)
	}
}

func TestValidateScopesUnknownNameFailsWhole(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.ValidateScopes(context.Background(), []string{"read", "nonexistent"})
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("got err %v, want ErrInvalidScope", err)
	}
}

func TestValidateScopesEmptyFallsBackToDefaults(t *testing.T) {
	registry, _ := newTestRegistry(t)

	scopes, err := registry.ValidateScopes(context.Background(), nil)
	if err != nil {
		t.Fatalf("ValidateScopes: %v", err)
	}
	if len(scopes) == 0 {
		t.Fatal("expected default scopes, got none")
	}
	for _, scope := range scopes {
		if !scope.IsDefault {
			t.Errorf("scope %q returned from empty request is not a default", scope.Name)
		}
	}
}

func TestValidateScopesDeduplicates(t *testing.T) {
	registry, _ := newTestRegistry(t)

	scopes, err := registry.ValidateScopes(context.Background(), []string{"read", "read", "read"})
	if err != nil {
		t.Fatalf("ValidateScopes: %v", err)
	}
	if len(scopes) != 1 {
		t.Errorf("got %d scopes, want 1", len(scopes))
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required string
		want     bool
	}{
		{"exact match", []string{"read", "write"}, "read", true},
		{"missing", []string{"read"}, "write", false},
		{"wildcard grants everything", []string{Wildcard}, "admin", true},
		{"wildcard alongside others", []string{"read", Wildcard}, "write", true},
		{"empty grant", nil, "read", false},
		{"required wildcard only via wildcard", []string{"read", "write"}, Wildcard, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.granted, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	if got := Split("openid profile  email"); len(got) != 3 {
		t.Errorf("Split collapsed whitespace wrong: %v", got)
	}
	if got := Split(""); got != nil {
		t.Errorf("Split(\"\") = %v, want nil", got)
	}
}

func TestCreateScopeConflict(t *testing.T) {
	registry, _ := newTestRegistry(t)

	err := registry.CreateScope(context.Background(), &db.Scope{Name: "read", Description: "dup"})
	if !errors.Is(err, ErrScopeConflict) {
		t.Errorf("got err %v, want ErrScopeConflict", err)
	}
}

func TestCreateScopeInvalidName(t *testing.T) {
	registry, _ := newTestRegistry(t)

	for _, name := range []string{"", "has space", "quo\"te"} {
		err := registry.CreateScope(context.Background(), &db.Scope{Name: name})
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("CreateScope(%q): got err %v, want ErrInvalidName", name, err)
		}
	}
}

func TestDeleteScopeProtectsWildcard(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if err := registry.DeleteScope(context.Background(), Wildcard); !errors.Is(err, ErrScopeProtected) {
		t.Errorf("got err %v, want ErrScopeProtected", err)
	}
	if err := registry.DeleteScope(context.Background(), "write"); err != nil {
		t.Errorf("DeleteScope(write): %v", err)
	}
}

func TestSeedDefaultScopesIdempotent(t *testing.T) {
	registry, store := newTestRegistry(t)

	if err := registry.SeedDefaultScopes(context.Background()); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	all, err := store.GetAllScopes(context.Background())
	if err != nil {
		t.Fatalf("GetAllScopes: %v", err)
	}
	seen := make(map[string]int)
	for _, scope := range all {
		seen[scope.Name]++
		if seen[scope.Name] > 1 {
			t.Errorf("scope %q seeded twice", scope.Name)
		}
	}
	if _, ok := seen[Wildcard]; !ok {
		t.Error("wildcard scope not seeded")
	}
}

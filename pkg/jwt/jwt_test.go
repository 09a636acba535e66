package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateAndValidateAccessToken(t *testing.T) {
	m := NewManager("test-secret", "authserver")
	tokenID := uuid.New()

	token, err := m.GenerateAccessToken("user-1", "client-1", []string{"read"}, tokenID, time.Minute)
	if err != nil {
		t.Fatalf("Expected successful token generation, got error: %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("Expected valid token, got error: %v", err)
	}

	if claims.Subject != "user-1" {
		t.Errorf("Expected sub user-1, got %s", claims.Subject)
	}
	if claims.ClientID != "client-1" {
		t.Errorf("Expected client_id client-1, got %s", claims.ClientID)
	}
	if claims.ID != tokenID.String() {
		t.Errorf("Expected jti %s, got %s", tokenID, claims.ID)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "read" {
		t.Errorf("Expected scopes [read], got %v", claims.Scopes)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m := NewManager("test-secret", "authserver")
	other := NewManager("other-secret", "authserver")

	token, _ := m.GenerateAccessToken("user-1", "client-1", nil, uuid.New(), time.Minute)
	if _, err := other.ValidateAccessToken(token); err == nil {
		t.Error("Expected validation to fail with a different secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret", "authserver")

	token, _ := m.GenerateAccessToken("user-1", "client-1", nil, uuid.New(), -time.Minute)
	if _, err := m.ValidateAccessToken(token); err == nil {
		t.Error("Expected validation to fail for an expired token")
	}
}

func TestDecodeWithoutExpiry(t *testing.T) {
	m := NewManager("test-secret", "authserver")
	tokenID := uuid.New()

	token, _ := m.GenerateAccessToken("user-1", "client-1", []string{"read"}, tokenID, -time.Minute)

	claims, err := m.DecodeWithoutExpiry(token)
	if err != nil {
		t.Fatalf("Expected expired token to decode, got error: %v", err)
	}
	if claims.ID != tokenID.String() {
		t.Errorf("Expected jti %s, got %s", tokenID, claims.ID)
	}

	if _, err := m.DecodeWithoutExpiry("not-a-jwt"); err == nil {
		t.Error("Expected decode of garbage to fail")
	}
}

func TestGenerateIDToken(t *testing.T) {
	m := NewManager("test-secret", "authserver")

	token, err := m.GenerateIDToken("user-1", "client-1", "nonce-1", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Expected successful ID token generation, got error: %v", err)
	}
	if token == "" {
		t.Error("ID token should not be empty")
	}
}

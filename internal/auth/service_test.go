package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"authserver/internal/db"
	"authserver/internal/db/dbtest"
	"authserver/internal/events"
	"authserver/internal/logging"
	"authserver/internal/scopes"
	"authserver/pkg/crypto"
	"authserver/pkg/jwt"
)

const testSecret = "test-jwt-secret-at-least-32-bytes!!"

func newTestService(t *testing.T) (*Service, *dbtest.Store) {
	t.Helper()
	store := dbtest.NewStore()
	registry := scopes.NewRegistry(store)
	if err := registry.SeedDefaultScopes(context.Background()); err != nil {
		t.Fatalf("SeedDefaultScopes: %v", err)
	}
	service := NewService(
		store,
		jwt.NewManager(testSecret, "https://auth.example.com"),
		registry,
		events.NopSink{},
		logging.New(logging.DefaultConfig()),
		Config{
			AccessTokenTTL:       15 * time.Minute,
			RefreshTokenTTL:      7 * 24 * time.Hour,
			AuthorizationCodeTTL: 10 * time.Minute,
			ClientCredentialsTTL: 5 * time.Minute,
			IDTokenTTL:           time.Hour,
		},
	)
	return service, store
}

func seedClient(t *testing.T, store *dbtest.Store, public bool) *db.Client {
	t.Helper()
	client := &db.Client{
		ClientID:     "c1",
		Name:         "test client",
		RedirectURIs: []string{"https://app/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token", "client_credentials"},
	}
	if !public {
		client.SecretHash = "$2a$10$notarealhashbutnonempty0000000000000000000000000000"
	}
	if err := store.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return client
}

func TestExchangeCodeOnceSucceedsTwiceFails(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)
	userID := uuid.New()

	code, err := service.CreateAuthorizationCode(ctx, userID, client, "https://app/cb", []string{"read"}, "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	response, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/cb", "")
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if response.AccessToken == "" || response.RefreshToken == "" {
		t.Error("token pair incomplete")
	}
	if response.Scope != "read" {
		t.Errorf("got scope %q, want read", response.Scope)
	}

	if _, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange: got %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCodePKCES256(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, true)
	verifier := crypto.NewPKCEVerifier()

	codeVerifier, err := verifier.GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("GenerateCodeVerifier: %v", err)
	}
	challenge, err := verifier.ComputeChallenge(codeVerifier, "S256")
	if err != nil {
		t.Fatalf("ComputeChallenge: %v", err)
	}

	code, err := service.CreateAuthorizationCode(ctx, uuid.New(), client, "https://app/cb", []string{"read"}, challenge, "S256", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	if _, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/cb", codeVerifier); err != nil {
		t.Fatalf("exchange with correct verifier: %v", err)
	}
}

func TestExchangeCodePKCEWrongVerifier(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, true)
	verifier := crypto.NewPKCEVerifier()

	codeVerifier, _ := verifier.GenerateCodeVerifier()
	challenge, _ := verifier.ComputeChallenge(codeVerifier, "S256")
	code, err := service.CreateAuthorizationCode(ctx, uuid.New(), client, "https://app/cb", []string{"read"}, challenge, "S256", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	otherVerifier, _ := verifier.GenerateCodeVerifier()
	if _, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/cb", otherVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("wrong verifier: got %v, want ErrInvalidGrant", err)
	}

	// Failure burned the code, so even the right verifier is too late now.
	if _, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/cb", codeVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("code not revoked after failed attempt: %v", err)
	}
}

func TestExchangeCodeVerifierWithoutChallenge(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)

	code, err := service.CreateAuthorizationCode(ctx, uuid.New(), client, "https://app/cb", []string{"read"}, "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	if _, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/cb", "unsolicited-verifier-0123456789012345678901234567"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("got %v, want ErrInvalidRequest", err)
	}
}

func TestExchangeCodeRedirectMismatch(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)

	code, err := service.CreateAuthorizationCode(ctx, uuid.New(), client, "https://app/cb", []string{"read"}, "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	if _, err := service.ExchangeCodeForToken(ctx, client, code.Code, "https://app/other", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("got %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCodeWrongClient(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)
	other := &db.Client{ClientID: "c2", RedirectURIs: []string{"https://app/cb"}, SecretHash: "x"}
	if err := store.CreateClient(ctx, other); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	code, err := service.CreateAuthorizationCode(ctx, uuid.New(), client, "https://app/cb", []string{"read"}, "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	if _, err := service.ExchangeCodeForToken(ctx, other, code.Code, "https://app/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("got %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)
	userID := uuid.New()

	first, err := service.IssueTokenPair(ctx, userID, client.ClientID, []string{"read", "write"}, 15*time.Minute, true)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	second, err := service.RefreshAccessToken(ctx, client, first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if second.Scope != first.Scope {
		t.Errorf("rotation changed scopes: %q -> %q", first.Scope, second.Scope)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation reissued the same refresh token")
	}

	// The old pair is dead after rotation.
	if _, err := service.RefreshAccessToken(ctx, client, first.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("old refresh token still usable: %v", err)
	}
	if service.Introspect(ctx, first.AccessToken).Active {
		t.Error("old access token still active after rotation")
	}
}

func TestRefreshForeignClient(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)
	other := &db.Client{ClientID: "c2", SecretHash: "x"}
	if err := store.CreateClient(ctx, other); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	pair, err := service.IssueTokenPair(ctx, uuid.New(), client.ClientID, []string{"read"}, 15*time.Minute, true)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if _, err := service.RefreshAccessToken(ctx, other, pair.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("foreign client refreshed a token: %v", err)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)

	response, err := service.ClientCredentialsGrant(ctx, client, []string{"read"})
	if err != nil {
		t.Fatalf("ClientCredentialsGrant: %v", err)
	}
	if response.RefreshToken != "" {
		t.Error("client-credentials grant issued a refresh token")
	}

	introspection := service.Introspect(ctx, response.AccessToken)
	if !introspection.Active {
		t.Fatal("fresh client-credentials token inactive")
	}
	if introspection.Subject != "" {
		t.Errorf("client-only token carries a subject %q", introspection.Subject)
	}
}

func TestClientCredentialsUnauthorizedGrantType(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := &db.Client{ClientID: "web-only", SecretHash: "x", GrantTypes: []string{"authorization_code"}}
	if err := store.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := service.ClientCredentialsGrant(ctx, client, nil); !errors.Is(err, ErrUnauthorizedClient) {
		t.Errorf("got %v, want ErrUnauthorizedClient", err)
	}
}

func TestIntrospectGarbageToken(t *testing.T) {
	service, _ := newTestService(t)
	if service.Introspect(context.Background(), "not-a-jwt").Active {
		t.Error("garbage token introspected active")
	}
}

func TestRevokeAccessTokenBlacklistsJWT(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)

	pair, err := service.IssueTokenPair(ctx, uuid.New(), client.ClientID, []string{"read"}, 15*time.Minute, true)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if err := service.Revoke(ctx, client, pair.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if service.Introspect(ctx, pair.AccessToken).Active {
		t.Error("revoked token introspected active")
	}
}

func TestRevokeRefreshTokenID(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)

	pair, err := service.IssueTokenPair(ctx, uuid.New(), client.ClientID, []string{"read"}, 15*time.Minute, true)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if err := service.Revoke(ctx, client, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := service.RefreshAccessToken(ctx, client, pair.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("revoked refresh token still usable: %v", err)
	}
	if service.Introspect(ctx, pair.AccessToken).Active {
		t.Error("parent access token still active after refresh revocation")
	}
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	service, store := newTestService(t)
	client := seedClient(t, store, false)
	if err := service.Revoke(context.Background(), client, "completely-unknown"); err != nil {
		t.Errorf("revoking an unknown token errored: %v", err)
	}
}

func TestRevokeForeignTokenIsNoOp(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	client := seedClient(t, store, false)
	other := &db.Client{ClientID: "c2", SecretHash: "x"}
	if err := store.CreateClient(ctx, other); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	pair, err := service.IssueTokenPair(ctx, uuid.New(), client.ClientID, []string{"read"}, 15*time.Minute, true)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if err := service.Revoke(ctx, other, pair.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !service.Introspect(ctx, pair.AccessToken).Active {
		t.Error("foreign client managed to revoke the token")
	}
}

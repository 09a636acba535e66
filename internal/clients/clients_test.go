package clients

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authserver/internal/db/dbtest"
	"authserver/internal/events"
	"authserver/internal/logging"
)

const testAudience = "https://auth.example.com/oauth/token"

func newTestDirectory() (*Directory, *dbtest.Store) {
	store := dbtest.NewStore()
	return NewDirectory(store, logging.New(logging.DefaultConfig())), store
}

func newTestAuthenticator(store *dbtest.Store) *Authenticator {
	return NewAuthenticator(store, logging.New(logging.DefaultConfig()), events.NopSink{}, testAudience)
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestCreateClientConfidentialGetsSecret(t *testing.T) {
	directory, _ := newTestDirectory()

	client, secret, err := directory.CreateClient(context.Background(), CreateClientInput{Name: "web app"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if secret == "" {
		t.Error("confidential client got no secret")
	}
	if client.SecretHash == "" {
		t.Error("secret hash not stored")
	}
	if client.SecretHash == secret {
		t.Error("secret stored in plaintext")
	}
}

func TestCreateClientPersonalAccessNeverGetsSecret(t *testing.T) {
	directory, _ := newTestDirectory()

	client, secret, err := directory.CreateClient(context.Background(), CreateClientInput{
		Name:                 "pat",
		PersonalAccessClient: true,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if secret != "" || client.SecretHash != "" {
		t.Error("personal-access client must not hold a secret")
	}
}

func TestGetActiveClientRejectsRevoked(t *testing.T) {
	directory, _ := newTestDirectory()
	ctx := context.Background()

	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "doomed"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if err := directory.RevokeClient(ctx, client.ClientID); err != nil {
		t.Fatalf("RevokeClient: %v", err)
	}
	if _, err := directory.GetActiveClient(ctx, client.ClientID); !errors.Is(err, ErrClientRevoked) {
		t.Errorf("got err %v, want ErrClientRevoked", err)
	}
}

func TestRegenerateSecretRejectsPublic(t *testing.T) {
	directory, _ := newTestDirectory()
	ctx := context.Background()

	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "spa", Public: true})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := directory.RegenerateSecret(ctx, client.ClientID); !errors.Is(err, ErrSecretNotAllowed) {
		t.Errorf("got err %v, want ErrSecretNotAllowed", err)
	}
}

func TestValidateRedirectURIExactMatch(t *testing.T) {
	directory, _ := newTestDirectory()
	client, _, err := directory.CreateClient(context.Background(), CreateClientInput{
		Name:         "app",
		RedirectURIs: []string{"https://app/cb"},
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	if err := ValidateRedirectURI(client, "https://app/cb"); err != nil {
		t.Errorf("exact match rejected: %v", err)
	}
	if err := ValidateRedirectURI(client, "https://app/cb/extra"); !errors.Is(err, ErrInvalidRedirect) {
		t.Errorf("prefix match accepted: %v", err)
	}
}

func TestAuthenticateBasic(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, secret, err := directory.CreateClient(ctx, CreateClientInput{Name: "web"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{"grant_type": {"client_credentials"}})
	req.SetBasicAuth(client.ClientID, secret)

	result, err := authenticator.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !result.Authenticated || result.Method != MethodBasic || result.ClientID != client.ClientID {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestAuthenticateBasicWrongSecret(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "web"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{})
	req.SetBasicAuth(client.ClientID, "wrong")

	result, err := authenticator.Authenticate(ctx, req)
	if !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("got err %v, want ErrInvalidClient", err)
	}
	if result.Authenticated {
		t.Error("result marked authenticated on failure")
	}
}

func TestAuthenticateUnknownClientSameError(t *testing.T) {
	store := dbtest.NewStore()
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{})
	req.SetBasicAuth("no-such-client", "secret")

	_, err := authenticator.Authenticate(context.Background(), req)
	if !errors.Is(err, ErrInvalidClient) {
		t.Errorf("unknown client leaks a different error: %v", err)
	}
}

func TestAuthenticatePost(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, secret, err := directory.CreateClient(ctx, CreateClientInput{Name: "web"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{
		"client_id":     {client.ClientID},
		"client_secret": {secret},
	})
	result, err := authenticator.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Method != MethodPost {
		t.Errorf("got method %s, want client_secret_post", result.Method)
	}
}

func TestAuthenticatePublicClient(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "cli", Public: true})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{"client_id": {client.ClientID}})
	result, err := authenticator.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !result.Authenticated || result.Method != MethodNone {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestAuthenticatePublicRejectsConfidentialWithoutSecret(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "web"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{"client_id": {client.ClientID}})
	if _, err := authenticator.Authenticate(ctx, req); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("confidential client accepted without credentials: %v", err)
	}
}

func TestAuthenticateSecretJWTAssertion(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "svc"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	client.AssertionSecret = "assertion-hmac-key-0123456789abcdef"
	if err := store.UpdateClient(ctx, client); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	assertion := signedAssertion(t, client.ClientID, client.AssertionSecret, testAudience, time.Now().Add(time.Minute))
	req := formRequest(url.Values{
		"client_assertion_type": {jwtBearerAssertionType},
		"client_assertion":      {assertion},
	})

	result, err := authenticator.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Method != MethodSecretJWT {
		t.Errorf("got method %s, want client_secret_jwt", result.Method)
	}
}

func TestAuthenticateAssertionRejectsBadAudience(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "svc"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	client.AssertionSecret = "assertion-hmac-key-0123456789abcdef"
	if err := store.UpdateClient(ctx, client); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	assertion := signedAssertion(t, client.ClientID, client.AssertionSecret, "https://other/token", time.Now().Add(time.Minute))
	req := formRequest(url.Values{
		"client_assertion_type": {jwtBearerAssertionType},
		"client_assertion":      {assertion},
	})
	if _, err := authenticator.Authenticate(ctx, req); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("wrong-audience assertion accepted: %v", err)
	}
}

func TestAuthenticateAssertionRejectsExpired(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "svc"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	client.AssertionSecret = "assertion-hmac-key-0123456789abcdef"
	if err := store.UpdateClient(ctx, client); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	assertion := signedAssertion(t, client.ClientID, client.AssertionSecret, testAudience, time.Now().Add(-time.Minute))
	req := formRequest(url.Values{
		"client_assertion_type": {jwtBearerAssertionType},
		"client_assertion":      {assertion},
	})
	if _, err := authenticator.Authenticate(ctx, req); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("expired assertion accepted: %v", err)
	}
}

func TestAuthenticateMTLSThumbprint(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "mtls svc"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	certDER := []byte("test-certificate-der-bytes")
	sum := sha256.Sum256(certDER)
	client.CertThumbprint = base64.RawURLEncoding.EncodeToString(sum[:])
	if err := store.UpdateClient(ctx, client); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{"client_id": {client.ClientID}})
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{Raw: certDER}}}

	result, err := authenticator.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Method != MethodTLSClientAuth {
		t.Errorf("got method %s, want tls_client_auth", result.Method)
	}
	if result.MTLSThumbprint != client.CertThumbprint {
		t.Error("thumbprint not propagated into result")
	}
}

func TestAuthenticateMTLSWrongCert(t *testing.T) {
	directory, store := newTestDirectory()
	ctx := context.Background()
	client, _, err := directory.CreateClient(ctx, CreateClientInput{Name: "mtls svc"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	sum := sha256.Sum256([]byte("registered-cert"))
	client.CertThumbprint = base64.RawURLEncoding.EncodeToString(sum[:])
	if err := store.UpdateClient(ctx, client); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	authenticator := newTestAuthenticator(store)

	req := formRequest(url.Values{"client_id": {client.ClientID}})
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{Raw: []byte("presented-cert")}}}

	if _, err := authenticator.Authenticate(ctx, req); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("mismatched certificate accepted: %v", err)
	}
}

func signedAssertion(t *testing.T, clientID, secret, audience string, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiry),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

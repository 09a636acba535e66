package clients

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"authserver/internal/db"
	"authserver/internal/events"
	"authserver/internal/logging"
	"authserver/pkg/security"
)

// ErrInvalidClient is the only authentication error surfaced to callers.
// Specific failure reasons go to the event sink, never to the wire, so a
// caller cannot probe which registrations exist.
var ErrInvalidClient = errors.New("client authentication failed")

const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AuthMethod is the closed set of supported client authentication methods.
type AuthMethod int

const (
	MethodNone AuthMethod = iota
	MethodBasic
	MethodPost
	MethodSecretJWT
	MethodPrivateKeyJWT
	MethodTLSClientAuth
)

func (m AuthMethod) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodBasic:
		return "client_secret_basic"
	case MethodPost:
		return "client_secret_post"
	case MethodSecretJWT:
		return "client_secret_jwt"
	case MethodPrivateKeyJWT:
		return "private_key_jwt"
	case MethodTLSClientAuth:
		return "tls_client_auth"
	default:
		return "unknown"
	}
}

// AuthResult is the uniform outcome of an authentication attempt.
type AuthResult struct {
	Authenticated  bool
	ClientID       string
	Method         AuthMethod
	Client         *db.Client
	MTLSThumbprint string
}

// Authenticator resolves the caller's client identity from an HTTP request.
// Methods are tried in fixed precedence: mTLS certificate binding, JWT client
// assertion, HTTP Basic, body post, then public client.
type Authenticator struct {
	db       db.Store
	logger   *logging.Logger
	sink     events.Sink
	audience string
}

// NewAuthenticator builds an authenticator. audience is the token endpoint
// URL that client assertions must be addressed to.
func NewAuthenticator(database db.Store, logger *logging.Logger, sink events.Sink, audience string) *Authenticator {
	return &Authenticator{db: database, logger: logger, sink: sink, audience: audience}
}

// Authenticate tries each method in precedence order; the first method whose
// credentials are present decides the outcome. It does not fall through to a
// weaker method after bad credentials of a stronger one.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*AuthResult, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return a.authenticateMTLS(ctx, r)
	}

	if r.PostFormValue("client_assertion") != "" {
		return a.authenticateAssertion(ctx, r)
	}

	if _, _, ok := r.BasicAuth(); ok {
		return a.authenticateBasic(ctx, r)
	}

	if r.PostFormValue("client_secret") != "" {
		return a.authenticatePost(ctx, r)
	}

	return a.authenticatePublic(ctx, r)
}

func (a *Authenticator) authenticateMTLS(ctx context.Context, r *http.Request) (*AuthResult, error) {
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		return a.fail(ctx, "", MethodTLSClientAuth, "mtls request without client_id")
	}

	client, err := a.activeClient(ctx, clientID)
	if err != nil {
		return a.fail(ctx, clientID, MethodTLSClientAuth, err.Error())
	}
	if client.CertThumbprint == "" {
		return a.fail(ctx, clientID, MethodTLSClientAuth, "no certificate binding registered")
	}

	cert := r.TLS.PeerCertificates[0]
	sum := sha256.Sum256(cert.Raw)
	thumbprint := base64.RawURLEncoding.EncodeToString(sum[:])
	if !security.SecureCompare(thumbprint, client.CertThumbprint) {
		return a.fail(ctx, clientID, MethodTLSClientAuth, "certificate thumbprint mismatch")
	}

	return a.succeed(ctx, client, MethodTLSClientAuth, thumbprint), nil
}

func (a *Authenticator) authenticateAssertion(ctx context.Context, r *http.Request) (*AuthResult, error) {
	if r.PostFormValue("client_assertion_type") != jwtBearerAssertionType {
		return a.fail(ctx, "", MethodSecretJWT, "unsupported client_assertion_type")
	}
	assertion := r.PostFormValue("client_assertion")

	// The issuer identifies the client, so a structural decode comes first
	// and the signature is checked against that client's registered key.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return a.fail(ctx, "", MethodSecretJWT, "malformed client assertion")
	}
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return a.fail(ctx, "", MethodSecretJWT, "client assertion without issuer")
	}

	client, err := a.activeClient(ctx, issuer)
	if err != nil {
		return a.fail(ctx, issuer, MethodSecretJWT, err.Error())
	}

	method := MethodSecretJWT
	var key interface{}
	var signing []string
	switch {
	case client.PublicKeyPEM != "":
		method = MethodPrivateKeyJWT
		rsaKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(client.PublicKeyPEM))
		if err != nil {
			return a.fail(ctx, issuer, method, "unparseable registered public key")
		}
		key = rsaKey
		signing = []string{"RS256", "RS384", "RS512"}
	case client.AssertionSecret != "":
		key = []byte(client.AssertionSecret)
		signing = []string{"HS256", "HS384", "HS512"}
	default:
		return a.fail(ctx, issuer, method, "no assertion credential registered")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(signing),
		jwt.WithAudience(a.audience),
		jwt.WithIssuer(client.ClientID),
		jwt.WithSubject(client.ClientID),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.Parse(assertion, func(*jwt.Token) (interface{}, error) { return key, nil })
	if err != nil || !token.Valid {
		return a.fail(ctx, issuer, method, fmt.Sprintf("assertion rejected: %v", err))
	}

	return a.succeed(ctx, client, method, ""), nil
}

func (a *Authenticator) authenticateBasic(ctx context.Context, r *http.Request) (*AuthResult, error) {
	clientID, secret, _ := r.BasicAuth()
	return a.checkSecret(ctx, clientID, secret, MethodBasic)
}

func (a *Authenticator) authenticatePost(ctx context.Context, r *http.Request) (*AuthResult, error) {
	return a.checkSecret(ctx, r.PostFormValue("client_id"), r.PostFormValue("client_secret"), MethodPost)
}

func (a *Authenticator) checkSecret(ctx context.Context, clientID, secret string, method AuthMethod) (*AuthResult, error) {
	if clientID == "" || secret == "" {
		return a.fail(ctx, clientID, method, "missing credentials")
	}
	client, err := a.activeClient(ctx, clientID)
	if err != nil {
		return a.fail(ctx, clientID, method, err.Error())
	}
	if client.IsPublic() {
		return a.fail(ctx, clientID, method, "secret supplied for public client")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return a.fail(ctx, clientID, method, "secret mismatch")
	}
	return a.succeed(ctx, client, method, ""), nil
}

// authenticatePublic accepts a bare client_id only when the stored client
// truly has no secret.
func (a *Authenticator) authenticatePublic(ctx context.Context, r *http.Request) (*AuthResult, error) {
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		return a.fail(ctx, "", MethodNone, "no credentials presented")
	}
	client, err := a.activeClient(ctx, clientID)
	if err != nil {
		return a.fail(ctx, clientID, MethodNone, err.Error())
	}
	if !client.IsPublic() {
		return a.fail(ctx, clientID, MethodNone, "confidential client without credentials")
	}
	return a.succeed(ctx, client, MethodNone, ""), nil
}

func (a *Authenticator) activeClient(ctx context.Context, clientID string) (*db.Client, error) {
	client, err := a.db.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, ErrClientNotFound
	}
	if client.Revoked {
		return nil, ErrClientRevoked
	}
	return client, nil
}

func (a *Authenticator) succeed(ctx context.Context, client *db.Client, method AuthMethod, thumbprint string) *AuthResult {
	a.sink.Emit(ctx, events.Event{
		Type:     events.TypeClientAuthOK,
		ClientID: client.ClientID,
		Detail:   method.String(),
	})
	return &AuthResult{
		Authenticated:  true,
		ClientID:       client.ClientID,
		Method:         method,
		Client:         client,
		MTLSThumbprint: thumbprint,
	}
}

func (a *Authenticator) fail(ctx context.Context, clientID string, method AuthMethod, reason string) (*AuthResult, error) {
	a.sink.Emit(ctx, events.Event{
		Type:     events.TypeClientAuthFailed,
		ClientID: clientID,
		Detail:   fmt.Sprintf("%s: %s", method, reason),
	})
	return &AuthResult{ClientID: clientID, Method: method}, ErrInvalidClient
}

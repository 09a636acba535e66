// Package handlers exposes the OAuth endpoints over HTTP and translates
// engine errors into the OAuth error vocabulary.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"authserver/internal/auth"
	"authserver/internal/ciba"
	"authserver/internal/clients"
	"authserver/internal/db"
	"authserver/internal/device"
	"authserver/internal/logging"
	"authserver/internal/scopes"
)

type Handler struct {
	db            db.Store
	directory     *clients.Directory
	authenticator *clients.Authenticator
	tokens        *auth.Service
	device        *device.Service
	ciba          *ciba.Service
	registry      *scopes.Registry
	logger        *logging.Logger
	issuer        string
}

type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func NewHandler(database db.Store, directory *clients.Directory, authenticator *clients.Authenticator, tokens *auth.Service, deviceService *device.Service, cibaService *ciba.Service, registry *scopes.Registry, logger *logging.Logger, issuer string) *Handler {
	return &Handler{
		db:            database,
		directory:     directory,
		authenticator: authenticator,
		tokens:        tokens,
		device:        deviceService,
		ciba:          cibaService,
		registry:      registry,
		logger:        logger,
		issuer:        issuer,
	}
}

// RegisterRoutes mounts all endpoints. adminGuards, if any, wrap the /api
// subrouter; the protocol endpoints carry their own client authentication.
func (h *Handler) RegisterRoutes(r *mux.Router, adminGuards ...mux.MiddlewareFunc) {
	r.HandleFunc("/authorize", h.Authorize).Methods("GET", "POST")
	r.HandleFunc("/oauth/token", h.Token).Methods("POST")
	r.HandleFunc("/introspect", h.Introspect).Methods("POST")
	r.HandleFunc("/revoke", h.Revoke).Methods("POST")
	r.HandleFunc("/userinfo", h.UserInfo).Methods("GET")

	r.HandleFunc("/device/authorize", h.DeviceAuthorize).Methods("POST")
	r.HandleFunc("/device/token", h.DeviceToken).Methods("POST")
	r.HandleFunc("/device", h.DeviceVerification).Methods("GET", "POST")

	r.HandleFunc("/ciba", h.BackchannelAuthorize).Methods("POST")
	r.HandleFunc("/ciba/complete", h.BackchannelComplete).Methods("POST")

	r.HandleFunc("/.well-known/oauth-authorization-server", h.ServerMetadata).Methods("GET")
	r.HandleFunc("/.well-known/openid-configuration", h.ServerMetadata).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(adminGuards...)
	api.HandleFunc("/clients", h.CreateClient).Methods("POST")
	api.HandleFunc("/clients", h.ListClients).Methods("GET")
	api.HandleFunc("/clients/{client_id}", h.RevokeClient).Methods("DELETE")
	api.HandleFunc("/clients/{client_id}/secret", h.RotateClientSecret).Methods("POST")
	api.HandleFunc("/users", h.CreateUser).Methods("POST")
	api.HandleFunc("/scopes", h.CreateScope).Methods("POST")
	api.HandleFunc("/scopes", h.ListScopes).Methods("GET")
	api.HandleFunc("/scopes/{name}", h.DeleteScope).Methods("DELETE")
}

// Token is the single token endpoint; the grant_type parameter picks the
// flow. Every grant authenticates the caller first.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "Malformed form body", http.StatusBadRequest)
		return
	}

	result, err := h.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		h.handleTokenError(w, err)
		return
	}
	client := result.Client

	var response *auth.TokenResponse
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		response, err = h.tokens.ExchangeCodeForToken(
			r.Context(),
			client,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
		)
	case "refresh_token":
		response, err = h.tokens.RefreshAccessToken(r.Context(), client, r.PostFormValue("refresh_token"))
	case "client_credentials":
		response, err = h.tokens.ClientCredentialsGrant(r.Context(), client, scopes.Split(r.PostFormValue("scope")))
	case device.GrantType:
		response, err = h.device.PollDeviceToken(r.Context(), client, r.PostFormValue("device_code"))
	case ciba.GrantType:
		response, err = h.ciba.ExchangeCIBAForTokens(r.Context(), client, r.PostFormValue("auth_req_id"))
	default:
		h.sendError(w, "unsupported_grant_type", "Grant type not supported", http.StatusBadRequest)
		return
	}

	if err != nil {
		h.handleTokenError(w, err)
		return
	}
	json.NewEncoder(w).Encode(response)
}

// Introspect implements RFC 7662. The endpoint requires client
// authentication but never reveals why a token is inactive.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "Malformed form body", http.StatusBadRequest)
		return
	}

	if _, err := h.authenticator.Authenticate(r.Context(), r); err != nil {
		h.sendError(w, "invalid_client", "Client authentication failed", http.StatusUnauthorized)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.sendError(w, "invalid_request", "token parameter required", http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(h.tokens.Introspect(r.Context(), token))
}

// Revoke implements RFC 7009: always 200, even for unknown tokens.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "Malformed form body", http.StatusBadRequest)
		return
	}

	result, err := h.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		h.sendError(w, "invalid_client", "Client authentication failed", http.StatusUnauthorized)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.sendError(w, "invalid_request", "token parameter required", http.StatusBadRequest)
		return
	}

	if err := h.tokens.Revoke(r.Context(), result.Client, token); err != nil {
		h.logger.WithError(err).Error("revocation failed")
		h.sendError(w, "server_error", "Revocation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UserInfo serves OIDC userinfo for tokens carrying a user subject.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	token := extractBearerToken(r)
	if token == "" {
		h.sendError(w, "invalid_request", "Bearer token required", http.StatusUnauthorized)
		return
	}

	introspection := h.tokens.Introspect(r.Context(), token)
	if !introspection.Active {
		h.sendError(w, "invalid_token", "Token is invalid", http.StatusUnauthorized)
		return
	}
	if introspection.Subject == "" {
		h.sendError(w, "invalid_token", "Token not associated with a user", http.StatusBadRequest)
		return
	}

	user, err := h.lookupUser(r.Context(), introspection.Subject)
	if err != nil {
		h.sendError(w, "server_error", "Failed to load user", http.StatusInternalServerError)
		return
	}

	granted := scopes.Split(introspection.Scope)
	response := map[string]interface{}{"sub": user.ID}
	if scopes.HasScope(granted, "profile") {
		response["username"] = user.Username
	}
	if scopes.HasScope(granted, "email") {
		response["email"] = user.Email
	}
	json.NewEncoder(w).Encode(response)
}

// ServerMetadata serves RFC 8414 / OIDC discovery metadata.
func (h *Handler) ServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"issuer":                                h.issuer,
		"authorization_endpoint":                h.issuer + "/authorize",
		"token_endpoint":                        h.issuer + "/oauth/token",
		"introspection_endpoint":                h.issuer + "/introspect",
		"revocation_endpoint":                   h.issuer + "/revoke",
		"userinfo_endpoint":                     h.issuer + "/userinfo",
		"device_authorization_endpoint":         h.issuer + "/device/authorize",
		"backchannel_authentication_endpoint":   h.issuer + "/ciba",
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials", device.GrantType, ciba.GrantType},
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"plain", "S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "client_secret_jwt", "private_key_jwt", "tls_client_auth", "none"},
		"backchannel_token_delivery_modes_supported": []string{ciba.ModePoll, ciba.ModePing, ciba.ModePush},
		"scopes_supported": h.scopeNames(r),
	})
}

func (h *Handler) scopeNames(r *http.Request) []string {
	all, err := h.registry.GetAllScopes(r.Context())
	if err != nil {
		return nil
	}
	return scopes.Names(all)
}

func (h *Handler) sendError(w http.ResponseWriter, errorType, description string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errorType, ErrorDescription: description})
}

// handleTokenError maps engine sentinels onto the wire vocabulary shared by
// RFC 6749, RFC 8628 and CIBA.
func (h *Handler) handleTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clients.ErrInvalidClient):
		h.sendError(w, "invalid_client", "Client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInvalidGrant):
		h.sendError(w, "invalid_grant", "Grant is invalid, expired or already used", http.StatusBadRequest)
	case errors.Is(err, auth.ErrInvalidRequest):
		h.sendError(w, "invalid_request", "Request is malformed", http.StatusBadRequest)
	case errors.Is(err, auth.ErrUnauthorizedClient):
		h.sendError(w, "unauthorized_client", "Client may not use this grant type", http.StatusBadRequest)
	case errors.Is(err, auth.ErrUnsupportedGrant):
		h.sendError(w, "unsupported_grant_type", "Grant type not supported", http.StatusBadRequest)
	case errors.Is(err, scopes.ErrInvalidScope):
		h.sendError(w, "invalid_scope", "Requested scope is invalid", http.StatusBadRequest)
	case errors.Is(err, device.ErrAuthorizationPending), errors.Is(err, ciba.ErrAuthorizationPending):
		h.sendError(w, "authorization_pending", "User has not yet approved the request", http.StatusBadRequest)
	case errors.Is(err, device.ErrSlowDown):
		h.sendError(w, "slow_down", "Polling interval not respected", http.StatusBadRequest)
	case errors.Is(err, device.ErrExpiredToken), errors.Is(err, ciba.ErrExpiredToken):
		h.sendError(w, "expired_token", "The request expired before approval", http.StatusBadRequest)
	case errors.Is(err, ciba.ErrAccessDenied):
		h.sendError(w, "access_denied", "User denied the request", http.StatusBadRequest)
	case errors.Is(err, ciba.ErrUnknownUser):
		h.sendError(w, "unknown_user_id", "Login hint matches no user", http.StatusBadRequest)
	case errors.Is(err, ciba.ErrRequestNotFound):
		h.sendError(w, "invalid_grant", "Unknown auth_req_id", http.StatusBadRequest)
	case errors.Is(err, ciba.ErrInvalidBinding), errors.Is(err, ciba.ErrInvalidUserCode):
		h.sendError(w, "invalid_request", "Request is malformed", http.StatusBadRequest)
	default:
		h.logger.WithError(err).Error("token endpoint failure")
		h.sendError(w, "server_error", "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) lookupUser(ctx context.Context, subject string) (*db.User, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return nil, err
	}
	return h.db.GetUserByID(ctx, id)
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

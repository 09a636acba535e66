package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"authserver/internal/auth"
	"authserver/internal/clients"
	"authserver/internal/db"
	"authserver/internal/scopes"
)

type createClientRequest struct {
	Name                     string   `json:"name"`
	UserID                   string   `json:"user_id,omitempty"`
	RedirectURIs             []string `json:"redirect_uris"`
	GrantTypes               []string `json:"grant_types"`
	Public                   bool     `json:"public"`
	PersonalAccessClient     bool     `json:"personal_access_client"`
	PasswordClient           bool     `json:"password_client"`
	CIBAMode                 string   `json:"ciba_mode,omitempty"`
	CIBANotificationEndpoint string   `json:"ciba_notification_endpoint,omitempty"`
}

// CreateClient registers an OAuth client. The plaintext secret appears in
// this response only; the stored copy is a bcrypt hash.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid_request", "Malformed JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.sendError(w, "invalid_request", "name is required", http.StatusBadRequest)
		return
	}

	input := clients.CreateClientInput{
		Name:                     req.Name,
		RedirectURIs:             req.RedirectURIs,
		GrantTypes:               req.GrantTypes,
		Public:                   req.Public,
		PersonalAccessClient:     req.PersonalAccessClient,
		PasswordClient:           req.PasswordClient,
		CIBAMode:                 req.CIBAMode,
		CIBANotificationEndpoint: req.CIBANotificationEndpoint,
	}
	if req.UserID != "" {
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			h.sendError(w, "invalid_request", "user_id is not a valid UUID", http.StatusBadRequest)
			return
		}
		input.UserID = &userID
	}

	client, secret, err := h.directory.CreateClient(r.Context(), input)
	if err != nil {
		h.logger.WithError(err).Error("client registration failed")
		h.sendError(w, "server_error", "Failed to create client", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"client_id":     client.ClientID,
		"name":          client.Name,
		"redirect_uris": client.RedirectURIs,
		"grant_types":   client.GrantTypes,
		"public":        client.IsPublic(),
	}
	if secret != "" {
		response["client_secret"] = secret
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	list, err := h.directory.ListClients(r.Context())
	if err != nil {
		h.sendError(w, "server_error", "Failed to list clients", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(list)
}

// RevokeClient disables a client and blacklists nothing retroactively;
// issued tokens die at their natural expiry.
func (h *Handler) RevokeClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	clientID := mux.Vars(r)["client_id"]
	if err := h.directory.RevokeClient(r.Context(), clientID); err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			h.sendError(w, "invalid_request", "Unknown client", http.StatusNotFound)
			return
		}
		h.sendError(w, "server_error", "Failed to revoke client", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RotateClientSecret(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	clientID := mux.Vars(r)["client_id"]
	secret, err := h.directory.RegenerateSecret(r.Context(), clientID)
	if err != nil {
		switch {
		case errors.Is(err, clients.ErrClientNotFound):
			h.sendError(w, "invalid_request", "Unknown client", http.StatusNotFound)
		case errors.Is(err, clients.ErrSecretNotAllowed):
			h.sendError(w, "invalid_request", "Client does not use a secret", http.StatusBadRequest)
		default:
			h.sendError(w, "server_error", "Failed to rotate secret", http.StatusInternalServerError)
		}
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"client_id": clientID, "client_secret": secret})
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid_request", "Malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		h.sendError(w, "invalid_request", "username, email and password are required", http.StatusBadRequest)
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		h.sendError(w, "server_error", "Failed to hash password", http.StatusInternalServerError)
		return
	}

	user := &db.User{
		Username: req.Username,
		Email:    req.Email,
		Password: hashed,
	}
	if err := h.db.CreateUser(r.Context(), user); err != nil {
		h.sendError(w, "server_error", "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

type createScopeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default"`
}

func (h *Handler) CreateScope(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req createScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid_request", "Malformed JSON body", http.StatusBadRequest)
		return
	}

	scope := &db.Scope{Name: req.Name, Description: req.Description, IsDefault: req.IsDefault}
	if err := h.registry.CreateScope(r.Context(), scope); err != nil {
		switch {
		case errors.Is(err, scopes.ErrInvalidScope):
			h.sendError(w, "invalid_request", "Invalid scope name", http.StatusBadRequest)
		case errors.Is(err, scopes.ErrScopeConflict):
			h.sendError(w, "invalid_request", "Scope already exists", http.StatusConflict)
		default:
			h.sendError(w, "server_error", "Failed to create scope", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(scope)
}

func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	list, err := h.registry.GetAllScopes(r.Context())
	if err != nil {
		h.sendError(w, "server_error", "Failed to list scopes", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(list)
}

func (h *Handler) DeleteScope(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	name := mux.Vars(r)["name"]
	if err := h.registry.DeleteScope(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, scopes.ErrScopeProtected):
			h.sendError(w, "invalid_request", "Scope cannot be deleted", http.StatusBadRequest)
		default:
			h.sendError(w, "server_error", "Failed to delete scope", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

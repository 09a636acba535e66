package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authserver/internal/ciba"
	"authserver/internal/scopes"
)

// BackchannelAuthorize opens a CIBA transaction for an authenticated client.
func (h *Handler) BackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
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

	request := ciba.AuthRequest{
		LoginHint:      strings.TrimSpace(r.PostFormValue("login_hint")),
		IDTokenHint:    strings.TrimSpace(r.PostFormValue("id_token_hint")),
		LoginHintToken: strings.TrimSpace(r.PostFormValue("login_hint_token")),
		Scope:          scopes.Split(r.PostFormValue("scope")),
		BindingMessage: r.PostFormValue("binding_message"),
		UserCode:       strings.TrimSpace(r.PostFormValue("user_code")),
	}
	if raw := r.PostFormValue("requested_expiry"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds <= 0 {
			h.sendError(w, "invalid_request", "requested_expiry must be a positive integer", http.StatusBadRequest)
			return
		}
		request.RequestedExpiry = time.Duration(seconds) * time.Second
	}

	response, err := h.ciba.CreateBackchannelAuthRequest(r.Context(), result.Client, request)
	if err != nil {
		h.handleTokenError(w, err)
		return
	}
	json.NewEncoder(w).Encode(response)
}

// BackchannelComplete records the user's decision on a pending transaction.
// In a deployment this sits behind the authentication device's session; here
// the user proves themselves with credentials in the same request.
func (h *Handler) BackchannelComplete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseForm(); err != nil {
		h.sendError(w, "invalid_request", "Malformed form body", http.StatusBadRequest)
		return
	}

	authReqID := strings.TrimSpace(r.PostFormValue("auth_req_id"))
	if authReqID == "" {
		h.sendError(w, "invalid_request", "auth_req_id parameter required", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	user, err := h.tokens.AuthenticateUser(r.Context(), username, password)
	if err != nil {
		h.sendError(w, "access_denied", "Invalid credentials", http.StatusUnauthorized)
		return
	}

	approved := r.PostFormValue("decision") == "approve"
	if err := h.ciba.CompleteUserAuthentication(r.Context(), authReqID, user.ID, approved); err != nil {
		h.handleTokenError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}

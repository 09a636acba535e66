package handlers

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"authserver/internal/clients"
	"authserver/internal/scopes"
)

var consentTemplate = template.Must(template.New("authorize").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize Application</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 600px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f7fa;
            color: #333;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
        }
        h2 { color: #2c3e50; text-align: center; }
        .form-group { margin-bottom: 20px; }
        label { display: block; margin-bottom: 8px; font-weight: 600; color: #555; }
        input {
            width: 100%;
            padding: 12px;
            border: 2px solid #e1e8ed;
            border-radius: 6px;
            font-size: 16px;
            box-sizing: border-box;
        }
        .button-group { display: flex; gap: 12px; margin-top: 30px; }
        button {
            flex: 1;
            padding: 12px 24px;
            border: none;
            border-radius: 6px;
            cursor: pointer;
            font-size: 16px;
            font-weight: 600;
        }
        .btn-authorize { background: #28a745; color: white; }
        .btn-deny { background: #dc3545; color: white; }
        .client-info {
            background: #f8f9fa;
            padding: 20px;
            border-radius: 6px;
            margin-bottom: 25px;
            border-left: 4px solid #007bff;
        }
        .scopes { background: #e7f3ff; padding: 15px; border-radius: 6px; margin-top: 15px; }
    </style>
</head>
<body>
    <div class="container">
        <h2>Authorize Application</h2>
        <div class="client-info">
            <h3>{{.ClientName}}</h3>
            <p>This application is requesting access to your account.</p>
            {{if .Scopes}}
            <div class="scopes">
                <strong>Requested permissions:</strong>
                <ul>
                    {{range .Scopes}}<li>{{.}}</li>{{end}}
                </ul>
            </div>
            {{end}}
        </div>

        <form method="post">
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            <input type="hidden" name="state" value="{{.State}}">
            <input type="hidden" name="nonce" value="{{.Nonce}}">
            <input type="hidden" name="response_type" value="code">
            <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
            <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">

            <div class="form-group">
                <label for="username">Username</label>
                <input type="text" id="username" name="username" required autocomplete="username">
            </div>

            <div class="form-group">
                <label for="password">Password</label>
                <input type="password" id="password" name="password" required autocomplete="current-password">
            </div>

            <div class="button-group">
                <button type="submit" name="action" value="authorize" class="btn-authorize">Authorize</button>
                <button type="submit" name="action" value="deny" class="btn-deny">Deny</button>
            </div>
        </form>
    </div>
</body>
</html>`))

type consentPageData struct {
	ClientID            string
	ClientName          string
	RedirectURI         string
	Scope               string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.showAuthorizePage(w, r)
		return
	}
	h.handleAuthorizePost(w, r)
}

func (h *Handler) showAuthorizePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := strings.TrimSpace(q.Get("client_id"))
	redirectURI := strings.TrimSpace(q.Get("redirect_uri"))
	scope := strings.TrimSpace(q.Get("scope"))
	state := strings.TrimSpace(q.Get("state"))
	nonce := strings.TrimSpace(q.Get("nonce"))
	responseType := strings.TrimSpace(q.Get("response_type"))
	codeChallenge := strings.TrimSpace(q.Get("code_challenge"))
	codeChallengeMethod := strings.TrimSpace(q.Get("code_challenge_method"))

	// Redirect URI and client must be verified before any error is sent
	// to the redirect target.
	if clientID == "" || redirectURI == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	client, err := h.directory.GetActiveClient(r.Context(), clientID)
	if err != nil {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}
	if err := clients.ValidateRedirectURI(client, redirectURI); err != nil {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}

	if responseType != "code" {
		http.Redirect(w, r, errorRedirectURL(redirectURI, "unsupported_response_type", "Only the code response type is supported", state), http.StatusFound)
		return
	}

	requested := scopes.Split(scope)
	if _, err := h.registry.ValidateScopes(r.Context(), requested); err != nil {
		http.Redirect(w, r, errorRedirectURL(redirectURI, "invalid_scope", "Invalid scope requested", state), http.StatusFound)
		return
	}

	data := consentPageData{
		ClientID:            clientID,
		ClientName:          client.Name,
		RedirectURI:         redirectURI,
		Scope:               scope,
		Scopes:              requested,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTemplate.Execute(w, data); err != nil {
		h.logger.WithError(err).Error("consent page render failed")
	}
}

func (h *Handler) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	action := strings.TrimSpace(r.FormValue("action"))
	clientID := strings.TrimSpace(r.FormValue("client_id"))
	redirectURI := strings.TrimSpace(r.FormValue("redirect_uri"))
	scope := strings.TrimSpace(r.FormValue("scope"))
	state := strings.TrimSpace(r.FormValue("state"))
	nonce := strings.TrimSpace(r.FormValue("nonce"))
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	codeChallenge := strings.TrimSpace(r.FormValue("code_challenge"))
	codeChallengeMethod := strings.TrimSpace(r.FormValue("code_challenge_method"))

	if clientID == "" || redirectURI == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	client, err := h.directory.GetActiveClient(r.Context(), clientID)
	if err != nil {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}
	if err := clients.ValidateRedirectURI(client, redirectURI); err != nil {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}

	if action == "deny" {
		http.Redirect(w, r, errorRedirectURL(redirectURI, "access_denied", "User denied the request", state), http.StatusFound)
		return
	}

	user, err := h.tokens.AuthenticateUser(r.Context(), username, password)
	if err != nil {
		http.Redirect(w, r, errorRedirectURL(redirectURI, "access_denied", "Invalid credentials", state), http.StatusFound)
		return
	}

	code, err := h.tokens.CreateAuthorizationCode(r.Context(), user.ID, client, redirectURI, scopes.Split(scope), codeChallenge, codeChallengeMethod, nonce)
	if err != nil {
		h.logger.WithError(err).WithClientID(clientID).Error("authorization code issuance failed")
		http.Redirect(w, r, errorRedirectURL(redirectURI, "server_error", "Failed to create authorization code", state), http.StatusFound)
		return
	}

	http.Redirect(w, r, codeRedirectURL(redirectURI, code.Code, state), http.StatusFound)
}

func codeRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func errorRedirectURL(redirectURI, errorType, description, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", errorType)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

package handlers

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"authserver/internal/scopes"
)

var deviceTemplate = template.Must(template.New("device").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Device Activation</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 480px;
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
        input[name="user_code"] { text-transform: uppercase; letter-spacing: 2px; }
        button {
            width: 100%;
            padding: 12px 24px;
            border: none;
            border-radius: 6px;
            cursor: pointer;
            font-size: 16px;
            font-weight: 600;
            background: #28a745;
            color: white;
        }
        .message { padding: 15px; border-radius: 6px; margin-bottom: 20px; }
        .error { background: #f8d7da; color: #721c24; }
        .success { background: #d4edda; color: #155724; }
    </style>
</head>
<body>
    <div class="container">
        <h2>Activate Your Device</h2>
        {{if .Error}}<div class="message error">{{.Error}}</div>{{end}}
        {{if .Success}}
        <div class="message success">Device authorized. You can return to your device.</div>
        {{else}}
        <form method="post">
            <div class="form-group">
                <label for="user_code">Code shown on your device</label>
                <input type="text" id="user_code" name="user_code" value="{{.UserCode}}" required autocomplete="off">
            </div>
            <div class="form-group">
                <label for="username">Username</label>
                <input type="text" id="username" name="username" required autocomplete="username">
            </div>
            <div class="form-group">
                <label for="password">Password</label>
                <input type="password" id="password" name="password" required autocomplete="current-password">
            </div>
            <button type="submit">Authorize Device</button>
        </form>
        {{end}}
    </div>
</body>
</html>`))

type devicePageData struct {
	UserCode string
	Error    string
	Success  bool
}

// DeviceAuthorize is the RFC 8628 device authorization endpoint.
func (h *Handler) DeviceAuthorize(w http.ResponseWriter, r *http.Request) {
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

	response, err := h.device.CreateDeviceAuthorization(r.Context(), result.Client, scopes.Split(r.PostFormValue("scope")))
	if err != nil {
		h.handleTokenError(w, err)
		return
	}
	json.NewEncoder(w).Encode(response)
}

// DeviceToken is the dedicated polling endpoint. The shared token endpoint
// accepts the same poll under the device grant type.
func (h *Handler) DeviceToken(w http.ResponseWriter, r *http.Request) {
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

	response, err := h.device.PollDeviceToken(r.Context(), result.Client, r.PostFormValue("device_code"))
	if err != nil {
		h.handleTokenError(w, err)
		return
	}
	json.NewEncoder(w).Encode(response)
}

// DeviceVerification is the interactive page behind verification_uri.
func (h *Handler) DeviceVerification(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if r.Method == http.MethodGet {
		h.renderDevicePage(w, devicePageData{UserCode: strings.TrimSpace(r.URL.Query().Get("user_code"))})
		return
	}

	if err := r.ParseForm(); err != nil {
		h.renderDevicePage(w, devicePageData{Error: "Invalid form data"})
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(r.FormValue("user_code")))
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	user, err := h.tokens.AuthenticateUser(r.Context(), username, password)
	if err != nil {
		h.renderDevicePage(w, devicePageData{UserCode: userCode, Error: "Invalid credentials"})
		return
	}

	if err := h.device.Authorize(r.Context(), userCode, user.ID); err != nil {
		h.renderDevicePage(w, devicePageData{UserCode: userCode, Error: "Code not recognized or expired"})
		return
	}
	h.renderDevicePage(w, devicePageData{Success: true})
}

func (h *Handler) renderDevicePage(w http.ResponseWriter, data devicePageData) {
	if err := deviceTemplate.Execute(w, data); err != nil {
		h.logger.WithError(err).Error("device page render failed")
	}
}

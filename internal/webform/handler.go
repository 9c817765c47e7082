package webform

import (
	"errors"
	"html/template"
	"net"
	"net/http"
	"time"

	"ugbridge/internal/authserver"
	"ugbridge/internal/metrics"
	"ugbridge/pkg/logging"
)

const (
	maxLoginAttempts = 5
	loginWindow      = time.Minute
)

// Handler serves GET and POST for the login form that completes an OAuth
// authorization session.
type Handler struct {
	provider *authserver.Provider
	csrf     *csrfStore
	limiter  *LoginRateLimiter
	metrics  *metrics.Metrics
}

// NewHandler creates a login form handler bound to the provider.
func NewHandler(provider *authserver.Provider, m *metrics.Metrics) *Handler {
	return &Handler{
		provider: provider,
		csrf:     newCSRFStore(),
		limiter:  NewLoginRateLimiter(maxLoginAttempts, loginWindow),
		metrics:  m,
	}
}

// RegisterRoutes mounts the login form on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/login", h.handleLogin)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.renderForm(w, r.URL.Query().Get("session_id"))
	case http.MethodPost:
		h.processLogin(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) processLogin(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientIP(r)) {
		h.metrics.RateLimited.Inc()
		setSecurityHeaders(w)
		http.Error(w, "too many login attempts, try again later", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, "Malformed form submission.")
		return
	}
	sessionID := r.PostFormValue("session_id")

	if !h.csrf.Consume(r.PostFormValue("csrf_token"), sessionID) {
		logging.Warn("WebForm", "CSRF validation failed for login submission from %s", clientIP(r))
		h.renderErrorPage(w, http.StatusForbidden, "The form has expired. Restart the sign-in from your client.")
		return
	}

	h.metrics.LoginAttempts.Inc()
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	redirect, err := h.provider.CompleteAuthorization(r.Context(), sessionID, username, password)
	if err != nil {
		h.metrics.LoginFailures.Inc()

		var authErr *authserver.AuthorizeError
		if errors.As(err, &authErr) && authErr.Code == authserver.ErrorAccessDenied {
			// The session was consumed, so a retry needs a fresh authorize
			// round from the client.
			h.renderErrorPage(w, http.StatusUnauthorized, "Invalid username or password. Restart the sign-in from your client.")
			return
		}
		logging.Error("WebForm", err, "Authorization completion failed")
		h.renderErrorPage(w, http.StatusBadRequest, "Sign-in could not be completed. Restart the flow from your client.")
		return
	}

	h.metrics.LoginSuccesses.Inc()
	http.Redirect(w, r, redirect, http.StatusFound)
}

var formTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>UG Bridge Sign-In</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #f5f5f5; display: flex; justify-content: center; padding-top: 10vh; }
    .card { background: white; border-radius: 8px; padding: 2rem; box-shadow: 0 2px 8px rgba(0,0,0,0.1); width: 320px; }
    h1 { font-size: 1.2rem; margin-top: 0; }
    label { display: block; margin-top: 1rem; font-size: 0.9rem; }
    input { width: 100%; padding: 0.5rem; margin-top: 0.25rem; box-sizing: border-box; }
    button { margin-top: 1.5rem; width: 100%; padding: 0.6rem; background: #1a73e8; color: white; border: none; border-radius: 4px; cursor: pointer; }
    .error { color: #c5221f; font-size: 0.9rem; margin-top: 1rem; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Sign in to UG Bridge</h1>
    <form method="post" action="/oauth/login">
      <input type="hidden" name="session_id" value="{{.SessionID}}">
      <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
      <label>Username
        <input type="text" name="username" autocomplete="username" required autofocus>
      </label>
      <label>Password
        <input type="password" name="password" autocomplete="current-password" required>
      </label>
      <button type="submit">Sign in</button>
    </form>
  </div>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>UG Bridge Sign-In</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #f5f5f5; display: flex; justify-content: center; padding-top: 10vh; }
    .card { background: white; border-radius: 8px; padding: 2rem; box-shadow: 0 2px 8px rgba(0,0,0,0.1); width: 320px; }
    h1 { font-size: 1.2rem; margin-top: 0; color: #c5221f; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Sign-in failed</h1>
    <p>{{.Message}}</p>
  </div>
</body>
</html>
`))

func (h *Handler) renderForm(w http.ResponseWriter, sessionID string) {
	if sessionID == "" {
		h.renderErrorPage(w, http.StatusBadRequest, "Missing authorization session. Start the sign-in from your client.")
		return
	}

	csrfToken, err := h.csrf.Issue(sessionID)
	if err != nil {
		logging.Error("WebForm", err, "Failed to issue CSRF token")
		h.renderErrorPage(w, http.StatusInternalServerError, "Could not prepare the sign-in form.")
		return
	}

	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := formTemplate.Execute(w, map[string]string{
		"SessionID": sessionID,
		"CSRFToken": csrfToken,
	}); err != nil {
		logging.Error("WebForm", err, "Failed to render login form")
	}
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorTemplate.Execute(w, map[string]string{"Message": message}); err != nil {
		logging.Error("WebForm", err, "Failed to render error page")
	}
}

// setSecurityHeaders sets recommended security headers for HTML responses.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

// clientIP extracts the remote IP without the port. Proxy headers are
// deliberately ignored; the bridge is expected to face clients directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// App bundles runtime dependencies for the identity provider.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *Store
	Creds    *CredentialStore
	Clients  *ClientRegistry
	Sessions *SessionManager
	Codes    *CodeIssuer
	Tokens   *TokenService
	Keys     *KeyManager
	Metrics  *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store := NewStore()
	metrics := NewMetrics()

	creds, err := NewCredentialStore(cfg.Users)
	if err != nil {
		return nil, err
	}
	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}
	keys, err := NewKeyManager(0, logger)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionManager(cfg, store, creds, logger)
	codes := NewCodeIssuer(cfg, store, clients, sessions, logger)
	tokens := NewTokenService(cfg, store, creds, keys, logger, metrics)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Creds:    creds,
		Clients:  clients,
		Sessions: sessions,
		Codes:    codes,
		Tokens:   tokens,
		Keys:     keys,
		Metrics:  metrics,
	}, nil
}

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	Role            string `json:"role"`
	CertFingerprint string `json:"cert_fingerprint"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password required")
		return
	}
	role := Role(req.Role)
	if req.Role == "" {
		role = RoleStudent
	}
	if !ValidRole(role) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown role")
		return
	}

	fingerprint := normalizeFingerprint(req.CertFingerprint)
	if fingerprint == "" {
		fingerprint = FingerprintFromRequest(r)
	}

	user, err := a.Creds.Register(req.Username, req.Password, role, fingerprint)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusConflict, "user_exists", "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "registration failed")
		return
	}

	a.Logger.Info("user registered", "username", user.Username, "role", user.Role, "bound", user.Bound())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"username": user.Username, "role": user.Role})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}

	sess, err := a.Sessions.Login(req.Username, req.Password, FingerprintFromRequest(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrCertificateMismatch):
			a.Metrics.Logins.WithLabelValues("certificate_mismatch").Inc()
			writeError(w, http.StatusUnauthorized, "certificate_mismatch", "client certificate mismatch")
		default:
			a.Metrics.Logins.WithLabelValues("failure").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		}
		return
	}

	user, _ := a.Creds.Lookup(sess.Subject)
	a.Metrics.Logins.WithLabelValues("success").Inc()
	a.Sessions.SetCookie(w, sess)
	writeJSON(w, map[string]any{
		"session_token": sess.ID,
		"username":      sess.Subject,
		"role":          user.Role,
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Logout(SessionIDFromRequest(r))
	a.Sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		writeError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	code, err := a.Codes.Issue(SessionIDFromRequest(r), clientID, redirectURI, scope)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoSession):
			a.redirectToLogin(w, r)
		case errors.Is(err, ErrUnknownClient):
			writeError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		case errors.Is(err, ErrRedirectMismatch):
			// Never redirect to an unregistered URI.
			writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
		case errors.Is(err, ErrScopeNotAllowed):
			writeError(w, http.StatusBadRequest, "invalid_scope", "scope not allowed for client")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", "failed to issue code")
		}
		return
	}
	a.Metrics.CodesIssued.Inc()

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	values := redirect.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// redirectToLogin sends an unauthenticated browser to the login page with a
// return pointer. Header-authenticated callers get a JSON 401 instead.
func (a *App) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	if a.Config.Server.LoginURL == "" || r.Header.Get(SessionHeader) != "" {
		writeError(w, http.StatusUnauthorized, "no_session", "login required")
		return
	}
	login, err := url.Parse(a.Config.Server.LoginURL)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no_session", "login required")
		return
	}
	values := login.Query()
	values.Set("return_to", r.URL.String())
	login.RawQuery = values.Encode()
	http.Redirect(w, r, login.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	clientID, clientSecret := a.clientCredentials(r)

	switch r.FormValue("grant_type") {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, clientID, clientSecret)
	case "refresh_token":
		a.handleTokenRefresh(w, r, clientID, clientSecret)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, clientID, clientSecret string) {
	code, err := a.Codes.Redeem(r.FormValue("code"), clientID, clientSecret, r.FormValue("redirect_uri"))
	if err != nil {
		switch {
		case errors.Is(err, ErrClientAuthFailed):
			writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		default:
			// Invalid, expired, consumed, or mismatched codes all collapse
			// to invalid_grant on the wire.
			writeError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		}
		return
	}

	pair, err := a.Tokens.IssueTokens(code.Subject, code.ClientID, code.Scope, code.Fingerprint)
	if err != nil {
		a.Logger.Error("issue tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	writeJSON(w, pair)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, clientID, clientSecret string) {
	client, err := a.Clients.Authenticate(clientID, clientSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	pair, err := a.Tokens.Refresh(refreshToken, client.ClientID)
	if err != nil {
		// Expired, unknown, and replayed refresh tokens are deliberately
		// indistinguishable to the caller.
		writeError(w, http.StatusBadRequest, "invalid_grant", "refresh failed")
		return
	}
	writeJSON(w, pair)
}

func (a *App) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}

	identity, err := a.Tokens.Validate(token, FingerprintFromRequest(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "token_expired", "access token expired")
		case errors.Is(err, ErrCertificateMismatch):
			writeError(w, http.StatusUnauthorized, "certificate_mismatch", "client certificate mismatch")
		default:
			writeError(w, http.StatusUnauthorized, "invalid_token", "access token invalid")
		}
		return
	}

	writeJSON(w, map[string]any{
		"active":     true,
		"subject":    identity.Subject,
		"role":       identity.Role,
		"scope":      identity.Scope,
		"client_id":  identity.ClientID,
		"expires_in": int64(time.Until(identity.ExpiresAt).Seconds()),
	})
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	clientID, clientSecret := a.clientCredentials(r)
	client, err := a.Clients.Authenticate(clientID, clientSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}

	a.Tokens.Revoke(token, client)
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// clientCredentials accepts HTTP basic auth or form fields.
func (a *App) clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}

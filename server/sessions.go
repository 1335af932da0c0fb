package server

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "ssod_session"

// SessionHeader carries the session token for non-browser callers.
const SessionHeader = "X-Session-Token"

// SessionManager authenticates users and tracks SSO sessions. Exactly one
// session per subject is active; a new login replaces the old one.
type SessionManager struct {
	store        *Store
	creds        *CredentialStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *Store, creds *CredentialStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		creds:        creds,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       cfg.Server.TLS.Enabled(),
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Login verifies the password and, when the user is bound to a certificate,
// the presented fingerprint. On success it creates a session, invalidating
// any prior session for the subject.
func (sm *SessionManager) Login(username, password, presentedFP string) (SSOSession, error) {
	user, err := sm.creds.Verify(username, password)
	if err != nil {
		return SSOSession{}, err
	}
	if user.Bound() && !fingerprintsEqual(user.CertFingerprint, normalizeFingerprint(presentedFP)) {
		return SSOSession{}, ErrCertificateMismatch
	}

	sess := SSOSession{
		ID:          sm.store.NewID(),
		Subject:     user.Username,
		Fingerprint: normalizeFingerprint(presentedFP),
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(sm.ttl),
	}
	sm.store.ReplaceSession(sess)
	return sess, nil
}

// CurrentSubject resolves a session ID to its session, treating absent and
// expired sessions alike.
func (sm *SessionManager) CurrentSubject(id string) (SSOSession, error) {
	if id == "" {
		return SSOSession{}, ErrNoSession
	}
	sess, ok := sm.store.GetSession(id)
	if !ok {
		return SSOSession{}, ErrNoSession
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return SSOSession{}, ErrNoSession
	}
	return sess, nil
}

// Logout destroys the session if present. Idempotent.
func (sm *SessionManager) Logout(id string) {
	if id == "" {
		return
	}
	sm.store.DeleteSession(id)
}

// SessionIDFromRequest extracts the session ID from the cookie or, for
// non-browser callers, the session header.
func SessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get(SessionHeader)
}

// SetCookie attaches the session cookie, HttpOnly and site-scoped.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, sess SSOSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
}

// ClearCookie removes the session cookie for logout.
func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

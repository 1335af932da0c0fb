// Package bridge is the resource-server side of the single-sign-on flow: it
// drives the browser through the identity provider's authorize endpoint,
// exchanges the callback code for tokens over the back channel, and keeps
// the token pair server-side behind an opaque site cookie. The browser only
// ever sees the local session id.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"ssod/client"
)

const defaultStateTTL = 5 * time.Minute

// Options configures a session bridge.
type Options struct {
	SiteName     string
	ClientID     string
	ClientSecret string
	// RedirectURL is this site's callback, registered at the identity
	// provider.
	RedirectURL  string
	Scopes       []string
	CookieName   string
	CookieDomain string
	Secure       bool
	StateTTL     time.Duration
	Tokens       *client.TokenClient
	Logger       *slog.Logger
}

// Bridge holds local sessions for one resource server.
type Bridge struct {
	opts   Options
	oauth  oauth2.Config
	tokens *client.TokenClient
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]pendingAuth
}

// session is the server-side record behind a site cookie. Its own lock
// serializes refresh so concurrent expired requests cannot both rotate the
// refresh token (the second rotation would read as a replay).
type session struct {
	mu        sync.Mutex
	access    string
	refresh   string
	subject   string
	createdAt time.Time
}

type pendingAuth struct {
	returnTo  string
	expiresAt time.Time
}

// New constructs a bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Tokens == nil {
		return nil, errors.New("token client required")
	}
	if opts.ClientID == "" || opts.RedirectURL == "" {
		return nil, errors.New("client id and redirect url required")
	}
	if opts.CookieName == "" {
		opts.CookieName = "site_session"
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = defaultStateTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Bridge{
		opts:   opts,
		tokens: opts.Tokens,
		logger: opts.Logger,
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.Tokens.AuthorizeURL(),
				TokenURL:  opts.Tokens.TokenURL(),
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		sessions: make(map[string]*session),
		pending:  make(map[string]pendingAuth),
	}, nil
}

// HandleLogin starts the flow: remember where the browser wanted to go and
// redirect it to the identity provider.
func (b *Bridge) HandleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := sanitizeReturnTo(r.URL.Query().Get("return_to"))
	state := uuid.NewString()

	b.mu.Lock()
	b.prunePendingLocked()
	b.pending[state] = pendingAuth{returnTo: returnTo, expiresAt: time.Now().Add(b.opts.StateTTL)}
	b.mu.Unlock()

	http.Redirect(w, r, b.oauth.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback receives (code, state) from the front channel and performs
// the back-channel exchange. Any failure terminates the flow without
// creating a local session.
func (b *Bridge) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	b.mu.Lock()
	pend, ok := b.pending[state]
	delete(b.pending, state)
	b.mu.Unlock()
	if !ok || time.Now().After(pend.expiresAt) {
		b.failLogin(w, "unknown or expired state")
		return
	}
	if errCode := q.Get("error"); errCode != "" {
		b.failLogin(w, "authorization refused")
		return
	}
	if code == "" {
		b.failLogin(w, "missing code")
		return
	}

	// Route the exchange through the token client's transport so it shares
	// CA trust and the bounded timeout.
	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, b.tokens.HTTPClient())
	ctx, cancel := context.WithTimeout(ctx, client.DefaultTimeout)
	defer cancel()

	tok, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		b.logger.Error("code exchange failed", "site", b.opts.SiteName, "error", err)
		b.failLogin(w, "login failed")
		return
	}

	subject, _ := tok.Extra("subject").(string)
	id := uuid.NewString()
	b.mu.Lock()
	b.sessions[id] = &session{
		access:    tok.AccessToken,
		refresh:   tok.RefreshToken,
		subject:   subject,
		createdAt: time.Now(),
	}
	b.mu.Unlock()

	b.setCookie(w, id)
	b.logger.Info("session established", "site", b.opts.SiteName, "subject", subject)
	http.Redirect(w, r, pend.returnTo, http.StatusFound)
}

// HandleLogout revokes the held token pair and deletes the local mapping.
// Idempotent: a missing or stale cookie still clears state and succeeds.
func (b *Bridge) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if id := b.sessionID(r); id != "" {
		b.mu.Lock()
		sess, ok := b.sessions[id]
		delete(b.sessions, id)
		b.mu.Unlock()

		if ok {
			ctx, cancel := context.WithTimeout(r.Context(), client.DefaultTimeout)
			defer cancel()
			if err := b.tokens.Revoke(ctx, sess.refresh); err != nil {
				b.logger.Warn("revoke on logout failed", "site", b.opts.SiteName, "error", err)
			}
		}
	}
	b.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(b.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}

func (b *Bridge) lookup(id string) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[id]
	return sess, ok
}

func (b *Bridge) drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

func (b *Bridge) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     b.opts.CookieName,
		Value:    id,
		Path:     "/",
		Domain:   b.opts.CookieDomain,
		HttpOnly: true,
		Secure:   b.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (b *Bridge) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     b.opts.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   b.opts.CookieDomain,
		HttpOnly: true,
		Secure:   b.opts.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// failLogin ends the flow with a generic message; internals never reach the
// front channel.
func (b *Bridge) failLogin(w http.ResponseWriter, reason string) {
	b.logger.Warn("login flow failed", "site", b.opts.SiteName, "reason", reason)
	http.Error(w, "login failed, please try again", http.StatusBadGateway)
}

func (b *Bridge) prunePendingLocked() {
	now := time.Now()
	for state, pend := range b.pending {
		if now.After(pend.expiresAt) {
			delete(b.pending, state)
		}
	}
}

// sanitizeReturnTo keeps redirects on-site: only absolute paths pass.
func sanitizeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	if u, err := url.Parse(raw); err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return raw
}

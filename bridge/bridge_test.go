package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssod/client"
)

const callbackURL = "https://academic.localhost:5001/session/callback"

func newTestBridge(t *testing.T, idp http.HandlerFunc) *Bridge {
	t.Helper()
	srv := httptest.NewServer(idp)
	t.Cleanup(srv.Close)

	tokens, err := client.New(client.Config{
		BaseURL:      srv.URL,
		ClientID:     "academic-api",
		ClientSecret: "academic-secret",
	})
	require.NoError(t, err)

	b, err := New(Options{
		SiteName:    "academic",
		ClientID:    "academic-api",
		RedirectURL: callbackURL,
		CookieName:  "academic_session",
		Tokens:      tokens,
	})
	require.NoError(t, err)
	return b
}

func seedSession(b *Bridge, id, access, refresh, subject string) *session {
	sess := &session{access: access, refresh: refresh, subject: subject, createdAt: time.Now()}
	b.mu.Lock()
	b.sessions[id] = sess
	b.mu.Unlock()
	return sess
}

func withCookie(r *http.Request, name, value string) *http.Request {
	r.AddCookie(&http.Cookie{Name: name, Value: value})
	return r
}

func writeIdentity(w http.ResponseWriter, subject string) {
	json.NewEncoder(w).Encode(client.Identity{
		Subject: subject, Role: "student", Scope: "courses.read", ClientID: "academic-api", ExpiresIn: 280,
	})
}

func writeAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func writeTokenSet(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    300,
		"subject":       "student01",
	})
}

func TestHandleLoginRedirectsToProvider(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	b.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/session/login?return_to=/api/courses", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/authorize", location.Path)
	assert.Equal(t, "academic-api", location.Query().Get("client_id"))
	assert.Equal(t, callbackURL, location.Query().Get("redirect_uri"))
	assert.Equal(t, "code", location.Query().Get("response_type"))
	assert.NotEmpty(t, location.Query().Get("state"))
}

func TestCallbackEstablishesSession(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			require.NoError(t, r.ParseForm())
			require.Equal(t, "authorization_code", r.FormValue("grant_type"))
			require.Equal(t, "code-1", r.FormValue("code"))
			writeTokenSet(w, "acc-1", "ref-1")
		case "/auth/validate":
			writeIdentity(w, "student01")
		default:
			t.Fatalf("unexpected call to %s", r.URL.Path)
		}
	})

	rec := httptest.NewRecorder()
	b.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/session/login?return_to=/api/courses", nil))
	location, _ := url.Parse(rec.Header().Get("Location"))
	state := location.Query().Get("state")

	rec = httptest.NewRecorder()
	b.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/session/callback?code=code-1&state="+state, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/api/courses", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "academic_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// The cookie works against the protected surface.
	var got client.Identity
	handler := b.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))
	req := withCookie(httptest.NewRequest(http.MethodGet, "/api/courses", nil), "academic_session", cookies[0].Value)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "student01", got.Subject)
}

func TestCallbackUnknownStateCreatesNoSession(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no back-channel call expected, got %s", r.URL.Path)
	})

	rec := httptest.NewRecorder()
	b.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/session/callback?code=code-1&state=forged", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
	assert.Empty(t, b.sessions)
}

func TestCallbackExchangeFailureCreatesNoSession(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		writeAuthError(w, http.StatusBadRequest, "invalid_grant")
	})

	rec := httptest.NewRecorder()
	b.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/session/login", nil))
	location, _ := url.Parse(rec.Header().Get("Location"))
	state := location.Query().Get("state")

	rec = httptest.NewRecorder()
	b.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/session/callback?code=stolen&state="+state, nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, b.sessions)
}

func TestCallbackProviderErrorCreatesNoSession(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no back-channel call expected, got %s", r.URL.Path)
	})

	rec := httptest.NewRecorder()
	b.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/session/login", nil))
	location, _ := url.Parse(rec.Header().Get("Location"))
	state := location.Query().Get("state")

	rec = httptest.NewRecorder()
	b.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/session/callback?error=access_denied&state="+state, nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, b.sessions)
}

func TestRequireIdentityWithoutCookie(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})

	handler := b.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/courses", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireIdentityRefreshesExpiredOnce(t *testing.T) {
	var mu sync.Mutex
	refreshCalls := 0
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/validate":
			auth := r.Header.Get("Authorization")
			if auth == "Bearer acc-2" {
				writeIdentity(w, "student01")
				return
			}
			writeAuthError(w, http.StatusUnauthorized, "token_expired")
		case "/auth/token":
			require.NoError(t, r.ParseForm())
			mu.Lock()
			refreshCalls++
			spent := r.FormValue("refresh_token") != "ref-1" || refreshCalls > 1
			mu.Unlock()
			if spent {
				writeAuthError(w, http.StatusBadRequest, "invalid_grant")
				return
			}
			writeTokenSet(w, "acc-2", "ref-2")
		}
	})

	sess := seedSession(b, "sid-1", "acc-1", "ref-1", "student01")

	handler := b.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/api/courses", nil), "academic_session", "sid-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, "acc-2", sess.access)
	assert.Equal(t, "ref-2", sess.refresh)
}

func TestConcurrentExpiredRequestsRefreshOnce(t *testing.T) {
	var mu sync.Mutex
	refreshCalls := 0
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/validate":
			if r.Header.Get("Authorization") == "Bearer acc-2" {
				writeIdentity(w, "student01")
				return
			}
			writeAuthError(w, http.StatusUnauthorized, "token_expired")
		case "/auth/token":
			require.NoError(t, r.ParseForm())
			mu.Lock()
			refreshCalls++
			replay := r.FormValue("refresh_token") != "ref-1" || refreshCalls > 1
			mu.Unlock()
			if replay {
				// A real provider would revoke the family here.
				writeAuthError(w, http.StatusBadRequest, "invalid_grant")
				return
			}
			writeTokenSet(w, "acc-2", "ref-2")
		}
	})

	seedSession(b, "sid-1", "acc-1", "ref-1", "student01")
	handler := b.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	const workers = 8
	var wg sync.WaitGroup
	codes := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/api/courses", nil), "academic_session", "sid-1"))
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 1, refreshCalls, "losers must adopt the winner's pair, not replay")
}

func TestRequireIdentityDropsSessionWhenRefreshFails(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/validate":
			writeAuthError(w, http.StatusUnauthorized, "token_expired")
		case "/auth/token":
			writeAuthError(w, http.StatusBadRequest, "invalid_grant")
		}
	})

	seedSession(b, "sid-1", "acc-1", "ref-1", "student01")
	handler := b.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/api/courses", nil), "academic_session", "sid-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, ok := b.lookup("sid-1")
	assert.False(t, ok, "failed refresh must delete the local session")
}

func TestRequireIdentityFailsClosedWhenProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tokens, err := client.New(client.Config{BaseURL: srv.URL, ClientID: "academic-api", ClientSecret: "academic-secret"})
	require.NoError(t, err)
	b, err := New(Options{
		SiteName:    "academic",
		ClientID:    "academic-api",
		RedirectURL: callbackURL,
		CookieName:  "academic_session",
		Tokens:      tokens,
	})
	require.NoError(t, err)
	srv.Close()

	seedSession(b, "sid-1", "acc-1", "ref-1", "student01")
	handler := b.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withCookie(httptest.NewRequest(http.MethodGet, "/api/courses", nil), "academic_session", "sid-1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, ok := b.lookup("sid-1")
	assert.True(t, ok, "transient outage must not destroy the session")
}

func TestHandleLogoutIdempotent(t *testing.T) {
	revoked := []string{}
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/revoke" {
			require.NoError(t, r.ParseForm())
			revoked = append(revoked, r.FormValue("token"))
			w.WriteHeader(http.StatusOK)
		}
	})

	seedSession(b, "sid-1", "acc-1", "ref-1", "student01")

	rec := httptest.NewRecorder()
	b.HandleLogout(rec, withCookie(httptest.NewRequest(http.MethodPost, "/session/logout", nil), "academic_session", "sid-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ref-1"}, revoked)
	_, ok := b.lookup("sid-1")
	assert.False(t, ok)

	// Same cookie again, and no cookie at all.
	rec = httptest.NewRecorder()
	b.HandleLogout(rec, withCookie(httptest.NewRequest(http.MethodPost, "/session/logout", nil), "academic_session", "sid-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	b.HandleLogout(rec, httptest.NewRequest(http.MethodPost, "/session/logout", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSanitizeReturnTo(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/api/courses":            "/api/courses",
		"//evil.example":          "/",
		"https://evil.example/cb": "/",
		"api/courses":             "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeReturnTo(in), "input %q", in)
	}
}

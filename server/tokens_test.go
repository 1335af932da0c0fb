package server

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Clients = []ClientConfig{
		{
			ClientID:     "academic-api",
			ClientSecret: "academic-secret",
			RedirectURIs: []string{"https://academic.localhost:5001/session/callback"},
			Scopes:       []string{"courses.read", "grades.read"},
		},
		{
			ClientID:     "cloud-api",
			ClientSecret: "cloud-secret",
			RedirectURIs: []string{"https://cloud.localhost:5002/session/callback"},
			Scopes:       []string{"files.read", "files.write"},
		},
	}
	cfg.Users = []UserConfig{
		{Username: "student01", Password: "pass01", Role: "student"},
		{Username: "prof01", Password: "profpass", Role: "teacher"},
		{Username: "bound01", Password: "boundpass", Role: "student", CertFingerprint: "aabbccdd00112233"},
	}
	return cfg
}

func newTestTokenService(t *testing.T, cfg Config) (*TokenService, *Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore()
	creds, err := NewCredentialStore(cfg.Users)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	keys, err := NewKeyManager(0, logger)
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	return NewTokenService(cfg, store, creds, keys, logger, NewMetrics()), store
}

func TestIssueAndValidate(t *testing.T) {
	ts, _ := newTestTokenService(t, testConfig())

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected full token pair, got %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", pair.TokenType)
	}

	identity, err := ts.Validate(pair.AccessToken, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if identity.Subject != "student01" {
		t.Fatalf("unexpected subject %q", identity.Subject)
	}
	if identity.Role != RoleStudent {
		t.Fatalf("unexpected role %q", identity.Role)
	}
	if identity.Scope != "courses.read" {
		t.Fatalf("unexpected scope %q", identity.Scope)
	}
	if identity.ClientID != "academic-api" {
		t.Fatalf("unexpected client %q", identity.ClientID)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	cfg := testConfig()
	cfg.Tokens.AccessTTL = -time.Second
	ts, _ := newTestTokenService(t, cfg)

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, err := ts.Validate(pair.AccessToken, ""); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateGarbageToken(t *testing.T) {
	ts, _ := newTestTokenService(t, testConfig())
	if _, err := ts.Validate("not-a-jwt", ""); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("expected ErrTokenUnknown, got %v", err)
	}
}

func TestRefreshRotatesAndReplayKillsFamily(t *testing.T) {
	ts, store := newTestTokenService(t, testConfig())

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	refreshed, err := ts.Refresh(pair.RefreshToken, "academic-api")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh token must rotate")
	}
	if _, err := ts.Validate(refreshed.AccessToken, ""); err != nil {
		t.Fatalf("refreshed access token should validate: %v", err)
	}

	// Replaying the spent handle revokes the whole family.
	if _, err := ts.Refresh(pair.RefreshToken, "academic-api"); !errors.Is(err, ErrRefreshReplayed) {
		t.Fatalf("expected ErrRefreshReplayed, got %v", err)
	}

	successor, _ := store.GetRefreshToken(refreshed.RefreshToken)
	if successor.State != RefreshRevoked {
		t.Fatalf("successor must be revoked after replay, got %v", successor.State)
	}
	if _, err := ts.Refresh(refreshed.RefreshToken, "academic-api"); err == nil {
		t.Fatalf("revoked successor must not refresh")
	}
	if _, err := ts.Validate(refreshed.AccessToken, ""); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("family access token must be dead after replay, got %v", err)
	}
}

func TestRefreshWrongClient(t *testing.T) {
	ts, _ := newTestTokenService(t, testConfig())

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, err := ts.Refresh(pair.RefreshToken, "cloud-api"); !errors.Is(err, ErrRefreshUnknown) {
		t.Fatalf("expected ErrRefreshUnknown, got %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	cfg := testConfig()
	cfg.Tokens.RefreshTTL = -time.Second
	ts, _ := newTestTokenService(t, cfg)

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, err := ts.Refresh(pair.RefreshToken, "academic-api"); !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("expected ErrRefreshExpired, got %v", err)
	}
}

func TestBoundTokenRequiresFingerprint(t *testing.T) {
	ts, _ := newTestTokenService(t, testConfig())

	pair, err := ts.IssueTokens("bound01", "academic-api", "courses.read", "aabbccdd00112233")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	if _, err := ts.Validate(pair.AccessToken, "aabbccdd00112233"); err != nil {
		t.Fatalf("matching fingerprint should validate: %v", err)
	}
	if _, err := ts.Validate(pair.AccessToken, "ffffffffffffffff"); !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("wrong fingerprint: expected ErrCertificateMismatch, got %v", err)
	}
	if _, err := ts.Validate(pair.AccessToken, ""); !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("missing fingerprint: expected ErrCertificateMismatch, got %v", err)
	}
}

func TestUnboundTokenIgnoresFingerprint(t *testing.T) {
	ts, _ := newTestTokenService(t, testConfig())

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, err := ts.Validate(pair.AccessToken, "aabbccdd00112233"); err != nil {
		t.Fatalf("unbound token with stray fingerprint should validate: %v", err)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	ts, _ := newTestTokenService(t, testConfig())
	client := &Client{ClientID: "academic-api"}

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	ts.Revoke(pair.AccessToken, client)
	if _, err := ts.Validate(pair.AccessToken, ""); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("revoked access token must not validate, got %v", err)
	}

	// Revocation is idempotent and ignores garbage.
	ts.Revoke(pair.AccessToken, client)
	ts.Revoke("nonsense", client)
}

func TestRevokeRefreshTokenKillsFamily(t *testing.T) {
	ts, store := newTestTokenService(t, testConfig())
	client := &Client{ClientID: "academic-api"}

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	ts.Revoke(pair.RefreshToken, client)
	rt, _ := store.GetRefreshToken(pair.RefreshToken)
	if rt.State != RefreshRevoked {
		t.Fatalf("expected revoked refresh token, got %v", rt.State)
	}
	if _, err := ts.Validate(pair.AccessToken, ""); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("access token minted with the family must be dead, got %v", err)
	}
	if _, err := ts.Refresh(pair.RefreshToken, "academic-api"); err == nil {
		t.Fatalf("revoked refresh token must not refresh")
	}
}

func TestRevokeRefreshTokenWrongClientIgnored(t *testing.T) {
	ts, store := newTestTokenService(t, testConfig())

	pair, err := ts.IssueTokens("student01", "academic-api", "courses.read", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	ts.Revoke(pair.RefreshToken, &Client{ClientID: "cloud-api"})
	rt, _ := store.GetRefreshToken(pair.RefreshToken)
	if rt.State != RefreshActive {
		t.Fatalf("another client's revoke must not touch the token, got %v", rt.State)
	}
}

package server

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

const academicCallback = "https://academic.localhost:5001/session/callback"

func newTestCodeIssuer(t *testing.T) (*CodeIssuer, *SessionManager) {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore()
	creds, err := NewCredentialStore(cfg.Users)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	sessions := NewSessionManager(cfg, store, creds, logger)
	return NewCodeIssuer(cfg, store, clients, sessions, logger), sessions
}

func login(t *testing.T, sessions *SessionManager) SSOSession {
	t.Helper()
	sess, err := sessions.Login("student01", "pass01", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return sess
}

func TestIssueRequiresSession(t *testing.T) {
	ci, _ := newTestCodeIssuer(t)
	if _, err := ci.Issue("", "academic-api", academicCallback, ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := ci.Issue("bogus", "academic-api", academicCallback, ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("unknown session: expected ErrNoSession, got %v", err)
	}
}

func TestIssueRejectsBadRequests(t *testing.T) {
	ci, sessions := newTestCodeIssuer(t)
	sess := login(t, sessions)

	if _, err := ci.Issue(sess.ID, "ghost-api", academicCallback, ""); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
	if _, err := ci.Issue(sess.ID, "academic-api", "https://evil.example/cb", ""); !errors.Is(err, ErrRedirectMismatch) {
		t.Fatalf("expected ErrRedirectMismatch, got %v", err)
	}
	if _, err := ci.Issue(sess.ID, "academic-api", academicCallback, "files.write"); !errors.Is(err, ErrScopeNotAllowed) {
		t.Fatalf("expected ErrScopeNotAllowed, got %v", err)
	}
}

func TestIssueAndRedeem(t *testing.T) {
	ci, sessions := newTestCodeIssuer(t)
	sess := login(t, sessions)

	value, err := ci.Issue(sess.ID, "academic-api", academicCallback, "courses.read")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	code, err := ci.Redeem(value, "academic-api", "academic-secret", academicCallback)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if code.Subject != "student01" {
		t.Fatalf("unexpected subject %q", code.Subject)
	}
	if code.Scope != "courses.read" {
		t.Fatalf("unexpected scope %q", code.Scope)
	}

	if _, err := ci.Redeem(value, "academic-api", "academic-secret", academicCallback); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("second redemption must fail with ErrInvalidCode, got %v", err)
	}
}

func TestIssueDefaultsScope(t *testing.T) {
	ci, sessions := newTestCodeIssuer(t)
	sess := login(t, sessions)

	value, err := ci.Issue(sess.ID, "academic-api", academicCallback, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	code, err := ci.Redeem(value, "academic-api", "academic-secret", academicCallback)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if code.Scope != "courses.read grades.read" {
		t.Fatalf("expected full client scope set, got %q", code.Scope)
	}
}

func TestRedeemRequiresClientAuth(t *testing.T) {
	ci, sessions := newTestCodeIssuer(t)
	sess := login(t, sessions)

	value, err := ci.Issue(sess.ID, "academic-api", academicCallback, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ci.Redeem(value, "academic-api", "wrong", academicCallback); !errors.Is(err, ErrClientAuthFailed) {
		t.Fatalf("expected ErrClientAuthFailed, got %v", err)
	}
	// Failed client auth must not burn the code.
	if _, err := ci.Redeem(value, "academic-api", "academic-secret", academicCallback); err != nil {
		t.Fatalf("code should survive failed client auth: %v", err)
	}
}

func TestRedeemByWrongClientBurnsCode(t *testing.T) {
	ci, sessions := newTestCodeIssuer(t)
	sess := login(t, sessions)

	value, err := ci.Issue(sess.ID, "academic-api", academicCallback, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ci.Redeem(value, "cloud-api", "cloud-secret", academicCallback); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	// The failed attempt consumed the code; the rightful client is too late.
	if _, err := ci.Redeem(value, "academic-api", "academic-secret", academicCallback); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("code must stay burned, got %v", err)
	}
}

func TestRedeemRedirectMismatchBurnsCode(t *testing.T) {
	ci, sessions := newTestCodeIssuer(t)
	sess := login(t, sessions)

	value, err := ci.Issue(sess.ID, "academic-api", academicCallback, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ci.Redeem(value, "academic-api", "academic-secret", "https://academic.localhost:5001/other"); !errors.Is(err, ErrRedirectMismatch) {
		t.Fatalf("expected ErrRedirectMismatch, got %v", err)
	}
	if _, err := ci.Redeem(value, "academic-api", "academic-secret", academicCallback); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("code must stay burned, got %v", err)
	}
}

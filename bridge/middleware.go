package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ssod/client"
)

type contextKey string

const identityKey contextKey = "bridge.identity"

// IdentityFromContext returns the identity attached by RequireIdentity.
func IdentityFromContext(ctx context.Context) (client.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(client.Identity)
	return identity, ok
}

// RequireIdentity gates a handler behind a valid local session. The held
// access token is validated against the token service on every request; an
// expired token gets exactly one refresh attempt before the request fails.
// The token service being unreachable fails the request, never passes it.
func (b *Bridge) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := b.sessionID(r)
		if id == "" {
			b.unauthenticated(w)
			return
		}
		sess, ok := b.lookup(id)
		if !ok {
			b.unauthenticated(w)
			return
		}

		fingerprint := peerFingerprint(r)
		sess.mu.Lock()
		access := sess.access
		sess.mu.Unlock()

		identity, err := b.tokens.Validate(r.Context(), access, fingerprint)
		if errors.Is(err, client.ErrTokenExpired) {
			access, err = b.refreshSession(r.Context(), id, sess, access)
			if err == nil {
				identity, err = b.tokens.Validate(r.Context(), access, fingerprint)
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, client.ErrUnavailable):
				// Transient; keep the session so the next request can retry.
				b.logger.Error("token service unreachable", "site", b.opts.SiteName, "error", err)
				b.serviceUnavailable(w)
			case errors.Is(err, client.ErrCertificateMismatch):
				// The token may still be valid for the right certificate.
				b.unauthenticated(w)
			default:
				b.drop(id)
				b.unauthenticated(w)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

// refreshSession rotates the session's token pair at most once. The session
// lock serializes concurrent attempts: a caller that finds the access token
// already changed adopts the winner's pair instead of replaying the spent
// refresh token.
func (b *Bridge) refreshSession(ctx context.Context, id string, sess *session, staleAccess string) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.access != staleAccess {
		return sess.access, nil
	}

	set, err := b.tokens.Refresh(ctx, sess.refresh)
	if err != nil {
		if !errors.Is(err, client.ErrUnavailable) {
			b.drop(id)
		}
		return "", err
	}
	sess.access = set.AccessToken
	sess.refresh = set.RefreshToken
	b.logger.Debug("session tokens refreshed", "site", b.opts.SiteName, "subject", sess.subject)
	return sess.access, nil
}

func (b *Bridge) unauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
}

func (b *Bridge) serviceUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "auth_unavailable"})
}

// peerFingerprint derives the caller's certificate fingerprint, preferring
// the TLS peer certificate and falling back to proxy-forwarded headers. It
// is forwarded to the token service so certificate-bound tokens are checked
// against the browser's certificate, not the resource server's.
func peerFingerprint(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		sum := sha256.Sum256(r.TLS.PeerCertificates[0].Raw)
		return hex.EncodeToString(sum[:])
	}
	if fp := r.Header.Get("X-Client-Cert-Fingerprint"); fp != "" {
		return strings.ToLower(strings.TrimSpace(fp))
	}
	if pem := r.Header.Get("X-Client-Cert"); pem != "" {
		sum := sha256.Sum256([]byte(pem))
		return hex.EncodeToString(sum[:])
	}
	return ""
}

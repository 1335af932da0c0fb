package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Headers set by a TLS terminator in front of the identity provider. When
// the server terminates TLS itself, the fingerprint comes from the peer
// certificate instead.
const (
	fingerprintHeader = "X-Client-Cert-Fingerprint"
	certPEMHeader     = "X-Client-Cert"
)

// FingerprintFromRequest extracts the client certificate fingerprint: the
// SHA-256 of the presented TLS peer certificate when present, otherwise the
// terminator-provided headers. Returns "" when no certificate was shown.
func FingerprintFromRequest(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		sum := sha256.Sum256(r.TLS.PeerCertificates[0].Raw)
		return hex.EncodeToString(sum[:])
	}
	if fp := r.Header.Get(fingerprintHeader); fp != "" {
		return normalizeFingerprint(fp)
	}
	if pem := r.Header.Get(certPEMHeader); pem != "" {
		sum := sha256.Sum256([]byte(pem))
		return hex.EncodeToString(sum[:])
	}
	return ""
}

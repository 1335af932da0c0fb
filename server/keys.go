package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// KeyManager owns the RS256 signing keys and exposes their public halves as
// a JWKS. Keys are generated at startup; state is ephemeral like the rest of
// the store.
type KeyManager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    *keyPair
	rotateEvery time.Duration
	logger      *slog.Logger
}

// NewKeyManager generates the initial signing key.
func NewKeyManager(rotateEvery time.Duration, logger *slog.Logger) (*KeyManager, error) {
	m := &KeyManager{rotateEvery: rotateEvery, logger: logger}
	if err := m.rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

// StartRotation launches the background rotation ticker if configured.
func (m *KeyManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs the claims with the current key, embedding its kid.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key during JWT validation.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	if m.previous != nil && m.previous.Kid == kid {
		return &m.previous.PrivateKey.PublicKey, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	if m.previous != nil {
		keys = append(keys, m.previous.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *KeyManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		prev := m.current
		m.previous = &prev
	}
	m.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	m.mu.Unlock()
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}

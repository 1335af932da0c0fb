package server

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore holds user records. Users are seeded from configuration
// and created through Register; the protocol engine never deletes them.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewCredentialStore builds the store from configured seed users. Seed
// passwords are hashed at load time.
func NewCredentialStore(seed []UserConfig) (*CredentialStore, error) {
	cs := &CredentialStore{users: make(map[string]User, len(seed))}
	for _, uc := range seed {
		role := Role(uc.Role)
		if uc.Role == "" {
			role = RoleStudent
		}
		if !ValidRole(role) {
			return nil, fmt.Errorf("user %s: unknown role %q", uc.Username, uc.Role)
		}
		if _, err := cs.Register(uc.Username, uc.Password, role, normalizeFingerprint(uc.CertFingerprint)); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", uc.Username, err)
		}
	}
	return cs, nil
}

// Register creates a user with a bcrypt password hash and an optional bound
// certificate fingerprint.
func (cs *CredentialStore) Register(username, password string, role Role, fingerprint string) (User, error) {
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.users[username]; ok {
		return User{}, ErrUserExists
	}
	user := User{
		Username:        username,
		PasswordHash:    hash,
		Role:            role,
		CertFingerprint: fingerprint,
		CreatedAt:       time.Now(),
	}
	cs.users[username] = user
	return user, nil
}

// Verify checks the password against the stored hash.
func (cs *CredentialStore) Verify(username, password string) (User, error) {
	cs.mu.RLock()
	user, ok := cs.users[username]
	cs.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway so unknown usernames cost the same.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Lookup returns the user record by username.
func (cs *CredentialStore) Lookup(username string) (User, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	user, ok := cs.users[username]
	return user, ok
}

var dummyHash = mustHash("ssod-timing-pad")

func mustHash(s string) []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}

// fingerprintsEqual compares certificate fingerprints without leaking match
// position through timing.
func fingerprintsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}

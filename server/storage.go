package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps ephemeral protocol state: SSO sessions, authorization codes,
// refresh token families, and the revoked-access-token blacklist. All state
// lives for the process lifetime only.
//
// Every mutating operation is an atomic check-and-set under the store lock;
// reads take the shared lock.
type Store struct {
	mu               sync.RWMutex
	sessions         map[string]SSOSession
	sessionBySubject map[string]string
	codes            map[string]AuthorizationCode
	refreshTokens    map[string]RefreshToken
	families         map[string][]string // family id -> refresh token ids
	jtiBlacklist     map[string]time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		sessions:         make(map[string]SSOSession),
		sessionBySubject: make(map[string]string),
		codes:            make(map[string]AuthorizationCode),
		refreshTokens:    make(map[string]RefreshToken),
		families:         make(map[string][]string),
		jtiBlacklist:     make(map[string]time.Time),
	}
}

// NewID generates an unguessable identifier.
func (s *Store) NewID() string {
	return uuid.NewString()
}

// ReplaceSession stores a session and removes any prior session for the
// same subject (single active session policy).
func (s *Store) ReplaceSession(sess SSOSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessionBySubject[sess.Subject]; ok {
		delete(s.sessions, old)
	}
	s.sessions[sess.ID] = sess
	s.sessionBySubject[sess.Subject] = sess.ID
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (SSOSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session. Missing IDs are ignored.
func (s *Store) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		if s.sessionBySubject[sess.Subject] == id {
			delete(s.sessionBySubject, sess.Subject)
		}
	}
}

// SaveCode persists a pending authorization code.
func (s *Store) SaveCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
}

// ConsumeCode atomically fetches a pending, unexpired code and marks it
// consumed. A concurrent second call for the same value always fails, so at
// most one redemption can ever proceed past this point. The consumed record
// is returned for the issuer's client/redirect checks; a failure of those
// checks does not resurrect the code.
func (s *Store) ConsumeCode(value string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[value]
	if !ok || code.State != CodePending {
		return AuthorizationCode{}, false
	}
	if time.Now().After(code.ExpiresAt) {
		delete(s.codes, value)
		return AuthorizationCode{}, false
	}
	code.State = CodeConsumed
	s.codes[value] = code
	return code, true
}

// SaveRefreshToken stores a refresh token and indexes it under its family.
func (s *Store) SaveRefreshToken(rt RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
	s.families[rt.FamilyID] = append(s.families[rt.FamilyID], rt.ID)
}

// GetRefreshToken fetches a refresh token record by ID.
func (s *Store) GetRefreshToken(id string) (RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refreshTokens[id]
	return rt, ok
}

// RotateRefreshToken atomically transitions the token from Active to
// Rotated and stores its successor in the same family. If the token was
// already rotated or revoked by a concurrent rotation, ErrRefreshReplayed is
// returned and the successor is not stored.
func (s *Store) RotateRefreshToken(id string, successor RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[id]
	if !ok {
		return ErrRefreshUnknown
	}
	if rt.State != RefreshActive {
		return ErrRefreshReplayed
	}
	if time.Now().After(rt.ExpiresAt) {
		return ErrRefreshExpired
	}
	rt.State = RefreshRotated
	rt.SuccessorID = successor.ID
	s.refreshTokens[id] = rt
	s.refreshTokens[successor.ID] = successor
	s.families[successor.FamilyID] = append(s.families[successor.FamilyID], successor.ID)
	return nil
}

// RevokeFamily revokes every refresh token in the family and blacklists the
// access tokens minted alongside them. Idempotent.
func (s *Store) RevokeFamily(familyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.families[familyID] {
		rt, ok := s.refreshTokens[id]
		if !ok {
			continue
		}
		if rt.State != RefreshRevoked {
			rt.State = RefreshRevoked
			s.refreshTokens[id] = rt
		}
		if rt.AccessJTI != "" {
			s.jtiBlacklist[rt.AccessJTI] = rt.ExpiresAt
		}
	}
}

// BlacklistJTI revokes an access token by its jti until the given expiry.
func (s *Store) BlacklistJTI(jti string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jtiBlacklist[jti] = until
}

// JTIRevoked reports whether the jti has been revoked. Expired entries are
// pruned lazily.
func (s *Store) JTIRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.jtiBlacklist[jti]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.jtiBlacklist, jti)
		return false
	}
	return true
}

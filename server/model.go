package server

import "time"

// Role classifies a user for the resource servers.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// User is a credential-store record. The username doubles as the subject
// identifier on every token minted for the user.
type User struct {
	Username        string
	PasswordHash    []byte
	Role            Role
	CertFingerprint string // optional bound client certificate fingerprint (hex sha256)
	CreatedAt       time.Time
}

// Bound reports whether the user requires a matching client certificate.
func (u User) Bound() bool { return u.CertFingerprint != "" }

// SSOSession captures a completed login at the identity provider, scoped to
// a browser via cookie. At most one session per subject is active.
type SSOSession struct {
	ID          string
	Subject     string
	Fingerprint string // fingerprint presented at login, if any
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// CodeState tracks the single-use lifecycle of an authorization code.
type CodeState int

const (
	CodePending CodeState = iota
	CodeConsumed
)

// AuthorizationCode is a short-lived, single-use credential bound to the
// client, redirect URI, subject, and scope it was issued for.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	Subject     string
	Scope       string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	State       CodeState
}

// RefreshState tracks refresh-token rotation. A token leaves Active exactly
// once; presenting a Rotated or Revoked token is a replay.
type RefreshState int

const (
	RefreshActive RefreshState = iota
	RefreshRotated
	RefreshRevoked
)

// RefreshToken is the stored record behind an opaque refresh token value.
// Tokens descended from one code redemption share a FamilyID so replay
// detection can revoke the whole chain.
type RefreshToken struct {
	ID          string
	FamilyID    string
	Subject     string
	ClientID    string
	Scope       string
	Fingerprint string
	AccessJTI   string // jti of the access token minted alongside
	IssuedAt    time.Time
	ExpiresAt   time.Time
	State       RefreshState
	SuccessorID string
}

// Client records a registered resource-server client. The registry is static
// configuration; clients are never created or mutated at runtime.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Scopes       []string
}

// TokenPair is the token endpoint response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// Identity is the result of validating an access token, handed to resource
// servers for their business handlers.
type Identity struct {
	Subject   string
	Role      Role
	Scope     string
	ClientID  string
	ExpiresAt time.Time
}

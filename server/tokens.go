package server

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims are the JWT claims minted into access tokens.
type AccessTokenClaims struct {
	Scope       string `json:"scope"`
	ClientID    string `json:"client_id"`
	Role        string `json:"role"`
	Fingerprint string `json:"fp,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues, validates, rotates, and revokes token pairs. Access
// tokens are short-lived RS256 JWTs; refresh tokens are opaque handles that
// rotate on every use, with family-wide revocation when a superseded token
// is replayed.
type TokenService struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      *Store
	creds      *CredentialStore
	keys       *KeyManager
	logger     *slog.Logger
	metrics    *Metrics
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store *Store, creds *CredentialStore, keys *KeyManager, logger *slog.Logger, metrics *Metrics) *TokenService {
	return &TokenService{
		issuer:     strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:  cfg.Tokens.AccessTTL,
		refreshTTL: cfg.Tokens.RefreshTTL,
		store:      store,
		creds:      creds,
		keys:       keys,
		logger:     logger,
		metrics:    metrics,
	}
}

// IssueTokens mints a fresh token pair for a redeemed authorization code.
// When the subject carries a bound certificate fingerprint, the pair is
// bound to it and later validation must present a match.
func (ts *TokenService) IssueTokens(subject, clientID, scope, presentedFP string) (TokenPair, error) {
	user, ok := ts.creds.Lookup(subject)
	if !ok {
		return TokenPair{}, ErrInvalidCredentials
	}

	fingerprint := ""
	if user.Bound() {
		fingerprint = user.CertFingerprint
	} else if presentedFP != "" {
		// Unbound subject presenting a certificate: bind the pair to what
		// was shown at login so the session keeps its channel.
		fingerprint = normalizeFingerprint(presentedFP)
	}

	jti := ts.store.NewID()
	accessToken, err := ts.mintAccess(subject, clientID, scope, string(user.Role), fingerprint, jti)
	if err != nil {
		return TokenPair{}, err
	}

	rt := RefreshToken{
		ID:          ts.store.NewID(),
		FamilyID:    ts.store.NewID(),
		Subject:     subject,
		ClientID:    clientID,
		Scope:       scope,
		Fingerprint: fingerprint,
		AccessJTI:   jti,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(ts.refreshTTL),
		State:       RefreshActive,
	}
	ts.store.SaveRefreshToken(rt)

	ts.metrics.TokensIssued.WithLabelValues("authorization_code").Inc()
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rt.ID,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		Scope:        scope,
		Subject:      subject,
	}, nil
}

// Validate checks an access token and returns the identity bound at
// issuance. Pure read: no state is mutated.
func (ts *TokenService) Validate(accessToken, presentedFP string) (Identity, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	tok, err := parser.ParseWithClaims(accessToken, &AccessTokenClaims{}, ts.keys.Keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			ts.metrics.ValidationFailures.WithLabelValues("expired").Inc()
			return Identity{}, ErrTokenExpired
		}
		ts.metrics.ValidationFailures.WithLabelValues("unknown").Inc()
		return Identity{}, ErrTokenUnknown
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		ts.metrics.ValidationFailures.WithLabelValues("unknown").Inc()
		return Identity{}, ErrTokenUnknown
	}
	if claims.Issuer != ts.issuer {
		ts.metrics.ValidationFailures.WithLabelValues("unknown").Inc()
		return Identity{}, ErrTokenUnknown
	}
	if ts.store.JTIRevoked(claims.ID) {
		ts.metrics.ValidationFailures.WithLabelValues("revoked").Inc()
		return Identity{}, ErrTokenUnknown
	}
	// Bound tokens must be accompanied by the matching fingerprint. An
	// unbound token presenting one is accepted, fingerprint ignored.
	if claims.Fingerprint != "" && !fingerprintsEqual(claims.Fingerprint, normalizeFingerprint(presentedFP)) {
		ts.metrics.ValidationFailures.WithLabelValues("certificate").Inc()
		return Identity{}, ErrCertificateMismatch
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Identity{
		Subject:   claims.Subject,
		Role:      Role(claims.Role),
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		ExpiresAt: expiresAt,
	}, nil
}

// Refresh rotates the refresh token and mints a new pair. Presenting a
// token that was already rotated away revokes the entire family: access
// tokens by jti and every descendant refresh token.
func (ts *TokenService) Refresh(refreshToken, clientID string) (TokenPair, error) {
	rt, ok := ts.store.GetRefreshToken(refreshToken)
	if !ok {
		return TokenPair{}, ErrRefreshUnknown
	}
	if rt.ClientID != clientID {
		// Do not reveal that the handle exists for a different client.
		return TokenPair{}, ErrRefreshUnknown
	}
	if rt.State != RefreshActive {
		ts.logger.Warn("refresh token replayed, revoking family", "subject", rt.Subject, "client_id", rt.ClientID)
		ts.store.RevokeFamily(rt.FamilyID)
		ts.metrics.RefreshReplays.Inc()
		return TokenPair{}, ErrRefreshReplayed
	}
	if time.Now().After(rt.ExpiresAt) {
		return TokenPair{}, ErrRefreshExpired
	}

	user, ok := ts.creds.Lookup(rt.Subject)
	if !ok {
		return TokenPair{}, ErrRefreshUnknown
	}

	jti := ts.store.NewID()
	accessToken, err := ts.mintAccess(rt.Subject, rt.ClientID, rt.Scope, string(user.Role), rt.Fingerprint, jti)
	if err != nil {
		return TokenPair{}, err
	}

	successor := RefreshToken{
		ID:          ts.store.NewID(),
		FamilyID:    rt.FamilyID,
		Subject:     rt.Subject,
		ClientID:    rt.ClientID,
		Scope:       rt.Scope,
		Fingerprint: rt.Fingerprint,
		AccessJTI:   jti,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(ts.refreshTTL),
		State:       RefreshActive,
	}

	if err := ts.store.RotateRefreshToken(rt.ID, successor); err != nil {
		// Lost the rotation race: treat as replay and kill the family.
		if errors.Is(err, ErrRefreshReplayed) {
			ts.store.RevokeFamily(rt.FamilyID)
			ts.metrics.RefreshReplays.Inc()
		}
		return TokenPair{}, err
	}

	ts.metrics.TokensIssued.WithLabelValues("refresh_token").Inc()
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: successor.ID,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		Scope:        rt.Scope,
		Subject:      rt.Subject,
	}, nil
}

// Revoke revokes a token on behalf of the client that holds it. Refresh
// tokens take their whole family down; access tokens are blacklisted by
// jti. Unknown tokens are ignored: revocation is idempotent.
func (ts *TokenService) Revoke(token string, client *Client) {
	if rt, ok := ts.store.GetRefreshToken(token); ok {
		if rt.ClientID == client.ClientID {
			ts.store.RevokeFamily(rt.FamilyID)
			ts.metrics.Revocations.Inc()
		}
		return
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	tok, err := parser.ParseWithClaims(token, &AccessTokenClaims{}, ts.keys.Keyfunc)
	if err != nil {
		return
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid || claims.ClientID != client.ClientID {
		return
	}
	until := time.Now().Add(ts.accessTTL)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	ts.store.BlacklistJTI(claims.ID, until)
	ts.metrics.Revocations.Inc()
}

func (ts *TokenService) mintAccess(subject, clientID, scope, role, fingerprint, jti string) (string, error) {
	now := time.Now()
	claims := AccessTokenClaims{
		Scope:       scope,
		ClientID:    clientID,
		Role:        role,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
	return ts.keys.Sign(claims)
}

package server

import (
	"log/slog"
	"time"
)

// CodeIssuer mints single-use authorization codes for authenticated sessions
// and redeems them for a subject and scope on the back channel.
type CodeIssuer struct {
	store    *Store
	clients  *ClientRegistry
	sessions *SessionManager
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCodeIssuer constructs a CodeIssuer.
func NewCodeIssuer(cfg Config, store *Store, clients *ClientRegistry, sessions *SessionManager, logger *slog.Logger) *CodeIssuer {
	return &CodeIssuer{
		store:    store,
		clients:  clients,
		sessions: sessions,
		ttl:      cfg.Codes.TTL,
		logger:   logger,
	}
}

// Issue mints a code bound to the client, redirect URI, subject, and scope.
// An empty scope defaults to the client's full configured scope set.
func (ci *CodeIssuer) Issue(sessionID, clientID, redirectURI, scope string) (string, error) {
	sess, err := ci.sessions.CurrentSubject(sessionID)
	if err != nil {
		return "", err
	}
	client, ok := ci.clients.Get(clientID)
	if !ok {
		return "", ErrUnknownClient
	}
	if !client.ValidRedirect(redirectURI) {
		return "", ErrRedirectMismatch
	}
	if scope == "" {
		scope = client.DefaultScope()
	} else if !client.ValidateScopes(scope) {
		return "", ErrScopeNotAllowed
	}

	code := AuthorizationCode{
		Code:        ci.store.NewID(),
		ClientID:    client.ClientID,
		RedirectURI: redirectURI,
		Subject:     sess.Subject,
		Scope:       scope,
		Fingerprint: sess.Fingerprint,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(ci.ttl),
		State:       CodePending,
	}
	ci.store.SaveCode(code)
	ci.logger.Info("authorization code issued", "client_id", client.ClientID, "subject", sess.Subject)
	return code.Code, nil
}

// Redeem authenticates the client and consumes the code in one atomic
// check-and-consume: the code is burned before the client/redirect binding
// is checked, so a concurrent second redemption always observes a consumed
// code and a binding mismatch cannot return the code to circulation.
func (ci *CodeIssuer) Redeem(codeValue, clientID, clientSecret, redirectURI string) (AuthorizationCode, error) {
	client, err := ci.clients.Authenticate(clientID, clientSecret)
	if err != nil {
		return AuthorizationCode{}, err
	}

	code, ok := ci.store.ConsumeCode(codeValue)
	if !ok {
		return AuthorizationCode{}, ErrInvalidCode
	}
	if code.ClientID != client.ClientID {
		ci.logger.Warn("code redeemed by wrong client", "issued_to", code.ClientID, "presented_by", client.ClientID)
		return AuthorizationCode{}, ErrInvalidCode
	}
	if code.RedirectURI != redirectURI {
		return AuthorizationCode{}, ErrRedirectMismatch
	}
	return code, nil
}

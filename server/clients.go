package server

import (
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
)

// ClientRegistry holds the fixed set of resource-server clients. It is
// read-only capability built from configuration; the protocol never mutates
// it.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURIs: cfg.RedirectURIs,
			Scopes:       cfg.Scopes,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials with a constant-time secret
// comparison. Unknown clients and bad secrets are indistinguishable to the
// caller.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	client, ok := cr.clients[id]
	if !ok {
		return nil, ErrClientAuthFailed
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) != 1 {
		return nil, ErrClientAuthFailed
	}
	return client, nil
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// isSafeRedirectURI blocks dangerous schemes and malformed URIs so an error
// path can never redirect the browser somewhere hostile.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := strings.ToLower(uri[:idx])
	rest := uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}
	// user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}

// ValidateScopes ensures the requested scopes are a subset of the client's
// configured scopes.
func (c *Client) ValidateScopes(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}

// DefaultScope returns the client's full configured scope set.
func (c *Client) DefaultScope() string {
	return strings.Join(c.Scopes, " ")
}

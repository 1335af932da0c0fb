// Package client is the back-channel client of the identity provider's
// token service, used by resource servers. Every call carries a bounded
// timeout and fails closed: transport trouble is never treated as success.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds every back-channel call.
const DefaultTimeout = 5 * time.Second

// Errors surfaced by the token client. Callers branch on ErrTokenExpired to
// attempt their single refresh; everything else is terminal for the request.
var (
	ErrTokenExpired        = errors.New("access token expired")
	ErrTokenInvalid        = errors.New("access token invalid")
	ErrCertificateMismatch = errors.New("client certificate mismatch")
	ErrRefreshFailed       = errors.New("refresh failed")
	ErrUnavailable         = errors.New("token service unavailable")
)

// Config configures the token client.
type Config struct {
	// BaseURL of the identity provider, e.g. https://localhost:5000.
	BaseURL      string
	ClientID     string
	ClientSecret string
	// CACertFile pins the CA that signed the identity provider's
	// certificate. Empty means the system pool.
	CACertFile string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// TokenClient talks to the identity provider's token endpoints.
type TokenClient struct {
	cfg    Config
	client *http.Client
}

// TokenSet is a token endpoint response.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// Identity is a successful validation result.
type Identity struct {
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	ExpiresIn int64  `json:"expires_in"`
}

// New builds a token client, wiring the CA bundle and timeout into its HTTP
// client unless one was supplied.
func New(cfg Config) (*TokenClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url required")
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{}
		if cfg.CACertFile != "" {
			pem, err := os.ReadFile(cfg.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("read ca cert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in %s", cfg.CACertFile)
			}
			transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}

	return &TokenClient{cfg: cfg, client: httpClient}, nil
}

// HTTPClient exposes the underlying client so the authorization-code
// exchange can share the same CA trust and timeout.
func (c *TokenClient) HTTPClient() *http.Client { return c.client }

// AuthorizeURL returns the identity provider's authorize endpoint.
func (c *TokenClient) AuthorizeURL() string { return c.cfg.BaseURL + "/auth/authorize" }

// TokenURL returns the identity provider's token endpoint.
func (c *TokenClient) TokenURL() string { return c.cfg.BaseURL + "/auth/token" }

// Validate checks an access token against the token service. It returns
// ErrTokenExpired when a refresh may help, ErrCertificateMismatch when the
// token is bound to a different certificate, ErrTokenInvalid otherwise, and
// ErrUnavailable on transport failure.
func (c *TokenClient) Validate(ctx context.Context, accessToken, fingerprint string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/validate", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if fingerprint != "" {
		req.Header.Set("X-Client-Cert-Fingerprint", fingerprint)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var identity Identity
		if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
			return Identity{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return identity, nil
	}

	switch errorCode(resp) {
	case "token_expired":
		return Identity{}, ErrTokenExpired
	case "certificate_mismatch":
		return Identity{}, ErrCertificateMismatch
	default:
		return Identity{}, ErrTokenInvalid
	}
}

// Refresh exchanges a refresh token for a new token pair. All failures
// collapse to ErrRefreshFailed (or ErrUnavailable on transport trouble);
// the identity provider deliberately does not say why.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	resp, err := c.postForm(ctx, c.TokenURL(), form)
	if err != nil {
		return TokenSet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenSet{}, ErrRefreshFailed
	}
	var set TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return TokenSet{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return set, nil
}

// Revoke revokes a token. Idempotent and best-effort; an unreachable token
// service is reported so the caller can log it, but local cleanup should
// proceed regardless.
func (c *TokenClient) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)

	resp, err := c.postForm(ctx, c.cfg.BaseURL+"/auth/revoke", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *TokenClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func errorCode(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Error
}

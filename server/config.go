package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for token, code, and session lifetimes.
const (
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 12 * time.Hour
	DefaultCodeTTL    = 2 * time.Minute
	DefaultSessionTTL = 12 * time.Hour
)

// Config captures the identity provider configuration loaded from YAML with
// environment overrides.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionConfig  `yaml:"sessions"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Codes    CodeConfig     `yaml:"codes"`
	Clients  []ClientConfig `yaml:"clients"`
	Users    []UserConfig   `yaml:"users"`
}

// ServerConfig controls the listener, TLS, and cookie concerns.
type ServerConfig struct {
	PublicURL    string     `yaml:"public_url"`
	ListenAddr   string     `yaml:"listen_addr"`
	LoginURL     string     `yaml:"login_url"`
	CookieDomain string     `yaml:"cookie_domain"`
	TLS          TLSConfig  `yaml:"tls"`
	CORS         CORSConfig `yaml:"cors"`
}

// TLSConfig points at the CA-issued server certificate. When ClientCAFile is
// set the listener requests (but does not require) client certificates so
// that fingerprint binding can see them.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// Enabled reports whether the server should terminate TLS itself.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// CORSConfig lists browser origins allowed to call the JSON endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SessionConfig controls SSO session lifetime.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// TokenConfig controls access/refresh token lifetimes.
type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// CodeConfig controls authorization code lifetime.
type CodeConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ClientConfig describes one registered resource-server client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
}

// UserConfig seeds a credential-store user. The password is hashed at load.
type UserConfig struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Role            string `yaml:"role"`
	CertFingerprint string `yaml:"cert_fingerprint"`
}

// LoadConfig reads the YAML config file, applies environment overrides, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:  "https://localhost:5000",
			ListenAddr: ":5000",
		},
		Sessions: SessionConfig{TTL: DefaultSessionTTL},
		Tokens:   TokenConfig{AccessTTL: DefaultAccessTTL, RefreshTTL: DefaultRefreshTTL},
		Codes:    CodeConfig{TTL: DefaultCodeTTL},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SSOD_PUBLIC_URL":    func(v string) { cfg.Server.PublicURL = v },
		"SSOD_LISTEN_ADDR":   func(v string) { cfg.Server.ListenAddr = v },
		"SSOD_LOGIN_URL":     func(v string) { cfg.Server.LoginURL = v },
		"SSOD_COOKIE_DOMAIN": func(v string) { cfg.Server.CookieDomain = v },
		"SSOD_TLS_CERT_FILE": func(v string) { cfg.Server.TLS.CertFile = v },
		"SSOD_TLS_KEY_FILE":  func(v string) { cfg.Server.TLS.KeyFile = v },
		"SSOD_CLIENT_CA":     func(v string) { cfg.Server.TLS.ClientCAFile = v },
		"SSOD_ACCESS_TTL":    func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"SSOD_REFRESH_TTL":   func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"SSOD_CODE_TTL":      func(v string) { cfg.Codes.TTL = parseDuration(v, cfg.Codes.TTL) },
		"SSOD_SESSION_TTL":   func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return errors.New("tokens.access_ttl and tokens.refresh_ttl must be positive")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("tokens.refresh_ttl must exceed tokens.access_ttl")
	}
	if c.Codes.TTL <= 0 {
		return errors.New("codes.ttl must be positive")
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if client.ClientSecret == "" {
			return fmt.Errorf("clients[%d] (%s): client_secret is required", i, client.ClientID)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	for i, user := range c.Users {
		if user.Username == "" || user.Password == "" {
			return fmt.Errorf("users[%d]: username and password are required", i)
		}
		if user.Role != "" && !ValidRole(Role(user.Role)) {
			return fmt.Errorf("users[%d] (%s): unknown role %q", i, user.Username, user.Role)
		}
	}

	return nil
}

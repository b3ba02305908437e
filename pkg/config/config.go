// Package config loads and validates the gateway's YAML configuration file.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/lsst/gafaelfawr/pkg/sealedbox"
)

// SettingsPathEnvVar names the environment variable carrying the path to the
// YAML configuration file.
const SettingsPathEnvVar = "GAFAELFAWR_SETTINGS_PATH"

// UIPathEnvVar names the environment variable carrying the static UI assets directory.
const UIPathEnvVar = "GAFAELFAWR_UI_PATH"

const (
	defaultRealm            = "gafaelfawr"
	defaultUsernameRegex    = `^[a-z0-9][a-z0-9._-]*[a-z0-9]$`
	defaultSessionLifetime  = 90 * 24 * time.Hour
	defaultIssuerExpMinutes = 1440
	minExpiresLeadTime      = 5 * time.Minute
	defaultListen           = ":8080"
)

// IssuerConfig describes the OIDC issuer (C7) signing identity.
type IssuerConfig struct {
	Issuer      string `mapstructure:"iss"`
	Audience    string `mapstructure:"aud"`
	AudInternal string `mapstructure:"aud_internal"`
	KeyFile     string `mapstructure:"key_file"`
	ExpMinutes  int    `mapstructure:"exp_minutes"`
}

// GitHubConfig describes the GitHub upstream provider.
type GitHubConfig struct {
	ClientID         string `mapstructure:"client_id"`
	ClientSecretFile string `mapstructure:"client_secret_file"`
}

// OIDCConfig describes a generic upstream OIDC provider.
type OIDCConfig struct {
	ClientID         string   `mapstructure:"client_id"`
	ClientSecretFile string   `mapstructure:"client_secret_file"`
	Issuer           string   `mapstructure:"issuer"`
	Scopes           []string `mapstructure:"scopes"`
}

// Config is the typed representation of the gateway's YAML configuration
// file, loaded from the path named by GAFAELFAWR_SETTINGS_PATH.
type Config struct {
	Realm             string              `mapstructure:"realm"`
	Hostname          string              `mapstructure:"hostname"`
	Listen            string              `mapstructure:"listen"`
	SessionSecretFile string              `mapstructure:"session_secret_file"`
	DatabaseURL       string              `mapstructure:"database_url"`
	RedisURL          string              `mapstructure:"redis_url"`
	BootstrapToken    string              `mapstructure:"bootstrap_token"`
	Proxies           []string            `mapstructure:"proxies"`
	AfterLogoutURL    string              `mapstructure:"after_logout_url"`
	Issuer            IssuerConfig        `mapstructure:"issuer"`
	GitHub            *GitHubConfig       `mapstructure:"github"`
	OIDC              *OIDCConfig         `mapstructure:"oidc"`
	KnownScopes       map[string]string   `mapstructure:"known_scopes"`
	GroupMapping      map[string][]string `mapstructure:"group_mapping"`
	InitialAdmins     []string            `mapstructure:"initial_admins"`

	// OIDCServerSecretsFile names a JSON file of relying-party client
	// registrations (`[{"id": ..., "secret": ..., "redirect_uris": [...]}]`)
	// for the OIDC issuer's authorization server (C7).
	OIDCServerSecretsFile string `mapstructure:"oidc_server_secrets_file"`

	// UsernameRegex, if set, overrides the default username/actor validation pattern.
	UsernameRegex string `mapstructure:"username_regex"`

	usernamePattern *regexp.Regexp
}

func defaults() Config {
	return Config{
		Realm:         defaultRealm,
		Listen:        defaultListen,
		UsernameRegex: defaultUsernameRegex,
		KnownScopes:   map[string]string{},
		GroupMapping:  map[string][]string{},
		Issuer: IssuerConfig{
			ExpMinutes: defaultIssuerExpMinutes,
		},
	}
}

// Load reads and validates the configuration file at path, merging in
// defaults for any unset field.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	loaded := Config{}
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge defaults: %w", err)
	}

	if err := cfg.compile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) compile() error {
	re, err := regexp.Compile(c.UsernameRegex)
	if err != nil {
		return fmt.Errorf("config: invalid username_regex: %w", err)
	}
	c.usernamePattern = re
	return nil
}

// Validate checks required fields and internal consistency.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("config: hostname is required")
	}
	if c.SessionSecretFile == "" {
		return fmt.Errorf("config: session_secret_file is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("config: redis_url is required")
	}
	if c.Issuer.Issuer == "" || c.Issuer.KeyFile == "" {
		return fmt.Errorf("config: issuer.iss and issuer.key_file are required")
	}
	if c.GitHub == nil && c.OIDC == nil {
		return fmt.Errorf("config: exactly one of github or oidc must be configured")
	}
	if c.GitHub != nil && c.OIDC != nil {
		return fmt.Errorf("config: only one of github or oidc may be configured")
	}
	return nil
}

// ValidUsername reports whether username matches the configured pattern.
func (c *Config) ValidUsername(username string) bool {
	if c.usernamePattern == nil {
		return true
	}
	return c.usernamePattern.MatchString(username)
}

// MinExpiresLeadTime is the minimum duration by which an expires value must
// exceed the current time to be accepted (spec §4.3: "at least 5 minutes ahead").
func MinExpiresLeadTime() time.Duration { return minExpiresLeadTime }

// SessionLifetime is the TTL applied to session-derived tokens lacking an
// explicit expiry.
func SessionLifetime() time.Duration { return defaultSessionLifetime }

// OIDCServerClient is one registered relying party for the OIDC issuer's
// authorization server, as read from OIDCServerSecretsFile.
type OIDCServerClient struct {
	ID           string   `json:"id"`
	Secret       string   `json:"secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

// LoadOIDCServerClients reads and parses the OIDCServerSecretsFile, if set;
// an empty OIDCServerSecretsFile yields an empty, non-nil slice.
func LoadOIDCServerClients(path string) ([]OIDCServerClient, error) {
	if path == "" {
		return []OIDCServerClient{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read oidc_server_secrets_file %s: %w", path, err)
	}
	var clients []OIDCServerClient
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, fmt.Errorf("config: parse oidc_server_secrets_file %s: %w", path, err)
	}
	return clients, nil
}

// sessionKeyEntry is one entry of the session_secret_file JSON array,
// naming a key id and its base64url-encoded 256-bit secret. The first
// entry is the active sealing key; later entries remain valid for
// decrypting envelopes sealed before a rotation.
type sessionKeyEntry struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// LoadSessionKeys reads and decodes the session_secret_file into the
// sealedbox.Key list used for both the token store envelope (C1) and the
// state cookie.
func LoadSessionKeys(path string) ([]sealedbox.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read session_secret_file %s: %w", path, err)
	}
	var entries []sessionKeyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse session_secret_file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("config: session_secret_file %s has no keys", path)
	}

	keys := make([]sealedbox.Key, 0, len(entries))
	for _, e := range entries {
		raw, err := base64.RawURLEncoding.DecodeString(e.Secret)
		if err != nil {
			return nil, fmt.Errorf("config: session_secret_file %s: key %q is not base64url: %w", path, e.ID, err)
		}
		if len(raw) != sealedbox.KeySize {
			return nil, fmt.Errorf("config: session_secret_file %s: key %q must be %d bytes, got %d", path, e.ID, sealedbox.KeySize, len(raw))
		}
		var key sealedbox.Key
		key.ID = e.ID
		copy(key.Secret[:], raw)
		keys = append(keys, key)
	}
	return keys, nil
}

// ReadSecretFile reads a secret referenced by a config path, trimming a
// single trailing newline if present (matches the convention of secret
// files mounted from Kubernetes Secrets or similar).
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read secret file %s: %w", path, err)
	}
	s := string(data)
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	return s, nil
}

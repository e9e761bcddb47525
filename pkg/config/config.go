package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Keys     KeysConfig     `yaml:"keys"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`

	// Registry content
	IdentityResources []ScopeConfig  `yaml:"identity_resources"`
	APIScopes         []ScopeConfig  `yaml:"api_scopes"`
	Clients           []ClientConfig `yaml:"clients"`

	// Local resource owners
	Users []UserConfig `yaml:"users"`

	// Upstream OpenID Connect providers
	Upstream []UpstreamProviderConfig `yaml:"upstream"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Issuer             string `yaml:"issuer"`
	Port               int    `yaml:"port"`
	ReadTimeout        int    `yaml:"read_timeout"`
	WriteTimeout       int    `yaml:"write_timeout"`
	ShutdownTimeout    int    `yaml:"shutdown_timeout"`
	TrustProxyHeaders  bool   `yaml:"trust_proxy_headers"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// SecurityConfig holds token, session and interaction lifetimes
type SecurityConfig struct {
	TokenExpirySeconds             int    `yaml:"token_expiry_seconds"`
	IDTokenExpirySeconds           int    `yaml:"id_token_expiry_seconds"`
	RefreshTokenExpirySeconds      int    `yaml:"refresh_token_expiry_seconds"`
	AuthorizationCodeExpirySeconds int    `yaml:"authorization_code_expiry_seconds"`
	SessionIdleTimeoutSeconds      int    `yaml:"session_idle_timeout_seconds"`
	SessionAbsoluteTimeoutSeconds  int    `yaml:"session_absolute_timeout_seconds"`
	InteractionTimeoutSeconds      int    `yaml:"interaction_timeout_seconds"`
	ClockSkewSeconds               int    `yaml:"clock_skew_seconds"`
	SessionSecret                  string `yaml:"session_secret"`
	SecureCookies                  bool   `yaml:"secure_cookies"`
	RevokeGrantsOnLogout           bool   `yaml:"revoke_grants_on_logout"`
}

// KeysConfig holds signing key configuration
type KeysConfig struct {
	Algorithm               string   `yaml:"algorithm"`
	Dir                     string   `yaml:"dir"`
	SigningKeyFile          string   `yaml:"signing_key_file"`
	FallbackKeyFiles        []string `yaml:"fallback_key_files"`
	RotationIntervalSeconds int      `yaml:"rotation_interval_seconds"`
	RetentionSeconds        int      `yaml:"retention_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects and configures the persistence backend
type DatabaseConfig struct {
	Type                 string `yaml:"type"` // "memory", "sqlite", "postgres" or "redis"
	Path                 string `yaml:"path"` // SQLite database file path
	DSN                  string `yaml:"dsn"`  // PostgreSQL connection string
	RedisAddr            string `yaml:"redis_addr"`
	RedisPassword        string `yaml:"redis_password"`
	RedisDB              int    `yaml:"redis_db"`
	KeyPrefix            string `yaml:"key_prefix"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// ScopeConfig describes an identity resource or API scope
type ScopeConfig struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Claims      []string `yaml:"claims"`
	Audience    string   `yaml:"audience"`
}

// ClientConfig represents a client configuration from YAML
type ClientConfig struct {
	ID                         string   `yaml:"id"`
	Name                       string   `yaml:"name"`
	Secret                     string   `yaml:"secret"`
	SecretHash                 string   `yaml:"secret_hash"`
	GrantTypes                 []string `yaml:"grant_types"`
	RedirectURIs               []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs     []string `yaml:"post_logout_redirect_uris"`
	Scopes                     []string `yaml:"scopes"`
	AllowedCORSOrigins         []string `yaml:"allowed_cors_origins"`
	RequirePKCE                bool     `yaml:"require_pkce"`
	RequireConsent             bool     `yaml:"require_consent"`
	AccessTokenLifetimeSeconds int      `yaml:"access_token_lifetime_seconds"`
	Enabled                    *bool    `yaml:"enabled,omitempty"` // Pointer to distinguish between false and unset
}

// UserConfig represents a local user from YAML
type UserConfig struct {
	ID           string   `yaml:"id"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	Email        string   `yaml:"email"`
	Name         string   `yaml:"name"`
	GivenName    string   `yaml:"given_name"`
	FamilyName   string   `yaml:"family_name"`
	Roles        []string `yaml:"roles"`
}

// UpstreamProviderConfig configures an upstream OpenID Connect provider
type UpstreamProviderConfig struct {
	Name                     string            `yaml:"name"`
	DisplayName              string            `yaml:"display_name"`
	Issuer                   string            `yaml:"issuer"`
	ClientID                 string            `yaml:"client_id"`
	ClientSecret             string            `yaml:"client_secret"`
	RedirectURL              string            `yaml:"redirect_url"`
	Scopes                   []string          `yaml:"scopes"`
	ClaimMappings            map[string]string `yaml:"claim_mappings"`
	DiscoveryRefreshSeconds  int               `yaml:"discovery_refresh_seconds"`
	DiscoveryMaxStaleSeconds int               `yaml:"discovery_max_stale_seconds"`
	FetchTimeoutSeconds      int               `yaml:"fetch_timeout_seconds"`
	FetchRetries             int               `yaml:"fetch_retries"`
}

// IsEnabled returns whether this client is enabled (defaults to true if not specified)
func (c ClientConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// IsPublic reports whether the client has no secret configured
func (c ClientConfig) IsPublic() bool {
	return c.Secret == "" && c.SecretHash == ""
}

// Seconds converts a seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validateIssuer(c.Server.Issuer); err != nil {
		return err
	}

	if len(c.Security.SessionSecret) < 32 {
		return fmt.Errorf("session secret must be at least 32 characters (current length: %d)", len(c.Security.SessionSecret))
	}

	if c.Security.SessionIdleTimeoutSeconds > c.Security.SessionAbsoluteTimeoutSeconds {
		return fmt.Errorf("session idle timeout (%ds) cannot exceed absolute timeout (%ds)",
			c.Security.SessionIdleTimeoutSeconds, c.Security.SessionAbsoluteTimeoutSeconds)
	}

	maxTokenLifetime := c.Security.TokenExpirySeconds
	if c.Security.IDTokenExpirySeconds > maxTokenLifetime {
		maxTokenLifetime = c.Security.IDTokenExpirySeconds
	}
	for _, client := range c.Clients {
		if client.AccessTokenLifetimeSeconds > maxTokenLifetime {
			maxTokenLifetime = client.AccessTokenLifetimeSeconds
		}
	}
	if c.Keys.RotationIntervalSeconds > 0 && c.Keys.RetentionSeconds < maxTokenLifetime {
		return fmt.Errorf("key retention (%ds) must cover the longest token lifetime (%ds)", c.Keys.RetentionSeconds, maxTokenLifetime)
	}

	if err := c.validateDatabaseConfig(); err != nil {
		return fmt.Errorf("database configuration: %w", err)
	}

	scopes := make(map[string]bool)
	for _, group := range [][]ScopeConfig{c.IdentityResources, c.APIScopes} {
		for _, s := range group {
			if s.Name == "" {
				return fmt.Errorf("scope name is required")
			}
			if scopes[s.Name] {
				return fmt.Errorf("duplicate scope: %s", s.Name)
			}
			scopes[s.Name] = true
		}
	}

	clientIDs := make(map[string]bool)
	for i, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("client %d: client ID is required", i)
		}
		if clientIDs[client.ID] {
			return fmt.Errorf("duplicate client: %s", client.ID)
		}
		clientIDs[client.ID] = true

		if !client.IsEnabled() {
			continue
		}
		if err := validateClient(client, scopes); err != nil {
			return err
		}
	}

	usernames := make(map[string]bool)
	for _, user := range c.Users {
		if user.ID == "" || user.Username == "" {
			return fmt.Errorf("user id and username are required")
		}
		if usernames[user.Username] {
			return fmt.Errorf("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true
		if user.Password == "" && user.PasswordHash == "" {
			return fmt.Errorf("user %s: password or password_hash is required", user.Username)
		}
	}

	providers := make(map[string]bool)
	for _, p := range c.Upstream {
		if p.Name == "" || p.Issuer == "" || p.ClientID == "" || p.RedirectURL == "" {
			return fmt.Errorf("upstream provider %q: name, issuer, client_id and redirect_url are required", p.Name)
		}
		if providers[p.Name] {
			return fmt.Errorf("duplicate upstream provider: %s", p.Name)
		}
		providers[p.Name] = true
	}

	return nil
}

func validateIssuer(issuer string) error {
	u, err := url.Parse(issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("issuer must be an absolute http(s) URL: %q", issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment: %q", issuer)
	}
	return nil
}

func validateClient(client ClientConfig, scopes map[string]bool) error {
	for _, grantType := range client.GrantTypes {
		switch grantType {
		case "authorization_code", "refresh_token":
		case "client_credentials":
			if client.IsPublic() {
				return fmt.Errorf("client %s: client secret is required for client_credentials grant", client.ID)
			}
		case "implicit":
			return fmt.Errorf("client %s: implicit grant is not supported, use authorization_code with PKCE", client.ID)
		default:
			return fmt.Errorf("client %s: invalid grant type: %s", client.ID, grantType)
		}
	}

	if contains(client.GrantTypes, "authorization_code") && len(client.RedirectURIs) == 0 {
		return fmt.Errorf("client %s: redirect URIs required for authorization_code grant", client.ID)
	}

	for _, uri := range append(append([]string{}, client.RedirectURIs...), client.PostLogoutRedirectURIs...) {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("client %s: redirect URI must be absolute: %q", client.ID, uri)
		}
		if u.Fragment != "" {
			return fmt.Errorf("client %s: redirect URI must not contain a fragment: %q", client.ID, uri)
		}
	}

	for _, s := range client.Scopes {
		if !scopes[s] {
			return fmt.Errorf("client %s: scope %q is not registered", client.ID, s)
		}
	}
	return nil
}

// validateDatabaseConfig validates the database configuration
func (c *Config) validateDatabaseConfig() error {
	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database path is required when using sqlite database type")
		}
		if strings.Contains(c.Database.Path, "..") {
			return fmt.Errorf("database path cannot contain '..' for security reasons")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("dsn is required when using postgres database type")
		}
	case "redis":
		if c.Database.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required when using redis database type")
		}
	default:
		return fmt.Errorf("invalid database type '%s', must be one of: memory, sqlite, postgres, redis", c.Database.Type)
	}
	return nil
}

// SetDefaults sets default values for configuration options that are not specified
func (c *Config) SetDefaults() {
	if c.Server.Issuer == "" {
		c.Server.Issuer = "http://localhost:8080"
	}
	c.Server.Issuer = strings.TrimSuffix(c.Server.Issuer, "/")
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ReadTimeout, 15)
	setDefault(&c.Server.WriteTimeout, 15)
	setDefault(&c.Server.ShutdownTimeout, 10)
	setDefault(&c.Server.RateLimitPerMinute, 120)

	setDefault(&c.Security.TokenExpirySeconds, 3600)         // 1 hour
	setDefault(&c.Security.IDTokenExpirySeconds, 3600)       // 1 hour
	setDefault(&c.Security.RefreshTokenExpirySeconds, 86400) // 24 hours
	setDefault(&c.Security.AuthorizationCodeExpirySeconds, 600)
	setDefault(&c.Security.SessionIdleTimeoutSeconds, 1800)
	setDefault(&c.Security.SessionAbsoluteTimeoutSeconds, 28800)
	setDefault(&c.Security.InteractionTimeoutSeconds, 600)
	setDefault(&c.Security.ClockSkewSeconds, 30)

	if c.Keys.Algorithm == "" {
		c.Keys.Algorithm = "RS256"
	}
	setDefault(&c.Keys.RetentionSeconds, 86400)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Database.Type == "" {
		c.Database.Type = "memory"
	}
	if c.Database.Path == "" && c.Database.Type == "sqlite" {
		c.Database.Path = "oidc-server.db"
	}
	if c.Database.KeyPrefix == "" {
		c.Database.KeyPrefix = "oidc:"
	}
	setDefault(&c.Database.SweepIntervalSeconds, 60)

	if len(c.IdentityResources) == 0 {
		c.IdentityResources = []ScopeConfig{
			{Name: "openid", DisplayName: "Your user identifier", Claims: []string{"sub"}},
			{Name: "profile", DisplayName: "User profile", Claims: []string{"name", "family_name", "given_name", "preferred_username", "role"}},
			{Name: "email", DisplayName: "Your email address", Claims: []string{"email", "email_verified"}},
		}
	}

	for i := range c.Upstream {
		p := &c.Upstream[i]
		if len(p.Scopes) == 0 {
			p.Scopes = []string{"openid", "profile"}
		}
		setDefault(&p.DiscoveryRefreshSeconds, 3600)
		setDefault(&p.DiscoveryMaxStaleSeconds, 86400)
		setDefault(&p.FetchTimeoutSeconds, 10)
		setDefault(&p.FetchRetries, 3)
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// GetClientByID returns a client by ID
func (c *Config) GetClientByID(clientID string) (*ClientConfig, bool) {
	for i := range c.Clients {
		if c.Clients[i].ID == clientID {
			return &c.Clients[i], true
		}
	}
	return nil, false
}

// Helper function to check if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

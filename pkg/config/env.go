package config

import (
	"os"
	"strconv"
	"strings"
)

// LoadFromEnv loads configuration from environment variables and overrides YAML config
func (c *Config) LoadFromEnv() {
	// Server configuration overrides
	if issuer := GetEnvString("ISSUER", os.Getenv("PUBLIC_BASE_URL")); issuer != "" {
		c.Server.Issuer = issuer
	}
	c.Server.Port = GetEnvInt("PORT", c.Server.Port)
	c.Server.TrustProxyHeaders = GetEnvBool("TRUST_PROXY_HEADERS", c.Server.TrustProxyHeaders)
	c.Server.RateLimitPerMinute = GetEnvInt("RATE_LIMIT_PER_MINUTE", c.Server.RateLimitPerMinute)

	// Logging configuration overrides
	c.Logging.Level = GetEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnvString("LOG_FORMAT", c.Logging.Format)

	// Database configuration overrides
	c.Database.Type = GetEnvString("DATABASE_TYPE", c.Database.Type)
	if storagePath := os.ExpandEnv("${DATABASE_PATH}"); storagePath != "" {
		c.Database.Path = storagePath
	}
	c.Database.DSN = GetEnvString("DATABASE_DSN", c.Database.DSN)
	c.Database.RedisAddr = GetEnvString("REDIS_ADDR", c.Database.RedisAddr)
	c.Database.RedisPassword = GetEnvString("REDIS_PASSWORD", c.Database.RedisPassword)

	// Security configuration overrides
	c.Security.SessionSecret = GetEnvString("SESSION_SECRET", c.Security.SessionSecret)
	c.Security.SecureCookies = GetEnvBool("SECURE_COOKIES", c.Security.SecureCookies)
	c.Security.RevokeGrantsOnLogout = GetEnvBool("REVOKE_GRANTS_ON_LOGOUT", c.Security.RevokeGrantsOnLogout)
	c.Security.TokenExpirySeconds = positiveEnvInt("TOKEN_EXPIRY_SECONDS", c.Security.TokenExpirySeconds)
	c.Security.RefreshTokenExpirySeconds = positiveEnvInt("REFRESH_TOKEN_EXPIRY_SECONDS", c.Security.RefreshTokenExpirySeconds)
	c.Security.AuthorizationCodeExpirySeconds = positiveEnvInt("AUTHORIZATION_CODE_EXPIRY_SECONDS", c.Security.AuthorizationCodeExpirySeconds)
	c.Security.SessionIdleTimeoutSeconds = positiveEnvInt("SESSION_IDLE_TIMEOUT_SECONDS", c.Security.SessionIdleTimeoutSeconds)
	c.Security.SessionAbsoluteTimeoutSeconds = positiveEnvInt("SESSION_ABSOLUTE_TIMEOUT_SECONDS", c.Security.SessionAbsoluteTimeoutSeconds)

	// Signing keys
	c.Keys.Dir = GetEnvString("SIGNING_KEY_DIR", c.Keys.Dir)
	c.Keys.SigningKeyFile = GetEnvString("SIGNING_KEY_FILE", c.Keys.SigningKeyFile)
	if fallbacks := os.Getenv("FALLBACK_KEY_FILES"); fallbacks != "" {
		c.Keys.FallbackKeyFiles = filterEmpty(strings.Split(fallbacks, ","))
	}
	c.Keys.RotationIntervalSeconds = GetEnvInt("KEY_ROTATION_INTERVAL_SECONDS", c.Keys.RotationIntervalSeconds)

	// Secrets kept out of config.yaml
	c.loadClientSecretsFromEnv()
	c.loadUpstreamSecretsFromEnv()
}

// loadClientSecretsFromEnv applies CLIENT_<ID>_SECRET to configured clients
func (c *Config) loadClientSecretsFromEnv() {
	for i := range c.Clients {
		if secret := os.Getenv("CLIENT_" + envName(c.Clients[i].ID) + "_SECRET"); secret != "" {
			c.Clients[i].Secret = secret
		}
	}
}

// loadUpstreamSecretsFromEnv applies UPSTREAM_<NAME>_CLIENT_SECRET to configured providers
func (c *Config) loadUpstreamSecretsFromEnv() {
	for i := range c.Upstream {
		if secret := os.Getenv("UPSTREAM_" + envName(c.Upstream[i].Name) + "_CLIENT_SECRET"); secret != "" {
			c.Upstream[i].ClientSecret = secret
		}
	}
}

func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

func positiveEnvInt(key string, current int) int {
	if v := GetEnvInt(key, current); v > 0 {
		return v
	}
	return current
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetEnvInt gets an environment variable as integer with default
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvBool gets an environment variable as boolean with default
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvString gets an environment variable as string with default
func GetEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

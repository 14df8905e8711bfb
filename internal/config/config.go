package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	MFA       MFAConfig       `mapstructure:"mfa"`
	Email     EmailConfig     `mapstructure:"email"`
	SMS       SMSConfig       `mapstructure:"sms"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
	// SweepInterval controls how often expired sessions are purged. Zero disables the sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// TrustedProxies lists the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are honoured. Empty means the
	// connection peer is always the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as
// a single-host prefix. Entries that fail to parse are reported in the
// error and left out of the result.
func (c ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	var errs []error
	for _, raw := range c.TrustedProxies {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("trusted_proxies: %q: %w", entry, err))
				continue
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("trusted_proxies: %q: %w", entry, err))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, errors.Join(errs...)
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
	// ChallengeDriver is "redis" or "memory".
	ChallengeDriver string `mapstructure:"challenge_driver"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds the tunable security posture. It is injected into the
// services at startup and replaced as a whole by admin updates.
type SecurityConfig struct {
	PasswordPolicy PasswordPolicy     `mapstructure:"password_policy" json:"passwordPolicy"`
	Hashing        HashingConfig      `mapstructure:"hashing" json:"-"`
	Lockout        LockoutConfig      `mapstructure:"lockout" json:"lockout"`
	Session        SessionConfig      `mapstructure:"session" json:"session"`
	Tokens         TokenConfig        `mapstructure:"tokens" json:"tokens"`
	RateLimiting   RateLimitingConfig `mapstructure:"rate_limiting" json:"-"`
}

// PasswordPolicy describes the complexity and lifetime rules for passwords.
type PasswordPolicy struct {
	MinLength            int  `mapstructure:"min_length" json:"minLength" validate:"min=1,max=128"`
	RequireUppercase     bool `mapstructure:"require_uppercase" json:"requireUppercase"`
	RequireLowercase     bool `mapstructure:"require_lowercase" json:"requireLowercase"`
	RequireNumbers       bool `mapstructure:"require_numbers" json:"requireNumbers"`
	RequireSpecialChars  bool `mapstructure:"require_special_chars" json:"requireSpecialChars"`
	PreventPasswordReuse bool `mapstructure:"prevent_password_reuse" json:"preventPasswordReuse"`
	// HistoryDepth is how many previous hashes are compared when reuse is prevented.
	HistoryDepth int `mapstructure:"history_depth" json:"historyDepth" validate:"min=0,max=24"`
	// ExpiryDays of zero disables expiry.
	ExpiryDays int `mapstructure:"expiry_days" json:"expiryDays" validate:"min=0"`
}

// HashingConfig holds Argon2id parameters
type HashingConfig struct {
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
}

// LockoutConfig holds account lockout thresholds
type LockoutConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"maxAttempts"`
	Duration    time.Duration `mapstructure:"duration" json:"duration"`
}

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes" json:"defaultTimeoutMinutes" validate:"min=1,max=10080"`
}

// DefaultTimeout returns the configured default session lifetime.
func (c SessionConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// TokenConfig holds JWT token configuration
type TokenConfig struct {
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl" json:"accessTokenTTL"`
	SigningAlgorithm  string        `mapstructure:"signing_algorithm" json:"signingAlgorithm"`
	Issuer            string        `mapstructure:"issuer" json:"issuer"`
	KeyRotationPeriod time.Duration `mapstructure:"key_rotation_period" json:"keyRotationPeriod"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DefaultLimit  int    `mapstructure:"default_limit"`
	DefaultWindow string `mapstructure:"default_window"`
}

// MFAConfig holds MFA configuration
type MFAConfig struct {
	TOTP      TOTPConfig      `mapstructure:"totp"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer string `mapstructure:"issuer"`
	Digits int    `mapstructure:"digits"`
	Period int    `mapstructure:"period"`
}

// ChallengeConfig holds settings for one-time login codes
type ChallengeConfig struct {
	CodeTTL time.Duration `mapstructure:"code_ttl"`
}

// EmailConfig holds email sending configuration
type EmailConfig struct {
	// Provider is the email provider to use: "gmail", "smtp", "resend" or "log".
	Provider string `mapstructure:"provider"`
	// AppName is the application name shown in emails
	AppName string           `mapstructure:"app_name"`
	Gmail   GmailEmailConfig `mapstructure:"gmail"`
	SMTP    SMTPEmailConfig  `mapstructure:"smtp"`
	Resend  ResendConfig     `mapstructure:"resend"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	// SenderAddress is the "From" email address
	SenderAddress string `mapstructure:"sender_address"`
	SenderName    string `mapstructure:"sender_name"`
}

// SMTPEmailConfig holds SMTP relay configuration
type SMTPEmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	TLS      bool   `mapstructure:"tls"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ResendConfig holds Resend API configuration
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
	From   string `mapstructure:"from"`
}

// SMSConfig holds the SMS gateway hand-off settings. Codes are published on a
// Redis channel consumed by the gateway worker.
type SMSConfig struct {
	Provider string `mapstructure:"provider"`
	Channel  string `mapstructure:"channel"`
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BootstrapConfig names the administrator created at startup when no account
// with that email exists yet. Empty values disable bootstrapping.
type BootstrapConfig struct {
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/authcore")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("AUTHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Security.Validate(); err != nil {
		return nil, fmt.Errorf("invalid security config: %w", err)
	}
	if _, err := cfg.Server.TrustedProxyPrefixes(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects security settings that would disable a protection outright.
func (c SecurityConfig) Validate() error {
	var errs []error
	if c.PasswordPolicy.MinLength < 1 {
		errs = append(errs, errors.New("password_policy.min_length must be at least 1"))
	}
	if c.PasswordPolicy.ExpiryDays < 0 {
		errs = append(errs, errors.New("password_policy.expiry_days must not be negative"))
	}
	if c.Lockout.MaxAttempts < 1 {
		errs = append(errs, errors.New("lockout.max_attempts must be at least 1"))
	}
	if c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout.duration must be positive"))
	}
	if c.Session.DefaultTimeoutMinutes < 1 {
		errs = append(errs, errors.New("session.default_timeout_minutes must be at least 1"))
	}
	if c.Tokens.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("tokens.access_token_ttl must be positive"))
	}
	switch c.Tokens.SigningAlgorithm {
	case "hybrid", "ed25519":
	default:
		errs = append(errs, fmt.Errorf("tokens.signing_algorithm %q is not supported", c.Tokens.SigningAlgorithm))
	}
	return errors.Join(errs...)
}

// DefaultSecurityConfig returns the built-in security posture. Tests and the
// in-memory store use it when no config file is present.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordPolicy: PasswordPolicy{
			MinLength:            12,
			RequireUppercase:     true,
			RequireLowercase:     true,
			RequireNumbers:       true,
			RequireSpecialChars:  true,
			PreventPasswordReuse: true,
			HistoryDepth:         5,
			ExpiryDays:           90,
		},
		Hashing: HashingConfig{
			Argon2Memory:      64 * 1024,
			Argon2Iterations:  3,
			Argon2Parallelism: 4,
		},
		Lockout: LockoutConfig{
			MaxAttempts: 5,
			Duration:    30 * time.Minute,
		},
		Session: SessionConfig{
			DefaultTimeoutMinutes: 30,
		},
		Tokens: TokenConfig{
			AccessTokenTTL:    time.Hour,
			SigningAlgorithm:  "ed25519",
			Issuer:            "authcore",
			KeyRotationPeriod: 90 * 24 * time.Hour,
		},
		RateLimiting: RateLimitingConfig{
			Enabled:       true,
			DefaultLimit:  100,
			DefaultWindow: "1m",
		},
	}
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.sweep_interval", "5m")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.challenge_driver", "redis")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "authcore")
	v.SetDefault("database.user", "authcore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	sec := DefaultSecurityConfig()
	v.SetDefault("security.password_policy.min_length", sec.PasswordPolicy.MinLength)
	v.SetDefault("security.password_policy.require_uppercase", sec.PasswordPolicy.RequireUppercase)
	v.SetDefault("security.password_policy.require_lowercase", sec.PasswordPolicy.RequireLowercase)
	v.SetDefault("security.password_policy.require_numbers", sec.PasswordPolicy.RequireNumbers)
	v.SetDefault("security.password_policy.require_special_chars", sec.PasswordPolicy.RequireSpecialChars)
	v.SetDefault("security.password_policy.prevent_password_reuse", sec.PasswordPolicy.PreventPasswordReuse)
	v.SetDefault("security.password_policy.history_depth", sec.PasswordPolicy.HistoryDepth)
	v.SetDefault("security.password_policy.expiry_days", sec.PasswordPolicy.ExpiryDays)

	v.SetDefault("security.hashing.argon2_memory", sec.Hashing.Argon2Memory)
	v.SetDefault("security.hashing.argon2_iterations", sec.Hashing.Argon2Iterations)
	v.SetDefault("security.hashing.argon2_parallelism", sec.Hashing.Argon2Parallelism)

	v.SetDefault("security.lockout.max_attempts", sec.Lockout.MaxAttempts)
	v.SetDefault("security.lockout.duration", "30m")

	v.SetDefault("security.session.default_timeout_minutes", sec.Session.DefaultTimeoutMinutes)

	v.SetDefault("security.tokens.access_token_ttl", "1h")
	v.SetDefault("security.tokens.signing_algorithm", "hybrid")
	v.SetDefault("security.tokens.issuer", "authcore")
	v.SetDefault("security.tokens.key_rotation_period", "2160h")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.default_limit", 100)
	v.SetDefault("security.rate_limiting.default_window", "1m")

	// MFA defaults
	v.SetDefault("mfa.totp.issuer", "ServiceDesk")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.challenge.code_ttl", "5m")

	// Email defaults
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.app_name", "ServiceDesk")
	v.SetDefault("email.gmail.sender_name", "ServiceDesk")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.tls", true)

	v.SetDefault("sms.provider", "redis")
	v.SetDefault("sms.channel", "authcore:sms:outbound")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("bootstrap.admin_email", "")
	v.SetDefault("bootstrap.admin_password", "")
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Security.Lockout.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Security.Lockout.Duration)
	assert.Equal(t, 30, cfg.Security.Session.DefaultTimeoutMinutes)
	assert.Equal(t, time.Hour, cfg.Security.Tokens.AccessTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.MFA.Challenge.CodeTTL)
	assert.Equal(t, 12, cfg.Security.PasswordPolicy.MinLength)
	assert.True(t, cfg.Security.PasswordPolicy.RequireUppercase)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTHCORE_SECURITY_LOCKOUT_MAX_ATTEMPTS", "7")
	t.Setenv("AUTHCORE_STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Security.Lockout.MaxAttempts)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestSecurityConfigValidate(t *testing.T) {
	cfg := DefaultSecurityConfig()
	require.NoError(t, cfg.Validate())

	cfg.Lockout.MaxAttempts = 0
	cfg.Tokens.SigningAlgorithm = "rsa"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "signing_algorithm")
}

func TestSettingsUpdateReturnsNewValue(t *testing.T) {
	s := NewSettings(DefaultSecurityConfig())
	before := s.Current()

	updated, err := s.Update(func(c *SecurityConfig) {
		c.Session.DefaultTimeoutMinutes = 45
	})
	require.NoError(t, err)

	assert.Equal(t, 45, updated.Session.DefaultTimeoutMinutes)
	assert.Equal(t, 45, s.Current().Session.DefaultTimeoutMinutes)
	assert.Equal(t, 30, before.Session.DefaultTimeoutMinutes, "earlier snapshots are not mutated")
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	s := NewSettings(DefaultSecurityConfig())

	_, err := s.Update(func(c *SecurityConfig) {
		c.PasswordPolicy.MinLength = 0
	})
	require.Error(t, err)
	assert.Equal(t, 12, s.Current().PasswordPolicy.MinLength)
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := ServerConfig{TrustedProxies: []string{"10.0.0.0/8", " 192.0.2.7 ", "::ffff:198.51.100.1", ""}}
	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.0.2.7/32", prefixes[1].String())
	assert.Equal(t, "198.51.100.1/32", prefixes[2].String())

	cfg.TrustedProxies = append(cfg.TrustedProxies, "not-an-ip", "10.0.0.0/99")
	prefixes, err = cfg.TrustedProxyPrefixes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-an-ip")
	assert.Len(t, prefixes, 3)
}

func TestLoadRejectsBadTrustedProxy(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTHCORE_SERVER_TRUSTED_PROXIES", "10.0.0.0/8,proxy.local")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.local")
}

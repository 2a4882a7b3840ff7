package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/agentgate/internal/secrets"
)

var devSecret = strings.Repeat("s", 32)

func TestConfig_Validate(t *testing.T) {
	adminHash, err := bcrypt.GenerateFromPassword([]byte("operator-key"), bcrypt.MinCost)
	require.NoError(t, err)

	base := func() *Config {
		return &Config{
			StoreBackend:    BackendMemory,
			StoreTimeout:    5 * time.Second,
			CleanupInterval: time.Minute,
			TokenSecret:     devSecret,
			Port:            8080,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid memory config",
			mutate: func(c *Config) {},
		},
		{
			name: "valid sqlite config",
			mutate: func(c *Config) {
				c.StoreBackend = BackendSQLite
				c.SQLitePath = "/tmp/agentgate.db"
			},
		},
		{
			name: "valid postgres config",
			mutate: func(c *Config) {
				c.StoreBackend = BackendPostgres
				c.PostgresDSN = "postgres://localhost:5432/test"
			},
		},
		{
			name: "valid sealed secret with local provider",
			mutate: func(c *Config) {
				c.TokenSecret = ""
				c.TokenSecretCiphertext = "c2VhbGVk"
				c.Secrets = secrets.Config{Provider: "local", LocalMasterKey: "master"}
			},
		},
		{
			name: "valid sealed secret with AWS KMS",
			mutate: func(c *Config) {
				c.TokenSecret = ""
				c.TokenSecretCiphertext = "c2VhbGVk"
				c.Secrets = secrets.Config{Provider: "aws-kms", AWSKMSKeyID: "alias/agentgate", AWSKMSRegion: "us-east-1"}
			},
		},
		{
			name: "valid admin hash",
			mutate: func(c *Config) {
				c.AdminAPIKeyHash = string(adminHash)
			},
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.StoreBackend = "redis"
			},
			wantErr: true,
			errMsg:  "STORE_BACKEND must be",
		},
		{
			name: "postgres without DSN",
			mutate: func(c *Config) {
				c.StoreBackend = BackendPostgres
			},
			wantErr: true,
			errMsg:  "POSTGRES_DSN is required",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.StoreBackend = BackendSQLite
				c.SQLitePath = ""
			},
			wantErr: true,
			errMsg:  "SQLITE_PATH is required",
		},
		{
			name: "non-positive store timeout",
			mutate: func(c *Config) {
				c.StoreTimeout = 0
			},
			wantErr: true,
			errMsg:  "STORE_TIMEOUT",
		},
		{
			name: "no token secret",
			mutate: func(c *Config) {
				c.TokenSecret = ""
			},
			wantErr: true,
			errMsg:  "TOKEN_SECRET or TOKEN_SECRET_CIPHERTEXT is required",
		},
		{
			name: "short token secret",
			mutate: func(c *Config) {
				c.TokenSecret = "short"
			},
			wantErr: true,
			errMsg:  "at least 32 bytes",
		},
		{
			name: "local provider missing master key",
			mutate: func(c *Config) {
				c.TokenSecret = ""
				c.TokenSecretCiphertext = "c2VhbGVk"
				c.Secrets = secrets.Config{Provider: "local"}
			},
			wantErr: true,
			errMsg:  "SECRET_LOCAL_MASTER_KEY",
		},
		{
			name: "AWS KMS missing region",
			mutate: func(c *Config) {
				c.TokenSecret = ""
				c.TokenSecretCiphertext = "c2VhbGVk"
				c.Secrets = secrets.Config{Provider: "aws-kms", AWSKMSKeyID: "alias/agentgate"}
			},
			wantErr: true,
			errMsg:  "AWS_REGION is required",
		},
		{
			name: "vault missing token",
			mutate: func(c *Config) {
				c.TokenSecret = ""
				c.TokenSecretCiphertext = "vault:v1:abc"
				c.Secrets = secrets.Config{Provider: "vault", VaultAddress: "http://localhost:8200", VaultTransitKey: "agentgate"}
			},
			wantErr: true,
			errMsg:  "VAULT_TOKEN",
		},
		{
			name: "unknown secret provider",
			mutate: func(c *Config) {
				c.TokenSecret = ""
				c.TokenSecretCiphertext = "c2VhbGVk"
				c.Secrets = secrets.Config{Provider: "hsm"}
			},
			wantErr: true,
			errMsg:  "SECRET_PROVIDER must be",
		},
		{
			name: "admin hash is not bcrypt",
			mutate: func(c *Config) {
				c.AdminAPIKeyHash = "plaintext"
			},
			wantErr: true,
			errMsg:  "ADMIN_API_KEY_HASH must be a bcrypt hash",
		},
		{
			name: "invalid port",
			mutate: func(c *Config) {
				c.Port = 70000
			},
			wantErr: true,
			errMsg:  "PORT must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("TOKEN_SECRET", devSecret)
		t.Setenv("STORE_BACKEND", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, cfg.StoreBackend)
		assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
		assert.Equal(t, time.Minute, cfg.CleanupInterval)
		assert.Equal(t, 8080, cfg.Port)
		assert.False(t, cfg.Passthrough)
		assert.Equal(t, 10.0, cfg.IPRateLimitRPS)
		assert.Equal(t, 20, cfg.IPRateLimitBurst)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("TOKEN_SECRET", devSecret)
		t.Setenv("STORE_BACKEND", "sqlite")
		t.Setenv("SQLITE_PATH", "/var/lib/agentgate/agents.db")
		t.Setenv("STORE_TIMEOUT", "250ms")
		t.Setenv("PASSTHROUGH", "yes")
		t.Setenv("PORT", "9090")
		t.Setenv("IP_RATE_LIMIT_RPS", "2.5")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, BackendSQLite, cfg.StoreBackend)
		assert.Equal(t, "/var/lib/agentgate/agents.db", cfg.SQLitePath)
		assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
		assert.True(t, cfg.Passthrough)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 2.5, cfg.IPRateLimitRPS)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("TOKEN_SECRET", "")
		t.Setenv("TOKEN_SECRET_CIPHERTEXT", "")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestGetEnv(t *testing.T) {
	key := "TEST_GET_ENV_VAR"
	defer os.Unsetenv(key)

	t.Run("returns default when env not set", func(t *testing.T) {
		os.Unsetenv(key)
		assert.Equal(t, "default-value", getEnv(key, "default-value"))
	})

	t.Run("returns env value when set", func(t *testing.T) {
		os.Setenv(key, "actual-value")
		assert.Equal(t, "actual-value", getEnv(key, "default-value"))
	})
}

func TestGetEnvInt(t *testing.T) {
	key := "TEST_GET_ENV_INT_VAR"
	defer os.Unsetenv(key)

	t.Run("returns default when env not set", func(t *testing.T) {
		os.Unsetenv(key)
		assert.Equal(t, 42, getEnvInt(key, 42))
	})

	t.Run("returns parsed int when set", func(t *testing.T) {
		os.Setenv(key, "100")
		assert.Equal(t, 100, getEnvInt(key, 42))
	})

	t.Run("returns default when value is not a valid int", func(t *testing.T) {
		os.Setenv(key, "not-a-number")
		assert.Equal(t, 42, getEnvInt(key, 42))
	})
}

func TestGetEnvDuration(t *testing.T) {
	key := "TEST_GET_ENV_DURATION_VAR"
	defer os.Unsetenv(key)

	os.Setenv(key, "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration(key, time.Second))

	os.Setenv(key, "ninety")
	assert.Equal(t, time.Second, getEnvDuration(key, time.Second))
}

func TestGetEnvBool(t *testing.T) {
	key := "TEST_GET_ENV_BOOL_VAR"
	defer os.Unsetenv(key)

	tests := []struct {
		name     string
		envValue string
		setEnv   bool
		defValue bool
		expected bool
	}{
		{name: "returns default when env not set", defValue: true, expected: true},
		{name: "true value", envValue: "true", setEnv: true, expected: true},
		{name: "TRUE value (case insensitive)", envValue: "TRUE", setEnv: true, expected: true},
		{name: "1 value", envValue: "1", setEnv: true, expected: true},
		{name: "yes value", envValue: "yes", setEnv: true, expected: true},
		{name: "false value", envValue: "false", setEnv: true, defValue: true, expected: false},
		{name: "empty string returns default", envValue: "", setEnv: true, defValue: true, expected: true},
		{name: "invalid value returns false", envValue: "invalid", setEnv: true, defValue: true, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			assert.Equal(t, tt.expected, getEnvBool(key, tt.defValue))
		})
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/agentgate/internal/secrets"
	"github.com/agentgate/agentgate/internal/token"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds infrastructure-level configuration
// Gateway policy (scopes, gates, caps, routes) lives in the YAML file named by
// GatewayConfigPath.
type Config struct {
	// Storage
	StoreBackend string // memory, sqlite or postgres
	PostgresDSN  string
	SQLitePath   string
	StoreTimeout time.Duration

	// Background cleanup
	CleanupInterval time.Duration

	// Gateway policy file
	GatewayConfigPath string

	// Guard
	Passthrough bool

	// Admin API, disabled when empty
	AdminAPIKeyHash string

	// Token secret, either raw (development) or sealed
	TokenSecret           string
	TokenSecretCiphertext string
	Secrets               secrets.Config

	// Notifications
	NotifyWebhookURL string

	// Pre-auth throttling per client IP
	IPRateLimitRPS   float64
	IPRateLimitBurst int

	// Server
	Port         int
	MaxBodyBytes int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		StoreBackend:          getEnv("STORE_BACKEND", BackendMemory),
		PostgresDSN:           getEnv("POSTGRES_DSN", ""),
		SQLitePath:            getEnv("SQLITE_PATH", "data/agentgate.db"),
		StoreTimeout:          getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		CleanupInterval:       getEnvDuration("CLEANUP_INTERVAL", time.Minute),
		GatewayConfigPath:     getEnv("GATEWAY_CONFIG", ""),
		Passthrough:           getEnvBool("PASSTHROUGH", false),
		AdminAPIKeyHash:       getEnv("ADMIN_API_KEY_HASH", ""),
		TokenSecret:           getEnv("TOKEN_SECRET", ""),
		TokenSecretCiphertext: getEnv("TOKEN_SECRET_CIPHERTEXT", ""),
		Secrets: secrets.Config{
			Provider:        getEnv("SECRET_PROVIDER", string(secrets.ProviderLocal)),
			LocalMasterKey:  getEnv("SECRET_LOCAL_MASTER_KEY", ""),
			AWSKMSKeyID:     getEnv("AWS_KMS_KEY_ID", ""),
			AWSKMSRegion:    getEnv("AWS_REGION", ""),
			VaultAddress:    getEnv("VAULT_ADDR", ""),
			VaultToken:      getEnv("VAULT_TOKEN", ""),
			VaultTransitKey: getEnv("VAULT_TRANSIT_KEY", ""),
		},
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		IPRateLimitRPS:   getEnvFloat("IP_RATE_LIMIT_RPS", 10),
		IPRateLimitBurst: getEnvInt("IP_RATE_LIMIT_BURST", 20),
		Port:             getEnvInt("PORT", 8080),
		MaxBodyBytes:     int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND is 'sqlite'")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND is 'postgres'")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be 'memory', 'sqlite' or 'postgres', got: %s", c.StoreBackend)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}

	if err := c.validateTokenSecret(); err != nil {
		return err
	}

	if c.AdminAPIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminAPIKeyHash)); err != nil {
			return fmt.Errorf("ADMIN_API_KEY_HASH must be a bcrypt hash: %w", err)
		}
	}

	if c.IPRateLimitRPS < 0 || c.IPRateLimitBurst < 0 {
		return fmt.Errorf("IP_RATE_LIMIT_RPS and IP_RATE_LIMIT_BURST cannot be negative")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got: %d", c.Port)
	}

	return nil
}

func (c *Config) validateTokenSecret() error {
	if c.TokenSecret != "" {
		if len(c.TokenSecret) < token.MinSecretSize {
			return fmt.Errorf("TOKEN_SECRET must be at least %d bytes", token.MinSecretSize)
		}
		return nil
	}

	if c.TokenSecretCiphertext == "" {
		return fmt.Errorf("TOKEN_SECRET or TOKEN_SECRET_CIPHERTEXT is required")
	}

	switch secrets.ProviderType(c.Secrets.Provider) {
	case secrets.ProviderLocal, "":
		if c.Secrets.LocalMasterKey == "" {
			return fmt.Errorf("SECRET_LOCAL_MASTER_KEY is required when SECRET_PROVIDER is 'local'")
		}
	case secrets.ProviderAWSKMS:
		if c.Secrets.AWSKMSKeyID == "" {
			return fmt.Errorf("AWS_KMS_KEY_ID is required when SECRET_PROVIDER is 'aws-kms'")
		}
		if c.Secrets.AWSKMSRegion == "" {
			return fmt.Errorf("AWS_REGION is required when SECRET_PROVIDER is 'aws-kms'")
		}
	case secrets.ProviderVault:
		if c.Secrets.VaultAddress == "" || c.Secrets.VaultToken == "" || c.Secrets.VaultTransitKey == "" {
			return fmt.Errorf("VAULT_ADDR, VAULT_TOKEN and VAULT_TRANSIT_KEY are required when SECRET_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("SECRET_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.Secrets.Provider)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

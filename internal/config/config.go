package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BlobBackendMemory = "memory"
	BlobBackendDisk   = "disk"
	BlobBackendS3     = "s3"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	MaxUploadBytes int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`

	BlobBackend       string `mapstructure:"BLOB_BACKEND"`
	UploadDir         string `mapstructure:"UPLOAD_DIR"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	RedisURL     string   `mapstructure:"REDIS_URL"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	AdminEmail    string `mapstructure:"ADMIN_EMAIL"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`
}

// devSigningKey is only accepted when ENV=development.
const devSigningKey = "6465762d6f6e6c792d7369676e696e672d6b65792d646f2d6e6f742d75736521"

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "TOKEN_TTL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "MAX_UPLOAD_BYTES", "MIGRATIONS_DIR",
	"BLOB_BACKEND", "UPLOAD_DIR", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT",
	"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"ADMIN_EMAIL", "ADMIN_PASSWORD",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "clinic")
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("MAX_UPLOAD_BYTES", 16<<20)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("BLOB_BACKEND", BlobBackendDisk)
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("KAFKA_TOPIC", "clinic.episode-events")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.BlobBackend = strings.ToLower(strings.TrimSpace(cfg.BlobBackend))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSigningKey == "" && cfg.IsDev() {
		cfg.JWTSigningKey = devSigningKey
	}

	return cfg, nil
}

// splitList turns a comma separated env value into trimmed, non-empty items.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey returns the decoded JWT HMAC key. Call Validate first.
func (c *Config) SigningKey() []byte {
	b, _ := hex.DecodeString(c.JWTSigningKey)
	return b
}

// EventsEnabled reports whether lifecycle events should be relayed to Kafka.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

// Validate checks cross-field rules. Outside development the JWT signing key
// must be set explicitly; in every mode it must be hex encoding at least 32
// bytes.
func (c *Config) Validate() error {
	if c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if !c.IsDev() && c.JWTSigningKey == devSigningKey {
		return fmt.Errorf("JWT_SIGNING_KEY must not use the development key when ENV=%q", c.Env)
	}
	keyBytes, err := hex.DecodeString(c.JWTSigningKey)
	if err != nil {
		return fmt.Errorf("JWT_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch c.BlobBackend {
	case BlobBackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("BLOB_BACKEND=memory is not allowed in production")
		}
	case BlobBackendDisk:
		if c.UploadDir == "" {
			return fmt.Errorf("UPLOAD_DIR is required when BLOB_BACKEND is %q", BlobBackendDisk)
		}
	case BlobBackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is %q", BlobBackendS3)
		}
		if c.S3Region == "" {
			return fmt.Errorf("S3_REGION is required when BLOB_BACKEND is %q", BlobBackendS3)
		}
		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be %q, %q, or %q, got %q",
			BlobBackendMemory, BlobBackendDisk, BlobBackendS3, c.BlobBackend)
	}

	return nil
}

package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment        string `env:"INBOX_ENV" envDefault:"development"`
	EncryptionKeyHex   string `env:"ENCRYPTION_KEY"`
	CronSecret         string `env:"CRON_SECRET"`
	DBHost             string `env:"INBOX_DB_HOST" envDefault:"localhost"`
	DBPort             string `env:"INBOX_DB_PORT" envDefault:"5432"`
	DBUsername         string `env:"INBOX_DB_USER" envDefault:"inbox"`
	DBPassword         string `env:"INBOX_DB_PASSWORD"`
	DBName             string `env:"INBOX_DB_NAME" envDefault:"inbox"`
	DBSSLMode          string `env:"INBOX_DB_SSLMODE" envDefault:"disable"`
	Port               string `env:"PORT" envDefault:"8080"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	SyncSchedule       string `env:"SYNC_SCHEDULE"`
	SyncBootstrapCount int    `env:"SYNC_BOOTSTRAP_COUNT" envDefault:"100"`

	Attachments AttachmentConfig
}

// AttachmentConfig selects where pre-uploaded attachment blobs are read from.
type AttachmentConfig struct {
	Store           string `env:"ATTACHMENT_STORE" envDefault:"local"`
	Bucket          string `env:"ATTACHMENT_BUCKET"`
	Region          string `env:"ATTACHMENT_REGION" envDefault:"auto"`
	Endpoint        string `env:"ATTACHMENT_ENDPOINT"`
	AccessKeyID     string `env:"ATTACHMENT_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ATTACHMENT_SECRET_ACCESS_KEY"`
	LocalDir        string `env:"ATTACHMENT_LOCAL_DIR" envDefault:"./attachments"`
}

func NewConfig() (*Config, error) {
	if envName := os.Getenv("INBOX_ENV"); envName == "" || envName == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("INBOX_DB_PASSWORD is required")
	}

	// The vault key is optional so the server can still sync nothing and report
	// a configuration error in-band, but a present key must be usable.
	if c.EncryptionKeyHex != "" && len(c.EncryptionKeyHex) < 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 64 hex characters, got %d", len(c.EncryptionKeyHex))
	}

	switch c.Attachments.Store {
	case "local":
	case "s3":
		if c.Attachments.Bucket == "" {
			return fmt.Errorf("ATTACHMENT_BUCKET is required when ATTACHMENT_STORE is s3")
		}
	default:
		return fmt.Errorf("ATTACHMENT_STORE must be local or s3, got %q", c.Attachments.Store)
	}

	if c.SyncBootstrapCount <= 0 {
		return fmt.Errorf("SYNC_BOOTSTRAP_COUNT must be positive, got %d", c.SyncBootstrapCount)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	DefaultDBPort          = 5432
	DefaultWebhookAddr     = ":8090"
	DefaultJournalHour     = 9
	DefaultJournalTimezone = "America/New_York"
)

type Config struct {
	DiscordToken string

	OpenAIAPIKey string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     int

	// Address the Stripe-style checkout webhook listens on.
	WebhookAddr string

	LogMode string // "dev" or "prod"
}

// Load reads .env (if present) and the environment. Only hard credentials are
// required; everything else has a default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Not an error: production sets real env vars.
		fmt.Fprintln(os.Stderr, "No .env file found")
	}

	cfg := &Config{
		DiscordToken: os.Getenv("DISCORD_TOKEN"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		DBHost:       os.Getenv("DB_HOST"),
		DBUser:       os.Getenv("DB_USER"),
		DBPassword:   os.Getenv("DB_PASSWORD"),
		DBName:       os.Getenv("DB_NAME"),
		DBPort:       DefaultDBPort,
		WebhookAddr:  DefaultWebhookAddr,
		LogMode:      "prod",
	}

	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT %q: %w", v, err)
		}
		cfg.DBPort = port
	}
	if v := os.Getenv("WEBHOOK_ADDR"); v != "" {
		cfg.WebhookAddr = v
	}
	if v := os.Getenv("LOG_MODE"); v != "" {
		cfg.LogMode = v
	}

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	return cfg, nil
}

// Package config reads the service configuration from environment variables
// with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the service configuration.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	ExtractorAddress string        `env:"EXTRACTOR_ADDRESS"`
	CreditsPerPage   int64         `env:"CREDITS_PER_PAGE" envDefault:"1"`
	MaxPageRetries   int           `env:"MAX_PAGE_RETRIES" envDefault:"3"`
	StaleClaimAfter  time.Duration `env:"STALE_CLAIM_AFTER" envDefault:"5m"`
	WorkerCount      int           `env:"WORKER_COUNT" envDefault:"10"`
}

// Parse reads the configuration from environment variables and command-line
// flags. Environment values win over flags.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envExtractorAddress := cfg.ExtractorAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ExtractorAddress, "x", "", "extraction engine address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envExtractorAddress != "" {
		cfg.ExtractorAddress = envExtractorAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MaxPageRetries <= 0 {
		cfg.MaxPageRetries = 3
	}
	if cfg.CreditsPerPage <= 0 {
		cfg.CreditsPerPage = 1
	}

	return cfg, nil
}

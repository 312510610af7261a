// Package config loads process configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config carries startup parameters for the service.
type Config struct {
	// PGDSN is the PostgreSQL connection string. Required: the settings
	// cache and audit trail live there.
	PGDSN string `env:"ADMINCORE_PG_DSN"`

	HTTPAddr string `env:"ADMINCORE_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"ADMINCORE_GRPC_ADDR" envDefault:":9090"`

	// AuthSecret signs access tokens.
	AuthSecret string `env:"ADMINCORE_AUTH_SECRET"`

	EventBufferSize int  `env:"ADMINCORE_EVENT_BUFFER" envDefault:"256"`
	EventDropIfFull bool `env:"ADMINCORE_EVENT_DROP_IF_FULL" envDefault:"true"`

	// Password change attempt limiting, per user id.
	AttemptsPerMinute float64 `env:"ADMINCORE_PW_ATTEMPTS_PER_MINUTE" envDefault:"5"`
	AttemptsBurst     int     `env:"ADMINCORE_PW_ATTEMPTS_BURST" envDefault:"5"`

	MigrationsDir string `env:"ADMINCORE_MIGRATIONS_DIR" envDefault:"migrations"`
	MigrateOnBoot bool   `env:"ADMINCORE_MIGRATE_ON_BOOT" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

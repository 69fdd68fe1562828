package config

import (
	"fmt"
	"net"
	"time"
)

// DBConfig contains PostgreSQL configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"asfalis"`
	Password string `env:"PASSWORD" envDefault:"asfalis"`
	Name     string `env:"NAME"     envDefault:"asfalis"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`
	// RunMigrationsOnStart applies pending migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// DSN renders the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.User, c.Password, net.JoinHostPort(c.Host, fmt.Sprint(c.Port)), c.Name, c.SSLMode)
}

// RedisConfig contains Redis configuration for the token cache.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
	// TokenTTL bounds how long installation tokens stay cached. Keep it
	// below the upstream token lifetime.
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"45m"`
	// Enabled switches the token cache on; without it tokens are resolved
	// on every fetch.
	Enabled bool `env:"ENABLED" envDefault:"false"`
}

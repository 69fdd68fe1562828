// Package config loads application configuration from environment variables
// using github.com/caarlos0/env. Domain-specific sections live in their own
// files:
//   - database.go: Postgres and Redis configuration
//   - scanner.go: analysis tool and snapshot fetch configuration
//   - services.go: service modes, worker pool, and reaper configuration
//   - observability.go: logging and metrics configuration
package config

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig composes the full application configuration.
type AppConfig struct {
	// IsDev switches on development conveniences (text logs, debug level).
	IsDev bool `env:"DEV" envDefault:"false"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Services selects which service modes this process runs,
	// comma-delimited (e.g. "worker,reaper").
	Services string `env:"SERVICES" envDefault:"worker,reaper"`

	Worker  WorkerConfig  `envPrefix:"WORKER_"`
	Reaper  ReaperConfig  `envPrefix:"REAPER_"`
	Fetch   FetchConfig   `envPrefix:"FETCH_"`
	Scanner ScannerConfig `envPrefix:"SCANNER_"`

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to values loaded from the environment. Call it
// after env parsing.
func (c *AppConfig) Sanitize() {
	c.Worker.Sanitize()
	c.Reaper.Sanitize()
	c.Fetch.Sanitize()
	c.Scanner.Sanitize()
	c.Observability.Sanitize()
}

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the scan worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the lease reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// GetEnabledServices parses the Services field into a mode set.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// ParseServices parses a comma-delimited service list, validating every name.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)
	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		switch mode := ServiceMode(name); mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: worker, reaper)", name)
		}
	}
	if len(services) == 0 {
		return nil, errors.New("at least one service must be specified")
	}
	return services, nil
}

package config

import "time"

// WorkerConfig controls the scan worker pool.
type WorkerConfig struct {
	// Concurrency is the number of workers claiming scans in parallel.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`
	// Lease is how long one claim holds a scan; heartbeats extend it at
	// stage boundaries. Must exceed the longest single stage.
	Lease time.Duration `env:"LEASE" envDefault:"30m"`
	// PollInterval bounds how long a worker waits for a queue notification
	// before re-checking the queue directly.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`
	// WorkdirRoot hosts the per-scan workspace directories.
	WorkdirRoot string `env:"WORKDIR_ROOT" envDefault:""`
}

// Sanitize applies guardrails to worker configuration.
func (c *WorkerConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
}

// ReaperConfig controls the lease reaper.
type ReaperConfig struct {
	// Interval is the sweep cadence for expired leases.
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`
}

// Sanitize applies guardrails to reaper configuration.
func (c *ReaperConfig) Sanitize() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

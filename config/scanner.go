package config

import "time"

// FetchConfig controls repository snapshot retrieval.
type FetchConfig struct {
	// GitHubAPIBase points at the GitHub REST API; change for Enterprise.
	GitHubAPIBase string `env:"GITHUB_API_BASE" envDefault:"https://api.github.com"`
	// GitHubToken authenticates archive downloads. Empty limits fetches to
	// public repositories.
	GitHubToken string `env:"GITHUB_TOKEN" envDefault:""`
	// MaxArchiveBytes caps the decompressed snapshot size.
	MaxArchiveBytes int64 `env:"MAX_ARCHIVE_BYTES" envDefault:"52428800"`
}

// Sanitize applies guardrails to fetch configuration.
func (c *FetchConfig) Sanitize() {
	if c.MaxArchiveBytes <= 0 {
		c.MaxArchiveBytes = 52428800
	}
}

// ScannerConfig controls the external analysis tools.
type ScannerConfig struct {
	// OSVTimeout bounds one osv-scanner invocation.
	OSVTimeout time.Duration `env:"OSV_TIMEOUT" envDefault:"5m"`
	// SemgrepTimeout bounds one semgrep invocation.
	SemgrepTimeout time.Duration `env:"SEMGREP_TIMEOUT" envDefault:"10m"`
	// SemgrepConfig selects the semgrep ruleset.
	SemgrepConfig string `env:"SEMGREP_CONFIG" envDefault:"p/default"`
	// CodeQLTimeout bounds the full database-create-and-analyze sequence.
	CodeQLTimeout time.Duration `env:"CODEQL_TIMEOUT" envDefault:"20m"`
	// CodeQLLanguage is the extraction language for database creation.
	CodeQLLanguage string `env:"CODEQL_LANGUAGE" envDefault:"javascript"`

	// SonarHostURL and SonarToken configure the optional SonarQube
	// publisher; publishing is skipped when either is empty.
	SonarHostURL string        `env:"SONAR_HOST_URL" envDefault:""`
	SonarToken   string        `env:"SONAR_TOKEN"    envDefault:""`
	SonarTimeout time.Duration `env:"SONAR_TIMEOUT"  envDefault:"10m"`
}

// Sanitize applies guardrails to scanner configuration.
func (c *ScannerConfig) Sanitize() {
	if c.OSVTimeout <= 0 {
		c.OSVTimeout = 5 * time.Minute
	}
	if c.SemgrepTimeout <= 0 {
		c.SemgrepTimeout = 10 * time.Minute
	}
	if c.CodeQLTimeout <= 0 {
		c.CodeQLTimeout = 20 * time.Minute
	}
	if c.SonarTimeout <= 0 {
		c.SonarTimeout = 10 * time.Minute
	}
}

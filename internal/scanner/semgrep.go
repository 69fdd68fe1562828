package scanner

import (
	"context"
	"path/filepath"
	"time"

	"github.com/asfalis/asfalis/internal/sarif"
)

// SemgrepScanner invokes semgrep for pattern-based static analysis.
type SemgrepScanner struct {
	runner  CommandRunner
	config  string
	timeout time.Duration
}

func NewSemgrepScanner(runner CommandRunner, config string, timeout time.Duration) *SemgrepScanner {
	if config == "" {
		config = "p/default"
	}
	return &SemgrepScanner{runner: runner, config: config, timeout: timeout}
}

func (s *SemgrepScanner) Tool() string { return sarif.ToolSemgrep }

func (s *SemgrepScanner) Run(ctx context.Context, in Input) Result {
	outDir, cleanup, err := outputDir(s.Tool())
	if err != nil {
		return failure(s.Tool(), err.Error(), true)
	}
	defer cleanup()
	report := filepath.Join(outDir, "semgrep.sarif")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.runner.Run(ctx, in.Dir, "semgrep",
		"scan", "--sarif", "--output", report, "--config", s.config,
		"--metrics", "off", "--quiet", ".")
	if res, done := runResult(ctx, s.Tool(), s.timeout, err); done {
		return res
	}

	// semgrep exits non-zero for per-file parse errors even when a usable
	// report was produced, so a non-empty report rescues a failing exit.
	doc, readErr := readDocument(report)
	if readErr == nil {
		return success(s.Tool(), doc, combinedLog(stdout, stderr))
	}
	if exitCode == 0 {
		return success(s.Tool(), nil, combinedLog(stdout, stderr))
	}
	return failure(s.Tool(), combinedLog(stdout, stderr), false)
}

package scanner

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/asfalis/asfalis/internal/sarif"
)

// noDepsPhrases are osv-scanner messages that mean the workspace simply has
// no dependency manifests. That is a clean empty scan, not a failure.
var noDepsPhrases = []string{
	"no lockfile",
	"no package",
	"no supported",
	"no dependency",
	"no manifest",
	"no files to scan",
}

// OSVScanner invokes osv-scanner for known-vulnerable dependency detection.
type OSVScanner struct {
	runner  CommandRunner
	timeout time.Duration
}

func NewOSVScanner(runner CommandRunner, timeout time.Duration) *OSVScanner {
	return &OSVScanner{runner: runner, timeout: timeout}
}

func (s *OSVScanner) Tool() string { return sarif.ToolOSV }

func (s *OSVScanner) Run(ctx context.Context, in Input) Result {
	outDir, cleanup, err := outputDir(s.Tool())
	if err != nil {
		return failure(s.Tool(), err.Error(), true)
	}
	defer cleanup()
	report := filepath.Join(outDir, "osv.sarif")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.runner.Run(ctx, in.Dir, "osv-scanner",
		"scan", "--format", "sarif", "--output", report, "--recursive", ".")
	if res, done := runResult(ctx, s.Tool(), s.timeout, err); done {
		return res
	}

	// osv-scanner exits 1 when vulnerabilities are found, so the report file
	// decides success before the exit code does.
	if doc, readErr := readDocument(report); readErr == nil {
		return success(s.Tool(), doc, combinedLog(stdout, stderr))
	}

	if hasNoDepsPhrase(stdout) || hasNoDepsPhrase(stderr) {
		return success(s.Tool(), nil, "no dependency manifests found")
	}
	if exitCode == 0 {
		return success(s.Tool(), nil, combinedLog(stdout, stderr))
	}
	return failure(s.Tool(), combinedLog(stdout, stderr), false)
}

func hasNoDepsPhrase(out string) bool {
	lower := strings.ToLower(out)
	for _, phrase := range noDepsPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func combinedLog(stdout, stderr string) string {
	return strings.TrimSpace(stdout + "\n" + stderr)
}

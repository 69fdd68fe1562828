package scanner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/asfalis/asfalis/internal/sarif"
)

// CodeQLScanner invokes the CodeQL CLI for semantic dataflow analysis. The
// run is two-step: build an extraction database from the workspace, then
// analyze it with the default query suite.
type CodeQLScanner struct {
	runner   CommandRunner
	language string
	timeout  time.Duration
}

func NewCodeQLScanner(runner CommandRunner, language string, timeout time.Duration) *CodeQLScanner {
	if language == "" {
		language = "javascript"
	}
	return &CodeQLScanner{runner: runner, language: language, timeout: timeout}
}

func (s *CodeQLScanner) Tool() string { return sarif.ToolCodeQL }

// binary resolves the codeql executable, preferring a CODEQL_HOME install
// over PATH lookup.
func (s *CodeQLScanner) binary() string {
	if home := os.Getenv("CODEQL_HOME"); home != "" {
		for _, candidate := range []string{
			filepath.Join(home, "codeql"),
			filepath.Join(home, "bin", "codeql"),
		} {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return "codeql"
}

func (s *CodeQLScanner) Run(ctx context.Context, in Input) Result {
	outDir, cleanup, err := outputDir(s.Tool())
	if err != nil {
		return failure(s.Tool(), err.Error(), true)
	}
	defer cleanup()
	dbDir := filepath.Join(outDir, "db")
	report := filepath.Join(outDir, "codeql.sarif")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bin := s.binary()
	stdout, stderr, exitCode, err := s.runner.Run(ctx, in.Dir, bin,
		"database", "create", dbDir,
		"--language="+s.language, "--source-root", ".", "--overwrite")
	if res, done := runResult(ctx, s.Tool(), s.timeout, err); done {
		return res
	}
	if exitCode != 0 {
		return failure(s.Tool(), combinedLog(stdout, stderr), false)
	}

	stdout, stderr, exitCode, err = s.runner.Run(ctx, in.Dir, bin,
		"database", "analyze", dbDir,
		"--format=sarif-latest", "--output", report)
	if res, done := runResult(ctx, s.Tool(), s.timeout, err); done {
		return res
	}
	if exitCode != 0 {
		return failure(s.Tool(), combinedLog(stdout, stderr), false)
	}

	doc, readErr := readDocument(report)
	if readErr != nil {
		return failure(s.Tool(), readErr.Error(), false)
	}
	return success(s.Tool(), doc, combinedLog(stdout, stderr))
}

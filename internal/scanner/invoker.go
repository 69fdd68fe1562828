// Package scanner wraps the external analysis tools behind a uniform invoker
// interface. Each invoker runs one tool against an extracted workspace and
// reports either a SARIF document, a clean skip, or a failure.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Input describes the workspace an invoker operates on.
type Input struct {
	// Dir is the root of the extracted repository snapshot.
	Dir string
	// Repo is the "owner/name" slug of the repository being scanned.
	Repo string
	// CommitSHA is the snapshot commit, when known.
	CommitSHA string
}

// Result is the outcome of one tool invocation. OK with a nil Document means
// the tool ran cleanly but had nothing to report (or nothing to scan). Fatal
// distinguishes environmental failures (timeout, crashed process) from clean
// tool-level conditions like a missing binary.
type Result struct {
	Tool     string
	OK       bool
	Document []byte
	Log      string
	Fatal    bool
}

// Invoker runs one external analysis tool against a workspace.
type Invoker interface {
	Tool() string
	Run(ctx context.Context, in Input) Result
}

func failure(tool, log string, fatal bool) Result {
	return Result{Tool: tool, OK: false, Log: log, Fatal: fatal}
}

func success(tool string, doc []byte, log string) Result {
	return Result{Tool: tool, OK: true, Document: doc, Log: log}
}

// runResult converts a CommandRunner error into a Result, or returns ok=false
// when the command completed and the caller should interpret its exit code.
// The deadline check comes first: a killed run must never reach exit-code or
// report-file handling, where a partially written report could rescue it.
func runResult(ctx context.Context, tool string, timeout time.Duration, err error) (Result, bool) {
	switch {
	case ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		return failure(tool, fmt.Sprintf("%s timed out after %s", tool, timeout), true), true
	case err == nil:
		return Result{}, false
	case isNotInstalled(err):
		return failure(tool, fmt.Sprintf("%s is not installed", tool), false), true
	default:
		return failure(tool, fmt.Sprintf("%s failed to start: %v", tool, err), true), true
	}
}

// outputDir creates a scratch directory for tool output files, kept outside
// the workspace so tools never scan their own reports.
func outputDir(tool string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "asfalis-"+tool+"-")
	if err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func readDocument(path string) ([]byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("empty report at %s", filepath.Base(path))
	}
	return doc, nil
}

package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SonarPublisher pushes the workspace to a SonarQube server for long-term
// tracking. It produces no SARIF evidence of its own and is skipped cleanly
// when no server is configured.
type SonarPublisher struct {
	runner  CommandRunner
	hostURL string
	token   string
	timeout time.Duration
}

func NewSonarPublisher(runner CommandRunner, hostURL, token string, timeout time.Duration) *SonarPublisher {
	return &SonarPublisher{runner: runner, hostURL: hostURL, token: token, timeout: timeout}
}

func (s *SonarPublisher) Tool() string { return "sonar" }

// Configured reports whether a SonarQube server is reachable by config.
func (s *SonarPublisher) Configured() bool {
	return s.hostURL != "" && s.token != ""
}

func (s *SonarPublisher) Run(ctx context.Context, in Input) Result {
	if !s.Configured() {
		return success(s.Tool(), nil, "sonar publishing skipped: no server configured")
	}

	if err := s.writeProjectProperties(in); err != nil {
		return failure(s.Tool(), err.Error(), false)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.runner.Run(ctx, in.Dir, "sonar-scanner",
		"-Dsonar.host.url="+s.hostURL,
		"-Dsonar.token="+s.token)
	if res, done := runResult(ctx, s.Tool(), s.timeout, err); done {
		return res
	}
	if exitCode != 0 {
		return failure(s.Tool(), combinedLog(stdout, stderr), false)
	}
	return success(s.Tool(), nil, combinedLog(stdout, stderr))
}

// writeProjectProperties materializes sonar-project.properties in the
// workspace root. The project key is the repo slug with the separator
// flattened, which keeps one Sonar project per repository across scans.
func (s *SonarPublisher) writeProjectProperties(in Input) error {
	key := strings.ReplaceAll(in.Repo, "/", "_")
	var b strings.Builder
	fmt.Fprintf(&b, "sonar.projectKey=%s\n", key)
	fmt.Fprintf(&b, "sonar.projectName=%s\n", in.Repo)
	b.WriteString("sonar.sources=.\n")
	if in.CommitSHA != "" {
		fmt.Fprintf(&b, "sonar.projectVersion=%s\n", shortSHA(in.CommitSHA))
	}
	path := filepath.Join(in.Dir, "sonar-project.properties")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write sonar-project.properties: %w", err)
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

package scanner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSARIF = `{"version": "2.1.0", "runs": []}`

type recordedCall struct {
	dir  string
	name string
	args []string
}

// fakeRunner scripts command outcomes and records every invocation.
type fakeRunner struct {
	calls []recordedCall
	run   func(ctx context.Context, call recordedCall) (string, string, int, error)
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	call := recordedCall{dir: dir, name: name, args: args}
	f.calls = append(f.calls, call)
	if f.run == nil {
		return "", "", 0, nil
	}
	return f.run(ctx, call)
}

// argAfter returns the value following a flag in an argv slice.
func argAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

func writeReport(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func notInstalled(name string) error {
	return &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func TestOSVScanner(t *testing.T) {
	in := Input{Dir: "/tmp/ws", Repo: "acme/app"}

	t.Run("vulnerabilities found despite exit 1", func(t *testing.T) {
		runner := &fakeRunner{run: func(_ context.Context, call recordedCall) (string, string, int, error) {
			writeReport(t, argAfter(t, call.args, "--output"), sampleSARIF)
			return "", "", 1, nil
		}}
		res := NewOSVScanner(runner, time.Minute).Run(context.Background(), in)
		assert.True(t, res.OK)
		assert.JSONEq(t, sampleSARIF, string(res.Document))
	})

	t.Run("no dependency manifests is a clean empty scan", func(t *testing.T) {
		runner := &fakeRunner{run: func(context.Context, recordedCall) (string, string, int, error) {
			return "", "Error: no lockfile or manifest found in target", 1, nil
		}}
		res := NewOSVScanner(runner, time.Minute).Run(context.Background(), in)
		assert.True(t, res.OK)
		assert.Nil(t, res.Document)
	})

	t.Run("scan failure is not fatal", func(t *testing.T) {
		runner := &fakeRunner{run: func(context.Context, recordedCall) (string, string, int, error) {
			return "", "internal error", 127, nil
		}}
		res := NewOSVScanner(runner, time.Minute).Run(context.Background(), in)
		assert.False(t, res.OK)
		assert.False(t, res.Fatal)
	})

	t.Run("timeout is fatal", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, _ recordedCall) (string, string, int, error) {
			<-ctx.Done()
			return "", "", -1, ctx.Err()
		}}
		res := NewOSVScanner(runner, time.Nanosecond).Run(context.Background(), in)
		assert.False(t, res.OK)
		assert.True(t, res.Fatal)
		assert.Contains(t, res.Log, "timed out")
	})

	t.Run("partial report does not rescue a killed run", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, call recordedCall) (string, string, int, error) {
			writeReport(t, argAfter(t, call.args, "--output"), `{"version": "2.1.0", "runs": [`)
			<-ctx.Done()
			return "", "", -1, nil
		}}
		res := NewOSVScanner(runner, time.Nanosecond).Run(context.Background(), in)
		assert.False(t, res.OK)
		assert.True(t, res.Fatal)
		assert.Nil(t, res.Document)
		assert.Contains(t, res.Log, "timed out")
	})

	t.Run("missing binary skips without fatality", func(t *testing.T) {
		runner := &fakeRunner{run: func(_ context.Context, call recordedCall) (string, string, int, error) {
			return "", "", -1, notInstalled(call.name)
		}}
		res := NewOSVScanner(runner, time.Minute).Run(context.Background(), in)
		assert.False(t, res.OK)
		assert.False(t, res.Fatal)
		assert.Contains(t, res.Log, "not installed")
	})
}

func TestSemgrepScanner(t *testing.T) {
	in := Input{Dir: "/tmp/ws", Repo: "acme/app"}

	t.Run("nonzero exit with usable report succeeds", func(t *testing.T) {
		runner := &fakeRunner{run: func(_ context.Context, call recordedCall) (string, string, int, error) {
			writeReport(t, argAfter(t, call.args, "--output"), sampleSARIF)
			return "", "3 files could not be parsed", 2, nil
		}}
		res := NewSemgrepScanner(runner, "", time.Minute).Run(context.Background(), in)
		assert.True(t, res.OK)
		assert.JSONEq(t, sampleSARIF, string(res.Document))
		assert.Equal(t, "p/default", argAfter(t, runner.calls[0].args, "--config"))
	})

	t.Run("nonzero exit without report fails", func(t *testing.T) {
		runner := &fakeRunner{run: func(context.Context, recordedCall) (string, string, int, error) {
			return "", "invalid config", 2, nil
		}}
		res := NewSemgrepScanner(runner, "p/ci", time.Minute).Run(context.Background(), in)
		assert.False(t, res.OK)
		assert.False(t, res.Fatal)
	})
}

func TestCodeQLScanner(t *testing.T) {
	in := Input{Dir: "/tmp/ws", Repo: "acme/app"}

	t.Run("database create then analyze", func(t *testing.T) {
		runner := &fakeRunner{run: func(_ context.Context, call recordedCall) (string, string, int, error) {
			if call.args[1] == "analyze" {
				writeReport(t, argAfter(t, call.args, "--output"), sampleSARIF)
			}
			return "", "", 0, nil
		}}
		res := NewCodeQLScanner(runner, "javascript", time.Minute).Run(context.Background(), in)
		require.True(t, res.OK)
		assert.JSONEq(t, sampleSARIF, string(res.Document))
		require.Len(t, runner.calls, 2)
		assert.Equal(t, "create", runner.calls[0].args[1])
		assert.Equal(t, "analyze", runner.calls[1].args[1])
	})

	t.Run("database create failure skips analyze", func(t *testing.T) {
		runner := &fakeRunner{run: func(context.Context, recordedCall) (string, string, int, error) {
			return "", "extraction failed", 2, nil
		}}
		res := NewCodeQLScanner(runner, "", time.Minute).Run(context.Background(), in)
		assert.False(t, res.OK)
		assert.False(t, res.Fatal)
		assert.Len(t, runner.calls, 1)
	})
}

func TestSonarPublisher(t *testing.T) {
	t.Run("skipped without server config", func(t *testing.T) {
		runner := &fakeRunner{}
		res := NewSonarPublisher(runner, "", "", time.Minute).Run(context.Background(), Input{Dir: t.TempDir()})
		assert.True(t, res.OK)
		assert.Contains(t, res.Log, "skipped")
		assert.Empty(t, runner.calls)
	})

	t.Run("writes project properties and publishes", func(t *testing.T) {
		dir := t.TempDir()
		runner := &fakeRunner{}
		in := Input{Dir: dir, Repo: "acme/app", CommitSHA: "0123456789abcdef0123"}

		res := NewSonarPublisher(runner, "https://sonar.example.test", "token", time.Minute).Run(context.Background(), in)
		require.True(t, res.OK)

		props, err := os.ReadFile(filepath.Join(dir, "sonar-project.properties"))
		require.NoError(t, err)
		assert.Contains(t, string(props), "sonar.projectKey=acme_app")
		assert.Contains(t, string(props), "sonar.projectVersion=0123456789ab")
		require.Len(t, runner.calls, 1)
		assert.Equal(t, "sonar-scanner", runner.calls[0].name)
	})
}

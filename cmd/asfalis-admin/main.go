// Command asfalis-admin is the operator CLI: migrations, enqueueing scans,
// and inspecting runs, stages, findings, and evidence artifacts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/asfalis/asfalis/config"
	"github.com/asfalis/asfalis/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2)
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.Error("command failed", "command", cmdName, "error", runErr)
		os.Exit(1)
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"enqueue": {
			name:        "enqueue",
			description: "Enqueue a scan for a repository branch",
			run:         runEnqueue,
		},
		"status": {
			name:        "status",
			description: "Show one scan run",
			run:         runStatus,
		},
		"list": {
			name:        "list",
			description: "List recent scan runs",
			run:         runList,
		},
		"stages": {
			name:        "stages",
			description: "Show the stage history of a scan run",
			run:         runStages,
		},
		"findings": {
			name:        "findings",
			description: "Show a scan's normalized findings",
			run:         runFindings,
		},
		"artifact": {
			name:        "artifact",
			description: "Print a stored evidence document",
			run:         runArtifact,
		},
		"cancel": {
			name:        "cancel",
			description: "Request cancellation of a scan run",
			run:         runCancel,
		},
		"stats": {
			name:        "stats",
			description: "Show queue depth and terminal counts",
			run:         runStats,
		},
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: asfalis-admin <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%s\n", name, cmds[name].description)
	}
	_ = w.Flush()
}

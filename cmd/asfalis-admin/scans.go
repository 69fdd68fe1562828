package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/asfalis/asfalis/internal/bootstrap"
	"github.com/asfalis/asfalis/internal/data"
	"github.com/asfalis/asfalis/internal/domain/model"
	"github.com/asfalis/asfalis/internal/service"
)

// withScanService opens the database, builds the scan service, and runs fn.
func withScanService(ctx *commandContext, fn func(*service.ScanService) error) error {
	db, err := bootstrap.ConnectDB(ctx.Config.Postgres, nil)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	repoCfg := data.RepoConfig{Logger: ctx.Logger}
	svc, err := service.NewScanService(service.ScanServiceOptions{
		Scans:     data.NewScanRepo(db, repoCfg),
		Stages:    data.NewStageRepo(db, repoCfg),
		Findings:  data.NewFindingRepo(db, repoCfg),
		Artifacts: data.NewArtifactRepo(db, repoCfg),
		Logger:    ctx.Logger,
	})
	if err != nil {
		return err
	}
	return fn(svc)
}

func closeDB(ctx *commandContext, db *sql.DB) {
	if err := db.Close(); err != nil {
		ctx.Logger.Error("close database failed", "error", err)
	}
}

func runMigrate(ctx *commandContext, _ []string) error {
	db, err := bootstrap.ConnectDB(ctx.Config.Postgres, ctx.Logger)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)
	return bootstrap.RunMigrations(ctx.Ctx, db, ctx.Logger)
}

func runEnqueue(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository slug (owner/name)")
	branch := fs.String("branch", "", "branch to scan")
	commit := fs.String("commit", "", "pin a specific commit SHA (optional)")
	installation := fs.Int64("installation", 0, "GitHub installation ID (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := &model.EnqueueScanRequest{
		Repo:           *repo,
		Branch:         *branch,
		InstallationID: *installation,
		Trigger:        model.TriggerManual,
	}
	if *commit != "" {
		req.CommitSHA = commit
	}

	return withScanService(ctx, func(svc *service.ScanService) error {
		run, err := svc.Enqueue(ctx.Ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued scan %s for %s@%s\n", run.ID, run.Repo, run.Branch)
		return nil
	})
}

func runStatus(ctx *commandContext, args []string) error {
	id, err := requireScanID("status", args)
	if err != nil {
		return err
	}
	return withScanService(ctx, func(svc *service.ScanService) error {
		run, err := svc.Get(ctx.Ctx, id)
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	})
}

func runList(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withScanService(ctx, func(svc *service.ScanService) error {
		runs, err := svc.List(ctx.Ctx, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREPO\tBRANCH\tSTATUS\tSTAGE\tCREATED")
		for i := range runs {
			run := &runs[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.Repo, run.Branch, run.Status,
				orDash(run.CurrentStage), run.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runStages(ctx *commandContext, args []string) error {
	id, err := requireScanID("stages", args)
	if err != nil {
		return err
	}
	return withScanService(ctx, func(svc *service.ScanService) error {
		stages, err := svc.Stages(ctx.Ctx, id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTARTED\tENDED\tERROR")
		for i := range stages {
			st := &stages[i]
			ended := "-"
			if st.EndedAt != nil {
				ended = st.EndedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				st.Name, st.StartedAt.Format(time.RFC3339), ended, orDash(st.ErrorMessage))
		}
		return w.Flush()
	})
}

func runFindings(ctx *commandContext, args []string) error {
	id, err := requireScanID("findings", args)
	if err != nil {
		return err
	}
	return withScanService(ctx, func(svc *service.ScanService) error {
		findings, err := svc.Findings(ctx.Ctx, id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEVERITY\tTOOL\tRULE\tPATH\tLINE\tTITLE")
		for i := range findings {
			f := &findings[i]
			line := "-"
			if f.StartLine != nil {
				line = fmt.Sprint(*f.StartLine)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				f.Severity, f.Tool, f.RuleID, f.Path, line, f.Title)
		}
		return w.Flush()
	})
}

func runArtifact(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("artifact", flag.ContinueOnError)
	id := fs.String("scan", "", "scan run ID")
	name := fs.String("name", model.ArtifactNameMerged, "artifact name (tool name or 'merged')")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-scan is required")
	}

	return withScanService(ctx, func(svc *service.ScanService) error {
		artifact, err := svc.ArtifactBody(ctx.Ctx, *id, *name)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(artifact.Body)
		return err
	})
}

func runCancel(ctx *commandContext, args []string) error {
	id, err := requireScanID("cancel", args)
	if err != nil {
		return err
	}
	return withScanService(ctx, func(svc *service.ScanService) error {
		status, err := svc.Cancel(ctx.Ctx, id)
		if err != nil {
			return err
		}
		switch status {
		case model.ScanStatusCancelled:
			fmt.Printf("scan %s cancelled\n", id)
		default:
			fmt.Printf("scan %s is %s; cancellation will take effect at the next stage boundary\n", id, status)
		}
		return nil
	})
}

func runStats(ctx *commandContext, _ []string) error {
	return withScanService(ctx, func(svc *service.ScanService) error {
		stats, err := svc.Stats(ctx.Ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "queued\t%d\n", stats.Queued)
		fmt.Fprintf(w, "running\t%d\n", stats.Running)
		fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
		fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
		fmt.Fprintf(w, "cancelled\t%d\n", stats.Cancelled)
		return w.Flush()
	})
}

func requireScanID(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("usage: asfalis-admin %s <scan-id>", cmd)
	}
	return args[0], nil
}

func printRun(run *model.ScanRun) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", run.ID)
	fmt.Fprintf(w, "repo\t%s\n", run.Repo)
	fmt.Fprintf(w, "branch\t%s\n", run.Branch)
	fmt.Fprintf(w, "commit\t%s\n", orDash(run.CommitSHA))
	fmt.Fprintf(w, "trigger\t%s\n", run.Trigger)
	fmt.Fprintf(w, "status\t%s\n", run.Status)
	fmt.Fprintf(w, "stage\t%s\n", orDash(run.CurrentStage))
	fmt.Fprintf(w, "cancel_requested\t%t\n", run.CancelRequested)
	fmt.Fprintf(w, "error\t%s\n", orDash(run.ErrorMessage))
	fmt.Fprintf(w, "summary\t%s\n", orDash(run.ResultSummary))
	fmt.Fprintf(w, "created\t%s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		fmt.Fprintf(w, "started\t%s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(w, "ended\t%s\n", run.EndedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

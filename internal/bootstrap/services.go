package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/asfalis/asfalis/config"
	"github.com/asfalis/asfalis/internal/data"
	"github.com/asfalis/asfalis/internal/fetch"
	"github.com/asfalis/asfalis/internal/observability/statsd"
	"github.com/asfalis/asfalis/internal/pipeline"
	"github.com/asfalis/asfalis/internal/scanner"
	"github.com/asfalis/asfalis/internal/service"
	"github.com/asfalis/asfalis/internal/worker"
)

// ServiceDeps carries the shared infrastructure all services build on.
type ServiceDeps struct {
	Config *config.AppConfig
	DB     *sql.DB
	Redis  *redis.Client // nil when the token cache is disabled
	Logger *slog.Logger
}

// Services holds the constructed long-running services plus the shared
// request-path service for admin surfaces.
type Services struct {
	Scan    *service.ScanService
	Worker  *worker.Runner
	Reaper  *service.ReaperService
	Metrics *statsd.Client
}

// NewServices wires repositories, scanners, the pipeline, and the service
// layer from shared infrastructure.
func NewServices(deps *ServiceDeps) (*Services, error) {
	cfg := deps.Config
	logger := deps.Logger

	sink, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.Metrics.IsEnabled(),
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  cfg.Observability.Metrics.StatsdPrefix,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	repoCfg := data.RepoConfig{Logger: logger}
	scanRepo := data.NewScanRepo(deps.DB, repoCfg)
	stageRepo := data.NewStageRepo(deps.DB, repoCfg)
	findingRepo := data.NewFindingRepo(deps.DB, repoCfg)
	artifactRepo := data.NewArtifactRepo(deps.DB, repoCfg)

	scanSvc, err := service.NewScanService(service.ScanServiceOptions{
		Scans:     scanRepo,
		Stages:    stageRepo,
		Findings:  findingRepo,
		Artifacts: artifactRepo,
		Logger:    logger,
		Metrics:   sink,
	})
	if err != nil {
		return nil, fmt.Errorf("create scan service: %w", err)
	}

	var tokens fetch.TokenProvider = fetch.NewStaticTokenProvider(cfg.Fetch.GitHubToken)
	if deps.Redis != nil {
		tokens = fetch.NewRedisTokenCache(tokens, deps.Redis, cfg.Redis.TokenTTL)
	}
	fetcher := fetch.NewFetcher(tokens, logger,
		fetch.WithAPIBase(cfg.Fetch.GitHubAPIBase),
		fetch.WithMaxArchiveBytes(cfg.Fetch.MaxArchiveBytes))

	runner := &scanner.ExecRunner{}
	var publisher scanner.Invoker
	if sonar := scanner.NewSonarPublisher(runner, cfg.Scanner.SonarHostURL, cfg.Scanner.SonarToken, cfg.Scanner.SonarTimeout); sonar.Configured() {
		publisher = sonar
	}

	executor := pipeline.NewExecutor(pipeline.Config{
		Scans:       scanRepo,
		Stages:      stageRepo,
		Findings:    findingRepo,
		Artifacts:   artifactRepo,
		Fetcher:     fetcher,
		Dependency:  scanner.NewOSVScanner(runner, cfg.Scanner.OSVTimeout),
		Pattern:     scanner.NewSemgrepScanner(runner, cfg.Scanner.SemgrepConfig, cfg.Scanner.SemgrepTimeout),
		Semantic:    scanner.NewCodeQLScanner(runner, cfg.Scanner.CodeQLLanguage, cfg.Scanner.CodeQLTimeout),
		Publisher:   publisher,
		Lease:       cfg.Worker.Lease,
		WorkdirRoot: cfg.Worker.WorkdirRoot,
		Logger:      logger,
	})

	workerRunner, err := worker.NewRunner(worker.Options{
		Queue:        scanRepo,
		Executor:     executor,
		Concurrency:  cfg.Worker.Concurrency,
		Lease:        cfg.Worker.Lease,
		PollInterval: cfg.Worker.PollInterval,
		Logger:       logger,
		Metrics:      sink,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker runner: %w", err)
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:     scanRepo,
		Interval: cfg.Reaper.Interval,
		Logger:   logger,
		Metrics:  sink,
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper service: %w", err)
	}

	return &Services{
		Scan:    scanSvc,
		Worker:  workerRunner,
		Reaper:  reaper,
		Metrics: sink,
	}, nil
}

// RunServicesWithShutdown runs the enabled services until SIGINT or SIGTERM,
// then waits for them to drain.
func RunServicesWithShutdown(ctx context.Context, cfg *config.AppConfig, services *Services, logger *slog.Logger) error {
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if enabled[config.ServiceModeWorker] {
		g.Go(func() error { return services.Worker.Run(gctx) })
	}
	if enabled[config.ServiceModeReaper] {
		g.Go(func() error { return services.Reaper.Run(gctx) })
	}

	err = g.Wait()
	if closeErr := services.Metrics.Close(); closeErr != nil {
		logger.Warn("close metrics client failed", "error", closeErr)
	}
	return err
}

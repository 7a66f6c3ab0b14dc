package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nguyentanjr/file-storage-based-aws/config"
	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/quota"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/resilient"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/retry"
	"github.com/nguyentanjr/file-storage-based-aws/server/cleaner"
	"github.com/nguyentanjr/file-storage-based-aws/server/files"
	"github.com/nguyentanjr/file-storage-based-aws/server/internalapi"
	"github.com/nguyentanjr/file-storage-based-aws/server/jobqueue"
	"github.com/nguyentanjr/file-storage-based-aws/server/replication"
	"github.com/nguyentanjr/file-storage-based-aws/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serviceDependencies holds the shared components wired at startup.
type serviceDependencies struct {
	config    *config.Config
	database  *db.Database
	primary   *storage.S3Storage
	secondary *storage.S3Storage
	queue     jobqueue.Queue
	quota     *quota.Cache
	producer  *replication.Producer
	worker    *replication.Worker
	files     *files.Service
	cleaner   *cleaner.CleanupWorker
}

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("valetkey version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "VALETKEY: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "VALETKEY: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "VALETKEY: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("valetkey starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer deps.database.Close()
	if deps.queue != nil {
		defer deps.queue.Close()
	}

	errChan := startServers(ctx, deps)

	select {
	case sig := <-signalChan:
		logger.Infof("Received signal: %s, shutting down...", sig)
	case err := <-errChan:
		logger.Error("Server error, shutting down", "error", err)
	}

	cancel()
	if deps.worker != nil {
		// Stop waits for in-flight jobs to settle their final status.
		deps.worker.Stop()
	}
	if deps.cleaner != nil {
		deps.cleaner.Stop()
	}
	logger.Info("valetkey stopped")
}

func initializeServices(ctx context.Context, cfg *config.Config) (*serviceDependencies, error) {
	deps := &serviceDependencies{config: cfg}

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	deps.database = database

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
	}

	primary, err := storage.New(storage.OptionsFromConfig("primary", cfg.Storage))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize primary storage: %w", err)
	}
	deps.primary = primary

	if cfg.Backup.Secondary.Bucket != "" {
		secondary, err := storage.New(storage.OptionsFromConfig("secondary", cfg.Backup.Secondary))
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize secondary storage: %w", err)
		}
		deps.secondary = secondary
	}

	defaultLimit, _ := cfg.Quota.GetDefaultLimit()
	cacheTTL, _ := cfg.Quota.GetCacheTTL()
	deps.quota = quota.New(database, cfg.Quota.GetCacheSize(), cacheTTL, defaultLimit)

	enabled := cfg.Backup.IsEnabled()
	if enabled {
		queue, err := jobqueue.New(ctx, cfg.Queue)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize job queue: %w", err)
		}
		deps.queue = queue

		worker, err := newWorker(cfg, database, primary, deps.secondary, queue)
		if err != nil {
			queue.Close()
			database.Close()
			return nil, err
		}
		deps.worker = worker
	} else {
		logger.Warn("Replication: backup is disabled, uploads will not be replicated")
	}

	publishTimeout, _ := cfg.Queue.GetPublishTimeout()
	var publisher replication.Publisher
	if deps.queue != nil {
		publisher = deps.queue
	}
	deps.producer = replication.NewProducer(replication.NewDBStatusStore(database), publisher, enabled, publishTimeout)
	if deps.worker != nil {
		deps.producer.OnPublished(deps.worker.NotifyQueued)
	}

	presignTTL, err := cfg.Storage.GetPresignTTL()
	if err != nil {
		presignTTL = 0
	}
	deps.files = files.NewService(database, primary, deps.quota, deps.producer, presignTTL)

	if cfg.Cleanup.Enabled {
		deps.cleaner = newCleaner(cfg.Cleanup, deps)
	}

	return deps, nil
}

func newWorker(cfg *config.Config, database *db.Database, primary, secondary *storage.S3Storage, queue jobqueue.Queue) (*replication.Worker, error) {
	var status replication.StatusStore = replication.NewDBStatusStore(database)
	if cfg.Backup.StatusAPIURL != "" {
		logger.Info("Replication: reporting status through internal API", "url", cfg.Backup.StatusAPIURL)
		status = internalapi.NewClient(cfg.Backup.StatusAPIURL, cfg.InternalAPI.APIKey)
	}

	breakerTimeout, _ := cfg.Backup.GetBreakerTimeout()
	breakers := resilient.BreakerConfig{
		Threshold:   uint32(cfg.Backup.GetBreakerThreshold()),
		OpenTimeout: breakerTimeout,
	}
	source := resilient.NewStorage("primary", primary, breakers)

	var target replication.TargetStore
	if cfg.Backup.GetMode() == config.BackupModeCopy {
		if secondary == nil {
			return nil, fmt.Errorf("copy mode requires backup.secondary")
		}
		target = resilient.NewStorage("secondary", secondary, breakers)
	}

	emitter, err := metrics.NewPromEmitter(cfg.Metrics.GetNamespace(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register backup metrics: %w", err)
	}

	backoff, _ := cfg.Backup.GetBackoff()
	pollInterval, _ := cfg.Backup.GetPollInterval()
	reapInterval, _ := cfg.Queue.GetReapInterval()

	opts := replication.WorkerOptions{
		Mode:         cfg.Backup.GetMode(),
		Policy:       retry.Policy{MaxAttempts: cfg.Backup.GetMaxAttempts(), Backoff: backoff},
		Concurrency:  cfg.Backup.GetConcurrency(),
		PollInterval: pollInterval,
		ReapInterval: reapInterval,
		Emitter:      emitter,
	}
	return replication.NewWorker(queue, status, source, target, opts, nil), nil
}

func newCleaner(cfg config.CleanupConfig, deps *serviceDependencies) *cleaner.CleanupWorker {
	interval, _ := cfg.GetInterval()
	grace, _ := cfg.GetUploadGracePeriod()
	retention, _ := cfg.GetRetentionPeriod()

	var secondary cleaner.ObjectDeleter
	if deps.secondary != nil {
		secondary = deps.secondary
	}
	return cleaner.New(deps.database, deps.primary, secondary, deps.quota, cleaner.Options{
		Interval:          interval,
		UploadGracePeriod: grace,
		RetentionPeriod:   retention,
		BatchSize:         cfg.GetBatchSize(),
	})
}

func startServers(ctx context.Context, deps *serviceDependencies) chan error {
	cfg := deps.config
	errChan := make(chan error, 4)

	if deps.worker != nil {
		if err := deps.worker.Start(ctx); err != nil {
			errChan <- fmt.Errorf("failed to start replication worker: %w", err)
			return errChan
		}
	}

	deps.database.StartPoolMetrics(ctx)

	if deps.cleaner != nil {
		deps.cleaner.Start(ctx)
	}

	var depth metrics.QueueDepthProvider
	if deps.queue != nil {
		depth = jobqueue.DepthReporter{Queue: deps.queue}
	}
	collector := metrics.NewCollector(deps.database, depth, 30*time.Second)
	go collector.Start(ctx)

	if cfg.InternalAPI.Start {
		opts := internalapi.ServerOptions{
			Addr:    cfg.InternalAPI.Addr,
			APIKey:  cfg.InternalAPI.APIKey,
			Store:   deps.database,
			Retrier: deps.files,
		}
		if deps.queue != nil {
			opts.Queue = deps.queue
		}
		go internalapi.Start(ctx, opts, errChan)
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}

	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics: error shutting down server", "error", err)
		}
	}()

	logger.Info("Metrics: starting server", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

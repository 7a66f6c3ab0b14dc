package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/config"
	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/server/internalapi"
	"github.com/nguyentanjr/file-storage-based-aws/server/jobqueue"
	"github.com/nguyentanjr/file-storage-based-aws/server/replication"
)

func openDatabase(ctx context.Context, cfg *config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func parseResourceID(fs *flag.FlagSet) int64 {
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		fmt.Printf("Error: invalid resource id %q\n\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}
	return id
}

func handleStatus(ctx context.Context) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin status [--config config.toml] <resource-id>")
		fmt.Println("Shows the backup status, time, checksum and last error of a resource.")
	}
	fs.Parse(os.Args[2:])
	id := parseResourceID(fs)

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	rec, err := database.GetBackupRecord(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrResourceNotFound) {
			fmt.Printf("Resource %d not found\n", id)
			os.Exit(1)
		}
		log.Fatalf("Failed to read backup status: %v", err)
	}

	fmt.Printf("Resource:   %d\n", rec.ResourceID)
	fmt.Printf("Object key: %s\n", rec.ObjectKey)
	fmt.Printf("Status:     %s\n", rec.Status)
	if rec.BackupAt != nil {
		fmt.Printf("Updated:    %s\n", rec.BackupAt.Format(time.RFC3339))
	}
	if rec.Checksum != nil {
		fmt.Printf("Checksum:   %s\n", *rec.Checksum)
	}
	if rec.BackupError != nil {
		fmt.Printf("Error:      %s\n", *rec.BackupError)
	}
}

// newProducer builds a producer that publishes straight to the configured queue.
func newProducer(ctx context.Context, cfg *config.Config, database *db.Database) (*replication.Producer, jobqueue.Queue) {
	queue, err := jobqueue.New(ctx, cfg.Queue)
	if err != nil {
		log.Fatalf("Failed to open job queue: %v", err)
	}
	timeout, _ := cfg.Queue.GetPublishTimeout()
	return replication.NewProducer(replication.NewDBStatusStore(database), queue, true, timeout), queue
}

// enqueuer is implemented by *replication.Producer.
type enqueuer interface {
	Enqueue(ctx context.Context, resourceID int64, objectKey string, sizeBytes int64)
}

// requeueStore is the subset of *db.Database the requeue commands read.
type requeueStore interface {
	GetResource(ctx context.Context, id int64) (*db.Resource, error)
	GetBackupRecord(ctx context.Context, resourceID int64) (db.BackupRecord, error)
	ListStaleBackups(ctx context.Context, olderThan time.Duration, limit int) ([]db.StaleBackup, error)
}

// requeueResource publishes a new job for one resource and prints the
// status it ended up in.
func requeueResource(ctx context.Context, store requeueStore, producer enqueuer, id int64, out io.Writer) error {
	r, err := store.GetResource(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load resource %d: %w", id, err)
	}

	producer.Enqueue(ctx, r.ID, r.FilePath, r.FileSize)

	rec, err := store.GetBackupRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read backup status: %w", err)
	}
	fmt.Fprintf(out, "Resource %d is now %s\n", id, rec.Status)
	return nil
}

// requeueStale publishes new jobs for stuck resources, or only lists them
// when dryRun is set. It returns how many resources were found.
func requeueStale(ctx context.Context, store requeueStore, producer enqueuer, olderThan time.Duration, limit int, dryRun bool, out io.Writer) (int, error) {
	stale, err := store.ListStaleBackups(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale backups: %w", err)
	}
	if len(stale) == 0 {
		fmt.Fprintln(out, "No stale backups found.")
		return 0, nil
	}

	if dryRun {
		for _, s := range stale {
			fmt.Fprintf(out, "%d\t%s\t%s\n", s.ResourceID, s.Status, s.ObjectKey)
		}
		fmt.Fprintf(out, "%d resource(s) would be requeued\n", len(stale))
		return len(stale), nil
	}

	for _, s := range stale {
		producer.Enqueue(ctx, s.ResourceID, s.ObjectKey, s.FileSize)
	}
	fmt.Fprintf(out, "Requeued %d resource(s)\n", len(stale))
	return len(stale), nil
}

func handleRequeue(ctx context.Context) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin requeue [--config config.toml] <resource-id>")
		fmt.Println("Resets the resource to PENDING and publishes a new backup job.")
	}
	fs.Parse(os.Args[2:])
	id := parseResourceID(fs)

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	producer, queue := newProducer(ctx, cfg, database)
	defer queue.Close()

	if err := requeueResource(ctx, database, producer, id, os.Stdout); err != nil {
		log.Fatalf("%v", err)
	}
}

func handleRequeueStale(ctx context.Context) {
	fs := flag.NewFlagSet("requeue-stale", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	olderThan := fs.Duration("older-than", time.Hour, "Only resources whose status is older than this")
	limit := fs.Int("limit", 1000, "Maximum number of resources to requeue")
	dryRun := fs.Bool("dry-run", false, "List the resources without requeueing them")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin requeue-stale [--config config.toml] [--older-than 1h] [--limit 1000] [--dry-run]")
		fmt.Println("Publishes new jobs for resources stuck in PENDING or PENDING_SYNC, for")
		fmt.Println("example after a queue outage lost their messages.")
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	var producer enqueuer
	if !*dryRun {
		p, queue := newProducer(ctx, cfg, database)
		defer queue.Close()
		producer = p
	}

	if _, err := requeueStale(ctx, database, producer, *olderThan, *limit, *dryRun, os.Stdout); err != nil {
		log.Fatalf("%v", err)
	}
}

func handleQueueStats(ctx context.Context) {
	fs := flag.NewFlagSet("queue-stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	remote := fs.Bool("remote", false, "Ask the internal API instead of opening the queue directly")
	apiURL := fs.String("api-url", "", "Internal API base URL for --remote (default: backup.status_api_url)")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin queue-stats [--config config.toml] [--remote [--api-url URL]]")
		fmt.Println("Shows pending and in-flight job counts.")
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)

	if *remote {
		base := cfg.Backup.StatusAPIURL
		if isFlagSet(fs, "api-url") {
			base = *apiURL
		}
		if base == "" {
			log.Fatalf("No internal API URL: set --api-url or backup.status_api_url")
		}
		stats, err := internalapi.NewClient(base, cfg.InternalAPI.APIKey).QueueStats(ctx)
		if err != nil {
			log.Fatalf("Failed to fetch queue stats: %v", err)
		}
		fmt.Printf("Pending:    %d\n", stats["pending"])
		fmt.Printf("Processing: %d\n", stats["processing"])
		return
	}

	queue, err := jobqueue.New(ctx, cfg.Queue)
	if err != nil {
		log.Fatalf("Failed to open job queue: %v", err)
	}
	defer queue.Close()

	stats, err := queue.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read queue stats: %v", err)
	}
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
}

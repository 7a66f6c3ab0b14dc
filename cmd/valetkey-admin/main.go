package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nguyentanjr/file-storage-based-aws/config"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "status":
		handleStatus(ctx)
	case "requeue":
		handleRequeue(ctx)
	case "requeue-stale":
		handleRequeueStale(ctx)
	case "queue-stats":
		handleQueueStats(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`valetkey Admin Tool

Usage:
  valetkey-admin <command> [options]

Commands:
  migrate        Manage database schema migrations
  status         Show the backup status of a resource
  requeue        Reset a resource to PENDING and publish a new backup job
  requeue-stale  Requeue resources stuck in PENDING or PENDING_SYNC
  queue-stats    Show job queue depth
  help           Show this help message

Examples:
  valetkey-admin migrate up
  valetkey-admin status 42
  valetkey-admin requeue --config /etc/valetkey/config.toml 42
  valetkey-admin requeue-stale --older-than 1h --limit 500
  valetkey-admin queue-stats --remote

Use 'valetkey-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the service configuration and routes log output to stderr
// so command output stays clean on stdout.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		log.Printf("WARNING: failed to initialize logger: %v", err)
	}
	return cfg
}

// isFlagSet reports whether name was given on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

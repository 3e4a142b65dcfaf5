// Command kvdb-backup pushes database snapshots to S3 and restores them.
//
//	kvdb-backup [flags] push
//	kvdb-backup [flags] pull <name>
//	kvdb-backup [flags] list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/conuredb/kvdb/db"
	"github.com/conuredb/kvdb/pkg/backup"
	"github.com/conuredb/kvdb/pkg/config"
)

// newS3Client is replaced in tests.
var newS3Client = func(cfg config.Backup) (backup.S3Interface, error) {
	return backup.NewS3Client(cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvdb-backup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config file")
	dbPath := fs.String("db", "", "database file (default: data_dir/db_file from config)")
	bucket := fs.String("bucket", "", "S3 bucket")
	prefix := fs.String("prefix", "", "object name prefix")
	endpoint := fs.String("endpoint", "", "S3-compatible endpoint URL")
	logLevel := fs.String("log-level", "info", "log level: trace, debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "kvdb-backup",
		Level:  hclog.LevelFromString(*logLevel),
		Output: stderr,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	overrideString(&cfg.Backup.Bucket, *bucket)
	overrideString(&cfg.Backup.Prefix, *prefix)
	overrideString(&cfg.Backup.Endpoint, *endpoint)
	cfg = cfg.WithDefaults()
	if *dbPath == "" {
		*dbPath = cfg.DBPath()
	}
	if cfg.Backup.Bucket == "" {
		logger.Error("no bucket configured")
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "usage: kvdb-backup [flags] push | pull <name> | list")
		return 2
	}

	client, err := newS3Client(cfg.Backup)
	if err != nil {
		logger.Error("s3 client", "error", err)
		return 1
	}
	store := backup.NewStore(client, cfg.Backup.Bucket, cfg.Backup.Prefix, logger.Named("backup"))

	switch cmd := rest[0]; {
	case cmd == "list" && len(rest) == 1:
		err = list(ctx, store, stdout)
	case cmd == "push" && len(rest) == 1:
		err = withDB(*dbPath, cfg, logger, func(d *db.DB) error {
			name, err := store.Push(ctx, d)
			if err == nil {
				fmt.Fprintln(stdout, name)
			}
			return err
		})
	case cmd == "pull" && len(rest) == 2:
		err = withDB(*dbPath, cfg, logger, func(d *db.DB) error {
			return store.Pull(ctx, rest[1], d)
		})
	default:
		fmt.Fprintln(stderr, "usage: kvdb-backup [flags] push | pull <name> | list")
		return 2
	}
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			logger.Error("snapshot not found", "name", rest[len(rest)-1])
			return 3
		}
		logger.Error(rest[0], "error", err)
		return 1
	}
	return 0
}

func withDB(path string, cfg config.Config, logger hclog.Logger, fn func(*db.DB) error) (err error) {
	d, err := db.Open(path, db.WithConfig(cfg), db.WithLogger(logger.Named("db")))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := d.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(d)
}

func list(ctx context.Context, store *backup.Store, stdout io.Writer) error {
	snaps, err := store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.Name, s.Size, s.LastModified.Format(time.RFC3339))
	}
	return w.Flush()
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

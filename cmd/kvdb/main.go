// Command kvdb reads and writes a single key in a database file.
//
//	kvdb [flags] <dbname> <get|set|delete> <key> [value]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/conuredb/kvdb/db"
	"github.com/conuredb/kvdb/internal/compression"
	"github.com/conuredb/kvdb/pkg/config"
)

// Exit codes.
const (
	OK = iota
	BadArgs
	BadVerb
	BadKey
	DBConnectionError
	UnexpectedError
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvdb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: kvdb [flags] <dbname> <get|set|delete> <key> [value]")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "path to YAML config file")
	codec := fs.String("compression", "", "record compression: none, snappy, zstd, lz4")
	logLevel := fs.String("log-level", "", "log level: trace, debug, info, warn, error (default: config log_level, else warn)")
	if err := fs.Parse(args); err != nil {
		return BadArgs
	}

	rest := fs.Args()
	if len(rest) < 3 || len(rest) > 4 {
		fs.Usage()
		return BadArgs
	}
	dbname, verb, key := rest[0], rest[1], rest[2]
	var value []byte
	if len(rest) == 4 {
		value = []byte(rest[3])
	}
	switch verb {
	case "get", "set", "delete":
	default:
		fmt.Fprintf(stderr, "unknown verb %q: want get, set or delete\n", verb)
		return BadVerb
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return BadArgs
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "kvdb",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: stderr,
	})
	opts := []db.Option{db.WithConfig(cfg), db.WithLogger(logger)}
	if *codec != "" {
		t, err := compression.ParseType(*codec)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return BadArgs
		}
		opts = append(opts, db.WithCompression(t))
	}

	d, err := db.Open(dbname, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Database connection error: %v\n", err)
		return DBConnectionError
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	if err := execute(d, verb, []byte(key), value, stdout); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			fmt.Fprintln(stderr, "Key not found")
			return BadKey
		}
		fmt.Fprintf(stderr, "Unexpected error: %v\n", err)
		return UnexpectedError
	}
	return OK
}

// execute runs one verb. A set without a value is staged but not committed.
func execute(d *db.DB, verb string, key, value []byte, stdout io.Writer) error {
	switch verb {
	case "get":
		v, err := d.Get(key)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", v)
		return err
	case "set":
		if err := d.Set(key, value); err != nil {
			return err
		}
		if value == nil {
			return nil
		}
		return d.Commit()
	default:
		if err := d.Delete(key); err != nil {
			return err
		}
		return d.Commit()
	}
}

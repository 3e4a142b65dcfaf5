package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/hashicorp/go-hclog"

	"github.com/conuredb/kvdb/db"
	"github.com/conuredb/kvdb/pkg/config"
)

func main() {
	var (
		dbPath     = flag.String("db", "", "Path to a local database file (local mode)")
		serverFlag = flag.String("server", "http://127.0.0.1:8081", "HTTP base URL for the server (replicated mode)")
		configPath = flag.String("config", "", "Path to YAML config file used in local mode")
		stale      = flag.Bool("stale", false, "Allow reads from followers in replicated mode")
		logLevel   = flag.String("log-level", "warn", "Log level: trace, debug, info, warn, error")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "kvdb-repl",
		Level:  hclog.LevelFromString(*logLevel),
		Output: os.Stderr,
	})

	b, banner, err := openBackend(*dbPath, *serverFlag, *configPath, *stale, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	fmt.Println("kvdb - copy-on-write binary search tree key-value store")
	fmt.Println("Type 'help' for available commands")
	fmt.Println(banner)

	if err := runREPL(&shell{b: b, out: os.Stdout}); err != nil {
		logger.Error("repl", "error", err)
	}
}

func openBackend(dbPath, server, configPath string, stale bool, logger hclog.Logger) (backend, string, error) {
	if dbPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", err
		}
		d, err := db.Open(dbPath, db.WithConfig(cfg), db.WithLogger(logger))
		if err != nil {
			return nil, "", err
		}
		return &localBackend{db: d}, "Using local database: " + dbPath, nil
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, "", fmt.Errorf("invalid -server URL: %w", err)
	}
	client := &RemoteClient{HTTP: &http.Client{}, Base: u, Stale: stale}
	return client, "Using remote server: " + server, nil
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kvdb_history")
}

func runREPL(s *shell) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.exec(strings.TrimSpace(line)) {
			return nil
		}
	}
}

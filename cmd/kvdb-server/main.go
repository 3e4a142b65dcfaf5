package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/conuredb/kvdb/db"
	"github.com/conuredb/kvdb/pkg/api"
	"github.com/conuredb/kvdb/pkg/raftnode"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := loadEffectiveConfig(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "kvdb",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: stderr,
	}).With("node_id", cfg.NodeID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		return 1
	}

	store, err := db.Open(cfg.DBPath(), db.WithConfig(cfg), db.WithLogger(logger))
	if err != nil {
		logger.Error("open db", "path", cfg.DBPath(), "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}()

	fsm := &raftnode.FSM{DB: store, Logger: logger.Named("fsm")}
	node, err := raftnode.StartNode(raftnode.Config{
		NodeID:    cfg.NodeID,
		RaftAddr:  cfg.RaftAddr,
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.Bootstrap,
		Logger:    logger.Named("raft"),
	}, fsm)
	if err != nil {
		logger.Error("start raft", "error", err)
		return 1
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			logger.Warn("raft shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Bootstrap {
		logger.Info("configured as bootstrap node")
	} else {
		go newJoiner(cfg.NodeID, cfg.RaftAddr, logger.Named("join")).run(ctx)
	}

	mux := http.NewServeMux()
	api.New(node, store).
		WithBarrierTimeout(cfg.BarrierTimeout).
		WithLogger(logger.Named("http")).
		Register(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("kvdb running", "http", cfg.HTTPAddr, "raft", cfg.RaftAddr, "db", cfg.DBPath())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
	return 0
}

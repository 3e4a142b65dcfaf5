package main

import (
	"flag"
	"io"

	"github.com/conuredb/kvdb/pkg/config"
)

// loadEffectiveConfig parses args, reads the optional YAML config, applies
// CLI overrides and returns the validated configuration.
func loadEffectiveConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("kvdb-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		cli        CLIOverrides
		bootstrap  settableBool
		noSync     settableBool
		cacheSize  settableInt
		barrier    settableDuration
	)

	fs.StringVar(&configPath, "config", "", "path to YAML config file")
	fs.StringVar(&cli.NodeID, "node-id", "", "unique node ID")
	fs.StringVar(&cli.DataDir, "data-dir", "", "data directory for node state")
	fs.StringVar(&cli.DBFile, "db-file", "", "database file name inside the data directory")
	fs.StringVar(&cli.RaftAddr, "raft-addr", "", "raft bind/advertise address host:port")
	fs.StringVar(&cli.HTTPAddr, "http-addr", "", "http bind address")
	fs.StringVar(&cli.Compression, "compression", "", "record compression: none, snappy, zstd, lz4")
	fs.StringVar(&cli.LogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.Var(&bootstrap, "bootstrap", "bootstrap single-node cluster if no existing state")
	fs.Var(&noSync, "no-sync", "skip fsync on commit")
	fs.Var(&cacheSize, "node-cache-size", "decoded node cache entries; negative disables")
	fs.Var(&barrier, "barrier-timeout", "raft barrier timeout (e.g., 3s)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfgFile, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if bootstrap.set {
		cli.Bootstrap = &bootstrap.val
	}
	if noSync.set {
		cli.NoSync = &noSync.val
	}
	if cacheSize.set {
		cli.NodeCacheSize = &cacheSize.val
	}
	if barrier.set {
		cli.BarrierTimeout = &barrier.val
	}

	cfg := mergeConfig(cfgFile, cli)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

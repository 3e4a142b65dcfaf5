package main

import (
	"time"

	"github.com/conuredb/kvdb/pkg/config"
)

// CLIOverrides carries CLI-provided values. Empty strings mean "not set";
// pointers detect whether a flag was passed explicitly.
type CLIOverrides struct {
	NodeID         string
	DataDir        string
	DBFile         string
	RaftAddr       string
	HTTPAddr       string
	Compression    string
	LogLevel       string
	Bootstrap      *bool
	NoSync         *bool
	NodeCacheSize  *int
	BarrierTimeout *time.Duration
}

// mergeConfig applies CLI overrides on top of the file configuration and
// fills the remaining defaults.
func mergeConfig(fileCfg config.Config, cli CLIOverrides) config.Config {
	cfg := fileCfg

	overrideString(&cfg.NodeID, cli.NodeID)
	overrideString(&cfg.DataDir, cli.DataDir)
	overrideString(&cfg.DBFile, cli.DBFile)
	overrideString(&cfg.RaftAddr, cli.RaftAddr)
	overrideString(&cfg.HTTPAddr, cli.HTTPAddr)
	overrideString(&cfg.Compression, cli.Compression)
	overrideString(&cfg.LogLevel, cli.LogLevel)
	if cli.Bootstrap != nil {
		cfg.Bootstrap = *cli.Bootstrap
	}
	if cli.NoSync != nil {
		cfg.NoSync = *cli.NoSync
	}
	if cli.NodeCacheSize != nil {
		cfg.NodeCacheSize = *cli.NodeCacheSize
	}
	if cli.BarrierTimeout != nil {
		cfg.BarrierTimeout = *cli.BarrierTimeout
	}

	return cfg.WithDefaults()
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

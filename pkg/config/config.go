package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conuredb/kvdb/internal/compression"
)

const (
	// DefaultDBFile is the database file name inside DataDir.
	DefaultDBFile = "kvdb.db"

	// DefaultNodeCacheSize is used when node_cache_size is zero.
	DefaultNodeCacheSize = 1024

	// DefaultBarrierTimeout bounds the raft barrier before leader reads.
	DefaultBarrierTimeout = 3 * time.Second
)

// Config defines runtime configuration loaded from YAML and/or flags.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	DBFile      string `yaml:"db_file"`
	Compression string `yaml:"compression"`
	NoSync      bool   `yaml:"no_sync"`
	// NodeCacheSize of zero selects DefaultNodeCacheSize; negative disables the cache.
	NodeCacheSize int    `yaml:"node_cache_size"`
	LogLevel      string `yaml:"log_level"`

	NodeID         string        `yaml:"node_id"`
	RaftAddr       string        `yaml:"raft_addr"`
	HTTPAddr       string        `yaml:"http_addr"`
	Bootstrap      bool          `yaml:"bootstrap"`
	BarrierTimeout time.Duration `yaml:"barrier_timeout"`

	Backup Backup `yaml:"backup"`
}

// Backup locates the S3 bucket snapshots are pushed to.
type Backup struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
}

// Load reads a YAML config file from path. If path is empty or the file
// does not exist, returns an empty Config and nil error.
func Load(path string) (cfg Config, err error) {
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close config file %q: %w", path, closeErr)
		}
	}()
	return Parse(f)
}

// Parse decodes YAML configuration from r.
func Parse(r io.Reader) (Config, error) {
	var cfg Config
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DBFile == "" {
		c.DBFile = DefaultDBFile
	}
	if c.NodeCacheSize == 0 {
		c.NodeCacheSize = DefaultNodeCacheSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NodeID == "" {
		c.NodeID = "node1"
	}
	if c.RaftAddr == "" {
		c.RaftAddr = "127.0.0.1:7001"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8081"
	}
	if c.BarrierTimeout == 0 {
		c.BarrierTimeout = DefaultBarrierTimeout
	}
	if c.Backup.Region == "" {
		c.Backup.Region = "us-east-1"
	}
	return c
}

// Validate checks fields that have a closed set of values.
func (c Config) Validate() error {
	if _, err := compression.ParseType(c.Compression); err != nil {
		return err
	}
	if c.BarrierTimeout < 0 {
		return errors.New("barrier_timeout must not be negative")
	}
	return nil
}

// CompressionType returns the parsed compression codec.
func (c Config) CompressionType() (compression.Type, error) {
	return compression.ParseType(c.Compression)
}

// DBPath returns the database file path.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

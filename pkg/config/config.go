package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridiandb/meridian/pkg/buffer"
	"github.com/meridiandb/meridian/pkg/compress"
	"github.com/meridiandb/meridian/pkg/consistency"
	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/shard"
	"github.com/meridiandb/meridian/pkg/wal"
)

// NodeConfig identifies this node in the cluster.
type NodeConfig struct {
	ID         string   `yaml:"id"`
	DataDir    string   `yaml:"data_dir"`
	ListenAddr string   `yaml:"listen_addr"`
	Peers      []string `yaml:"peers"` // node_id=host:port
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RaftConfig holds consensus timings, expressed in seconds in YAML.
type RaftConfig struct {
	ElectionTimeoutMin      float64 `yaml:"election_timeout_min"`
	ElectionTimeoutMax      float64 `yaml:"election_timeout_max"`
	HeartbeatInterval       float64 `yaml:"heartbeat_interval"`
	LogCompactionThreshold  int     `yaml:"log_compaction_threshold"`
	MaxLogEntriesPerRequest int     `yaml:"max_log_entries_per_request"`
	SnapshotInterval        int     `yaml:"snapshot_interval"`
}

// ElectionMin returns the minimum election timeout as a duration.
func (c RaftConfig) ElectionMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMin * float64(time.Second))
}

// ElectionMax returns the maximum election timeout as a duration.
func (c RaftConfig) ElectionMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMax * float64(time.Second))
}

// Heartbeat returns the heartbeat interval as a duration.
func (c RaftConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatInterval * float64(time.Second))
}

// Config is the process-wide configuration.
type Config struct {
	Node        NodeConfig         `yaml:"node"`
	Log         LogConfig          `yaml:"log"`
	WAL         wal.Config         `yaml:"wal"`
	Raft        RaftConfig         `yaml:"raft"`
	Consistency consistency.Config `yaml:"consistency"`
	Shards      shard.Config       `yaml:"shards"`
	Compression compress.Config    `yaml:"compression"`
	BufferPool  buffer.PoolConfig  `yaml:"buffer_pool"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:         "node-1",
			DataDir:    "./data",
			ListenAddr: ":7420",
		},
		Log: LogConfig{Level: "info"},
		WAL: wal.DefaultConfig("./wal"),
		Raft: RaftConfig{
			ElectionTimeoutMin:      0.15,
			ElectionTimeoutMax:      0.3,
			HeartbeatInterval:       0.05,
			LogCompactionThreshold:  1000,
			MaxLogEntriesPerRequest: 100,
			SnapshotInterval:        10000,
		},
		Consistency: consistency.DefaultConfig(),
		Shards:      shard.DefaultConfig(),
		Compression: compress.DefaultConfig(),
		BufferPool:  buffer.DefaultPoolConfig(),
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Config("reading %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.Config("parsing %s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errdefs.Config("node.id must be set")
	}
	if c.Shards.NumShards < 0 {
		return errdefs.Config("shards.num_shards must not be negative")
	}
	if c.Raft.ElectionTimeoutMin <= 0 || c.Raft.ElectionTimeoutMax <= c.Raft.ElectionTimeoutMin {
		return errdefs.Config("raft election timeouts must satisfy 0 < min < max")
	}
	if c.Raft.HeartbeatInterval <= 0 || c.Raft.HeartbeatInterval >= c.Raft.ElectionTimeoutMin {
		return errdefs.Config("raft heartbeat interval must be positive and below election_timeout_min")
	}
	if c.WAL.Dir == "" {
		return errdefs.Config("wal.wal_dir must be set")
	}
	if err := ensureWritableDir(c.WAL.Dir); err != nil {
		return errdefs.Config("wal.wal_dir: %v", err)
	}
	if c.Node.DataDir != "" {
		if err := ensureWritableDir(c.Node.DataDir); err != nil {
			return errdefs.Config("node.data_dir: %v", err)
		}
	}
	return nil
}

// ensureWritableDir creates dir if needed and probes writability.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".meridian-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(probe)
}

// Package config loads a MerkleFlow node's tunables from defaults, an
// optional config file, and environment variables, in that precedence
// order, via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a MerkleFlow node.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Membership  MembershipConfig  `mapstructure:"membership"`
	Overlay     OverlayConfig     `mapstructure:"overlay"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	API         APIConfig         `mapstructure:"api"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// NodeConfig holds node identity and data-directory configuration.
type NodeConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	KeyFile       string `mapstructure:"key_file"`
	NumCRDTShards int    `mapstructure:"num_crdt_shards"`
}

// TransportConfig configures the libp2p-backed Transport Facade.
type TransportConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	Bootstrap      []string      `mapstructure:"bootstrap"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	MaxFrameBytes  int           `mapstructure:"max_frame_bytes"`
}

// MembershipConfig configures the SWIM+Lifeguard membership engine.
type MembershipConfig struct {
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	IndirectProbes    int           `mapstructure:"indirect_probes"`
	SuspicionMult     int           `mapstructure:"suspicion_multiplier"`
	HealthMax         int           `mapstructure:"health_max"`
}

// OverlayConfig configures HyParView's bounded views and random-walk
// lengths, plus shuffle and IHave timing.
type OverlayConfig struct {
	ActiveViewSize   int           `mapstructure:"active_view_size"`
	PassiveViewSize  int           `mapstructure:"passive_view_size"`
	ARWL             int           `mapstructure:"arwl"`
	PRWL             int           `mapstructure:"prwl"`
	ShuffleInterval  time.Duration `mapstructure:"shuffle_interval"`
	IHaveTimeout     time.Duration `mapstructure:"ihave_timeout"`
}

// ReplicationConfig configures the hot-key push tracker and the
// anti-entropy pull scheduler.
type ReplicationConfig struct {
	HotKeyCapacity      int           `mapstructure:"hot_key_capacity"`
	HotKeyThreshold     int           `mapstructure:"hot_key_threshold"`
	HotKeyWindow        time.Duration `mapstructure:"hot_key_window"`
	AntiEntropyInterval time.Duration `mapstructure:"anti_entropy_interval"`
	AntiEntropyFanout   int           `mapstructure:"anti_entropy_fanout"`
	DiffSummaryDepth    int           `mapstructure:"diff_summary_depth"`
	ProofStrikeThreshold int          `mapstructure:"proof_strike_threshold"`
}

// PersistenceConfig configures the WAL, snapshot writer, and compaction
// scheduler.
type PersistenceConfig struct {
	Path                string        `mapstructure:"path"`
	FsyncPolicy         string        `mapstructure:"fsync_policy"` // "per_record", "per_batch", "none"
	FsyncBatchSize      int           `mapstructure:"fsync_batch_size"`
	FsyncBatchInterval  time.Duration `mapstructure:"fsync_batch_interval"`
	SnapshotInterval    time.Duration `mapstructure:"snapshot_interval"`
	SnapshotChunkBytes  int           `mapstructure:"snapshot_chunk_bytes"`
	TombstoneTTL        time.Duration `mapstructure:"tombstone_ttl"`
	CompactionInterval  time.Duration `mapstructure:"compaction_interval"`
}

// APIConfig holds the application-facing REST surface configuration.
type APIConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Address string   `mapstructure:"address"`
	CORS    []string `mapstructure:"cors"`
}

// SecurityConfig holds signing/audit configuration.
type SecurityConfig struct {
	AuditLogEnabled bool   `mapstructure:"audit_log_enabled"`
	AuditLogPath    string `mapstructure:"audit_log_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig holds metrics-endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a configuration usable as-is for a single local
// node, matched against the invariants and defaults in spec.md.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:       "./data",
			KeyFile:       "",
			NumCRDTShards: 16,
		},
		Transport: TransportConfig{
			ListenAddress: "/ip4/0.0.0.0/tcp/4001",
			Bootstrap:     []string{},
			DialTimeout:   5 * time.Second,
			MaxFrameBytes: 1 << 20,
		},
		Membership: MembershipConfig{
			ProbeInterval:  1 * time.Second,
			ProbeTimeout:   500 * time.Millisecond,
			IndirectProbes: 3,
			SuspicionMult:  5,
			HealthMax:      8,
		},
		Overlay: OverlayConfig{
			ActiveViewSize:  8,
			PassiveViewSize: 64,
			ARWL:            6,
			PRWL:            3,
			ShuffleInterval: 10 * time.Second,
			IHaveTimeout:    2 * time.Second,
		},
		Replication: ReplicationConfig{
			HotKeyCapacity:      1024,
			HotKeyThreshold:     5,
			HotKeyWindow:        10 * time.Second,
			AntiEntropyInterval: 5 * time.Second,
			AntiEntropyFanout:   1,
			DiffSummaryDepth:    4,
			ProofStrikeThreshold: 3,
		},
		Persistence: PersistenceConfig{
			Path:               "",
			FsyncPolicy:        "per_batch",
			FsyncBatchSize:     64,
			FsyncBatchInterval: 50 * time.Millisecond,
			SnapshotInterval:   1 * time.Minute,
			SnapshotChunkBytes: 4 << 20,
			TombstoneTTL:       24 * time.Hour,
			CompactionInterval: 1 * time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Address: "0.0.0.0:8080",
			CORS:    []string{"*"},
		},
		Security: SecurityConfig{
			AuditLogEnabled: true,
			AuditLogPath:    "./logs/audit.log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from defaults, then configPath (if
// non-empty), then environment variables prefixed MERKLEFLOW_, in
// increasing precedence order.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.key_file", cfg.Node.KeyFile)
	v.SetDefault("node.num_crdt_shards", cfg.Node.NumCRDTShards)
	v.SetDefault("transport.listen_address", cfg.Transport.ListenAddress)
	v.SetDefault("transport.bootstrap", cfg.Transport.Bootstrap)
	v.SetDefault("transport.dial_timeout", cfg.Transport.DialTimeout)
	v.SetDefault("transport.max_frame_bytes", cfg.Transport.MaxFrameBytes)
	v.SetDefault("membership.probe_interval", cfg.Membership.ProbeInterval)
	v.SetDefault("membership.probe_timeout", cfg.Membership.ProbeTimeout)
	v.SetDefault("membership.indirect_probes", cfg.Membership.IndirectProbes)
	v.SetDefault("membership.suspicion_multiplier", cfg.Membership.SuspicionMult)
	v.SetDefault("membership.health_max", cfg.Membership.HealthMax)
	v.SetDefault("overlay.active_view_size", cfg.Overlay.ActiveViewSize)
	v.SetDefault("overlay.passive_view_size", cfg.Overlay.PassiveViewSize)
	v.SetDefault("overlay.arwl", cfg.Overlay.ARWL)
	v.SetDefault("overlay.prwl", cfg.Overlay.PRWL)
	v.SetDefault("overlay.shuffle_interval", cfg.Overlay.ShuffleInterval)
	v.SetDefault("overlay.ihave_timeout", cfg.Overlay.IHaveTimeout)
	v.SetDefault("replication.hot_key_capacity", cfg.Replication.HotKeyCapacity)
	v.SetDefault("replication.hot_key_threshold", cfg.Replication.HotKeyThreshold)
	v.SetDefault("replication.hot_key_window", cfg.Replication.HotKeyWindow)
	v.SetDefault("replication.anti_entropy_interval", cfg.Replication.AntiEntropyInterval)
	v.SetDefault("replication.anti_entropy_fanout", cfg.Replication.AntiEntropyFanout)
	v.SetDefault("replication.diff_summary_depth", cfg.Replication.DiffSummaryDepth)
	v.SetDefault("replication.proof_strike_threshold", cfg.Replication.ProofStrikeThreshold)
	v.SetDefault("persistence.path", cfg.Persistence.Path)
	v.SetDefault("persistence.fsync_policy", cfg.Persistence.FsyncPolicy)
	v.SetDefault("persistence.fsync_batch_size", cfg.Persistence.FsyncBatchSize)
	v.SetDefault("persistence.fsync_batch_interval", cfg.Persistence.FsyncBatchInterval)
	v.SetDefault("persistence.snapshot_interval", cfg.Persistence.SnapshotInterval)
	v.SetDefault("persistence.snapshot_chunk_bytes", cfg.Persistence.SnapshotChunkBytes)
	v.SetDefault("persistence.tombstone_ttl", cfg.Persistence.TombstoneTTL)
	v.SetDefault("persistence.compaction_interval", cfg.Persistence.CompactionInterval)
	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.address", cfg.API.Address)
	v.SetDefault("api.cors", cfg.API.CORS)
	v.SetDefault("security.audit_log_enabled", cfg.Security.AuditLogEnabled)
	v.SetDefault("security.audit_log_path", cfg.Security.AuditLogPath)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("MERKLEFLOW")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// Package config defines doryd's in-process configuration surface and a
// development/test convenience loader around it. Production deployments
// build a Conf from the external XML loader; Load here is a shortcut for
// local runs and integration tests, mirroring the teacher's env-based
// LoadConfig.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// BrokerAddr is one seed broker the metadata refresher dials at startup.
type BrokerAddr struct {
	Host string
	Port int
}

// BatchConf mirrors the spec's batch config group.
type BatchConf struct {
	PerTopicTopics          []string      `env:"DORY_BATCH_PER_TOPIC_TOPICS" envSeparator:","`
	TimeLimit               time.Duration `env:"DORY_BATCH_TIME_LIMIT" envDefault:"1s"`
	MaxCount                int           `env:"DORY_BATCH_MAX_COUNT" envDefault:"1000"`
	MaxBytes                int           `env:"DORY_BATCH_MAX_BYTES" envDefault:"1048576"`
	ProduceRequestDataLimit int           `env:"DORY_BATCH_PRODUCE_REQUEST_DATA_LIMIT" envDefault:"1048576"`
	MessageMaxBytes         int           `env:"DORY_BATCH_MESSAGE_MAX_BYTES" envDefault:"1000000"`
}

// CompressionConf mirrors the spec's compression config group. NamedConfigs
// and TopicOverrides are populated programmatically (from the external XML
// loader); they have no env mapping since a flat env var cannot express a
// per-topic map.
type CompressionConf struct {
	NamedConfigs         map[string]string
	DefaultTopic         string `env:"DORY_COMPRESSION_DEFAULT" envDefault:"none"`
	TopicOverrides       map[string]string
	SizeThresholdPercent int `env:"DORY_COMPRESSION_SIZE_THRESHOLD_PERCENT" envDefault:"25"`
}

// TopicRateConf mirrors the spec's topic-rate config group.
type TopicRateConf struct {
	NamedConfigs    map[string]time.Duration
	DefaultInterval time.Duration `env:"DORY_RATE_DEFAULT_INTERVAL" envDefault:"0s"`
	TopicOverrides  map[string]time.Duration
}

// LoggingConf mirrors the spec's logging config group. Syslog and the
// discard-log file writer are external collaborators; their settings are
// carried here only as pass-through fields for that collaborator to read.
type LoggingConf struct {
	Level         string `env:"DORY_LOG_LEVEL" envDefault:"info"`
	StdoutStderr  bool   `env:"DORY_LOG_STDOUT" envDefault:"true"`
	Syslog        bool   `env:"DORY_LOG_SYSLOG" envDefault:"false"`
	FilePath      string `env:"DORY_LOG_FILE_PATH"`
	FileMode      uint32 `env:"DORY_LOG_FILE_MODE" envDefault:"420"` // 0644
	DiscardLogDir string `env:"DORY_DISCARD_LOG_DIR"`
}

// HostResConf configures the ingest admission guard (an ambient addition
// over the spec's opaque Conf, not one of its named groups).
type HostResConf struct {
	CPURejectThreshold float64       `env:"DORY_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	SampleInterval      time.Duration `env:"DORY_CPU_SAMPLE_INTERVAL" envDefault:"2s"`
}

// MetadataConf configures the periodic/backoff behavior of the metadata
// refresher.
type MetadataConf struct {
	RefreshInterval time.Duration `env:"DORY_METADATA_REFRESH_INTERVAL" envDefault:"5m"`
	BackoffMin      time.Duration `env:"DORY_METADATA_BACKOFF_MIN" envDefault:"500ms"`
	BackoffInitial  time.Duration `env:"DORY_METADATA_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax      time.Duration `env:"DORY_METADATA_BACKOFF_MAX" envDefault:"30s"`
	RequestTimeout  time.Duration `env:"DORY_METADATA_REQUEST_TIMEOUT" envDefault:"5s"`
}

// Conf is doryd's in-process configuration, mirroring the opaque Conf the
// spec describes the core as consuming. Everything here is read-only once
// constructed; no component mutates its own Conf.
type Conf struct {
	Batch          BatchConf
	Compression    CompressionConf
	TopicRate      TopicRateConf
	Logging        LoggingConf
	HostRes        HostResConf
	Metadata       MetadataConf
	InitialBrokers []BrokerAddr

	PoolBlockSize  int `env:"DORY_POOL_BLOCK_SIZE" envDefault:"4096"`
	PoolBlockCount int `env:"DORY_POOL_BLOCK_COUNT" envDefault:"16384"`

	DatagramSocketPath string `env:"DORY_DATAGRAM_SOCKET" envDefault:"/var/run/doryd.sock"`
	StreamSocketPath   string `env:"DORY_STREAM_SOCKET"`
	TCPListenAddr      string `env:"DORY_TCP_LISTEN_ADDR"`

	RequiredAcks       int16         `env:"DORY_REQUIRED_ACKS" envDefault:"1"`
	ProduceTimeout     time.Duration `env:"DORY_PRODUCE_TIMEOUT" envDefault:"10s"`
	MaxFailedDeliveries int          `env:"DORY_MAX_FAILED_DELIVERIES" envDefault:"5"`
	ShutdownMaxDelay   time.Duration `env:"DORY_SHUTDOWN_MAX_DELAY" envDefault:"5s"`
	AutoCreateTopics   bool          `env:"DORY_AUTO_CREATE_TOPICS" envDefault:"false"`
}

// Load reads configuration from a .env file (if present) and process
// environment variables, applying defaults for anything unset. This is
// the local-dev/test convenience path; production still assembles a Conf
// from the external XML loader and calls Validate directly.
func Load() (*Conf, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine; environment variables alone are enough.
	}

	c := &Conf{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Validate checks the subset of Conf invariants the core itself depends
// on; invariants specific to an external collaborator (e.g. syslog
// reachability) are that collaborator's responsibility.
func (c *Conf) Validate() error {
	if c.PoolBlockSize <= 0 {
		return fmt.Errorf("pool block size must be > 0, got %d", c.PoolBlockSize)
	}
	if c.PoolBlockCount <= 0 {
		return fmt.Errorf("pool block count must be > 0, got %d", c.PoolBlockCount)
	}
	if c.DatagramSocketPath == "" && c.StreamSocketPath == "" && c.TCPListenAddr == "" {
		return fmt.Errorf("at least one ingest endpoint must be configured")
	}
	if c.Compression.SizeThresholdPercent < 0 || c.Compression.SizeThresholdPercent > 100 {
		return fmt.Errorf("compression size threshold percent must be 0-100, got %d", c.Compression.SizeThresholdPercent)
	}
	if c.HostRes.CPURejectThreshold < 0 {
		return fmt.Errorf("CPU reject threshold must be >= 0, got %.1f", c.HostRes.CPURejectThreshold)
	}
	if len(c.InitialBrokers) == 0 {
		return fmt.Errorf("at least one initial broker must be configured")
	}
	return nil
}

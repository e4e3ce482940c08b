// Package config loads the engine configuration from a YAML file plus
// FERRY_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Dimse     DimseConfig     `mapstructure:"dimse"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Mail      MailConfig      `mapstructure:"mail"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Nodes are upserted into the node table at startup, keyed by name.
	Nodes []NodeConfig `mapstructure:"nodes"`
}

// WorkerConfig tunes the dispatch loop.
type WorkerConfig struct {
	// Concurrency is the number of dispatch loops, each pulling at most
	// one task at a time.
	Concurrency int `mapstructure:"concurrency"`

	PollingInterval time.Duration `mapstructure:"polling_interval"`

	// TaskTimeout is the per-task wall-clock guard.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// RetryCeiling is how many attempts a task gets before a retriable
	// failure is forced to FAILURE.
	RetryCeiling int `mapstructure:"retry_ceiling"`

	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// TimeSlotBegin/TimeSlotEnd optionally restrict dispatch to a window
	// ("22:00"/"06:00"; the window may wrap past midnight). Empty means
	// around the clock.
	TimeSlotBegin string `mapstructure:"time_slot_begin"`
	TimeSlotEnd   string `mapstructure:"time_slot_end"`
}

// DimseConfig tunes associations with peer nodes.
type DimseConfig struct {
	AETitle           string        `mapstructure:"ae_title"`
	MaxPDULength      uint32        `mapstructure:"max_pdu_length"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ConnectionRetries int           `mapstructure:"connection_retries"`
	RetryTimeout      time.Duration `mapstructure:"retry_timeout"`
}

// NodeConfig declares one DICOM node. Kind is "server" or "folder"; server
// nodes need ae_title, host and port, folder nodes need folder_path.
type NodeConfig struct {
	Name         string   `mapstructure:"name"`
	Kind         string   `mapstructure:"kind"`
	AETitle      string   `mapstructure:"ae_title"`
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	Capabilities []string `mapstructure:"capabilities"`
	FolderPath   string   `mapstructure:"folder_path"`
}

// DatabaseConfig points at the postgres instance holding jobs, tasks and the
// queue.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// ConnString returns the DSN, assembling it from components when not given
// verbatim.
func (c DatabaseConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Name)
}

// MailConfig configures the finished-job notification sender. An empty host
// disables notifications.
type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// Enabled reports whether notifications are configured.
func (c MailConfig) Enabled() bool { return c.Host != "" }

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
}

// Load reads the configuration file at path (optional) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FERRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.polling_interval", 5*time.Second)
	v.SetDefault("worker.task_timeout", 30*time.Minute)
	v.SetDefault("worker.retry_ceiling", 3)
	v.SetDefault("worker.retry_delay", time.Minute)

	v.SetDefault("dimse.ae_title", "PACSFERRY")
	v.SetDefault("dimse.max_pdu_length", 16384)
	v.SetDefault("dimse.connect_timeout", 30*time.Second)
	v.SetDefault("dimse.read_timeout", 60*time.Second)
	v.SetDefault("dimse.write_timeout", 60*time.Second)
	v.SetDefault("dimse.connection_retries", 3)
	v.SetDefault("dimse.retry_timeout", 15*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "pacsferry")

	v.SetDefault("mail.port", 587)

	v.SetDefault("telemetry.service_name", "pacs-ferry-worker")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
}

func (c *Config) validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.RetryCeiling < 0 {
		return fmt.Errorf("worker.retry_ceiling must not be negative")
	}
	if (c.Worker.TimeSlotBegin == "") != (c.Worker.TimeSlotEnd == "") {
		return fmt.Errorf("worker.time_slot_begin and worker.time_slot_end must be set together")
	}
	if c.Dimse.AETitle == "" || len(c.Dimse.AETitle) > 16 {
		return fmt.Errorf("dimse.ae_title must be 1-16 characters")
	}
	for i, n := range c.Nodes {
		if err := n.validate(); err != nil {
			return fmt.Errorf("nodes[%d]: %w", i, err)
		}
	}
	return nil
}

func (n NodeConfig) validate() error {
	if n.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch n.Kind {
	case "server":
		if n.AETitle == "" || n.Host == "" || n.Port == 0 {
			return fmt.Errorf("server node %s needs ae_title, host and port", n.Name)
		}
	case "folder":
		if n.FolderPath == "" {
			return fmt.Errorf("folder node %s needs folder_path", n.Name)
		}
	default:
		return fmt.Errorf("node %s has unknown kind %q", n.Name, n.Kind)
	}
	return nil
}

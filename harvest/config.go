package harvest

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all harvester configuration.
type Config struct {
	DBPath   string         `yaml:"db_path"`
	DocsDir  string         `yaml:"docs_dir"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Verify   VerifyConfig   `yaml:"verify"`
	Metadata MetadataConfig `yaml:"metadata"`
}

// FetchConfig controls the download stage.
type FetchConfig struct {
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	MaxBytes  int64         `yaml:"max_bytes"`
	// HostInterval and HostJitter space requests to the same host:
	// each request waits HostInterval plus up to HostJitter.
	HostInterval time.Duration `yaml:"host_interval"`
	HostJitter   time.Duration `yaml:"host_jitter"`
	// MaxAttempts is the retry ceiling per task before a retryable failure
	// becomes permanent.
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// AllowPrivateHosts disables the private-address URL check. Only for
	// runs against a local mirror.
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
}

// VerifyConfig controls download verification.
type VerifyConfig struct {
	MinSize int64 `yaml:"min_size"`
}

// MetadataConfig controls the page metadata stage.
type MetadataConfig struct {
	Workers int `yaml:"workers"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "caseharvest.db"
	}
	if c.DocsDir == "" {
		c.DocsDir = "documents"
	}
	if c.Fetch.Workers <= 0 {
		c.Fetch.Workers = 6
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 60 * time.Second
	}
	// Defaults give 0.5–1.5s between same-host requests, which registries
	// tolerate indefinitely.
	if c.Fetch.HostInterval <= 0 {
		c.Fetch.HostInterval = 500 * time.Millisecond
	}
	if c.Fetch.HostJitter <= 0 {
		c.Fetch.HostJitter = time.Second
	}
	if c.Fetch.MaxAttempts <= 0 {
		c.Fetch.MaxAttempts = 3
	}
	if c.Fetch.BackoffBase <= 0 {
		c.Fetch.BackoffBase = 2 * time.Second
	}
	if c.Fetch.BackoffMax <= 0 {
		c.Fetch.BackoffMax = 2 * time.Minute
	}
	if c.Fetch.Visibility <= 0 {
		c.Fetch.Visibility = 5 * time.Minute
	}
	if c.Fetch.PollInterval <= 0 {
		c.Fetch.PollInterval = 250 * time.Millisecond
	}
	if c.Metadata.Workers <= 0 {
		c.Metadata.Workers = 4
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	FeedbackQueue = "queue"
	FeedbackTCP   = "tcp"
)

// Settings contains the process-wide configuration of jobwire clients and
// workers. Key names match the connection options users pass around.
type Settings struct {
	Address   string `mapstructure:"address"`
	Exchange  string `mapstructure:"exchange"`
	MapReduce string `mapstructure:"mapreduce"`
	Races     string `mapstructure:"races"`
	Jobs      string `mapstructure:"jobs"`

	Cache    string `mapstructure:"cache"`
	MaxCache string `mapstructure:"maxcache"`
	TTL      int64  `mapstructure:"ttl"`

	BaseDirectory string `mapstructure:"base-directory"`
	TempDirectory string `mapstructure:"temp-directory"`
	SplitSize     string `mapstructure:"splitsize"`

	Feedback     string `mapstructure:"feedback"`
	ProbeAddress string `mapstructure:"probe-address"`

	Worker  WorkerConfig  `mapstructure:"worker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "localhost")
	v.SetDefault("exchange", "")
	v.SetDefault("mapreduce", "mapreduce")
	v.SetDefault("races", "races")
	v.SetDefault("jobs", "jobs")
	v.SetDefault("cache", "")
	v.SetDefault("maxcache", "1mb")
	v.SetDefault("ttl", 300)
	v.SetDefault("base-directory", "")
	v.SetDefault("temp-directory", "/tmp")
	v.SetDefault("splitsize", "10mb")
	v.SetDefault("feedback", FeedbackQueue)
	v.SetDefault("probe-address", "8.8.8.8:53")
	v.SetDefault("worker.executable", "jobwire-worker")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load loads the settings from the given path.
// If configPath is empty, it looks for jobwire.yaml in the config/ directory.
// Environment variables with JOBWIRE_ prefix override config file values.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("jobwire")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("JOBWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in defaults without consulting files or the
// environment.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		// defaults are static, failing here is a programming error
		panic(fmt.Sprintf("invalid default settings: %v", err))
	}
	return &cfg
}

func (s *Settings) Validate() error {
	if _, err := ParseSize(s.MaxCache); err != nil {
		return fmt.Errorf("invalid maxcache: %w", err)
	}
	size, err := ParseSize(s.SplitSize)
	if err != nil {
		return fmt.Errorf("invalid splitsize: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("invalid splitsize: must be positive")
	}
	switch s.Feedback {
	case FeedbackQueue, FeedbackTCP:
	default:
		return fmt.Errorf("unsupported feedback mode: %s", s.Feedback)
	}
	return nil
}

// BrokerURL expands a bare host name into an AMQP URL.
func (s *Settings) BrokerURL() string {
	return BrokerURL(s.Address)
}

func BrokerURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "amqp://guest:guest@" + address + "/"
}

func (s *Settings) MaxCacheBytes() int64 {
	size, _ := ParseSize(s.MaxCache)
	return size
}

func (s *Settings) SplitSizeBytes() int64 {
	size, _ := ParseSize(s.SplitSize)
	return size
}

// ScratchDir returns the local scratch directory, falling back to /tmp when
// the configured one is missing or not a directory.
func (s *Settings) ScratchDir() string {
	info, err := os.Stat(s.TempDirectory)
	if err == nil && info.IsDir() {
		return s.TempDirectory
	}
	return "/tmp"
}

// ParseSize parses sizes like "512", "64kb", "10 MB" or "1gb" using binary
// multiples. An empty string is zero.
func ParseSize(size string) (int64, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return 0, nil
	}
	return units.RAMInBytes(size)
}

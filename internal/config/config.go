package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "PIPELINECTL"
	configName     = "pipelinectl"
	defaultStack   = "PokePlatformStack"
	defaultRegion  = "us-east-2"
	homeConfigDir  = ".pipelinectl"
	historyDBName  = "runs.db"
	defaultSubject = "pipeline"
)

// Config is the resolved configuration of a pipelinectl invocation
type Config struct {
	AWS struct {
		Region  string
		Profile string
	}
	Stack struct {
		Name             string
		ClusterOutputKey string
	}
	Monitor struct {
		PollInterval time.Duration
		Timeout      time.Duration
	}
	Verify struct {
		Lookback       time.Duration
		MetricPeriod   time.Duration
		MaxConcurrency int
		TaskListLimit  int
	}
	History struct {
		Path string
	}
	Notify struct {
		NATSURL       string
		Stream        string
		SubjectPrefix string
	}
	Log struct {
		Level  string
		Format string
	}
}

// NewViper returns a viper instance with defaults, env binding and the
// standard config search path.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("aws.region", defaultRegion)
	v.SetDefault("aws.profile", "")
	v.SetDefault("stack.name", defaultStack)
	v.SetDefault("stack.cluster_output_key", "ClusterName")
	v.SetDefault("monitor.poll_interval", 10*time.Second)
	v.SetDefault("monitor.timeout", time.Duration(0))
	v.SetDefault("verify.lookback", 24*time.Hour)
	v.SetDefault("verify.metric_period", 5*time.Minute)
	v.SetDefault("verify.max_concurrency", 4)
	v.SetDefault("verify.task_list_limit", 50)
	v.SetDefault("history.path", defaultHistoryPath())
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.stream", "PIPELINE")
	v.SetDefault("notify.subject_prefix", defaultSubject)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, homeConfigDir))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file (if any) and decodes the settings. A missing
// config file is not an error; defaults, env and flags still apply.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	cfg.AWS.Region = v.GetString("aws.region")
	cfg.AWS.Profile = v.GetString("aws.profile")
	cfg.Stack.Name = v.GetString("stack.name")
	cfg.Stack.ClusterOutputKey = v.GetString("stack.cluster_output_key")
	cfg.Monitor.PollInterval = v.GetDuration("monitor.poll_interval")
	cfg.Monitor.Timeout = v.GetDuration("monitor.timeout")
	cfg.Verify.Lookback = v.GetDuration("verify.lookback")
	cfg.Verify.MetricPeriod = v.GetDuration("verify.metric_period")
	cfg.Verify.MaxConcurrency = v.GetInt("verify.max_concurrency")
	cfg.Verify.TaskListLimit = v.GetInt("verify.task_list_limit")
	cfg.History.Path = v.GetString("history.path")
	cfg.Notify.NATSURL = v.GetString("notify.nats_url")
	cfg.Notify.Stream = v.GetString("notify.stream")
	cfg.Notify.SubjectPrefix = v.GetString("notify.subject_prefix")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the control flow depends on
func (c *Config) Validate() error {
	if c.Stack.Name == "" {
		return errors.New("stack.name must be set")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive, got %s", c.Monitor.PollInterval)
	}
	if c.Monitor.Timeout < 0 {
		return fmt.Errorf("monitor.timeout must not be negative, got %s", c.Monitor.Timeout)
	}
	if c.Verify.Lookback <= 0 {
		return fmt.Errorf("verify.lookback must be positive, got %s", c.Verify.Lookback)
	}
	if c.Verify.MetricPeriod < time.Minute || c.Verify.MetricPeriod%time.Minute != 0 {
		return fmt.Errorf("verify.metric_period must be a whole number of minutes, got %s", c.Verify.MetricPeriod)
	}
	if c.Verify.MaxConcurrency < 1 {
		return fmt.Errorf("verify.max_concurrency must be at least 1, got %d", c.Verify.MaxConcurrency)
	}
	if c.Verify.TaskListLimit < 1 || c.Verify.TaskListLimit > 100 {
		return fmt.Errorf("verify.task_list_limit must be between 1 and 100, got %d", c.Verify.TaskListLimit)
	}
	return nil
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, homeConfigDir, historyDBName)
}

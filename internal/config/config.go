// Package config loads runtime settings. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file, then the process
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"github.com/kylemclaren/agent-tasks/internal/agent"
	"github.com/kylemclaren/agent-tasks/internal/executor"
	"github.com/kylemclaren/agent-tasks/internal/notify"
	"github.com/kylemclaren/agent-tasks/internal/scheduler"
)

// Config holds every runtime setting
type Config struct {
	DataDir   string
	DBPath    string
	API       APIConfig
	Executor  ExecutorConfig
	Scheduler SchedulerConfig
	Email     EmailConfig
	Server    ServerConfig
	Log       LogConfig
}

// APIConfig locates the agent job API. An empty key is not an error here;
// runs fail individually until one is configured.
type APIConfig struct {
	BaseURL string
	Key     string
}

type ExecutorConfig struct {
	PollInterval time.Duration
	MaxPolls     int
}

type SchedulerConfig struct {
	SweepInterval time.Duration
}

type EmailConfig struct {
	BaseURL       string
	APIKey        string
	From          string
	RatePerSecond float64
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level  string
	Format string
}

// fileConfig mirrors the YAML layout. Durations are strings such as "30m".
type fileConfig struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	API     struct {
		BaseURL string `yaml:"base_url"`
		Key     string `yaml:"key"`
	} `yaml:"api"`
	Executor struct {
		PollInterval string `yaml:"poll_interval"`
		MaxPolls     int    `yaml:"max_polls"`
	} `yaml:"executor"`
	Scheduler struct {
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"scheduler"`
	Email struct {
		BaseURL       string  `yaml:"base_url"`
		APIKey        string  `yaml:"api_key"`
		From          string  `yaml:"from"`
		RatePerSecond float64 `yaml:"rate_per_second"`
	} `yaml:"email"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in settings
func Default() *Config {
	dataDir := ".agent-tasks"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".agent-tasks")
	}
	return &Config{
		DataDir: dataDir,
		API:     APIConfig{BaseURL: agent.DefaultBaseURL},
		Executor: ExecutorConfig{
			PollInterval: executor.DefaultPollInterval,
			MaxPolls:     executor.DefaultMaxPolls,
		},
		Scheduler: SchedulerConfig{SweepInterval: scheduler.DefaultSweepInterval},
		Email: EmailConfig{
			BaseURL:       notify.DefaultResendURL,
			From:          notify.DefaultFrom,
			RatePerSecond: 2,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file at path, if any, and .env from the working directory
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	// Variables already present in the environment win over .env.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "tasks.db")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("yaml unmarshal: %w", err)
	}

	setString(&c.DataDir, f.DataDir)
	setString(&c.DBPath, f.DBPath)
	setString(&c.API.BaseURL, f.API.BaseURL)
	setString(&c.API.Key, f.API.Key)
	setString(&c.Email.BaseURL, f.Email.BaseURL)
	setString(&c.Email.APIKey, f.Email.APIKey)
	setString(&c.Email.From, f.Email.From)
	setString(&c.Log.Level, f.Log.Level)
	setString(&c.Log.Format, f.Log.Format)
	if f.Executor.MaxPolls > 0 {
		c.Executor.MaxPolls = f.Executor.MaxPolls
	}
	if f.Email.RatePerSecond > 0 {
		c.Email.RatePerSecond = f.Email.RatePerSecond
	}
	if f.Server.Port > 0 {
		c.Server.Port = f.Server.Port
	}

	var err error
	if c.Executor.PollInterval, err = parseDurationOrDefault("executor.poll_interval", f.Executor.PollInterval, c.Executor.PollInterval); err != nil {
		return err
	}
	if c.Scheduler.SweepInterval, err = parseDurationOrDefault("scheduler.sweep_interval", f.Scheduler.SweepInterval, c.Scheduler.SweepInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DataDir, os.Getenv("AGENT_TASKS_DATA"))
	setString(&c.DBPath, os.Getenv("AGENT_TASKS_DB"))
	setString(&c.API.BaseURL, os.Getenv("AGENT_API_URL"))
	setString(&c.API.Key, os.Getenv("SUBCONSCIOUS_API_KEY"))
	setString(&c.API.Key, os.Getenv("AGENT_API_KEY"))
	setString(&c.Email.APIKey, os.Getenv("RESEND_API_KEY"))
	setString(&c.Email.From, os.Getenv("RESEND_FROM_EMAIL"))
	setString(&c.Log.Level, os.Getenv("AGENT_TASKS_LOG_LEVEL"))
	setString(&c.Log.Format, os.Getenv("AGENT_TASKS_LOG_FORMAT"))

	var err error
	if c.Executor.PollInterval, err = parseDurationOrDefault("AGENT_TASKS_POLL_INTERVAL", os.Getenv("AGENT_TASKS_POLL_INTERVAL"), c.Executor.PollInterval); err != nil {
		return err
	}
	if c.Scheduler.SweepInterval, err = parseDurationOrDefault("AGENT_TASKS_SWEEP_INTERVAL", os.Getenv("AGENT_TASKS_SWEEP_INTERVAL"), c.Scheduler.SweepInterval); err != nil {
		return err
	}
	if v := os.Getenv("AGENT_TASKS_MAX_POLLS"); v != "" {
		if c.Executor.MaxPolls, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid AGENT_TASKS_MAX_POLLS: %w", err)
		}
	}
	if v := os.Getenv("AGENT_TASKS_PORT"); v != "" {
		if c.Server.Port, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid AGENT_TASKS_PORT: %w", err)
		}
	}
	if v := os.Getenv("RESEND_RATE_PER_SECOND"); v != "" {
		if c.Email.RatePerSecond, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("invalid RESEND_RATE_PER_SECOND: %w", err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Executor.MaxPolls <= 0:
		return errors.New("executor max polls must be positive")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", path)
	}
	return d, nil
}

// Package config loads server configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Shell    ShellConfig    `yaml:"shell"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	EnableCORS  bool     `yaml:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type SessionsConfig struct {
	MaxSessions    int           `yaml:"max_sessions"`
	Timeout        time.Duration `yaml:"timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	DefaultCols    uint16        `yaml:"default_cols"`
	DefaultRows    uint16        `yaml:"default_rows"`
	InputRate      float64       `yaml:"input_rate"`
	InputBurst     int           `yaml:"input_burst"`
	HistorySize    int           `yaml:"history_size"`
	DisableProcess bool          `yaml:"disable_process"`
}

type ShellConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	LogDir string `yaml:"log_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        3000,
			Host:        "0.0.0.0",
			EnableCORS:  true,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Sessions: SessionsConfig{
			MaxSessions:   100,
			Timeout:       time.Hour,
			SweepInterval: time.Minute,
			DefaultCols:   80,
			DefaultRows:   24,
			InputRate:     1000,
			InputBurst:    100,
			HistorySize:   64 * 1024,
		},
		Storage: StorageConfig{
			DBPath: "data/sessions.db",
			LogDir: "data/logs",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	env := func(key string) (string, bool) {
		v, ok := lookup(key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	envInt := func(key string, dst *int) {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = n
		}
	}

	envInt("PORT", &c.Server.Port)
	if v, ok := env("HOST"); ok {
		c.Server.Host = v
	}
	if v, ok := env("ENABLE_CORS"); ok {
		c.Server.EnableCORS = v != "false"
	}
	if v, ok := env("CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	envInt("MAX_SESSIONS", &c.Sessions.MaxSessions)
	if _, ok := env("SESSION_TIMEOUT"); ok {
		var seconds int
		envInt("SESSION_TIMEOUT", &seconds)
		c.Sessions.Timeout = time.Duration(seconds) * time.Second
	}

	if v, ok := env("SHELL_COMMAND"); ok {
		c.Shell.Command = v
	} else if v, ok := env("SHELL"); ok && c.Shell.Command == "" {
		c.Shell.Command = v
	}
	if v, ok := env("DB_PATH"); ok {
		c.Storage.DBPath = v
	}
	if v, ok := env("LOG_DIR"); ok {
		c.Storage.LogDir = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := env("LOG_FORMAT"); ok {
		c.Log.Format = v
	}

	return errors.Join(errs...)
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Sessions.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions must be positive, got %d", c.Sessions.MaxSessions))
	}
	if c.Sessions.Timeout < 0 {
		errs = append(errs, fmt.Errorf("session timeout must not be negative, got %s", c.Sessions.Timeout))
	}
	if c.Sessions.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must be positive, got %s", c.Sessions.SweepInterval))
	}
	if c.Sessions.DefaultCols == 0 || c.Sessions.DefaultRows == 0 {
		errs = append(errs, fmt.Errorf("default resolution must be positive, got %dx%d", c.Sessions.DefaultCols, c.Sessions.DefaultRows))
	}
	if c.Sessions.InputRate < 0 {
		errs = append(errs, fmt.Errorf("input_rate must not be negative, got %g", c.Sessions.InputRate))
	}
	if c.Sessions.InputRate > 0 && c.Sessions.InputBurst <= 0 {
		errs = append(errs, fmt.Errorf("input_burst must be positive when input_rate is set, got %d", c.Sessions.InputBurst))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

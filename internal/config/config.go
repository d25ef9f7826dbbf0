// Package config loads the attest daemon configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/attest/internal/connectors/localexec"
	"github.com/fentz26/attest/internal/notify"
	"github.com/fentz26/attest/internal/safeguard"
	"github.com/fentz26/attest/internal/scheduler"
)

// Config is the daemon configuration.
type Config struct {
	Listen        string              `yaml:"listen" toml:"listen"`
	DB            string              `yaml:"db" toml:"db"`
	WorkDir       string              `yaml:"work_dir" toml:"work_dir"`
	LogLevel      string              `yaml:"log_level" toml:"log_level"`
	Safeguards    safeguard.Limits    `yaml:"safeguards" toml:"safeguards"`
	Scheduler     scheduler.Config    `yaml:"scheduler" toml:"scheduler"`
	Collaborators CollaboratorsConfig `yaml:"collaborators" toml:"collaborators"`
	Exec          ExecConfig          `yaml:"exec" toml:"exec"`
	Notify        NotifyConfig        `yaml:"notify" toml:"notify"`
}

// CollaboratorsConfig locates the worker and auditor services.
type CollaboratorsConfig struct {
	WorkerURL  string        `yaml:"worker_url" toml:"worker_url"`
	AuditorURL string        `yaml:"auditor_url" toml:"auditor_url"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
}

// ExecConfig is the allowlist for command_exit_zero criteria. An empty
// subcommand list allows any arguments.
type ExecConfig struct {
	Allow map[string][]string `yaml:"allow" toml:"allow"`
}

// NotifyConfig selects escalation sinks beyond the log.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:     "127.0.0.1:7466",
		DB:         defaultDBPath(),
		WorkDir:    ".",
		LogLevel:   "info",
		Safeguards: safeguard.DefaultLimits(),
		Scheduler:  *scheduler.DefaultConfig(),
		Collaborators: CollaboratorsConfig{
			Timeout: 5 * time.Minute,
		},
		Exec:   ExecConfig{Allow: localexec.DefaultAllowlist()},
		Notify: NotifyConfig{Subject: notify.DefaultSubject},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "attest.db"
	}
	return filepath.Join(home, ".attest", "attest.db")
}

// Load reads path over the defaults and applies environment overrides. The
// format follows the extension; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadDotEnv loads environment variables from the given files, skipping any
// that do not exist. Existing variables are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	for name, field := range map[string]*string{
		"ATTEST_LISTEN":      &c.Listen,
		"ATTEST_DB":          &c.DB,
		"ATTEST_WORK_DIR":    &c.WorkDir,
		"ATTEST_LOG_LEVEL":   &c.LogLevel,
		"ATTEST_WORKER_URL":  &c.Collaborators.WorkerURL,
		"ATTEST_AUDITOR_URL": &c.Collaborators.AuditorURL,
		"ATTEST_NATS_URL":    &c.Notify.NATSURL,
	} {
		if v := getenv(name); v != "" {
			*field = v
		}
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.DB == "" {
		return errors.New("db path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if err := c.Safeguards.Validate(); err != nil {
		return fmt.Errorf("safeguards: %w", err)
	}
	if c.Scheduler.GlobalMax < 1 {
		return fmt.Errorf("scheduler.global_max must be >= 1, got %d", c.Scheduler.GlobalMax)
	}
	if c.Collaborators.Timeout <= 0 {
		return fmt.Errorf("collaborators.timeout must be positive, got %s", c.Collaborators.Timeout)
	}
	return nil
}

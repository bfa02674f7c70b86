// Package config loads the static YAML configuration and exposes the
// SQLite-backed runtime store. The YAML file holds everything an operator
// sets once (tokens, rate limits, proxy endpoints, user-agent pools); the
// store holds everything the admin bot mutates while the monitor runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the forwarder.
type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Identity IdentityConfig `yaml:"identity"`
	Rates    RatesConfig    `yaml:"rates"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DiscordConfig struct {
	Token     string `yaml:"token"`
	TokenType string `yaml:"tokenType"` // auto | bot | user | bearer
}

type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	AdminBot bool   `yaml:"adminBot"` // run the admin command bot alongside the monitor
}

type ProxyConfig struct {
	Endpoints          []string `yaml:"endpoints"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	HealthCheckURL     string   `yaml:"healthCheckUrl"`
	HealthCheckTimeout float64  `yaml:"healthCheckTimeoutSeconds"`
	RecoverySeconds    float64  `yaml:"recoverySeconds"`
	RotateURL          string   `yaml:"rotateUrl"`
}

type IdentityConfig struct {
	DesktopUserAgents []string `yaml:"desktopUserAgents"`
	MobileUserAgents  []string `yaml:"mobileUserAgents"`
	MobileRatio       float64  `yaml:"mobileRatio"`
}

// RateConfig is one service's limiter settings.
type RateConfig struct {
	Concurrency int     `yaml:"concurrency"`
	PerSecond   float64 `yaml:"perSecond"`
	PerMinute   int     `yaml:"perMinute"`
	JitterMinMs int     `yaml:"jitterMinMs"`
	JitterMaxMs int     `yaml:"jitterMaxMs"`
}

type RatesConfig struct {
	Discord  RateConfig `yaml:"discord"`
	Telegram RateConfig `yaml:"telegram"`
}

type RuntimeConfig struct {
	PollIntervalSeconds float64 `yaml:"pollIntervalSeconds"`
	MinDelayMs          int     `yaml:"minDelayMs"`
	MaxDelayMs          int     `yaml:"maxDelayMs"`
	MaxMessages         int     `yaml:"maxMessagesPerCycle"`
	MaxFetchSeconds     float64 `yaml:"maxFetchSeconds"`
	FetchBatchSize      int     `yaml:"fetchBatchSize"`
}

type StorageConfig struct {
	DBPath    string `yaml:"dbPath"`
	StatePath string `yaml:"statePath"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.forwardbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forwardbot"
	}
	return filepath.Join(home, ".forwardbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Storage.StatePath = ExpandPath(cfg.Storage.StatePath)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Discord.TokenType {
	case "", "auto", "bot", "user", "bearer":
	default:
		errs = append(errs, "discord.tokenType must be one of: auto, bot, user, bearer")
	}

	if cfg.Rates.Discord.Concurrency < 1 {
		errs = append(errs, "rates.discord.concurrency must be >= 1")
	}
	if cfg.Rates.Telegram.Concurrency < 1 {
		errs = append(errs, "rates.telegram.concurrency must be >= 1")
	}
	for name, rate := range map[string]RateConfig{"discord": cfg.Rates.Discord, "telegram": cfg.Rates.Telegram} {
		if rate.PerSecond < 0 || rate.PerMinute < 0 {
			errs = append(errs, fmt.Sprintf("rates.%s: perSecond and perMinute cannot be negative", name))
		}
		if rate.JitterMaxMs < rate.JitterMinMs {
			errs = append(errs, fmt.Sprintf("rates.%s: jitterMaxMs must be >= jitterMinMs", name))
		}
	}

	if cfg.Runtime.PollIntervalSeconds < 0 {
		errs = append(errs, "runtime.pollIntervalSeconds cannot be negative")
	}
	if cfg.Runtime.MaxDelayMs < cfg.Runtime.MinDelayMs {
		errs = append(errs, "runtime.maxDelayMs must be >= runtime.minDelayMs")
	}
	if cfg.Runtime.FetchBatchSize < 1 || cfg.Runtime.FetchBatchSize > 100 {
		errs = append(errs, "runtime.fetchBatchSize must be between 1 and 100")
	}

	if cfg.Identity.MobileRatio < 0 || cfg.Identity.MobileRatio > 1 {
		errs = append(errs, "identity.mobileRatio must be between 0 and 1")
	}
	if len(cfg.Identity.DesktopUserAgents) == 0 {
		errs = append(errs, "identity.desktopUserAgents cannot be empty")
	}

	if cfg.Proxy.RecoverySeconds < 0 {
		errs = append(errs, "proxy.recoverySeconds cannot be negative")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

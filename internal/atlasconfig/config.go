// Package atlasconfig provides layered configuration management for
// AtlasBridge: defaults, an optional config.yaml, and environment
// variables, merged by github.com/spf13/viper.
package atlasconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every configuration section the core consumes. Config file
// I/O mechanics (wizards, file watching) are out of scope; this struct is
// the typed surface the rest of the core reads from.
type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Slack     SlackConfig     `mapstructure:"slack"`
	Prompts   PromptsConfig   `mapstructure:"prompts"`
	Autopilot AutopilotConfig `mapstructure:"autopilot"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// TelegramConfig holds Telegram long-poll bot credentials and allowlist.
type TelegramConfig struct {
	BotToken     string   `mapstructure:"bot_token"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// SlackConfig mirrors TelegramConfig; no concrete Slack channel ships with
// the core (named interface only, for a future implementation to fill in).
type SlackConfig struct {
	BotToken     string   `mapstructure:"bot_token"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// PromptsConfig tunes the detector and state machine. YesNoSafeDefault and
// MaxBufferBytes are frozen constants: Load rejects any override.
type PromptsConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	YesNoSafeDefault    string  `mapstructure:"yes_no_safe_default"`
	MaxBufferBytes      int     `mapstructure:"max_buffer_bytes"`
	StuckTimeoutSeconds float64 `mapstructure:"stuck_timeout_seconds"`
	EchoSuppressMS      int     `mapstructure:"echo_suppress_ms"`
	FreeTextMaxLength   int     `mapstructure:"free_text_max_length"`
}

// AutopilotConfig names the policy file the policy engine loads at startup.
type AutopilotConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// LoggingConfig controls atlaslog's output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig names the store's backing file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FrozenYesNoSafeDefault and FrozenMaxBufferBytes are compile-time
// constants: safe defaults are fixed at build time and Load rejects any
// attempt to override them from config.
const (
	FrozenYesNoSafeDefault = "n"
	FrozenMaxBufferBytes   = 4096
)

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults, in that precedence order (env wins).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is like Load but adds configPath to viper's search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATLASBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/atlasbridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prompts.timeout_seconds", 300)
	v.SetDefault("prompts.yes_no_safe_default", FrozenYesNoSafeDefault)
	v.SetDefault("prompts.max_buffer_bytes", FrozenMaxBufferBytes)
	v.SetDefault("prompts.stuck_timeout_seconds", 2.0)
	v.SetDefault("prompts.echo_suppress_ms", 500)
	v.SetDefault("prompts.free_text_max_length", 200)

	v.SetDefault("autopilot.policy_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("database.path", "atlasbridge.db")
}

// validate enforces the frozen-constant and basic range guards. It
// aggregates all violations into a single error so an operator sees
// every problem at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Prompts.YesNoSafeDefault != FrozenYesNoSafeDefault {
		errs = append(errs, fmt.Sprintf("prompts.yes_no_safe_default is frozen to %q", FrozenYesNoSafeDefault))
	}
	if cfg.Prompts.MaxBufferBytes != FrozenMaxBufferBytes {
		errs = append(errs, fmt.Sprintf("prompts.max_buffer_bytes is frozen to %d", FrozenMaxBufferBytes))
	}
	if cfg.Prompts.TimeoutSeconds <= 0 {
		errs = append(errs, "prompts.timeout_seconds must be positive")
	}
	if cfg.Prompts.StuckTimeoutSeconds <= 0 {
		errs = append(errs, "prompts.stuck_timeout_seconds must be positive")
	}
	if cfg.Prompts.FreeTextMaxLength <= 0 {
		errs = append(errs, "prompts.free_text_max_length must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

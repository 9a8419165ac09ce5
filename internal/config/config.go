// Package config loads daemon settings from a YAML file via viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const (
	MinIdleThreshold = 30
	MaxIdleThreshold = 3600
	MaxProbeTimeout  = time.Second
)

var errInvalidConfig = errors.New("invalid configuration")

type (
	// Config holds all configuration settings.
	Config struct {
		ProcessDetection ProcessDetection `mapstructure:"process_detection"`
		IdleDetection    IdleDetection    `mapstructure:"idle_detection"`
		Notifications    Notifications    `mapstructure:"notifications"`
		Daemon           Daemon           `mapstructure:"daemon"`
		Advanced         Advanced         `mapstructure:"advanced"`

		// Path is the file the config was read from.
		Path string `mapstructure:"-"`
	}

	// ProcessDetection controls active-window polling and rule suggestions.
	ProcessDetection struct {
		Enabled       bool    `mapstructure:"enabled"`
		Interval      int     `mapstructure:"interval"` // seconds
		AutoSwitch    bool    `mapstructure:"auto_switch"`
		LearnPatterns bool    `mapstructure:"learn_patterns"`
		MinConfidence float64 `mapstructure:"min_confidence"`
	}

	// IdleDetection controls idle polling and what happens on return.
	IdleDetection struct {
		Enabled   bool   `mapstructure:"enabled"`
		Interval  int    `mapstructure:"interval"`  // seconds
		Threshold int    `mapstructure:"threshold"` // seconds
		Action    string `mapstructure:"action"`
	}

	// Notifications gates desktop notifications per category.
	Notifications struct {
		Enabled          bool              `mapstructure:"enabled"`
		ReminderInterval int               `mapstructure:"reminder_interval"` // seconds
		Types            NotificationTypes `mapstructure:"types"`
	}

	NotificationTypes struct {
		Status      bool `mapstructure:"status"`
		Idle        bool `mapstructure:"idle"`
		Suggestions bool `mapstructure:"suggestions"`
		Reminders   bool `mapstructure:"reminders"`
	}

	// Daemon holds process-level settings.
	Daemon struct {
		SocketPath            string `mapstructure:"socket_path"`
		DecisionTimeout       int    `mapstructure:"decision_timeout"` // seconds
		ProbeTimeoutMs        int    `mapstructure:"probe_timeout_ms"`
		ShutdownGrace         int    `mapstructure:"shutdown_grace"` // seconds
		StopSessionOnShutdown bool   `mapstructure:"stop_session_on_shutdown"`
	}

	Advanced struct {
		LogLevel string `mapstructure:"log_level"`
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("process_detection.enabled", true)
	v.SetDefault("process_detection.interval", 10)
	v.SetDefault("process_detection.auto_switch", false)
	v.SetDefault("process_detection.learn_patterns", true)
	v.SetDefault("process_detection.min_confidence", 0.8)

	v.SetDefault("idle_detection.enabled", true)
	v.SetDefault("idle_detection.interval", 30)
	v.SetDefault("idle_detection.threshold", 300)
	v.SetDefault("idle_detection.action", string(domain.IdleActionPrompt))

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.reminder_interval", 3600)
	v.SetDefault("notifications.types.status", true)
	v.SetDefault("notifications.types.idle", true)
	v.SetDefault("notifications.types.suggestions", true)
	v.SetDefault("notifications.types.reminders", true)

	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.decision_timeout", 120)
	v.SetDefault("daemon.probe_timeout_ms", 1000)
	v.SetDefault("daemon.shutdown_grace", 5)
	v.SetDefault("daemon.stop_session_on_shutdown", false)

	v.SetDefault("advanced.log_level", "info")
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var c Config
	// Decoding the defaults cannot fail.
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads the config file at path, writing the defaults there first when
// it does not exist. TRACKD_<SECTION>_<KEY> environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("TRACKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := v.WriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.Path = path

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	var problems []string

	if c.ProcessDetection.Interval <= 0 {
		problems = append(problems, "process_detection.interval must be positive")
	}
	if c.ProcessDetection.MinConfidence < 0 || c.ProcessDetection.MinConfidence > 1 {
		problems = append(problems, "process_detection.min_confidence must be within [0, 1]")
	}
	if c.IdleDetection.Interval <= 0 {
		problems = append(problems, "idle_detection.interval must be positive")
	}
	if c.IdleDetection.Threshold < MinIdleThreshold || c.IdleDetection.Threshold > MaxIdleThreshold {
		problems = append(problems, fmt.Sprintf("idle_detection.threshold must be within [%d, %d]",
			MinIdleThreshold, MaxIdleThreshold))
	}
	switch domain.IdleAction(c.IdleDetection.Action) {
	case domain.IdleActionPrompt, domain.IdleActionAutoStop, domain.IdleActionContinue:
	default:
		problems = append(problems, fmt.Sprintf("idle_detection.action %q must be prompt, auto_stop or continue",
			c.IdleDetection.Action))
	}
	if c.Notifications.ReminderInterval <= 0 {
		problems = append(problems, "notifications.reminder_interval must be positive")
	}
	if c.Daemon.DecisionTimeout <= 0 {
		problems = append(problems, "daemon.decision_timeout must be positive")
	}
	if c.Daemon.ProbeTimeoutMs <= 0 || time.Duration(c.Daemon.ProbeTimeoutMs)*time.Millisecond > MaxProbeTimeout {
		problems = append(problems, "daemon.probe_timeout_ms must be within (0, 1000]")
	}
	if c.Daemon.ShutdownGrace < 0 {
		problems = append(problems, "daemon.shutdown_grace must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalidConfig)
}

func (c *Config) ProcessInterval() time.Duration {
	return time.Duration(c.ProcessDetection.Interval) * time.Second
}

func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.IdleDetection.Interval) * time.Second
}

func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleDetection.Threshold) * time.Second
}

func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.Notifications.ReminderInterval) * time.Second
}

func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Daemon.DecisionTimeout) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Daemon.ProbeTimeoutMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Daemon.ShutdownGrace) * time.Second
}

// NotificationEnabled reports whether notifications of category should be sent.
func (c *Config) NotificationEnabled(category domain.NotificationCategory) bool {
	if !c.Notifications.Enabled {
		return false
	}
	switch category {
	case domain.NotifyStatus:
		return c.Notifications.Types.Status
	case domain.NotifyIdle:
		return c.Notifications.Types.Idle
	case domain.NotifySuggestions:
		return c.Notifications.Types.Suggestions
	case domain.NotifyReminders:
		return c.Notifications.Types.Reminders
	}
	return false
}

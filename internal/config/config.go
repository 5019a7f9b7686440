package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`
	Filter  FilterConfig  `yaml:"filter" mapstructure:"filter"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
	Viewer  ViewerConfig  `yaml:"viewer" mapstructure:"viewer"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// CaptureConfig controls how completed exchanges are recorded
type CaptureConfig struct {
	// MaxBodyBytes caps how much of a response body is retained for
	// the log and webhook previews (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	CacheSuccess bool  `yaml:"cache_success" mapstructure:"cache_success"`
	CacheFailure bool  `yaml:"cache_failure" mapstructure:"cache_failure"`
}

// FilterConfig declarative request blocking rules
type FilterConfig struct {
	Enabled    bool         `yaml:"enabled" mapstructure:"enabled"`
	Exclusions []string     `yaml:"exclusions" mapstructure:"exclusions"`
	Rules      []RuleConfig `yaml:"rules" mapstructure:"rules"`
	// RulesFile points to a standalone YAML rules document appended
	// after the inline rules
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// RuleConfig describes one blocking rule
type RuleConfig struct {
	Path    string            `yaml:"path" mapstructure:"path"`
	Match   string            `yaml:"match" mapstructure:"match"`
	Methods []string          `yaml:"methods" mapstructure:"methods"`
	Status  int               `yaml:"status" mapstructure:"status"`
	Body    string            `yaml:"body" mapstructure:"body"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
}

// CacheConfig persisted traffic log parameters
type CacheConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// WebhookConfig webhook destinations
type WebhookConfig struct {
	Timeout      int                 `yaml:"timeout" mapstructure:"timeout"`
	Destinations []DestinationConfig `yaml:"destinations" mapstructure:"destinations"`
}

// DestinationConfig describes one webhook destination
type DestinationConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Type string `yaml:"type" mapstructure:"type"`
	// Telegram-style destinations
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`
	Chat     string `yaml:"chat" mapstructure:"chat"`
	// Discord-style destinations
	URL string `yaml:"url" mapstructure:"url"`
	// MaxLength caps the rendered message (0 = platform default)
	MaxLength   int      `yaml:"max_length" mapstructure:"max_length"`
	Statuses    []string `yaml:"statuses" mapstructure:"statuses"`
	IncludeURLs []string `yaml:"include_urls" mapstructure:"include_urls"`
	ExcludeURLs []string `yaml:"exclude_urls" mapstructure:"exclude_urls"`
}

// ViewerConfig read-only log viewer API
type ViewerConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
	Port   int  `yaml:"port" mapstructure:"port"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("TRAFFICTAP")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.traffictap")
		v.AddConfigPath("/etc/traffictap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults fills zero-value fields that Unmarshal leaves untouched
// when a key is absent from the config file.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")

	if cfg.Capture.MaxBodyBytes == 0 {
		cfg.Capture.MaxBodyBytes = v.GetInt64("capture.max_body_bytes")
	}
	cfg.Capture.CacheSuccess = v.GetBool("capture.cache_success")
	cfg.Capture.CacheFailure = v.GetBool("capture.cache_failure")

	cfg.Filter.Enabled = v.GetBool("filter.enabled")
	if len(cfg.Filter.Rules) == 0 {
		var rules []RuleConfig
		if err := v.UnmarshalKey("filter.rules", &rules); err == nil {
			cfg.Filter.Rules = rules
		}
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = v.GetString("cache.driver")
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = v.GetString("cache.path")
	}

	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = v.GetInt("webhook.timeout")
	}
	if len(cfg.Webhook.Destinations) == 0 {
		var dests []DestinationConfig
		if err := v.UnmarshalKey("webhook.destinations", &dests); err == nil {
			cfg.Webhook.Destinations = dests
		}
	}

	cfg.Viewer.Enable = v.GetBool("viewer.enable")
	if cfg.Viewer.Port == 0 {
		cfg.Viewer.Port = v.GetInt("viewer.port")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./traffictap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("capture.max_body_bytes", int64(1024*1024))
	v.SetDefault("capture.cache_success", true)
	v.SetDefault("capture.cache_failure", true)

	v.SetDefault("filter.enabled", false)
	v.SetDefault("filter.exclusions", []string{})
	v.SetDefault("filter.rules", []map[string]interface{}{})
	v.SetDefault("filter.rules_file", "")

	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", "./data/traffictap.db")

	v.SetDefault("webhook.timeout", 15)
	v.SetDefault("webhook.destinations", []map[string]interface{}{})

	v.SetDefault("viewer.enable", false)
	v.SetDefault("viewer.port", 38899)
}

// Validate configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	if c.Capture.MaxBodyBytes < 0 {
		return fmt.Errorf("capture max body bytes cannot be negative")
	}

	for i, rule := range c.Filter.Rules {
		if strings.TrimSpace(rule.Path) == "" {
			return fmt.Errorf("filter rule %d path cannot be empty", i+1)
		}
		switch strings.ToLower(rule.Match) {
		case "", "exact", "regex", "glob":
		default:
			return fmt.Errorf("filter rule %d match must be exact, regex, or glob", i+1)
		}
		if rule.Status != 0 && (rule.Status < 100 || rule.Status > 599) {
			return fmt.Errorf("filter rule %d status must be between 100 and 599", i+1)
		}
		for _, method := range rule.Methods {
			if strings.TrimSpace(method) == "" {
				return fmt.Errorf("filter rule %d contains empty method", i+1)
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Cache.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Cache.Driver) == "" {
			c.Cache.Driver = "sqlite"
		}
	default:
		return fmt.Errorf("cache driver must be sqlite")
	}
	if strings.TrimSpace(c.Cache.Path) == "" {
		return fmt.Errorf("cache path cannot be empty")
	}

	if c.Webhook.Timeout < 0 {
		return fmt.Errorf("webhook timeout cannot be negative")
	}
	for i, dest := range c.Webhook.Destinations {
		switch strings.ToLower(dest.Type) {
		case "telegram":
			if strings.TrimSpace(dest.BotToken) == "" {
				return fmt.Errorf("webhook destination %d bot_token cannot be empty", i+1)
			}
			if strings.TrimSpace(dest.Chat) == "" {
				return fmt.Errorf("webhook destination %d chat cannot be empty", i+1)
			}
		case "discord":
			if strings.TrimSpace(dest.URL) == "" {
				return fmt.Errorf("webhook destination %d url cannot be empty", i+1)
			}
		default:
			return fmt.Errorf("webhook destination %d type must be telegram or discord", i+1)
		}
		if dest.MaxLength < 0 {
			return fmt.Errorf("webhook destination %d max_length cannot be negative", i+1)
		}
	}

	if c.Viewer.Enable {
		if c.Viewer.Port < 1 || c.Viewer.Port > 65535 {
			return fmt.Errorf("invalid viewer port: %d (must be 1-65535)", c.Viewer.Port)
		}
	}

	return nil
}

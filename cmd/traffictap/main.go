package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/traffictap/traffictap/internal/cache"
	"github.com/traffictap/traffictap/internal/config"
	"github.com/traffictap/traffictap/internal/filter"
	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/internal/viewer"
	"github.com/traffictap/traffictap/internal/webhook"
	"github.com/traffictap/traffictap/pkg/trace"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "traffictap",
	Short: "HTTP traffic inspection pipeline with a local log viewer",
	Long: `TrafficTap embeds in HTTP clients to observe outgoing requests, block
matching ones with synthetic responses, persist completed exchanges,
and relay selected events to chat webhooks.

The root command serves a read-only viewer API over the persisted log.
`,
	RunE: runViewer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("TrafficTap version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().String("db", "", "Traffic log database path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("output", "", "Output mode (console or json)")

	rootCmd.Flags().IntP("port", "p", 0, "Viewer listen port")

	viper.BindPFlag("cache.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("output.mode", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("viewer.port", rootCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sendCmd)
}

// loadConfig resolves config file, env and flag layers for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if db, err := cmd.Flags().GetString("db"); err == nil && db != "" {
		cfg.Cache.Path = db
	}
	if level, err := cmd.Flags().GetString("log-level"); err == nil && level != "" {
		cfg.Log.Level = level
	}
	if mode, err := cmd.Flags().GetString("output"); err == nil && mode != "" {
		cfg.Output.Mode = mode
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runViewer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil && port != 0 {
		cfg.Viewer.Port = port
	}
	if cfg.Viewer.Port < 1 || cfg.Viewer.Port > 65535 {
		return fmt.Errorf("invalid viewer port: %d", cfg.Viewer.Port)
	}

	log := logger.New(&cfg.Log, cfg.Output.Mode)

	store, err := cache.New(&cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("open traffic log: %w", err)
	}
	defer store.Close()

	log.Info("TrafficTap viewer starting",
		"version", version,
		"port", cfg.Viewer.Port,
		"db", cfg.Cache.Path,
	)
	return viewer.New(cfg.Viewer.Port, store, log).Start()
}

// buildFilters assembles the validated rule set from inline config
// plus an optional rules file.
func buildFilters(cfg *config.FilterConfig) (filter.Options, error) {
	opts := filter.Options{
		Enabled:    cfg.Enabled,
		Exclusions: append([]string(nil), cfg.Exclusions...),
	}

	for i, rc := range cfg.Rules {
		rule, err := filter.NewRule(filter.RuleSpec{
			Path:    rc.Path,
			Match:   rc.Match,
			Methods: rc.Methods,
			Status:  rc.Status,
			Body:    rc.Body,
			Headers: rc.Headers,
		})
		if err != nil {
			return filter.Options{}, fmt.Errorf("filter rule %d: %w", i+1, err)
		}
		opts.Rules = append(opts.Rules, rule)
	}

	if cfg.RulesFile != "" {
		rules, exclusions, err := filter.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return filter.Options{}, err
		}
		opts.Rules = append(opts.Rules, rules...)
		opts.Exclusions = append(opts.Exclusions, exclusions...)
	}

	return opts, nil
}

// buildDispatcher assembles webhook destinations from config.
func buildDispatcher(cfg *config.WebhookConfig, log logger.Logger) (*webhook.Dispatcher, error) {
	var dests []webhook.Destination
	for i, dc := range cfg.Destinations {
		gate, err := buildGate(dc)
		if err != nil {
			return nil, fmt.Errorf("webhook destination %d: %w", i+1, err)
		}

		switch dc.Type {
		case "telegram":
			chat, err := webhook.ParseChatRef(dc.Chat)
			if err != nil {
				return nil, fmt.Errorf("webhook destination %d: %w", i+1, err)
			}
			dests = append(dests, webhook.NewTelegram(dc.Name, dc.BotToken, chat, dc.MaxLength, gate))
		case "discord":
			dests = append(dests, webhook.NewDiscord(dc.Name, dc.URL, dc.MaxLength, gate))
		default:
			return nil, fmt.Errorf("webhook destination %d: unknown type %q", i+1, dc.Type)
		}
	}

	return webhook.New(log, time.Duration(cfg.Timeout)*time.Second, dests...), nil
}

func buildGate(dc config.DestinationConfig) (webhook.Gate, error) {
	gate := webhook.Gate{
		IncludeURLs: dc.IncludeURLs,
		ExcludeURLs: dc.ExcludeURLs,
	}
	for _, raw := range dc.Statuses {
		class, err := trace.ParseClass(raw)
		if err != nil {
			return webhook.Gate{}, err
		}
		gate.Classes = append(gate.Classes, class)
	}
	return gate, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/traffictap/traffictap/internal/cache"
	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/internal/pipeline"
	"github.com/traffictap/traffictap/internal/printer"
	"github.com/traffictap/traffictap/pkg/trace"
)

var sendCmd = &cobra.Command{
	Use:   "send [method] URL",
	Short: "Send a request through the configured inspection pipeline",
	Long: `Send issues a single request through a pipeline built from the current
configuration: filter rules apply, the exchange is recorded to the
traffic log, and webhook destinations are notified. Useful for
exercising a configuration before embedding it.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringP("data", "d", "", "Request body")
	sendCmd.Flags().StringArrayP("header", "H", nil, "Request header (key: value), repeatable")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	method := http.MethodGet
	url := args[0]
	if len(args) == 2 {
		method = strings.ToUpper(args[0])
		url = args[1]
	}

	log := logger.New(&cfg.Log, cfg.Output.Mode)

	filters, err := buildFilters(&cfg.Filter)
	if err != nil {
		return err
	}
	dispatcher, err := buildDispatcher(&cfg.Webhook, log)
	if err != nil {
		return err
	}

	store, err := cache.New(&cfg.Cache, log)
	if err != nil {
		log.Warn("Traffic log unavailable, continuing without persistence", "error", err)
		store = cache.Nop(log)
	}
	defer store.Close()

	transport := pipeline.New(pipeline.Options{
		Filters:        filters,
		Store:          store,
		Dispatcher:     dispatcher,
		Logger:         log,
		CacheSuccesses: cfg.Capture.CacheSuccess,
		CacheFailures:  cfg.Capture.CacheFailure,
		MaxBodyBytes:   cfg.Capture.MaxBodyBytes,
	})
	defer transport.Close()

	console := printer.NewConsole(cfg.Output.Silence)
	transport.OnEntry(func(entry trace.Entry) {
		console.Print(entry)
	})

	body, _ := cmd.Flags().GetString("data")
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	headers, _ := cmd.Flags().GetStringArray("header")
	for _, raw := range headers {
		key, value, found := strings.Cut(raw, ":")
		if !found || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid header %q, expected 'key: value'", raw)
		}
		req.Header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	resp, err := transport.Client().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	fmt.Printf("%s %s -> %s\n", req.Method, req.URL, resp.Status)
	return nil
}

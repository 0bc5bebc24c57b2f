package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaigi-labs/kaigi"
	"github.com/kaigi-labs/kaigi/internal/adapter"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("KAIGI_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []kaigi.Option{
		kaigi.WithVersion(version),
		kaigi.WithLogger(logger),
	}
	httpAdapters, err := loadHTTPAdapters(os.Getenv("KAIGI_HTTP_ADAPTERS_JSON"))
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	for _, a := range httpAdapters {
		logger.Info("adapter registered", "name", a.Name(), "kind", "http")
		opts = append(opts, kaigi.WithAdapter(a))
	}

	cliAdapters, err := loadCLIAdapters(os.Getenv("KAIGI_CLI_ADAPTERS_JSON"))
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	for _, a := range cliAdapters {
		logger.Info("adapter registered", "name", a.Name(), "kind", "cli")
		opts = append(opts, kaigi.WithAdapter(a))
	}

	app, err := kaigi.New(opts...)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// httpAdapterSpec is one entry of KAIGI_HTTP_ADAPTERS_JSON, a JSON array
// describing OpenAI-compatible chat-completions endpoints to register as
// deliberation participant adapters. Example:
//
//	[{"name":"openai","base_url":"https://api.openai.com/v1","api_key":"sk-..."}]
type httpAdapterSpec struct {
	Name               string `json:"name"`
	BaseURL            string `json:"base_url"`
	APIKey             string `json:"api_key"`
	HTTPTimeoutSeconds int    `json:"http_timeout_seconds"`
	MaxTokens          int    `json:"max_tokens"`
}

func loadHTTPAdapters(raw string) ([]*adapter.HTTPAdapter, error) {
	if raw == "" {
		return nil, nil
	}
	var specs []httpAdapterSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("KAIGI_HTTP_ADAPTERS_JSON: %w", err)
	}
	out := make([]*adapter.HTTPAdapter, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" || s.BaseURL == "" {
			return nil, fmt.Errorf("KAIGI_HTTP_ADAPTERS_JSON: entry missing name or base_url")
		}
		var timeout time.Duration
		if s.HTTPTimeoutSeconds > 0 {
			timeout = time.Duration(s.HTTPTimeoutSeconds) * time.Second
		}
		out = append(out, adapter.NewHTTPAdapter(adapter.HTTPConfig{
			Name:        s.Name,
			BaseURL:     s.BaseURL,
			APIKey:      s.APIKey,
			HTTPTimeout: timeout,
			MaxTokens:   s.MaxTokens,
		}))
	}
	return out, nil
}

// cliAdapterSpec is one entry of KAIGI_CLI_ADAPTERS_JSON, a JSON array
// describing local CLI binaries to register as deliberation participant
// adapters: the binary receives the prompt on stdin and the model id as
// its final argument, and returns response text on stdout. Example:
//
//	[{"name":"local-llm","command":"llm-cli","args":["--prompt-stdin"]}]
type cliAdapterSpec struct {
	Name       string   `json:"name"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	WorkingDir string   `json:"working_dir"`
}

func loadCLIAdapters(raw string) ([]*adapter.CLIAdapter, error) {
	if raw == "" {
		return nil, nil
	}
	var specs []cliAdapterSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("KAIGI_CLI_ADAPTERS_JSON: %w", err)
	}
	out := make([]*adapter.CLIAdapter, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" || s.Command == "" {
			return nil, fmt.Errorf("KAIGI_CLI_ADAPTERS_JSON: entry missing name or command")
		}
		out = append(out, adapter.NewCLIAdapter(adapter.CLIConfig{
			Name:       s.Name,
			Command:    s.Command,
			Args:       s.Args,
			WorkingDir: s.WorkingDir,
		}))
	}
	return out, nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

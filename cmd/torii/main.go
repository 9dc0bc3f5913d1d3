package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/torii-ai/torii"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("TORII_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The standalone binary serves the review surface and exercises the
	// pipeline against a canned analysis backend. Production deployments
	// embed the torii package and wire a real analyzer.
	logger.Warn("no external analyzer wired, using canned demo backend")

	app, err := torii.New(
		torii.WithLogger(logger),
		torii.WithVersion(version),
		torii.WithAnalyzer(demoAnalyzer{}),
	)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// demoAnalyzer produces deterministic placeholder analyses so the binary
// can run end to end without a model backend.
type demoAnalyzer struct{}

func (demoAnalyzer) ModelID() string { return "demo-v0" }

func (demoAnalyzer) Analyze(_ context.Context, in torii.TaskInput) (torii.AnalysisResponse, error) {
	var payload string
	switch in.Type {
	case torii.TaskSynthesis:
		var sb strings.Builder
		sb.WriteString("Synthesized report (demo backend).\n")
		if analyses, ok := in.Params["analyses"].(map[string]any); ok {
			for name, text := range analyses {
				fmt.Fprintf(&sb, "- %s: %v\n", name, text)
			}
		}
		payload = sb.String()
	default:
		payload = fmt.Sprintf("%s: no material change observed (demo backend).", in.Type)
	}

	prompt := fmt.Sprintf("task=%s params=%v", in.Type, in.Params)
	return torii.AnalysisResponse{
		Payload: payload,
		Prompt:  prompt,
		Cost:    torii.Cost{InputTokens: int64(len(prompt)), OutputTokens: int64(len(payload)), Calls: 1},
	}, nil
}

// Command nix-cache queries, reads and publishes to Nix binary caches, and
// can serve one from a local directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/nix-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"NIX_CACHE_LOG_LEVEL"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text" env:"NIX_CACHE_LOG_FORMAT"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	logger *slog.Logger `kong:"-"`
	stdout io.Writer    `kong:"-"`
}

// CLI is the command line of nix-cache.
type CLI struct {
	Globals

	PathInfo    PathInfoCmd    `cmd:"" name:"path-info" help:"Query and print the narinfo of a store path."`
	Cat         CatCmd         `cmd:"" help:"Stream the contents of a single-file store path."`
	Nar         NarCmd         `cmd:"" help:"Stream the NAR of a store path."`
	Publish     PublishCmd     `cmd:"" help:"Publish a file as a content-addressed store path."`
	Log         LogCmd         `cmd:"" help:"Print the build log of a derivation."`
	CacheInfo   CacheInfoCmd   `cmd:"" name:"cache-info" help:"Print the cache description."`
	GenerateKey GenerateKeyCmd `cmd:"" name:"generate-key" help:"Generate a signing key pair."`
	Serve       ServeCmd       `cmd:"" help:"Serve a binary cache from a local directory."`
	Settings    SettingsCmd    `cmd:"" help:"Print the cache settings and their defaults."`
	Version     VersionCmd     `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("nix-cache"),
		kong.Description("A Nix binary cache client and server."),
		kong.UsageOnError(),
	)

	if err := run(kctx, &cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context, cli *CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	cli.logger = logger
	cli.stdout = os.Stdout

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cli.OTLPEndpoint != "" || kctx.Command() == "serve" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     cli.OTLPEndpoint,
			EnablePrometheus: kctx.Command() == "serve",
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&cli.Globals)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

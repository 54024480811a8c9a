// Command murmurlink runs the microphone capture service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/murmurlink/murmurlink/internal/app"
	"github.com/murmurlink/murmurlink/internal/config"
	"github.com/murmurlink/murmurlink/internal/observe"
	"github.com/murmurlink/murmurlink/pkg/audio"
	malgoaudio "github.com/murmurlink/murmurlink/pkg/audio/malgo"
	audiomock "github.com/murmurlink/murmurlink/pkg/audio/mock"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
	openairt "github.com/murmurlink/murmurlink/pkg/provider/speech/openai"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "murmurlink: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "murmurlink: %v\n", err)
		}
		return 1
	}

	// Level variable so config hot reloads can change verbosity at runtime.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("murmurlink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry. The Prometheus exporter backs the /metrics endpoint.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "murmurlink",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the implementations that ship with
// murmurlink into the registry.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterAudio("malgo", func(config.CaptureConfig) (audio.Platform, error) {
		return malgoaudio.New(), nil
	})
	reg.RegisterAudio("mock", func(config.CaptureConfig) (audio.Platform, error) {
		return &audiomock.Platform{OpenResult: audiomock.NewStream(16)}, nil
	})

	reg.RegisterSpeech("openai-realtime", func(entry config.ProviderEntry) (speech.Provider, error) {
		if entry.APIKey == "" {
			return nil, fmt.Errorf("speech provider %q requires an api_key", entry.Name)
		}
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		return openairt.New(entry.APIKey, opts...), nil
	})
}

// buildProviders instantiates the configured audio platform and speech
// provider. A missing speech provider is not fatal; audio then stays local.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	platform, err := reg.CreateAudio(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("create audio platform %q: %w", cfg.Capture.Platform, err)
	}
	ps.Audio = platform
	slog.Info("provider created", "kind", "audio", "name", cfg.Capture.Platform)

	if name := cfg.Upstream.Provider.Name; name != "" {
		p, err := reg.CreateSpeech(cfg.Upstream.Provider)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "speech", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create speech provider %q: %w", name, err)
		} else {
			ps.Speech = p
			slog.Info("provider created", "kind", "speech", "name", name)
		}
	}

	return ps, nil
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       murmurlink — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Audio", cfg.Capture.Platform)
	printEntry("Speech", summaryName(cfg.Upstream.Provider.Name, cfg.Upstream.Provider.Model))
	printEntry("Sample rate", fmt.Sprintf("%d Hz", cfg.Capture.SampleRate))
	printEntry("Block size", fmt.Sprintf("%d samples", cfg.Capture.BlockSize))
	if cfg.Sensitivity.VoiceFocus {
		printEntry("Voice focus", "on")
	} else {
		printEntry("Voice focus", "off")
	}
	if cfg.Relay.Enabled {
		printEntry("Relay", string(cfg.Relay.Encoding))
	} else {
		printEntry("Relay", "(disabled)")
	}
	if cfg.Archive.PostgresDSN != "" {
		printEntry("Archive", "postgres")
	} else {
		printEntry("Archive", "(disabled)")
	}
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryName(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

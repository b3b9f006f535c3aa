// Command purrvoice runs a PurrVoice relay or client.
//
// Usage:
//
//	purrvoice [-config config.yaml] relay|client|devices
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

	"github.com/MrWong99/purrvoice/internal/app"
	"github.com/MrWong99/purrvoice/internal/config"
	"github.com/MrWong99/purrvoice/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] relay|client|devices\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	command := flag.Arg(0)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "purrvoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "purrvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(observe.NewTraceHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	if command == "devices" {
		return listDevices(cfg, logger)
	}

	mode := app.Mode(command)
	if mode != app.ModeRelay && mode != app.ModeClient {
		flag.Usage()
		return 2
	}

	slog.Info("purrvoice starting",
		"mode", mode,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Mode:           string(mode),
		InstanceID:     cfg.Voice.ParticipantID,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, mode,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithConfigPath(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, mode, application.Addr().String())

	slog.Info("ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// listDevices prints the capture devices of the configured backend.
func listDevices(cfg *config.Config, logger *slog.Logger) int {
	reg := config.NewDefaultRegistry()
	app.RegisterBuiltinBackends(reg)

	vc := cfg.Voice
	if vc.Backend == "" {
		vc.Backend = app.BackendPortAudio
	}
	backend, err := reg.CreateBackend(vc, logger)
	if err != nil {
		slog.Error("failed to open audio backend", "backend", vc.Backend, "err", err)
		return 1
	}
	defer backend.Close()

	devices, err := backend.Devices()
	if err != nil {
		slog.Error("failed to list devices", "err", err)
		return 1
	}
	for _, d := range devices {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Printf("%s %-40s %6d Hz  %d ch  id=%s\n", mark, d.Name, d.DefaultSampleRate, d.Channels, d.ID)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mode app.Mode, addr string) {
	codecName := string(cfg.Voice.Codec)
	if codecName == "" {
		codecName = "opus"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       PurrVoice — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Mode", string(mode))
	printRow("Listen addr", addr)
	printRow("Codec", codecName)
	if mode == app.ModeClient {
		printRow("Relay", cfg.Relay.URL)
	} else {
		printRow("Participate", fmt.Sprint(cfg.Relay.Participate))
	}
	printRow("Backend", cfg.Voice.Backend)
	fmt.Printf("║  %-14s  : %-19d ║\n", "Filters", len(cfg.Filters))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

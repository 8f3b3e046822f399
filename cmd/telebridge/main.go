package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/telebridge/telebridge"
	"github.com/telebridge/telebridge/config"
	"github.com/telebridge/telebridge/sip"
)

func main() {
	configPath := flag.String("config", config.DefaultFile, "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	sip.SetDefaultLogger(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting telebridge",
		"public_ip", cfg.PublicIP,
		"voip_address", cfg.VoIPAddress,
		"guild", cfg.DiscordGuildID,
	)

	bridge, err := telebridge.New(cfg, logger)
	if err != nil {
		slog.Error("failed to construct bridge", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

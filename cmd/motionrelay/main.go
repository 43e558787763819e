package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rmacdonaldsmith/motionrelay/internal/config"
	"github.com/rmacdonaldsmith/motionrelay/internal/logger"
	"go.uber.org/zap"
)

const (
	// Application info
	appName    = "motionrelay"
	appVersion = "0.1.0"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to the YAML configuration file")
		showVersion = flag.Bool("version", false, "Show version and exit")
		checkConfig = flag.Bool("check-config", false, "Validate the configuration and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	if *checkConfig {
		fmt.Printf("configuration ok: %d device(s), hub %s\n", len(cfg.Devices), cfg.Hub.ID)
		os.Exit(0)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, appName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to build logger: %v\n", appName, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("motionrelay exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting motionrelay",
		zap.String("version", appVersion),
		zap.String("hub_id", cfg.Hub.ID),
		zap.Int("port", cfg.Server.Port),
		zap.String("callback", net.JoinHostPort(cfg.Hub.CallbackHost, strconv.Itoa(cfg.Hub.CallbackPort))))

	// Cancelled on SIGINT, SIGTERM or SIGHUP; the app then shuts down gracefully
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.Port))
	if err != nil {
		_ = a.close()
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	if err := a.run(ctx, l); err != nil {
		return err
	}
	log.Info("motionrelay stopped", zap.String("hub_id", cfg.Hub.ID))
	return nil
}

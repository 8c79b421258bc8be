// Command server runs the gridgame relay: it accepts game masters and
// players over TCP, keeps the directory of registered games and relays
// messages between them. It also serves the read-only REST API and the
// operator console.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/api"
	"github.com/gridgame-project/gridgame/internal/cli"
	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/events"
	"github.com/gridgame-project/gridgame/internal/network"
	"github.com/gridgame-project/gridgame/internal/scheduler"
	"github.com/gridgame-project/gridgame/internal/server"
	"github.com/gridgame-project/gridgame/internal/store"
	"github.com/gridgame-project/gridgame/internal/telemetry"
	"github.com/gridgame-project/gridgame/internal/util"
)

const (
	AppName    = "server"
	AppVersion = "1.0.0"
	ConfigFile = "server.json"
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	// Initialize logger with defaults first (reconfigured after config load)
	if err := util.InitLogger(util.LogConfig{App: AppName, Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir, ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := util.InitLogger(util.LogConfig{
		App:        AppName,
		Level:      cfg.LogLevel(),
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}
	if *verbose {
		util.SetVerbose(true)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting relay server")

	validation := config.ValidateServer(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	registry := network.NewConnectionRegistry(cfg.Server.ClientLimit)
	router := server.NewRouter(registry, eventBus)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	listener := network.NewListener(addr, config.Millis(cfg.Server.TCPKeepAlive), registry, router)

	// Game ledger
	var (
		apiHistory  api.History
		cliHistory  cli.History
		schedLedger scheduler.Ledger
	)
	ledger, err := store.NewLedger(cfg.Store.Path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open game ledger, history disabled")
	} else {
		ledger.Subscribe(eventBus)
		apiHistory, cliHistory, schedLedger = ledger, ledger, ledger
	}
	sched := scheduler.NewScheduler(cfg.Store, schedLedger, router)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, AppName, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", addr).Msg("starting relay listener")
		if err := startWithRetry(ctx, "listener", listener.Start, 5); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("relay listener failed after retries")
			errCh <- fmt.Errorf("listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		router.SweepStale(ctx,
			config.Millis(cfg.Server.StaleCheckInterval),
			config.Millis(cfg.Server.KeepAliveTimeout))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if cfg.Server.APIEnabled {
		apiServer := api.NewServer(cfg.Server, router, apiHistory)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.Server.APIPort).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if cfg.Server.CLIEnabled {
		console := cli.NewCLI(router, cliHistory, eventBus, os.Stdin, os.Stdout)
		// The console blocks on stdin, so it is not waited for.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Stop the event bus before closing its subscribers
	eventBus.Stop()
	if ledger != nil {
		ledger.Close()
	}

	log.Info().Msg("relay server stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, waiting 3 seconds between attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

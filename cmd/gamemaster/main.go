// Command gamemaster registers a game with the relay server and runs it:
// it owns the board, admits players and answers their actions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/events"
	"github.com/gridgame-project/gridgame/internal/gamemaster"
	"github.com/gridgame-project/gridgame/internal/telemetry"
	"github.com/gridgame-project/gridgame/internal/util"
)

const (
	AppName    = "gamemaster"
	AppVersion = "1.0.0"
	ConfigFile = "gamemaster.json"
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

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

	validation := config.ValidateGameMaster(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	game := cfg.GameMaster.Game
	log.Info().
		Str("version", AppVersion).
		Str("game", game.GameName).
		Str("relay", cfg.GameMaster.Connection.ServerAddress).
		Int("players_per_team", game.NumberOfPlayersPerTeam).
		Msg("starting game master")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, AppName, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	master := gamemaster.NewMaster(cfg.GameMaster, eventBus)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- master.Run(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		switch {
		case err == nil:
		case errors.Is(err, gamemaster.ErrRegistrationRejected):
			log.Error().Err(err).Msg("relay server did not accept the game")
			exitCode = 1
		default:
			log.Error().Err(err).Msg("game master stopped")
			exitCode = 1
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out after 10 seconds, forcing exit")
	}

	eventBus.Stop()

	blue, red := master.Engine().Score()
	log.Info().Int("blue_score", blue).Int("red_score", red).Msg("game master stopped")
	os.Exit(exitCode)
}

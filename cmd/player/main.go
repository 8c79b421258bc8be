// Command player runs an automated player: it joins a game through the
// relay server and plays it with the greedy strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/player"
	"github.com/gridgame-project/gridgame/internal/protocol"
	"github.com/gridgame-project/gridgame/internal/util"
)

const (
	AppName    = "player"
	AppVersion = "1.0.0"
	ConfigFile = "player.json"
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	verbose := flag.Bool("v", false, "enable debug logging")
	game := flag.String("game", "", "game to join (overrides player.game_name)")
	team := flag.String("team", "", "preferred team: blue or red")
	role := flag.String("role", "", "preferred role: leader or member")
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

	// Command line overrides are not saved back to the file.
	if *game != "" {
		cfg.Player.GameName = *game
	}
	if *team != "" {
		cfg.Player.PreferredTeam = protocol.Team(*team)
	}
	if *role != "" {
		cfg.Player.PreferredRole = protocol.PlayerRole(*role)
	}

	validation := config.ValidatePlayer(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	log.Info().
		Str("version", AppVersion).
		Str("game", cfg.Player.GameName).
		Str("team", string(cfg.Player.PreferredTeam)).
		Str("role", string(cfg.Player.PreferredRole)).
		Str("relay", cfg.Player.Connection.ServerAddress).
		Msg("starting player")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := player.NewAgent(cfg.Player, nil)
	err = agent.Run(ctx)

	stats := agent.Stats()
	log.Info().
		Int("rounds", stats.Rounds).
		Int("actions", stats.Actions).
		Int("exchanges", stats.Exchanges).
		Int("rejoins", stats.Rejoins).
		Msg("player stopped")

	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("player failed")
		os.Exit(1)
	}
}

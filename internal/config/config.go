// Package config handles configuration loading, validation, and persistence
// for the relay server, the game master and the player agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

const (
	DefaultConfigDir     = "config"
	DefaultServerPort    = 7654
	DefaultAPIPort       = 7655
	DefaultServerAddress = "127.0.0.1:7654"
	DefaultStorePath     = ":memory:"
	DefaultMQTTPort      = 8883
	DefaultMQTTTopicRoot = "gridgame"
	DefaultLogDirectory  = "logs"
)

// Config is the root configuration structure. Each binary reads the
// sections it needs from its own file.
type Config struct {
	mu   sync.RWMutex
	path string

	Server     ServerConfig     `json:"server"`
	GameMaster GameMasterConfig `json:"game_master"`
	Player     PlayerConfig     `json:"player"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Store      StoreConfig      `json:"store"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	ClientLimit        int    `json:"client_limit" validate:"gte=0"`
	KeepAliveTimeout   int    `json:"keep_alive_timeout_ms" validate:"gte=0"`
	StaleCheckInterval int    `json:"stale_check_interval_ms" validate:"gte=0"`
	TCPKeepAlive       int    `json:"tcp_keep_alive_ms" validate:"gte=0"`

	APIEnabled     bool     `json:"api_enabled"`
	APIPort        int      `json:"api_port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" validate:"gte=0"`

	CLIEnabled bool `json:"cli_enabled"`
}

// ConnectionSettings controls how a client reaches the relay server.
type ConnectionSettings struct {
	ServerAddress       string `json:"server_address" validate:"required,hostname_port"`
	ConnectionAttempts  int    `json:"connection_attempts" validate:"gte=1"`
	InterConnectionTime int    `json:"inter_connection_time_ms" validate:"gte=0"`
	KeepAliveInterval   int    `json:"keep_alive_interval_ms" validate:"gte=0"`
}

// GameMasterConfig configures the game master process.
type GameMasterConfig struct {
	Connection ConnectionSettings `json:"connection"`
	Game       GameConfig         `json:"game"`
}

// PlayerConfig configures the player agent.
type PlayerConfig struct {
	Connection            ConnectionSettings  `json:"connection"`
	GameName              string              `json:"game_name"`
	PreferredTeam         protocol.Team       `json:"preferred_team" validate:"oneof=blue red"`
	PreferredRole         protocol.PlayerRole `json:"preferred_role" validate:"oneof=leader member"`
	RetryJoinGameInterval int                 `json:"retry_join_game_interval_ms" validate:"gt=0"`
	ExchangeEvery         int                 `json:"exchange_every" validate:"gte=0"`
}

// GameConfig is the game definition a game master registers and plays.
// Durations are in milliseconds.
type GameConfig struct {
	GameName                  string           `json:"game_name" validate:"required"`
	RetryRegisterGameInterval int              `json:"retry_register_game_interval_ms" validate:"gte=0"`
	RegisterRetryLimit        int              `json:"register_retry_limit" validate:"gte=0"`
	ShamProbability           float64          `json:"sham_probability" validate:"gte=0,lte=1"`
	PlacingNewPiecesFrequency int              `json:"placing_new_pieces_frequency_ms" validate:"gt=0"`
	InitialNumberOfPieces     int              `json:"initial_number_of_pieces" validate:"gte=0"`
	MaxPiecesOnBoard          int              `json:"max_pieces_on_board" validate:"gte=0"`
	BoardWidth                int              `json:"board_width" validate:"gt=0"`
	TaskAreaLength            int              `json:"task_area_length" validate:"gt=0"`
	GoalAreaLength            int              `json:"goal_area_length" validate:"gt=0"`
	NumberOfPlayersPerTeam    int              `json:"number_of_players_per_team" validate:"gt=0"`
	EndGamePause              int              `json:"end_game_pause_ms" validate:"gte=0"`
	Goals                     []GoalDefinition `json:"goals" validate:"min=2,dive"`
	ActionCosts               ActionCosts      `json:"action_costs"`
}

// GoalDefinition marks a goal field of a team. Goal-band fields that are
// not listed are non-goals.
type GoalDefinition struct {
	X    int           `json:"x" validate:"gte=0"`
	Y    int           `json:"y" validate:"gte=0"`
	Team protocol.Team `json:"team" validate:"oneof=blue red"`
}

// ActionCosts are the delays applied before each action, in milliseconds.
type ActionCosts struct {
	Move              int `json:"move" validate:"gte=0"`
	Discover          int `json:"discover" validate:"gte=0"`
	Test              int `json:"test" validate:"gte=0"`
	PickUp            int `json:"pick_up" validate:"gte=0"`
	Placing           int `json:"placing" validate:"gte=0"`
	KnowledgeExchange int `json:"knowledge_exchange" validate:"gte=0"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StoreConfig locates the game ledger database. Closed games older than
// RetentionDays are pruned daily at CleanupTime (HH:MM, local time); zero
// days keeps them forever.
type StoreConfig struct {
	Path              string `json:"path"`
	RetentionDays     int    `json:"retention_days" validate:"gte=0"`
	CleanupTime       string `json:"cleanup_time" validate:"omitempty,datetime=15:04"`
	StatusLogInterval int    `json:"status_log_interval_ms" validate:"gte=0"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// Millis converts a millisecond setting to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DefaultGameConfig returns a small two-versus-two game.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		GameName:                  "default",
		RetryRegisterGameInterval: 5000,
		RegisterRetryLimit:        0,
		ShamProbability:           0.1,
		PlacingNewPiecesFrequency: 1000,
		InitialNumberOfPieces:     4,
		MaxPiecesOnBoard:          0,
		BoardWidth:                5,
		TaskAreaLength:            7,
		GoalAreaLength:            3,
		NumberOfPlayersPerTeam:    2,
		EndGamePause:              2000,
		Goals: []GoalDefinition{
			{X: 1, Y: 0, Team: protocol.TeamBlue},
			{X: 3, Y: 1, Team: protocol.TeamBlue},
			{X: 2, Y: 2, Team: protocol.TeamBlue},
			{X: 1, Y: 12, Team: protocol.TeamRed},
			{X: 3, Y: 11, Team: protocol.TeamRed},
			{X: 2, Y: 10, Team: protocol.TeamRed},
		},
		ActionCosts: ActionCosts{
			Move:              100,
			Discover:          450,
			Test:              500,
			PickUp:            100,
			Placing:           100,
			KnowledgeExchange: 1200,
		},
	}
}

func defaultConnection() ConnectionSettings {
	return ConnectionSettings{
		ServerAddress:       DefaultServerAddress,
		ConnectionAttempts:  3,
		InterConnectionTime: 3000,
		KeepAliveInterval:   5000,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               DefaultServerPort,
			ClientLimit:        256,
			KeepAliveTimeout:   30000,
			StaleCheckInterval: 5000,
			TCPKeepAlive:       15000,
			APIEnabled:         true,
			APIPort:            DefaultAPIPort,
			RateLimitRPS:       50,
			CLIEnabled:         true,
		},
		GameMaster: GameMasterConfig{
			Connection: defaultConnection(),
			Game:       DefaultGameConfig(),
		},
		Player: PlayerConfig{
			Connection:            defaultConnection(),
			GameName:              "default",
			PreferredTeam:         protocol.TeamBlue,
			PreferredRole:         protocol.RoleMember,
			RetryJoinGameInterval: 3000,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        DefaultMQTTPort,
			UseTLS:      true,
			TopicPrefix: DefaultMQTTTopicRoot,
		},
		Store: StoreConfig{
			Path:              DefaultStorePath,
			RetentionDays:     30,
			CleanupTime:       "04:00",
			StatusLogInterval: 3600000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  DefaultLogDirectory,
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from configDir/fileName. A missing file is
// created with defaults; an existing file is overlaid on the defaults and
// re-saved so new options appear in it.
func Load(configDir, fileName string) (*Config, error) {
	configPath := filepath.Join(configDir, fileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetLogLevel updates the configured log level.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging.Level = level
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Level
}

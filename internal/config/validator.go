package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Err returns the first error, or nil.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	return r.Errors[0]
}

var structValidator = newStructValidator()

// newStructValidator reports field paths by their JSON names so messages
// match the config file.
func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs tag validation on s and records failures under prefix.
func checkStruct(prefix string, s interface{}, result *ValidationResult) {
	err := structValidator.Struct(s)
	if err == nil {
		return
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		result.AddError(prefix, err.Error())
		return
	}

	for _, fe := range verrs {
		// Drop the root type name from the namespace.
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msg := fmt.Sprintf("must satisfy %s", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("must satisfy %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
		}
		result.AddError(prefix+"."+field, msg)
	}
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	validateServer(&cfg.Server, result)
	validateStore(&cfg.Store, result)
	validateGameMaster(&cfg.GameMaster, result)
	validatePlayer(&cfg.Player, result)
	validateMQTT(&cfg.MQTT, result)
	return result
}

// ValidateServer checks the sections used by the relay server.
func ValidateServer(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	validateServer(&cfg.Server, result)
	validateStore(&cfg.Store, result)
	validateMQTT(&cfg.MQTT, result)
	return result
}

// ValidateGameMaster checks the sections used by the game master.
func ValidateGameMaster(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	validateGameMaster(&cfg.GameMaster, result)
	validateMQTT(&cfg.MQTT, result)
	return result
}

// ValidatePlayer checks the sections used by the player agent.
func ValidatePlayer(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	validatePlayer(&cfg.Player, result)
	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	checkStruct("server", s, result)

	validatePort(s.Port, "server.port", result)
	if s.APIEnabled {
		validatePort(s.APIPort, "server.api_port", result)
		if s.APIPort == s.Port {
			result.AddError("server.api_port", "port conflict: API and game ports must differ")
		}
	}

	if s.KeepAliveTimeout > 0 && s.StaleCheckInterval == 0 {
		result.AddWarning("server.stale_check_interval_ms",
			"keep-alive timeout is set but the stale check interval is 0, idle clients are never dropped")
	}
	if s.ClientLimit == 0 {
		result.AddWarning("server.client_limit", "no client limit configured")
	}
}

func validateStore(s *StoreConfig, result *ValidationResult) {
	checkStruct("store", s, result)

	if strings.TrimSpace(s.Path) == "" {
		result.AddError("store.path", "ledger path is required, use :memory: for a transient ledger")
	}
}

func validateGameMaster(gm *GameMasterConfig, result *ValidationResult) {
	checkStruct("game_master", gm, result)
	validateGame(&gm.Game, "game_master.game", result)

	if gm.Connection.KeepAliveInterval == 0 {
		result.AddWarning("game_master.connection.keep_alive_interval_ms",
			"keep-alives disabled, the server may drop an idle game master")
	}
}

func validatePlayer(p *PlayerConfig, result *ValidationResult) {
	checkStruct("player", p, result)

	if strings.TrimSpace(p.GameName) == "" {
		result.AddWarning("player.game_name", "no game name configured, the first open game will be joined")
	}
}

// validateGame checks relations between game settings that struct tags
// cannot express.
func validateGame(g *GameConfig, prefix string, result *ValidationResult) {
	if g.BoardWidth <= 0 || g.GoalAreaLength <= 0 || g.TaskAreaLength <= 0 {
		return
	}

	height := 2*g.GoalAreaLength + g.TaskAreaLength
	seen := make(map[[2]int]bool)
	perTeam := map[protocol.Team]int{}

	for i, goal := range g.Goals {
		field := fmt.Sprintf("%s.goals[%d]", prefix, i)

		if goal.X < 0 || goal.X >= g.BoardWidth || goal.Y < 0 || goal.Y >= height {
			result.AddError(field, fmt.Sprintf("(%d,%d) is outside the %dx%d board", goal.X, goal.Y, g.BoardWidth, height))
			continue
		}

		inBlue := goal.Y < g.GoalAreaLength
		inRed := goal.Y >= g.GoalAreaLength+g.TaskAreaLength
		switch {
		case goal.Team == protocol.TeamBlue && !inBlue:
			result.AddError(field, fmt.Sprintf("(%d,%d) is not in the blue goal area", goal.X, goal.Y))
			continue
		case goal.Team == protocol.TeamRed && !inRed:
			result.AddError(field, fmt.Sprintf("(%d,%d) is not in the red goal area", goal.X, goal.Y))
			continue
		}

		key := [2]int{goal.X, goal.Y}
		if seen[key] {
			result.AddError(field, fmt.Sprintf("duplicate goal at (%d,%d)", goal.X, goal.Y))
			continue
		}
		seen[key] = true
		perTeam[goal.Team]++
	}

	for _, team := range []protocol.Team{protocol.TeamBlue, protocol.TeamRed} {
		if perTeam[team] == 0 {
			result.AddError(prefix+".goals", fmt.Sprintf("team %s has no goal fields", team))
		}
	}
	if perTeam[protocol.TeamBlue] != perTeam[protocol.TeamRed] {
		result.AddWarning(prefix+".goals",
			fmt.Sprintf("unbalanced goals: blue %d, red %d", perTeam[protocol.TeamBlue], perTeam[protocol.TeamRed]))
	}

	bandFields := g.BoardWidth * g.GoalAreaLength
	if g.NumberOfPlayersPerTeam > bandFields {
		result.AddError(prefix+".number_of_players_per_team",
			fmt.Sprintf("%d players do not fit in a goal area of %d fields", g.NumberOfPlayersPerTeam, bandFields))
	}

	taskFields := g.BoardWidth * g.TaskAreaLength
	if g.MaxPiecesOnBoard > taskFields {
		result.AddError(prefix+".max_pieces_on_board",
			fmt.Sprintf("at most %d pieces fit on the task area", taskFields))
	}
	if g.InitialNumberOfPieces > taskFields {
		result.AddWarning(prefix+".initial_number_of_pieces",
			fmt.Sprintf("only %d pieces fit on the task area", taskFields))
	}

	if g.RegisterRetryLimit == 0 {
		result.AddWarning(prefix+".register_retry_limit", "registration is retried without limit")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "cert_file and key_file must be set together")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

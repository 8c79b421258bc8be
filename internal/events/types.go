// Package events defines the lifecycle events published on the EventBus by
// the relay server and the game master.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Relay server events
	EventConnectionOpened       EventType = "connection_opened"
	EventConnectionClosed       EventType = "connection_closed"
	EventStaleConnections       EventType = "stale_connections"
	EventGameRegistered         EventType = "game_registered"
	EventGameRegistrationDenied EventType = "game_registration_denied"
	EventGameStarted            EventType = "game_started"
	EventRoundFinished          EventType = "round_finished"
	EventGameClosed             EventType = "game_closed"
	EventPlayerJoined           EventType = "player_joined"
	EventPlayerLeft             EventType = "player_left"

	// Game master events
	EventTeamScored   EventType = "team_scored"
	EventGameWon      EventType = "game_won"
	EventRoundReset   EventType = "round_reset"
	EventPieceSpawned EventType = "piece_spawned"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// GamePayload describes a game at the time of the event. The player
// counts are team sizes.
type GamePayload struct {
	GameID      uint64 `json:"game_id"`
	Name        string `json:"name"`
	BluePlayers int    `json:"blue_players"`
	RedPlayers  int    `json:"red_players"`
	Reason      string `json:"reason,omitempty"`
}

// PlayerPayload describes a player entering or leaving a game.
type PlayerPayload struct {
	GameID   uint64 `json:"game_id"`
	PlayerID uint64 `json:"player_id"`
	Team     string `json:"team,omitempty"`
	Role     string `json:"role,omitempty"`
}

// ConnectionPayload describes a client connection.
type ConnectionPayload struct {
	ConnID uint64 `json:"conn_id"`
	Role   string `json:"role"`
	Remote string `json:"remote"`
}

// StalePayload lists connections closed by the keep-alive sweeper.
type StalePayload struct {
	ConnIDs []uint64 `json:"conn_ids"`
}

// ScorePayload describes a scoring or winning placement.
type ScorePayload struct {
	GameID    uint64 `json:"game_id"`
	Team      string `json:"team"`
	BlueScore int    `json:"blue_score"`
	RedScore  int    `json:"red_score"`
	Target    int    `json:"target"`
}

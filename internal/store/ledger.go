package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/events"
)

// DefaultHistoryLimit bounds History when no limit is given.
const DefaultHistoryLimit = 100

// GameRecord is one game as remembered by the ledger. Game ids are only
// unique within a server session.
type GameRecord struct {
	Session      string     `json:"session"`
	GameID       uint64     `json:"game_id"`
	Name         string     `json:"name"`
	BluePlayers  int        `json:"blue_players"`
	RedPlayers   int        `json:"red_players"`
	Rounds       int        `json:"rounds"`
	Joins        int        `json:"joins"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CloseReason  string     `json:"close_reason,omitempty"`
}

// Ledger records the lifecycle of games hosted by the relay server.
type Ledger struct {
	db      *Database
	session string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLedger opens the ledger at path and starts a new session.
func NewLedger(path string) (*Ledger, error) {
	database, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		db:      database,
		session: uuid.NewString(),
		now:     time.Now,
		logger:  log.With().Str("component", "ledger").Logger(),
	}

	if err := l.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	l.logger.Info().Str("session", l.session).Msg("ledger session started")
	return l, nil
}

// Session returns the id of the current server session.
func (l *Ledger) Session() string {
	return l.session
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// migrations are the ledger schema steps, oldest first.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS games (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		game_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		blue_players INTEGER NOT NULL DEFAULT 0,
		red_players INTEGER NOT NULL DEFAULT 0,
		rounds INTEGER NOT NULL DEFAULT 0,
		joins INTEGER NOT NULL DEFAULT 0,
		registered_at INTEGER,
		closed_at INTEGER,
		close_reason TEXT NOT NULL DEFAULT '',
		UNIQUE (session, game_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_games_registered_at ON games(registered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_games_closed_at ON games(closed_at)`,
}

func (l *Ledger) migrate() error {
	if err := l.db.Migrate(migrations); err != nil {
		return err
	}
	l.logger.Debug().Int("version", len(migrations)).Msg("ledger schema ready")
	return nil
}

// update makes sure the game row exists and applies query to it. Events
// are delivered asynchronously, so a row may be touched before its
// registration is recorded.
func (l *Ledger) update(gameID uint64, query string, args ...interface{}) error {
	return l.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO games (session, game_id) VALUES (?, ?)",
			l.session, int64(gameID)); err != nil {
			return err
		}
		args = append(args, l.session, int64(gameID))
		_, err := tx.Exec(query+" WHERE session = ? AND game_id = ?", args...)
		return err
	})
}

// RecordGameRegistered records a newly registered game.
func (l *Ledger) RecordGameRegistered(gameID uint64, name string, blue, red int) error {
	err := l.update(gameID,
		"UPDATE games SET name = ?, blue_players = ?, red_players = ?, registered_at = ?",
		name, blue, red, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record game %d: %w", gameID, err)
	}
	return nil
}

// RecordPlayerJoined counts a confirmed join.
func (l *Ledger) RecordPlayerJoined(gameID uint64) error {
	if err := l.update(gameID, "UPDATE games SET joins = joins + 1"); err != nil {
		return fmt.Errorf("failed to record join in game %d: %w", gameID, err)
	}
	return nil
}

// RecordRoundFinished counts a finished round.
func (l *Ledger) RecordRoundFinished(gameID uint64) error {
	if err := l.update(gameID, "UPDATE games SET rounds = rounds + 1"); err != nil {
		return fmt.Errorf("failed to record round of game %d: %w", gameID, err)
	}
	return nil
}

// RecordGameClosed records that a game left the directory and why.
func (l *Ledger) RecordGameClosed(gameID uint64, reason string) error {
	err := l.update(gameID,
		"UPDATE games SET closed_at = ?, close_reason = ?",
		l.now().UnixMilli(), reason)
	if err != nil {
		return fmt.Errorf("failed to record closing of game %d: %w", gameID, err)
	}
	return nil
}

// History returns up to limit games, most recently registered first.
func (l *Ledger) History(limit int) ([]GameRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := l.db.Query(`
		SELECT session, game_id, name, blue_players, red_players, rounds, joins,
		       registered_at, closed_at, close_reason
		FROM games
		ORDER BY registered_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query game history: %w", err)
	}
	defer rows.Close()

	var records []GameRecord
	for rows.Next() {
		var (
			r                    GameRecord
			gameID               int64
			registered, closedAt sql.NullInt64
		)
		if err := rows.Scan(&r.Session, &gameID, &r.Name, &r.BluePlayers, &r.RedPlayers,
			&r.Rounds, &r.Joins, &registered, &closedAt, &r.CloseReason); err != nil {
			return nil, fmt.Errorf("failed to scan game history: %w", err)
		}
		r.GameID = uint64(gameID)
		r.RegisteredAt = millis(registered)
		r.ClosedAt = millis(closedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune deletes games closed before cutoff and returns how many were
// removed. Open games are kept.
func (l *Ledger) Prune(cutoff time.Time) (int64, error) {
	res, err := l.db.Exec(
		"DELETE FROM games WHERE closed_at IS NOT NULL AND closed_at < ?",
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune game history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of games in the ledger.
func (l *Ledger) Count() (int, error) {
	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM games").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count games: %w", err)
	}
	return n, nil
}

func millis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// Subscribe records the relay's game events published on bus.
func (l *Ledger) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventGameRegistered, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.GamePayload)
		if !ok {
			return nil
		}
		return l.RecordGameRegistered(p.GameID, p.Name, p.BluePlayers, p.RedPlayers)
	})

	bus.Subscribe(events.EventPlayerJoined, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PlayerPayload)
		if !ok {
			return nil
		}
		return l.RecordPlayerJoined(p.GameID)
	})

	bus.Subscribe(events.EventRoundFinished, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.GamePayload)
		if !ok {
			return nil
		}
		return l.RecordRoundFinished(p.GameID)
	})

	bus.Subscribe(events.EventGameClosed, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.GamePayload)
		if !ok {
			return nil
		}
		return l.RecordGameClosed(p.GameID, p.Reason)
	})
}

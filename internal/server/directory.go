// Package server implements the relay: the game directory and the router
// that moves messages between players and game masters.
package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

var (
	// ErrGameExists is returned when a game name is already registered.
	ErrGameExists = errors.New("game name already registered")

	// ErrGameNotFound is returned for an unknown game.
	ErrGameNotFound = errors.New("game not found")

	// ErrGameClosed is returned when a game does not accept joins.
	ErrGameClosed = errors.New("game is not open for joining")

	// ErrGameFull is returned when every slot is taken or pending.
	ErrGameFull = errors.New("game is full")
)

// GameRecord is a registered game as the relay sees it.
type GameRecord struct {
	ID           uint64
	Name         string
	GameMasterID uint64
	MaxBlue      int
	MaxRed       int
	Blue         int
	Red          int
	Players      map[uint64]protocol.Team
	Pending      map[uint64]bool
	Started      bool
	Rounds       int
	RegisteredAt time.Time
}

func (g *GameRecord) full() bool {
	return g.Blue+g.Red+len(g.Pending) >= g.MaxBlue+g.MaxRed
}

// GameSummary is a read-only copy of a GameRecord.
type GameSummary struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	GameMasterID uint64    `json:"game_master_id"`
	MaxBlue      int       `json:"max_blue"`
	MaxRed       int       `json:"max_red"`
	Blue         int       `json:"blue"`
	Red          int       `json:"red"`
	Pending      int       `json:"pending"`
	Players      []uint64  `json:"players"`
	Started      bool      `json:"started"`
	Rounds       int       `json:"rounds"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (g *GameRecord) summary() GameSummary {
	s := GameSummary{
		ID:           g.ID,
		Name:         g.Name,
		GameMasterID: g.GameMasterID,
		MaxBlue:      g.MaxBlue,
		MaxRed:       g.MaxRed,
		Blue:         g.Blue,
		Red:          g.Red,
		Pending:      len(g.Pending),
		Started:      g.Started,
		Rounds:       g.Rounds,
		RegisteredAt: g.RegisteredAt,
	}
	for id := range g.Players {
		s.Players = append(s.Players, id)
	}
	sort.Slice(s.Players, func(i, j int) bool { return s.Players[i] < s.Players[j] })
	return s
}

// GameDirectory tracks registered games and which game every player is
// pending on or bound to. A game's id is the connection id of its game
// master.
type GameDirectory struct {
	mu         sync.RWMutex
	games      map[uint64]*GameRecord
	byName     map[string]uint64
	playerGame map[uint64]uint64
}

// NewGameDirectory creates an empty directory.
func NewGameDirectory() *GameDirectory {
	return &GameDirectory{
		games:      make(map[uint64]*GameRecord),
		byName:     make(map[string]uint64),
		playerGame: make(map[uint64]uint64),
	}
}

// Register adds a game owned by the game master connection gmID.
func (d *GameDirectory) Register(gmID uint64, info protocol.GameInfo) (GameSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byName[info.Name]; exists {
		return GameSummary{}, fmt.Errorf("%q: %w", info.Name, ErrGameExists)
	}
	if _, exists := d.games[gmID]; exists {
		return GameSummary{}, fmt.Errorf("connection %d already owns a game", gmID)
	}

	g := &GameRecord{
		ID:           gmID,
		Name:         info.Name,
		GameMasterID: gmID,
		MaxBlue:      info.BluePlayers,
		MaxRed:       info.RedPlayers,
		Players:      make(map[uint64]protocol.Team),
		Pending:      make(map[uint64]bool),
		RegisteredAt: time.Now(),
	}
	d.games[gmID] = g
	d.byName[info.Name] = gmID
	return g.summary(), nil
}

// Open lists games accepting joins. Team counts are free slots.
func (d *GameDirectory) Open() []protocol.GameInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []protocol.GameInfo
	for _, g := range d.games {
		if g.Started || g.full() {
			continue
		}
		out = append(out, protocol.GameInfo{
			Name:        g.Name,
			BluePlayers: max(g.MaxBlue-g.Blue, 0),
			RedPlayers:  max(g.MaxRed-g.Red, 0),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddPending records a join request of playerID for the named game and
// returns the game's id.
func (d *GameDirectory) AddPending(name string, playerID uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gameID, ok := d.playerGame[playerID]; ok {
		return 0, fmt.Errorf("player %d already joined game %d", playerID, gameID)
	}

	gameID, ok := d.byName[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrGameNotFound)
	}
	g := d.games[gameID]
	if g.Started {
		return 0, fmt.Errorf("%q: %w", name, ErrGameClosed)
	}
	if g.full() {
		return 0, fmt.Errorf("%q: %w", name, ErrGameFull)
	}

	g.Pending[playerID] = true
	d.playerGame[playerID] = gameID
	return gameID, nil
}

// Confirm binds a pending player to its team. It fails when the player is
// not pending on gameID.
func (d *GameDirectory) Confirm(gameID, playerID uint64, team protocol.Team) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.games[gameID]
	if !ok {
		return fmt.Errorf("game %d: %w", gameID, ErrGameNotFound)
	}
	if !g.Pending[playerID] {
		return fmt.Errorf("player %d has no pending join for game %d", playerID, gameID)
	}

	delete(g.Pending, playerID)
	g.Players[playerID] = team
	if team == protocol.TeamBlue {
		g.Blue++
	} else {
		g.Red++
	}
	return nil
}

// Reject clears a pending join.
func (d *GameDirectory) Reject(gameID, playerID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.games[gameID]
	if !ok || !g.Pending[playerID] {
		return false
	}
	delete(g.Pending, playerID)
	delete(d.playerGame, playerID)
	return true
}

// Remove deletes a game and returns every bound or pending player id.
func (d *GameDirectory) Remove(gameID uint64) (GameSummary, []uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.games[gameID]
	if !ok {
		return GameSummary{}, nil, false
	}

	summary := g.summary()
	players := make([]uint64, 0, len(g.Players)+len(g.Pending))
	for id := range g.Players {
		players = append(players, id)
	}
	for id := range g.Pending {
		players = append(players, id)
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })

	for _, id := range players {
		delete(d.playerGame, id)
	}
	delete(d.games, gameID)
	delete(d.byName, g.Name)
	return summary, players, true
}

// RemovePlayer drops a player from whatever game it is pending on or bound
// to. It returns the game id and whether the player had been confirmed.
func (d *GameDirectory) RemovePlayer(playerID uint64) (gameID uint64, bound bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	gameID, ok = d.playerGame[playerID]
	if !ok {
		return 0, false, false
	}
	delete(d.playerGame, playerID)

	g, exists := d.games[gameID]
	if !exists {
		return gameID, false, true
	}
	if team, joined := g.Players[playerID]; joined {
		delete(g.Players, playerID)
		if team == protocol.TeamBlue {
			g.Blue--
		} else {
			g.Red--
		}
		return gameID, true, true
	}
	delete(g.Pending, playerID)
	return gameID, false, true
}

// Member reports whether playerID is bound to gameID.
func (d *GameDirectory) Member(gameID, playerID uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.games[gameID]
	if !ok {
		return false
	}
	_, joined := g.Players[playerID]
	return joined
}

// Pending reports whether playerID has an unanswered join for gameID.
func (d *GameDirectory) Pending(gameID, playerID uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.games[gameID]
	return ok && g.Pending[playerID]
}

// SetStarted closes the game for joins.
func (d *GameDirectory) SetStarted(gameID uint64) (GameSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.games[gameID]
	if !ok {
		return GameSummary{}, false
	}
	g.Started = true
	return g.summary(), true
}

// FinishRound marks the current round finished and reopens the game. It
// returns false when no round was running.
func (d *GameDirectory) FinishRound(gameID uint64) (GameSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.games[gameID]
	if !ok || !g.Started {
		return GameSummary{}, false
	}
	g.Started = false
	g.Rounds++
	return g.summary(), true
}

// AbandonRound reopens a started game once one of its teams is empty and
// counts the round. It returns false when the round goes on.
func (d *GameDirectory) AbandonRound(gameID uint64) (GameSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.games[gameID]
	if !ok || !g.Started || (g.Blue > 0 && g.Red > 0) {
		return GameSummary{}, false
	}
	g.Started = false
	g.Rounds++
	return g.summary(), true
}

// Get returns a copy of one game.
func (d *GameDirectory) Get(gameID uint64) (GameSummary, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.games[gameID]
	if !ok {
		return GameSummary{}, false
	}
	return g.summary(), true
}

// Snapshot returns every game ordered by id.
func (d *GameDirectory) Snapshot() []GameSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]GameSummary, 0, len(d.games))
	for _, g := range d.games {
		out = append(out, g.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered games.
func (d *GameDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.games)
}

package gamemaster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/events"
	"github.com/gridgame-project/gridgame/internal/network"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

// ErrRegistrationRejected is returned when the relay keeps rejecting the
// game name past the configured retry limit.
var ErrRegistrationRejected = errors.New("game registration rejected")

const actionQueueSize = 16

// worker applies one player's actions in arrival order, each after its
// configured delay.
type worker struct {
	playerID uint64
	actions  chan protocol.Action
	quit     chan struct{}
}

// Master is a game master process: it registers its game with the relay,
// admits players and runs rounds until its context is cancelled.
type Master struct {
	cfg      config.GameMasterConfig
	engine   *Engine
	eventBus *events.EventBus
	logger   zerolog.Logger

	conn *network.Connection

	mu      sync.Mutex
	workers map[uint64]*worker
	spawner *Spawner
	wg      sync.WaitGroup
}

// NewMaster creates a game master for cfg. eventBus may be nil.
func NewMaster(cfg config.GameMasterConfig, eventBus *events.EventBus) *Master {
	return &Master{
		cfg:      cfg,
		engine:   NewEngine(cfg.Game, nil),
		eventBus: eventBus,
		workers:  make(map[uint64]*worker),
		logger: log.With().
			Str("component", "gamemaster").
			Str("game", cfg.Game.GameName).
			Logger(),
	}
}

// Engine exposes the game engine.
func (m *Master) Engine() *Engine {
	return m.engine
}

// Run connects to the relay, registers the game and serves it until ctx is
// cancelled or the relay goes away.
func (m *Master) Run(ctx context.Context) error {
	conn, err := network.Dial(ctx, network.DialConfig{
		Address:   m.cfg.Connection.ServerAddress,
		Attempts:  m.cfg.Connection.ConnectionAttempts,
		RetryWait: config.Millis(m.cfg.Connection.InterConnectionTime),
	})
	if err != nil {
		return err
	}
	return m.Serve(ctx, conn)
}

// Serve runs the game master over an established relay connection.
func (m *Master) Serve(ctx context.Context, conn *network.Connection) error {
	m.conn = conn
	defer m.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.keepAlive(ctx)
	}()

	if err := m.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, network.ErrPeerDisconnected) {
				m.logger.Warn().Msg("relay server disconnected")
			}
			return err
		}
		m.dispatch(ctx, msg)
	}
}

// register sends RegisterGame until the relay confirms it, waiting
// RetryRegisterGameInterval after each rejection. A RegisterRetryLimit of
// 0 retries forever.
func (m *Master) register(ctx context.Context) error {
	game := m.cfg.Game
	retryWait := config.Millis(game.RetryRegisterGameInterval)

	for attempt := 1; ; attempt++ {
		if err := m.conn.Send(&protocol.RegisterGame{NewGameInfo: m.engine.GameInfo()}); err != nil {
			return fmt.Errorf("failed to send registration: %w", err)
		}

		confirmed, err := m.awaitRegistration()
		if err != nil {
			return err
		}
		if confirmed != nil {
			m.engine.SetRegistered(confirmed.GameID)
			m.logger.Info().
				Uint64("game_id", confirmed.GameID).
				Int("attempt", attempt).
				Msg("game registered")
			m.eventBus.Emit(ctx, events.Event{
				Type:   events.EventGameRegistered,
				Source: "gamemaster",
				Payload: events.GamePayload{
					GameID: confirmed.GameID,
					Name:   game.GameName,
				},
			})
			return nil
		}

		if game.RegisterRetryLimit > 0 && attempt >= game.RegisterRetryLimit {
			return fmt.Errorf("%w after %d attempts", ErrRegistrationRejected, attempt)
		}

		m.logger.Warn().
			Int("attempt", attempt).
			Dur("retry_in", retryWait).
			Msg("game registration rejected, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}
}

// awaitRegistration reads until the relay answers a registration. It
// returns nil on rejection.
func (m *Master) awaitRegistration() (*protocol.ConfirmGameRegistration, error) {
	for {
		msg, err := m.conn.Receive()
		if err != nil {
			return nil, err
		}
		switch reply := msg.(type) {
		case *protocol.ConfirmGameRegistration:
			return reply, nil
		case *protocol.RejectGameRegistration:
			return nil, nil
		default:
			m.logger.Debug().Str("kind", string(msg.Kind())).Msg("ignoring message before registration")
		}
	}
}

func (m *Master) keepAlive(ctx context.Context) {
	interval := config.Millis(m.cfg.Connection.KeepAliveInterval)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.conn.SendKeepAlive(); err != nil {
				m.logger.Debug().Err(err).Msg("keep-alive failed")
				return
			}
		}
	}
}

func (m *Master) dispatch(ctx context.Context, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.JoinGame:
		m.handleJoin(ctx, msg)

	case protocol.Action:
		playerID, ok := m.engine.PlayerByGUID(msg.GUID())
		if !ok {
			m.logger.Warn().Str("kind", string(msg.Kind())).Msg("action with unknown player GUID dropped")
			return
		}
		if gameID := m.engine.GameID(); msg.Game() != gameID {
			m.logger.Warn().Uint64("player_id", playerID).Uint64("sent_game_id", msg.Game()).Msg("action for another game dropped")
			return
		}
		m.enqueue(ctx, playerID, msg)

	case *protocol.PlayerDisconnected:
		m.stopWorker(msg.PlayerID)
		if m.engine.RemovePlayer(msg.PlayerID) {
			m.logger.Info().Uint64("player_id", msg.PlayerID).Msg("player left")
			m.eventBus.Emit(ctx, events.Event{
				Type:   events.EventPlayerLeft,
				Source: "gamemaster",
				Payload: events.PlayerPayload{
					GameID:   m.engine.GameID(),
					PlayerID: msg.PlayerID,
				},
			})
		}
		if m.engine.AbandonRound() {
			m.abandonRound(ctx)
		}

	default:
		m.logger.Debug().Str("kind", string(msg.Kind())).Msg("ignoring message")
	}
}

func (m *Master) handleJoin(ctx context.Context, req *protocol.JoinGame) {
	if req.PlayerID == nil {
		m.logger.Warn().Msg("join request without player id dropped")
		return
	}
	playerID := *req.PlayerID

	confirm, err := m.engine.Join(playerID, req.PreferredTeam, req.PreferredRole)
	if err != nil {
		m.logger.Info().Err(err).Uint64("player_id", playerID).Msg("join rejected")
		m.send(&protocol.RejectJoiningGame{PlayerID: playerID, GameName: m.cfg.Game.GameName})
		return
	}

	m.startWorker(ctx, playerID)
	m.send(confirm)

	m.logger.Info().
		Uint64("player_id", playerID).
		Str("team", string(confirm.Definition.Team)).
		Str("role", string(confirm.Definition.Role)).
		Msg("player joined")
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPlayerJoined,
		Source: "gamemaster",
		Payload: events.PlayerPayload{
			GameID:   confirm.GameID,
			PlayerID: playerID,
			Team:     string(confirm.Definition.Team),
			Role:     string(confirm.Definition.Role),
		},
	})

	if m.engine.Full() {
		m.startRound(ctx)
	}
}

// startRound starts a round when the teams are full. Concurrent callers
// are safe; only one of them starts the round.
func (m *Master) startRound(ctx context.Context) {
	games, err := m.engine.Start()
	if err != nil {
		if !errors.Is(err, ErrNotReady) {
			m.logger.Error().Err(err).Msg("failed to start round")
		}
		return
	}

	gameID := m.engine.GameID()
	m.send(&protocol.GameStarted{GameID: gameID})
	for _, g := range games {
		m.send(g)
	}

	m.mu.Lock()
	m.spawner = StartSpawner(m.engine, config.Millis(m.cfg.Game.PlacingNewPiecesFrequency), func(pieceID uint64) {
		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventPieceSpawned,
			Source: "gamemaster",
			Payload: events.GamePayload{
				GameID: gameID,
				Name:   m.cfg.Game.GameName,
			},
		})
	})
	m.mu.Unlock()

	m.logger.Info().Int("players", len(games)).Msg("round started")
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventGameStarted,
		Source: "gamemaster",
		Payload: events.GamePayload{
			GameID:      gameID,
			Name:        m.cfg.Game.GameName,
			BluePlayers: m.cfg.Game.NumberOfPlayersPerTeam,
			RedPlayers:  m.cfg.Game.NumberOfPlayersPerTeam,
		},
	})
}

func (m *Master) stopSpawner() {
	m.mu.Lock()
	s := m.spawner
	m.spawner = nil
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

func (m *Master) startWorker(ctx context.Context, playerID uint64) {
	w := &worker{
		playerID: playerID,
		actions:  make(chan protocol.Action, actionQueueSize),
		quit:     make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.workers[playerID]; ok {
		close(old.quit)
	}
	m.workers[playerID] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWorker(ctx, w)
	}()
}

func (m *Master) stopWorker(playerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[playerID]; ok {
		close(w.quit)
		delete(m.workers, playerID)
	}
}

// enqueue hands an action to its player's worker, blocking while the
// worker's queue is full.
func (m *Master) enqueue(ctx context.Context, playerID uint64, action protocol.Action) {
	m.mu.Lock()
	w, ok := m.workers[playerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case w.actions <- action:
	case <-w.quit:
	case <-ctx.Done():
	}
}

func (m *Master) runWorker(ctx context.Context, w *worker) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Uint64("player_id", w.playerID).Msg("player worker panicked")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case action := <-w.actions:
			select {
			case <-ctx.Done():
				return
			case <-w.quit:
				return
			case <-time.After(m.delay(action)):
			}
			m.apply(ctx, w.playerID, action)
		}
	}
}

// delay returns the configured cost of an action.
func (m *Master) delay(action protocol.Action) time.Duration {
	costs := m.cfg.Game.ActionCosts
	switch action.(type) {
	case *protocol.Move:
		return config.Millis(costs.Move)
	case *protocol.Discover:
		return config.Millis(costs.Discover)
	case *protocol.TestPiece:
		return config.Millis(costs.Test)
	case *protocol.PickUpPiece:
		return config.Millis(costs.PickUp)
	case *protocol.PlacePiece:
		return config.Millis(costs.Placing)
	case *protocol.AuthorizeKnowledgeExchange:
		return config.Millis(costs.KnowledgeExchange)
	}
	return 0
}

func (m *Master) apply(ctx context.Context, playerID uint64, action protocol.Action) {
	switch a := action.(type) {
	case *protocol.Move:
		m.send(m.engine.Move(playerID, a.Direction))
	case *protocol.Discover:
		m.send(m.engine.Discover(playerID))
	case *protocol.PickUpPiece:
		m.send(m.engine.PickUp(playerID))
	case *protocol.TestPiece:
		m.send(m.engine.TestPiece(playerID))
	case *protocol.PlacePiece:
		result := m.engine.Place(playerID)
		m.send(result.Data)
		if result.Scored {
			m.onScore(ctx, result)
		}
	case *protocol.AuthorizeKnowledgeExchange:
		req, reply := m.engine.AuthorizeExchange(playerID, a.WithPlayerID)
		if req != nil {
			m.send(req)
		}
		m.send(reply)
	}
}

func (m *Master) onScore(ctx context.Context, result PlaceResult) {
	payload := events.ScorePayload{
		GameID:    m.engine.GameID(),
		Team:      string(result.Team),
		BlueScore: result.Blue,
		RedScore:  result.Red,
		Target:    result.Target,
	}

	m.logger.Info().
		Str("team", string(result.Team)).
		Int("blue", result.Blue).
		Int("red", result.Red).
		Int("target", result.Target).
		Msg("goal completed")
	m.eventBus.Emit(ctx, events.Event{Type: events.EventTeamScored, Source: "gamemaster", Payload: payload})

	if result.Winner == "" {
		return
	}

	payload.Team = string(result.Winner)
	m.logger.Info().Str("winner", string(result.Winner)).Msg("game won")
	m.eventBus.Emit(ctx, events.Event{Type: events.EventGameWon, Source: "gamemaster", Payload: payload})
	m.finishRound(ctx)
}

// finishRound announces the end of a round, stops the spawner, waits the
// end-of-game pause and resets the board in place. A new round starts
// right away when the teams are still full.
func (m *Master) finishRound(ctx context.Context) {
	for _, id := range m.engine.PlayerIDs() {
		m.send(&protocol.Data{PlayerID: id, GameFinished: true})
	}
	m.stopSpawner()

	select {
	case <-ctx.Done():
		return
	case <-time.After(config.Millis(m.cfg.Game.EndGamePause)):
	}

	m.engine.Reset()
	m.logger.Info().Msg("round reset")
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventRoundReset,
		Source: "gamemaster",
		Payload: events.GamePayload{
			GameID: m.engine.GameID(),
			Name:   m.cfg.Game.GameName,
		},
	})

	if m.engine.Full() {
		m.startRound(ctx)
	}
}

// abandonRound ends a round that lost a whole team. The remaining players
// are told the round is over and wait for the teams to fill again.
func (m *Master) abandonRound(ctx context.Context) {
	m.stopSpawner()
	for _, id := range m.engine.PlayerIDs() {
		m.send(&protocol.Data{PlayerID: id, GameFinished: true})
	}

	m.logger.Info().Int("players", m.engine.PlayerCount()).Msg("round abandoned")
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventRoundReset,
		Source: "gamemaster",
		Payload: events.GamePayload{
			GameID: m.engine.GameID(),
			Name:   m.cfg.Game.GameName,
			Reason: "team left",
		},
	})
}

func (m *Master) send(msg protocol.Message) {
	if err := m.conn.Send(msg); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(msg.Kind())).Msg("failed to send")
	}
}

// shutdown stops the spawner and every player worker.
func (m *Master) shutdown() {
	m.stopSpawner()

	m.mu.Lock()
	for id, w := range m.workers {
		close(w.quit)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("game master stopped")
}

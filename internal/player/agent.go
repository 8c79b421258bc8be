package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/network"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

type agentState int

const (
	stateLobby agentState = iota
	stateJoining
	stateJoined
	statePlaying
	stateFinished
)

// Stats counts what an agent did.
type Stats struct {
	Rounds    int
	Actions   int
	Exchanges int
	Rejoins   int
}

// Agent is a player process: it finds a game in the lobby, joins it and
// plays with its Decider until its context is cancelled.
type Agent struct {
	cfg     config.PlayerConfig
	decider Decider
	logger  zerolog.Logger

	conn *network.Connection

	// Owned by the receive loop.
	state     agentState
	confirm   *protocol.ConfirmJoiningGame
	knowledge *Knowledge
	pending   *Decision

	mu    sync.Mutex
	stats Stats
	wg    sync.WaitGroup
}

// NewAgent creates a player for cfg. A nil decider uses the greedy
// strategy.
func NewAgent(cfg config.PlayerConfig, decider Decider) *Agent {
	if decider == nil {
		decider = NewGreedy(nil, cfg.ExchangeEvery)
	}
	return &Agent{
		cfg:     cfg,
		decider: decider,
		logger:  log.With().Str("component", "player").Logger(),
	}
}

// Stats returns a copy of the agent's counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Agent) count(fn func(s *Stats)) {
	a.mu.Lock()
	fn(&a.stats)
	a.mu.Unlock()
}

// Run connects to the relay and plays until ctx is cancelled or the relay
// goes away.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := network.Dial(ctx, network.DialConfig{
		Address:   a.cfg.Connection.ServerAddress,
		Attempts:  a.cfg.Connection.ConnectionAttempts,
		RetryWait: config.Millis(a.cfg.Connection.InterConnectionTime),
	})
	if err != nil {
		return err
	}
	return a.Serve(ctx, conn)
}

// Serve plays over an established relay connection.
func (a *Agent) Serve(ctx context.Context, conn *network.Connection) error {
	a.conn = conn
	defer a.wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.keepAlive(ctx)
	}()

	a.state = stateLobby
	if err := conn.Send(&protocol.GetGames{}); err != nil {
		return err
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, network.ErrPeerDisconnected) {
				a.logger.Warn().Msg("relay server disconnected")
			}
			return err
		}
		a.handle(ctx, msg)
	}
}

func (a *Agent) keepAlive(ctx context.Context) {
	interval := config.Millis(a.cfg.Connection.KeepAliveInterval)
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
			if err := a.conn.SendKeepAlive(); err != nil {
				a.logger.Debug().Err(err).Msg("keep-alive failed")
				return
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RegisteredGames:
		a.chooseGame(ctx, m)

	case *protocol.RejectJoiningGame:
		a.logger.Info().Str("game", m.GameName).Msg("join rejected")
		a.state = stateLobby
		a.later(ctx, &protocol.GetGames{})

	case *protocol.ConfirmJoiningGame:
		a.confirm = m
		a.state = stateJoined
		a.logger.Info().
			Uint64("player_id", m.PlayerID).
			Uint64("game_id", m.GameID).
			Str("team", string(m.Definition.Team)).
			Str("role", string(m.Definition.Role)).
			Msg("joined game")

	case *protocol.Game:
		a.startRound(m)

	case *protocol.Data:
		a.handleData(m)

	case *protocol.KnowledgeExchangeRequest:
		a.answerExchange(m)

	case *protocol.AcceptExchangeRequest:
		if a.knowledge != nil {
			a.send(a.knowledge.Export(m.SenderPlayerID))
		}

	case *protocol.RejectKnowledgeExchange:
		a.logger.Debug().Uint64("with", m.SenderPlayerID).Bool("permanent", m.Permanent).Msg("exchange rejected")

	case *protocol.GameMasterDisconnected:
		a.logger.Warn().Uint64("game_id", m.GameID).Msg("game master disconnected, back to the lobby")
		a.leaveGame()
		a.count(func(s *Stats) { s.Rejoins++ })
		a.later(ctx, &protocol.GetGames{})

	default:
		a.logger.Debug().Str("kind", string(msg.Kind())).Msg("ignoring message")
	}
}

// chooseGame joins the configured game, or the first open game when no
// name is configured. Without a match the lobby is polled again later.
func (a *Agent) chooseGame(ctx context.Context, m *protocol.RegisteredGames) {
	if a.state != stateLobby {
		return
	}

	name := ""
	for _, g := range m.Games {
		if g.BluePlayers+g.RedPlayers == 0 {
			continue
		}
		if a.cfg.GameName == "" || g.Name == a.cfg.GameName {
			name = g.Name
			break
		}
	}
	if name == "" {
		a.logger.Debug().Int("open_games", len(m.Games)).Msg("no game to join yet")
		a.later(ctx, &protocol.GetGames{})
		return
	}

	a.state = stateJoining
	a.send(&protocol.JoinGame{
		GameName:      name,
		PreferredTeam: a.cfg.PreferredTeam,
		PreferredRole: a.cfg.PreferredRole,
	})
}

func (a *Agent) leaveGame() {
	a.state = stateLobby
	a.confirm = nil
	a.knowledge = nil
	a.pending = nil
}

func (a *Agent) startRound(g *protocol.Game) {
	if a.confirm == nil {
		a.logger.Warn().Msg("game snapshot before joining ignored")
		return
	}

	a.knowledge = NewKnowledge(a.confirm)
	a.knowledge.ApplyGame(g)
	a.state = statePlaying
	a.pending = nil
	a.count(func(s *Stats) { s.Rounds++ })

	a.logger.Info().
		Int("x", a.knowledge.Location().X).
		Int("y", a.knowledge.Location().Y).
		Int("players", len(g.Players)).
		Msg("round started")
	a.act()
}

// handleData tells the answers to the player's own actions, which always
// carry its location, from knowledge sent by team mates.
func (a *Agent) handleData(d *protocol.Data) {
	if d.GameFinished {
		if a.state == statePlaying {
			a.logger.Info().Int("turns", a.knowledge.Turns()).Msg("round finished")
		}
		a.state = stateFinished
		a.pending = nil
		return
	}
	if a.knowledge == nil {
		return
	}

	if d.Location == nil {
		if !d.Empty() {
			a.knowledge.Merge(d)
			a.count(func(s *Stats) { s.Exchanges++ })
		}
		return
	}

	if a.state != statePlaying || a.pending == nil {
		return
	}
	a.knowledge.Record(*a.pending, d)
	a.pending = nil
	a.act()
}

func (a *Agent) act() {
	dec := a.decider.Decide(a.knowledge)
	a.pending = &dec
	a.count(func(s *Stats) { s.Actions++ })

	a.logger.Trace().Str("decision", dec.String()).Msg("acting")
	a.send(dec.Message(a.knowledge.GameID(), a.knowledge.GUID()))
}

// answerExchange shares knowledge with team mates and turns opponents
// down.
func (a *Agent) answerExchange(m *protocol.KnowledgeExchangeRequest) {
	var me uint64
	if a.confirm != nil {
		me = a.confirm.PlayerID
	}

	if a.knowledge == nil || !a.knowledge.IsTeammate(m.SenderPlayerID) {
		a.send(&protocol.RejectKnowledgeExchange{PlayerID: m.SenderPlayerID, SenderPlayerID: me})
		return
	}

	a.send(&protocol.AcceptExchangeRequest{PlayerID: m.SenderPlayerID, SenderPlayerID: me})
	a.send(a.knowledge.Export(m.SenderPlayerID))
}

// later sends msg after the join retry interval unless ctx ends first.
func (a *Agent) later(ctx context.Context, msg protocol.Message) {
	wait := config.Millis(a.cfg.RetryJoinGameInterval)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(wait):
			a.send(msg)
		}
	}()
}

func (a *Agent) send(msg protocol.Message) {
	if err := a.conn.Send(msg); err != nil {
		a.logger.Warn().Err(err).Str("kind", string(msg.Kind())).Msg("failed to send")
	}
}

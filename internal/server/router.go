package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/events"
	"github.com/gridgame-project/gridgame/internal/network"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

// ErrProtocol is returned when a client sends a message its role or state
// does not allow. It ends the offending connection.
var ErrProtocol = errors.New("protocol violation")

// Router classifies connections and relays messages between players and
// game masters. It implements network.Handler.
type Router struct {
	registry *network.ConnectionRegistry
	games    *GameDirectory
	eventBus *events.EventBus
	logger   zerolog.Logger
}

// NewRouter creates a router over the given registry. eventBus may be nil.
func NewRouter(registry *network.ConnectionRegistry, eventBus *events.EventBus) *Router {
	return &Router{
		registry: registry,
		games:    NewGameDirectory(),
		eventBus: eventBus,
		logger:   log.With().Str("component", "router").Logger(),
	}
}

// Games exposes the game directory.
func (r *Router) Games() *GameDirectory {
	return r.games
}

// ConnectionInfo describes a connected client.
type ConnectionInfo struct {
	ID           uint64              `json:"id"`
	Role         protocol.ClientRole `json:"role"`
	GameID       uint64              `json:"game_id,omitempty"`
	Remote       string              `json:"remote"`
	ConnectedAt  time.Time           `json:"connected_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// Connections returns every registered connection ordered by id.
func (r *Router) Connections() []ConnectionInfo {
	conns := r.registry.All()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		gameID, _ := c.GameID()
		out = append(out, ConnectionInfo{
			ID:           c.ID(),
			Role:         c.Role(),
			GameID:       gameID,
			Remote:       c.RemoteAddr().String(),
			ConnectedAt:  c.ConnectedAt(),
			LastActivity: c.LastActivity(),
		})
	}
	return out
}

type messageHandler func(ctx context.Context, conn *network.Connection, msg protocol.Message) error

// HandleConnection serves one client until it disconnects or breaks the
// protocol. Its role is fixed by the first message.
func (r *Router) HandleConnection(ctx context.Context, conn *network.Connection) {
	defer r.disconnect(ctx, conn)

	msg, err := conn.Receive()
	if err != nil {
		r.logReceiveError(conn, err)
		return
	}

	role := protocol.ClassifyFirstMessage(msg)
	if role == protocol.ClientUnknown {
		logger := conn.Logger()
		logger.Warn().Str("kind", string(msg.Kind())).Msg("unexpected first message, closing connection")
		return
	}
	conn.SetRole(role)

	logger := conn.Logger()
	logger.Info().Msg("client classified")
	r.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConnectionOpened,
		Source: "router",
		Payload: events.ConnectionPayload{
			ConnID: conn.ID(),
			Role:   role.String(),
			Remote: conn.RemoteAddr().String(),
		},
	})

	handle := messageHandler(r.handlePlayer)
	if role == protocol.ClientGameMaster {
		handle = r.handleGameMaster
	}

	for {
		if err := handle(ctx, conn, msg); err != nil {
			logger := conn.Logger()
			logger.Warn().Err(err).Str("kind", string(msg.Kind())).Msg("closing connection")
			return
		}

		msg, err = conn.Receive()
		if err != nil {
			r.logReceiveError(conn, err)
			return
		}
	}
}

func (r *Router) logReceiveError(conn *network.Connection, err error) {
	logger := conn.Logger()
	if errors.Is(err, network.ErrPeerDisconnected) || errors.Is(err, network.ErrConnectionClosed) {
		logger.Debug().Err(err).Msg("connection ended")
		return
	}
	logger.Warn().Err(err).Msg("receive failed")
}

// handleGameMaster processes one message from a game master connection.
func (r *Router) handleGameMaster(ctx context.Context, conn *network.Connection, msg protocol.Message) error {
	gameID, registered := conn.GameID()

	if m, ok := msg.(*protocol.RegisterGame); ok {
		if registered {
			return fmt.Errorf("%w: game %d already registered on this connection", ErrProtocol, gameID)
		}
		return r.registerGame(ctx, conn, m)
	}
	if !registered {
		return fmt.Errorf("%w: %s before game registration", ErrProtocol, msg.Kind())
	}

	switch m := msg.(type) {
	case *protocol.ConfirmJoiningGame:
		r.confirmJoin(ctx, gameID, m)

	case *protocol.RejectJoiningGame:
		if !r.games.Reject(gameID, m.PlayerID) {
			r.logger.Debug().Uint64("game_id", gameID).Uint64("player_id", m.PlayerID).Msg("reject for unknown join dropped")
			return nil
		}
		r.sendTo(m.PlayerID, m)

	case *protocol.GameStarted:
		summary, ok := r.games.SetStarted(gameID)
		if !ok {
			return nil
		}
		r.logger.Info().Uint64("game_id", gameID).Str("game", summary.Name).Msg("game started")
		r.eventBus.Emit(ctx, events.Event{
			Type:    events.EventGameStarted,
			Source:  "router",
			Payload: gamePayload(summary, ""),
		})

	case *protocol.Data:
		r.relayToMember(gameID, m)
		if m.GameFinished {
			if summary, ok := r.games.FinishRound(gameID); ok {
				r.logger.Info().Uint64("game_id", gameID).Int("rounds", summary.Rounds).Msg("round finished")
				r.eventBus.Emit(ctx, events.Event{
					Type:    events.EventRoundFinished,
					Source:  "router",
					Payload: gamePayload(summary, ""),
				})
			}
		}

	case *protocol.Game:
		r.relayToMember(gameID, m)

	case *protocol.KnowledgeExchangeRequest:
		r.relayToMember(gameID, m)

	default:
		return fmt.Errorf("%w: game master may not send %s", ErrProtocol, msg.Kind())
	}
	return nil
}

func (r *Router) registerGame(ctx context.Context, conn *network.Connection, m *protocol.RegisterGame) error {
	summary, err := r.games.Register(conn.ID(), m.NewGameInfo)
	if err != nil {
		r.logger.Info().Err(err).Uint64("conn_id", conn.ID()).Msg("game registration rejected")
		r.eventBus.Emit(ctx, events.Event{
			Type:   events.EventGameRegistrationDenied,
			Source: "router",
			Payload: events.GamePayload{
				Name:   m.NewGameInfo.Name,
				Reason: err.Error(),
			},
		})
		return conn.Send(&protocol.RejectGameRegistration{GameName: m.NewGameInfo.Name})
	}

	conn.BindGame(summary.ID)
	if err := conn.Send(&protocol.ConfirmGameRegistration{GameID: summary.ID}); err != nil {
		return err
	}

	r.logger.Info().
		Uint64("game_id", summary.ID).
		Str("game", summary.Name).
		Int("blue", summary.MaxBlue).
		Int("red", summary.MaxRed).
		Msg("game registered")
	r.eventBus.Emit(ctx, events.Event{
		Type:    events.EventGameRegistered,
		Source:  "router",
		Payload: gamePayload(summary, ""),
	})
	return nil
}

func (r *Router) confirmJoin(ctx context.Context, gameID uint64, m *protocol.ConfirmJoiningGame) {
	if err := r.games.Confirm(gameID, m.PlayerID, m.Definition.Team); err != nil {
		r.logger.Debug().Err(err).Msg("confirmation for unknown join dropped")
		return
	}

	player, ok := r.registry.Get(m.PlayerID)
	if !ok {
		return
	}
	player.BindGame(gameID)
	r.send(player, m)

	r.logger.Info().
		Uint64("game_id", gameID).
		Uint64("player_id", m.PlayerID).
		Str("team", string(m.Definition.Team)).
		Str("role", string(m.Definition.Role)).
		Msg("player joined")
	r.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPlayerJoined,
		Source: "router",
		Payload: events.PlayerPayload{
			GameID:   gameID,
			PlayerID: m.PlayerID,
			Team:     string(m.Definition.Team),
			Role:     string(m.Definition.Role),
		},
	})
}

// handlePlayer processes one message from a player connection.
func (r *Router) handlePlayer(ctx context.Context, conn *network.Connection, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.GetGames:
		return conn.Send(&protocol.RegisteredGames{Games: r.games.Open()})

	case *protocol.JoinGame:
		return r.joinGame(conn, m)

	case protocol.Action:
		gameID, bound := conn.GameID()
		if !bound {
			return fmt.Errorf("%w: %s before joining a game", ErrProtocol, msg.Kind())
		}
		if m.Game() != gameID {
			r.logger.Warn().
				Uint64("player_id", conn.ID()).
				Uint64("game_id", gameID).
				Uint64("sent_game_id", m.Game()).
				Msg("action for another game dropped")
			return nil
		}
		r.sendTo(gameID, m)
		return nil

	case *protocol.Data:
		// Only the game master ends rounds or answers actions.
		m.GameFinished = false
		m.Location = nil
		return r.relayFromPlayer(conn, m)

	case *protocol.AcceptExchangeRequest:
		m.SenderPlayerID = conn.ID()
		return r.relayFromPlayer(conn, m)

	case *protocol.RejectKnowledgeExchange:
		m.SenderPlayerID = conn.ID()
		return r.relayFromPlayer(conn, m)
	}
	return fmt.Errorf("%w: player may not send %s", ErrProtocol, msg.Kind())
}

func (r *Router) joinGame(conn *network.Connection, m *protocol.JoinGame) error {
	reject := &protocol.RejectJoiningGame{PlayerID: conn.ID(), GameName: m.GameName}

	if gameID, bound := conn.GameID(); bound {
		r.logger.Debug().Uint64("player_id", conn.ID()).Uint64("game_id", gameID).Msg("join while bound")
		return conn.Send(reject)
	}

	gameID, err := r.games.AddPending(m.GameName, conn.ID())
	if err != nil {
		r.logger.Debug().Err(err).Uint64("player_id", conn.ID()).Msg("join rejected")
		return conn.Send(reject)
	}

	gm, ok := r.registry.Get(gameID)
	if !ok {
		r.games.Reject(gameID, conn.ID())
		return conn.Send(reject)
	}

	m.PlayerID = protocol.ID(conn.ID())
	if err := gm.Send(m); err != nil {
		r.logger.Warn().Err(err).Uint64("game_id", gameID).Msg("failed to forward join")
		r.games.Reject(gameID, conn.ID())
		return conn.Send(reject)
	}
	return nil
}

// relayFromPlayer delivers a player-to-player message inside the sender's
// game.
func (r *Router) relayFromPlayer(conn *network.Connection, m protocol.Addressed) error {
	gameID, bound := conn.GameID()
	if !bound {
		return fmt.Errorf("%w: %s before joining a game", ErrProtocol, m.Kind())
	}
	r.relayToMember(gameID, m)
	return nil
}

// relayToMember delivers m to its recipient when that player is bound to
// gameID. Messages for players that already left are dropped.
func (r *Router) relayToMember(gameID uint64, m protocol.Addressed) {
	if !r.games.Member(gameID, m.Recipient()) {
		r.logger.Debug().
			Uint64("game_id", gameID).
			Uint64("player_id", m.Recipient()).
			Str("kind", string(m.Kind())).
			Msg("recipient not in game, message dropped")
		return
	}
	r.sendTo(m.Recipient(), m)
}

// sendTo delivers m to connection id. A failure is logged and only affects
// the recipient.
func (r *Router) sendTo(id uint64, m protocol.Message) {
	conn, ok := r.registry.Get(id)
	if !ok {
		r.logger.Debug().Uint64("conn_id", id).Str("kind", string(m.Kind())).Msg("recipient gone, message dropped")
		return
	}
	r.send(conn, m)
}

func (r *Router) send(conn *network.Connection, m protocol.Message) {
	if err := conn.Send(m); err != nil {
		r.logger.Warn().Err(err).Uint64("conn_id", conn.ID()).Str("kind", string(m.Kind())).Msg("relay failed")
	}
}

// disconnect removes conn and notifies the peers that depend on it.
func (r *Router) disconnect(ctx context.Context, conn *network.Connection) {
	r.registry.Remove(conn.ID())
	role := conn.Role()

	switch role {
	case protocol.ClientGameMaster:
		summary, players, ok := r.games.Remove(conn.ID())
		if !ok {
			break
		}
		for _, id := range players {
			player, ok := r.registry.Get(id)
			if !ok {
				continue
			}
			player.UnbindGame()
			r.send(player, &protocol.GameMasterDisconnected{GameID: summary.ID})
		}
		r.logger.Info().
			Uint64("game_id", summary.ID).
			Str("game", summary.Name).
			Int("players", len(players)).
			Msg("game master disconnected, game removed")
		r.eventBus.Emit(ctx, events.Event{
			Type:    events.EventGameClosed,
			Source:  "router",
			Payload: gamePayload(summary, "game master disconnected"),
		})

	case protocol.ClientPlayer:
		gameID, bound, ok := r.games.RemovePlayer(conn.ID())
		if !ok {
			break
		}
		conn.UnbindGame()
		if bound {
			r.eventBus.Emit(ctx, events.Event{
				Type:   events.EventPlayerLeft,
				Source: "router",
				Payload: events.PlayerPayload{
					GameID:   gameID,
					PlayerID: conn.ID(),
				},
			})
			// Reopen before the game master is told.
			if summary, ok := r.games.AbandonRound(gameID); ok {
				r.logger.Info().Uint64("game_id", gameID).Int("rounds", summary.Rounds).Msg("round abandoned, team left")
				r.eventBus.Emit(ctx, events.Event{
					Type:    events.EventRoundFinished,
					Source:  "router",
					Payload: gamePayload(summary, "team left"),
				})
			}
		}
		// A pending join may already have been confirmed by the game
		// master, so it is told either way.
		r.sendTo(gameID, &protocol.PlayerDisconnected{PlayerID: conn.ID()})
	}

	if role != protocol.ClientUnknown {
		r.eventBus.Emit(ctx, events.Event{
			Type:   events.EventConnectionClosed,
			Source: "router",
			Payload: events.ConnectionPayload{
				ConnID: conn.ID(),
				Role:   role.String(),
				Remote: conn.RemoteAddr().String(),
			},
		})
	}
}

// SweepStale closes connections idle longer than timeout every interval
// until ctx is cancelled. The handlers of closed connections run the
// usual disconnect cleanup.
func (r *Router) SweepStale(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		r.logger.Info().Msg("stale connection sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := r.registry.CleanStale(timeout)
			if len(ids) == 0 {
				continue
			}
			r.logger.Info().Int("count", len(ids)).Msg("closed stale connections")
			r.eventBus.Emit(ctx, events.Event{
				Type:    events.EventStaleConnections,
				Source:  "router",
				Payload: events.StalePayload{ConnIDs: ids},
			})
		}
	}
}

func gamePayload(s GameSummary, reason string) events.GamePayload {
	return events.GamePayload{
		GameID:      s.ID,
		Name:        s.Name,
		BluePlayers: s.MaxBlue,
		RedPlayers:  s.MaxRed,
		Reason:      reason,
	}
}

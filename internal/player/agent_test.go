package player

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/network"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

const testTimeout = 5 * time.Second

// connPair returns the two ends of a loopback TCP connection: one for the
// agent and one playing the relay server.
func connPair(t *testing.T) (client, relay *network.Connection) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s, ok := <-accepted
	if !ok {
		t.Fatal("Accept failed")
	}

	client, relay = network.NewConnection(0, c), network.NewConnection(1, s)
	t.Cleanup(func() {
		client.Close()
		relay.Close()
	})
	return client, relay
}

func expect[T protocol.Message](t *testing.T, conn *network.Connection) T {
	t.Helper()
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.Receive()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Receive: %v", r.err)
		}
		typed, ok := r.msg.(T)
		if !ok {
			t.Fatalf("got %s, want %T", r.msg.Kind(), *new(T))
		}
		return typed
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func send(t *testing.T, conn *network.Connection, m protocol.Message) {
	t.Helper()
	if err := conn.Send(m); err != nil {
		t.Fatalf("Send %s: %v", m.Kind(), err)
	}
}

func testPlayerConfig() config.PlayerConfig {
	cfg := config.DefaultConfig().Player
	cfg.GameName = "arena"
	cfg.PreferredTeam = protocol.TeamBlue
	cfg.PreferredRole = protocol.RoleLeader
	cfg.RetryJoinGameInterval = 10
	cfg.Connection.KeepAliveInterval = 0
	return cfg
}

func serveAgent(t *testing.T, agent *Agent, conn *network.Connection) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Serve(ctx, conn) }()

	var stopped bool
	var result error
	stop = func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(testTimeout):
			t.Error("agent did not stop")
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func TestAgentPlaysAndRejoins(t *testing.T) {
	client, relay := connPair(t)
	agent := NewAgent(testPlayerConfig(), newTestGreedy(0))
	stop := serveAgent(t, agent, client)

	expect[*protocol.GetGames](t, relay)
	send(t, relay, &protocol.RegisteredGames{Games: []protocol.GameInfo{
		{Name: "other", BluePlayers: 1, RedPlayers: 1},
		{Name: "arena", BluePlayers: 1, RedPlayers: 1},
	}})

	join := expect[*protocol.JoinGame](t, relay)
	if join.GameName != "arena" || join.PreferredTeam != protocol.TeamBlue || join.PreferredRole != protocol.RoleLeader {
		t.Fatalf("join = %+v", join)
	}

	send(t, relay, &protocol.ConfirmJoiningGame{
		PlayerID:    5,
		GameID:      9,
		PrivateGUID: "guid-5",
		Definition:  protocol.PlayerDefinition{ID: 5, Team: protocol.TeamBlue, Role: protocol.RoleLeader},
	})
	send(t, relay, &protocol.Game{
		PlayerID: 5,
		Players: []protocol.PlayerDefinition{
			{ID: 5, Team: protocol.TeamBlue, Role: protocol.RoleLeader},
			{ID: 6, Team: protocol.TeamBlue, Role: protocol.RoleMember},
			{ID: 7, Team: protocol.TeamRed, Role: protocol.RoleLeader},
		},
		Board:    protocol.BoardInfo{Width: 5, TasksHeight: 7, GoalsHeight: 3},
		Location: at(2, 1),
	})

	move := expect[*protocol.Move](t, relay)
	if move.GameID != 9 || move.PlayerGUID != "guid-5" || move.Direction != protocol.DirectionUp {
		t.Fatalf("first action = %+v", move)
	}

	// The next action is sent only once the previous one is answered.
	send(t, relay, &protocol.Data{PlayerID: 5, Location: at(2, 2)})
	if move := expect[*protocol.Move](t, relay); move.Direction != protocol.DirectionUp {
		t.Fatalf("second action = %+v", move)
	}

	send(t, relay, &protocol.KnowledgeExchangeRequest{PlayerID: 5, SenderPlayerID: 7})
	reject := expect[*protocol.RejectKnowledgeExchange](t, relay)
	if reject.PlayerID != 7 || reject.SenderPlayerID != 5 || reject.Permanent {
		t.Fatalf("reject = %+v", reject)
	}

	send(t, relay, &protocol.KnowledgeExchangeRequest{PlayerID: 5, SenderPlayerID: 6})
	accept := expect[*protocol.AcceptExchangeRequest](t, relay)
	if accept.PlayerID != 6 || accept.SenderPlayerID != 5 {
		t.Fatalf("accept = %+v", accept)
	}
	shared := expect[*protocol.Data](t, relay)
	if shared.PlayerID != 6 || shared.Location != nil {
		t.Fatalf("shared knowledge = %+v", shared)
	}

	send(t, relay, &protocol.Data{PlayerID: 5, GameFinished: true})
	send(t, relay, &protocol.GameMasterDisconnected{GameID: 9})
	expect[*protocol.GetGames](t, relay)

	if err := stop(); err != nil {
		t.Fatalf("Serve = %v", err)
	}
	stats := agent.Stats()
	if stats.Rounds != 1 || stats.Actions != 2 || stats.Rejoins != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAgentRetriesUntilGameOpens(t *testing.T) {
	client, relay := connPair(t)
	stop := serveAgent(t, NewAgent(testPlayerConfig(), nil), client)

	expect[*protocol.GetGames](t, relay)
	send(t, relay, &protocol.RegisteredGames{})

	expect[*protocol.GetGames](t, relay)
	send(t, relay, &protocol.RegisteredGames{Games: []protocol.GameInfo{{Name: "arena"}}})

	expect[*protocol.GetGames](t, relay)
	send(t, relay, &protocol.RegisteredGames{Games: []protocol.GameInfo{{Name: "arena", RedPlayers: 1}}})

	expect[*protocol.JoinGame](t, relay)
	send(t, relay, &protocol.RejectJoiningGame{PlayerID: 5, GameName: "arena"})

	expect[*protocol.GetGames](t, relay)
	if err := stop(); err != nil {
		t.Fatalf("Serve = %v", err)
	}
}

func TestAgentMergesTeammateKnowledge(t *testing.T) {
	client, relay := connPair(t)
	agent := NewAgent(testPlayerConfig(), newTestGreedy(0))
	serveAgent(t, agent, client)

	expect[*protocol.GetGames](t, relay)
	send(t, relay, &protocol.RegisteredGames{Games: []protocol.GameInfo{{Name: "arena", BluePlayers: 1}}})
	expect[*protocol.JoinGame](t, relay)
	send(t, relay, &protocol.ConfirmJoiningGame{
		PlayerID:    5,
		GameID:      9,
		PrivateGUID: "guid-5",
		Definition:  protocol.PlayerDefinition{ID: 5, Team: protocol.TeamBlue, Role: protocol.RoleLeader},
	})
	send(t, relay, &protocol.Game{
		PlayerID: 5,
		Players:  []protocol.PlayerDefinition{{ID: 5, Team: protocol.TeamBlue, Role: protocol.RoleLeader}},
		Board:    protocol.BoardInfo{Width: 5, TasksHeight: 7, GoalsHeight: 3},
		Location: at(2, 1),
	})
	expect[*protocol.Move](t, relay)

	// Knowledge from a team mate arrives without a location and does not
	// count as the answer to the pending move.
	send(t, relay, &protocol.Data{PlayerID: 5, TaskFields: []protocol.TaskField{{X: 0, Y: 5, Timestamp: t0, DistanceToPiece: 0}}})
	send(t, relay, &protocol.Data{PlayerID: 5, Location: at(2, 2)})
	expect[*protocol.Move](t, relay)

	if stats := agent.Stats(); stats.Exchanges != 1 || stats.Actions != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

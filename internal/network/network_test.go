package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

func pipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return NewConnection(1, local), remote
}

func TestConnectionReceivesSplitAndBatchedFrames(t *testing.T) {
	conn, remote := pipeConnection(t)

	a, _ := protocol.EncodeFrame(&protocol.GetGames{})
	b, _ := protocol.EncodeFrame(&protocol.GameStarted{GameID: 9})
	c, _ := protocol.EncodeFrame(&protocol.PlayerDisconnected{PlayerID: 4})

	go func() {
		// a arrives in two pieces, then a keep-alive, then b and c in one write.
		remote.Write(a[:5])
		remote.Write(a[5:])
		remote.Write(protocol.KeepAlive)
		remote.Write(append(append([]byte{}, b...), c...))
	}()

	want := []protocol.Kind{protocol.KindGetGames, protocol.KindGameStarted, protocol.KindPlayerDisconnected}
	for i, kind := range want {
		msg, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if msg.Kind() != kind {
			t.Fatalf("message %d = %s, want %s", i, msg.Kind(), kind)
		}
	}
}

func TestConnectionPeerCloseIsDisconnect(t *testing.T) {
	conn, remote := pipeConnection(t)
	remote.Close()

	if _, err := conn.Receive(); !errors.Is(err, ErrPeerDisconnected) {
		t.Fatalf("err = %v, want ErrPeerDisconnected", err)
	}
}

func TestConnectionSendAfterClose(t *testing.T) {
	conn, _ := pipeConnection(t)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := conn.Send(&protocol.GetGames{}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestConnectionConcurrentSendsStayFramed(t *testing.T) {
	conn, remote := pipeConnection(t)
	reader := NewConnection(2, remote)

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				conn.Send(&protocol.PlayerDisconnected{PlayerID: uint64(s*perSender + i + 1)})
			}
		}(s)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < senders*perSender; i++ {
		msg, err := reader.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		seen[msg.(*protocol.PlayerDisconnected).PlayerID] = true
	}
	wg.Wait()

	if len(seen) != senders*perSender {
		t.Fatalf("received %d distinct messages, want %d", len(seen), senders*perSender)
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := NewConnectionRegistry(0)

	var conns []*Connection
	for i := 0; i < 16; i++ {
		local, remote := net.Pipe()
		defer remote.Close()
		c, err := reg.Register(local)
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		conns = append(conns, c)
	}

	var removed sync.WaitGroup
	results := make(chan bool, len(conns)*2)
	for _, c := range conns {
		for j := 0; j < 2; j++ {
			removed.Add(1)
			go func(id uint64) {
				defer removed.Done()
				results <- reg.Remove(id)
			}(c.ID())
		}
	}
	removed.Wait()
	close(results)

	trues := 0
	for ok := range results {
		if ok {
			trues++
		}
	}
	if trues != len(conns) {
		t.Errorf("successful removals = %d, want %d", trues, len(conns))
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
	for _, c := range conns {
		if !c.IsClosed() {
			t.Errorf("connection %d not closed", c.ID())
		}
	}
}

func TestRegistryAssignsUniqueIDsAndEnforcesLimit(t *testing.T) {
	reg := NewConnectionRegistry(2)

	a, remoteA := net.Pipe()
	b, remoteB := net.Pipe()
	c, remoteC := net.Pipe()
	defer remoteA.Close()
	defer remoteB.Close()
	defer remoteC.Close()

	ca, err := reg.Register(a)
	if err != nil {
		t.Fatalf("Register a: %v", err)
	}
	cb, err := reg.Register(b)
	if err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if ca.ID() == cb.ID() || ca.ID() == 0 || cb.ID() == 0 {
		t.Fatalf("ids = %d, %d", ca.ID(), cb.ID())
	}
	if _, err := reg.Register(c); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}

	reg.Remove(ca.ID())
	cc, err := reg.Register(c)
	if err != nil {
		t.Fatalf("Register after remove: %v", err)
	}
	if cc.ID() <= cb.ID() {
		t.Errorf("id %d reused or not increasing (previous %d)", cc.ID(), cb.ID())
	}

	all := reg.All()
	if len(all) != 2 || all[0].ID() != cb.ID() || all[1].ID() != cc.ID() {
		t.Errorf("All = %v", all)
	}
}

func TestRegistryCleanStale(t *testing.T) {
	reg := NewConnectionRegistry(0)
	local, remote := net.Pipe()
	defer remote.Close()

	c, _ := reg.Register(local)
	c.mu.Lock()
	c.lastActivity = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	fresh, remoteFresh := net.Pipe()
	defer remoteFresh.Close()
	f, _ := reg.Register(fresh)

	ids := reg.CleanStale(30 * time.Second)
	if len(ids) != 1 || ids[0] != c.ID() {
		t.Fatalf("cleaned = %v, want [%d]", ids, c.ID())
	}
	if _, ok := reg.Get(f.ID()); !ok {
		t.Error("fresh connection was cleaned")
	}
	if !c.IsClosed() {
		t.Error("stale connection not closed")
	}
}

type echoHandler struct{}

func (echoHandler) HandleConnection(ctx context.Context, conn *Connection) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		conn.Send(msg)
	}
}

func TestListenerGreetsAndServes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewConnectionRegistry(1)
	l := NewListener("127.0.0.1:0", 0, reg, echoHandler{})
	if err := l.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx) }()

	dialCfg := DialConfig{Address: l.Addr().String(), Attempts: 3, RetryWait: 10 * time.Millisecond}
	client, err := Dial(ctx, dialCfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(&protocol.GameStarted{GameID: 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if gs, ok := msg.(*protocol.GameStarted); !ok || gs.GameID != 3 {
		t.Fatalf("echo = %#v", msg)
	}

	// The registry is full: a second client is refused right after accept.
	raw, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, _ := raw.Read(make([]byte, 1)); n != 0 {
		t.Error("refused connection received a greeting")
	}
	raw.Close()

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if reg.Count() != 0 {
		t.Errorf("registry not drained: %d", reg.Count())
	}
}

func TestDialGivesUpAfterAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), DialConfig{Address: addr, Attempts: 2, RetryWait: time.Millisecond})
	if err == nil {
		t.Fatal("expected dial failure")
	}
}

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

// Handler serves a single registered connection. HandleConnection owns the
// connection until it returns.
type Handler interface {
	HandleConnection(ctx context.Context, conn *Connection)
}

// Listener accepts client sockets, greets them and hands them to a Handler
// in their own goroutine.
type Listener struct {
	addr      string
	keepAlive time.Duration
	registry  *ConnectionRegistry
	handler   Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewListener creates a listener for addr. Accepted sockets are registered
// in registry and served by handler.
func NewListener(addr string, keepAlive time.Duration, registry *ConnectionRegistry, handler Handler) *Listener {
	return &Listener{
		addr:      addr,
		keepAlive: keepAlive,
		registry:  registry,
		handler:   handler,
	}
}

// Listen binds the listening socket. The socket is closed when ctx is done.
func (l *Listener) Listen(ctx context.Context) error {
	lc := ListenConfig(l.keepAlive)
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled, then closes every
// registered connection and waits for the handlers to return.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener is not bound")
	}

	// Closing every connection unblocks handler reads.
	defer func() {
		l.registry.CloseAll()
		l.wg.Wait()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		conn, err := l.registry.Register(raw)
		if err != nil {
			log.Warn().
				Err(err).
				Str("remote", raw.RemoteAddr().String()).
				Int("connections", l.registry.Count()).
				Msg("refusing connection")
			raw.Close()
			continue
		}

		raw.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if _, err := raw.Write([]byte{protocol.Greeting}); err != nil {
			log.Warn().Err(err).Uint64("conn_id", conn.ID()).Msg("failed to send greeting")
			l.registry.Remove(conn.ID())
			continue
		}

		log.Debug().
			Uint64("conn_id", conn.ID()).
			Str("remote", raw.RemoteAddr().String()).
			Msg("new client connection")

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler.HandleConnection(ctx, conn)
		}()
	}
}

// Start binds and serves until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Package network implements the TCP transport shared by the relay server,
// game masters and players: framed connections, the connection registry
// and the accept loop.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

const (
	// WriteTimeout bounds a single frame write.
	WriteTimeout = 10 * time.Second

	readChunkSize = 4096
)

var (
	// ErrPeerDisconnected is returned when the peer closed its end.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrConnectionClosed is returned after Close has been called locally.
	ErrConnectionClosed = errors.New("connection is closed")
)

// Connection is a framed message connection. Reads are expected from a
// single goroutine; Send may be called concurrently.
type Connection struct {
	id     uint64
	conn   net.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	// Inbound state, owned by the reading goroutine.
	splitter protocol.Splitter
	queue    [][]byte
	readBuf  []byte

	mu           sync.Mutex
	role         protocol.ClientRole
	gameID       uint64
	connectedAt  time.Time
	lastActivity time.Time
	closed       bool
}

// NewConnection wraps an existing net.Conn under the given id.
func NewConnection(id uint64, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		conn:         conn,
		readBuf:      make([]byte, readChunkSize),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Uint64("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the connection id. Ids start at 1; 0 means "no connection".
func (c *Connection) ID() uint64 {
	return c.id
}

// Role returns the role classified from the first message.
func (c *Connection) Role() protocol.ClientRole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole records the classified role.
func (c *Connection) SetRole(role protocol.ClientRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.logger = c.logger.With().Str("role", role.String()).Logger()
}

// GameID returns the game this connection is bound to.
func (c *Connection) GameID() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameID, c.gameID != 0
}

// BindGame binds the connection to a game.
func (c *Connection) BindGame(gameID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gameID = gameID
}

// UnbindGame clears the game binding.
func (c *Connection) UnbindGame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gameID = 0
}

// ReceiveFrame returns the next non-empty frame body. Frames already split
// off the stream are served first; the socket is read only when the queue
// is empty. Keep-alive frames refresh the activity timestamp.
func (c *Connection) ReceiveFrame() ([]byte, error) {
	for len(c.queue) == 0 {
		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			c.touch()
			frames, _, ferr := c.splitter.Feed(c.readBuf[:n])
			c.queue = append(c.queue, frames...)
			if ferr != nil {
				return nil, fmt.Errorf("connection %d: %w", c.id, ferr)
			}
		}
		if err != nil {
			if len(c.queue) > 0 {
				break
			}
			return nil, c.readError(err)
		}
		if n == 0 {
			return nil, ErrPeerDisconnected
		}
	}

	frame := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return frame, nil
}

// Receive returns the next decoded message.
func (c *Connection) Receive() (protocol.Message, error) {
	frame, err := c.ReceiveFrame()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	logger := c.Logger()
	logger.Trace().Str("kind", string(msg.Kind())).Msg("received")
	return msg, nil
}

// Send encodes m and writes it as a single frame.
func (c *Connection) Send(m protocol.Message) error {
	frame, err := protocol.EncodeFrame(m)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	logger := c.Logger()
	logger.Trace().Str("kind", string(m.Kind())).Msg("sent")
	return nil
}

// SendKeepAlive writes an empty frame.
func (c *Connection) SendKeepAlive() error {
	return c.write(protocol.KeepAlive)
}

func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsClosed() {
		return ErrConnectionClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame to connection %d: %w", c.id, err)
	}

	c.touch()
	return nil
}

func (c *Connection) readError(err error) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrPeerDisconnected
	}
	return fmt.Errorf("connection %d read: %w", c.id, err)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Logger returns the connection's contextual logger.
func (c *Connection) Logger() zerolog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

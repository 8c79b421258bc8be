package network

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRegistryFull is returned by Register when the client limit is reached.
var ErrRegistryFull = errors.New("client limit reached")

// ConnectionRegistry tracks live connections by id.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	conns  map[uint64]*Connection
	nextID uint64
	limit  int
}

// NewConnectionRegistry creates a registry holding at most limit
// connections. A limit of 0 means unlimited.
func NewConnectionRegistry(limit int) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[uint64]*Connection),
		limit: limit,
	}
}

// Register wraps conn under a fresh id and adds it to the registry.
func (r *ConnectionRegistry) Register(conn net.Conn) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.conns) >= r.limit {
		return nil, ErrRegistryFull
	}

	r.nextID++
	c := NewConnection(r.nextID, conn)
	r.conns[c.id] = c

	log.Debug().Uint64("conn_id", c.id).Msg("connection registered")
	return c, nil
}

// Remove deletes a connection from the registry and closes it. Removing an
// id that is not registered is a no-op; the return value reports whether
// anything was removed.
func (r *ConnectionRegistry) Remove(id uint64) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	conn.Close()
	log.Debug().Uint64("conn_id", id).Msg("connection removed")
	return true
}

// Get returns the connection with the given id.
func (r *ConnectionRegistry) Get(id uint64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// All returns every live connection ordered by id.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint64]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	log.Info().Int("count", len(conns)).Msg("all connections closed")
}

// CleanStale closes and removes connections that have been inactive for
// longer than timeout and returns their ids.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) []uint64 {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	var stale []*Connection
	for id, conn := range r.conns {
		if conn.LastActivity().Before(cutoff) {
			stale = append(stale, conn)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	ids := make([]uint64, 0, len(stale))
	for _, conn := range stale {
		conn.Close()
		ids = append(ids, conn.id)
		log.Warn().
			Uint64("conn_id", conn.id).
			Time("last_activity", conn.LastActivity()).
			Msg("cleaned stale connection")
	}

	return ids
}

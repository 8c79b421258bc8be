package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

// DialConfig controls how clients reach the relay server.
type DialConfig struct {
	Address     string
	Attempts    int
	RetryWait   time.Duration
	DialTimeout time.Duration
}

// Dial connects to the relay server and waits for its greeting byte. It
// tries up to cfg.Attempts times, waiting cfg.RetryWait between attempts.
// The returned connection has id 0; ids are only meaningful server-side.
func Dial(ctx context.Context, cfg DialConfig) (*Connection, error) {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dialOnce(ctx, cfg.Address, timeout)
		if err == nil {
			log.Info().Str("addr", cfg.Address).Int("attempt", i).Msg("connected to server")
			return conn, nil
		}
		lastErr = err

		if i == attempts {
			break
		}

		log.Warn().
			Err(err).
			Str("addr", cfg.Address).
			Int("attempt", i).
			Int("max", attempts).
			Dur("retry_in", cfg.RetryWait).
			Msg("connection attempt failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryWait):
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", cfg.Address, attempts, lastErr)
}

func dialOnce(ctx context.Context, addr string, timeout time.Duration) (*Connection, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	raw.SetReadDeadline(time.Now().Add(timeout))
	greeting := make([]byte, 1)
	if _, err := io.ReadFull(raw, greeting); err != nil {
		raw.Close()
		return nil, fmt.Errorf("no greeting from server: %w", err)
	}
	raw.SetReadDeadline(time.Time{})

	if greeting[0] != protocol.Greeting {
		raw.Close()
		return nil, fmt.Errorf("unexpected greeting byte 0x%02x", greeting[0])
	}

	return NewConnection(0, raw), nil
}

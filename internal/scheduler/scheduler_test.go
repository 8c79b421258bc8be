package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/network"
	"github.com/gridgame-project/gridgame/internal/protocol"
	"github.com/gridgame-project/gridgame/internal/server"
)

type fakeLedger struct {
	cutoff time.Time
	pruned int64
	err    error
	count  int
}

func (f *fakeLedger) Prune(cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.pruned, f.err
}

func (f *fakeLedger) Count() (int, error) { return f.count, nil }

func newTestScheduler(t *testing.T, cfg config.StoreConfig, ledger Ledger) (*Scheduler, *server.Router) {
	t.Helper()
	router := server.NewRouter(network.NewConnectionRegistry(0), nil)
	s := NewScheduler(cfg, ledger, router)
	return s, router
}

func TestNextCleanupTime(t *testing.T) {
	tests := []struct {
		name    string
		cleanup string
		now     time.Time
		want    time.Time
	}{
		{"later today", "04:30",
			time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 4, 30, 0, 0, time.UTC)},
		{"tomorrow", "04:30",
			time.Date(2024, 5, 1, 4, 30, 0, 0, time.UTC),
			time.Date(2024, 5, 2, 4, 30, 0, 0, time.UTC)},
		{"default hour", "",
			time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 2, DefaultCleanupHour, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(t, config.StoreConfig{CleanupTime: tt.cleanup}, nil)
			s.now = func() time.Time { return tt.now }
			if got := s.nextCleanupTime(); !got.Equal(tt.want) {
				t.Errorf("nextCleanupTime = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLedgerCleanerCutoff(t *testing.T) {
	now := time.Date(2024, 5, 10, 4, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{pruned: 3}
	s, _ := newTestScheduler(t, config.StoreConfig{RetentionDays: 7}, ledger)
	s.now = func() time.Time { return now }

	if n := s.runLedgerCleaner(); n != 3 {
		t.Errorf("runLedgerCleaner = %d, want 3", n)
	}
	if want := now.AddDate(0, 0, -7); !ledger.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", ledger.cutoff, want)
	}

	ledger.err = errors.New("disk full")
	if n := s.runLedgerCleaner(); n != 0 {
		t.Errorf("runLedgerCleaner on error = %d", n)
	}
}

func TestCollect(t *testing.T) {
	s, router := newTestScheduler(t, config.StoreConfig{}, &fakeLedger{count: 12})
	router.Games().Register(2, protocol.GameInfo{Name: "arena", BluePlayers: 1, RedPlayers: 1})
	router.Games().Register(5, protocol.GameInfo{Name: "duel", BluePlayers: 1, RedPlayers: 1})
	router.Games().SetStarted(5)

	st := s.Collect()
	if st.Games != 2 || st.Started != 1 || st.Recorded != 12 || st.Connections != 0 {
		t.Errorf("Collect = %+v", st)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(t, config.StoreConfig{RetentionDays: 1, StatusLogInterval: 5}, &fakeLedger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridgame-project/gridgame/internal/events"
)

func newTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := NewLedger(path)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l
}

func TestLedgerRecordsGameLifecycle(t *testing.T) {
	l := newTestLedger(t, MemoryPath)

	if err := l.RecordGameRegistered(1, "arena", 2, 2); err != nil {
		t.Fatalf("RecordGameRegistered: %v", err)
	}
	if err := l.RecordGameRegistered(4, "duel", 1, 1); err != nil {
		t.Fatalf("RecordGameRegistered: %v", err)
	}
	for i := 0; i < 3; i++ {
		l.RecordPlayerJoined(1)
	}
	l.RecordRoundFinished(1)
	l.RecordRoundFinished(1)
	if err := l.RecordGameClosed(1, "game master disconnected"); err != nil {
		t.Fatalf("RecordGameClosed: %v", err)
	}

	history, err := l.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History returned %d games, want 2", len(history))
	}

	// Most recent registration first.
	duel, arena := history[0], history[1]
	if duel.Name != "duel" || duel.ClosedAt != nil || duel.Rounds != 0 {
		t.Errorf("duel = %+v", duel)
	}
	if arena.Name != "arena" || arena.BluePlayers != 2 || arena.Rounds != 2 || arena.Joins != 3 {
		t.Errorf("arena = %+v", arena)
	}
	if arena.ClosedAt == nil || arena.CloseReason != "game master disconnected" {
		t.Errorf("arena close = %v %q", arena.ClosedAt, arena.CloseReason)
	}
	if arena.Session != l.Session() || arena.RegisteredAt == nil {
		t.Errorf("arena session %q registered %v", arena.Session, arena.RegisteredAt)
	}
}

func TestLedgerToleratesEventsBeforeRegistration(t *testing.T) {
	l := newTestLedger(t, MemoryPath)

	if err := l.RecordGameClosed(7, "shutdown"); err != nil {
		t.Fatalf("RecordGameClosed: %v", err)
	}
	if err := l.RecordGameRegistered(7, "late", 1, 1); err != nil {
		t.Fatalf("RecordGameRegistered: %v", err)
	}

	history, err := l.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Name != "late" || history[0].CloseReason != "shutdown" {
		t.Fatalf("history = %+v", history)
	}
}

func TestLedgerSessionsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "ledger.db")

	first, err := NewLedger(path)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	first.RecordGameRegistered(1, "arena", 1, 1)
	first.Close()

	second := newTestLedger(t, path)
	second.RecordGameRegistered(1, "arena", 1, 1)

	history, err := second.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Session == history[1].Session {
		t.Fatalf("history = %+v, want one game per session", history)
	}
}

func TestLedgerSubscribe(t *testing.T) {
	l := newTestLedger(t, MemoryPath)
	bus := events.NewEventBus()
	l.Subscribe(bus)
	ctx := context.Background()

	emit := func(typ events.EventType, payload interface{}) {
		t.Helper()
		if err := bus.EmitSync(ctx, events.Event{Type: typ, Source: "test", Payload: payload}); err != nil {
			t.Fatalf("EmitSync %s: %v", typ, err)
		}
	}
	emit(events.EventGameRegistered, events.GamePayload{GameID: 3, Name: "arena", BluePlayers: 2, RedPlayers: 2})
	emit(events.EventPlayerJoined, events.PlayerPayload{GameID: 3, PlayerID: 5, Team: "red"})
	emit(events.EventRoundFinished, events.GamePayload{GameID: 3, Name: "arena"})
	emit(events.EventGameClosed, events.GamePayload{GameID: 3, Name: "arena", Reason: "game master disconnected"})

	history, err := l.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %+v", history)
	}
	g := history[0]
	if g.GameID != 3 || g.Joins != 1 || g.Rounds != 1 || g.CloseReason != "game master disconnected" {
		t.Errorf("recorded game = %+v", g)
	}
}

func TestLedgerPrune(t *testing.T) {
	l := newTestLedger(t, MemoryPath)

	l.RecordGameRegistered(1, "old", 1, 1)
	l.RecordGameClosed(1, "game master disconnected")
	l.RecordGameRegistered(2, "open", 1, 1)

	cutoff := l.now()
	l.RecordGameRegistered(3, "recent", 1, 1)
	l.RecordGameClosed(3, "game master disconnected")

	removed, err := l.Prune(cutoff)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune removed %d games, want 1", removed)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestMigrateAppliesNewStepsOnce(t *testing.T) {
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer db.Close()

	steps := []string{`CREATE TABLE a (x INTEGER)`}
	if err := db.Migrate(steps); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Re-running must not recreate table a.
	steps = append(steps, `CREATE TABLE b (y INTEGER)`)
	if err := db.Migrate(steps); err != nil {
		t.Fatalf("Migrate with a new step: %v", err)
	}
	if v, err := db.SchemaVersion(); err != nil || v != 2 {
		t.Fatalf("SchemaVersion = %d, %v", v, err)
	}

	if err := db.Migrate(steps[:1]); err == nil {
		t.Error("older step list accepted by a newer schema")
	}
	if err := db.Migrate([]string{`CREATE TABLE a (x INTEGER)`, `CREATE TABLE a (x INTEGER)`, `NOT SQL`}); err == nil {
		t.Error("broken step accepted")
	}
	if v, _ := db.SchemaVersion(); v != 2 {
		t.Errorf("failed step changed the version to %d", v)
	}
}

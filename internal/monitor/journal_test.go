package monitor

import (
	"context"
	"path/filepath"
	"testing"

	"confluence-trader/internal/config"
	"confluence-trader/internal/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "events.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	j, err := NewJournal(st, nil)
	if err != nil {
		t.Fatalf("NewJournal returned error: %v", err)
	}
	return j
}

func TestJournalAppendAndList(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Record(ctx, EventEntry, "BTC/USDT:USDT", "LONG entry filled", map[string]any{"qty": 0.5})
	j.Record(ctx, EventStopLoss, "BTC/USDT:USDT", "stop hit", nil)
	j.Record(ctx, EventEntry, "ETH/USDT:USDT", "SHORT entry filled", nil)

	all, err := j.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	// 最新在前。
	if all[0].Symbol != "ETH/USDT:USDT" {
		t.Fatalf("expected newest event first, got %+v", all[0])
	}

	entries, err := j.ListEvents(ctx, EventEntry, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entry events, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Type != EventEntry {
			t.Fatalf("filter leaked event type %s", e.Type)
		}
	}
}

func TestJournalListLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		j.Record(ctx, EventSignal, "BTC/USDT:USDT", "scored", nil)
	}

	events, err := j.ListEvents(ctx, "", 5)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
}

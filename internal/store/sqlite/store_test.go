package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "quotes.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "SPX", "SPX index CBOE"); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(ctx, map[string]string{"SPX": "ignored", "ES": "ES future CME"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		alias string
		want  string
		found bool
	}{
		{"SPX", "SPX index CBOE", true},
		{"spx", "SPX index CBOE", true},
		{"ES", "ES future CME", true},
		{"NOPE", "", false},
	}
	for _, tt := range tests {
		got, ok, err := s.Lookup(ctx, tt.alias)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tt.alias, err)
		}
		if ok != tt.found || got != tt.want {
			t.Errorf("Lookup(%s) = %q, %v; want %q, %v", tt.alias, got, ok, tt.want, tt.found)
		}
	}

	all, err := s.All(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("All = %v, %v", all, err)
	}

	removed, err := s.Remove(ctx, "ES")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if removed, _ := s.Remove(ctx, "ES"); removed {
		t.Fatal("second Remove reported a row")
	}
}

func TestJournal(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan TickRecord, 8)
	done := make(chan struct{})
	go func() {
		s.RunJournal(ctx, ch)
		close(done)
	}()

	base := time.UnixMilli(1_700_000_000_000)
	ch <- TickRecord{Symbol: "AAPL", Field: "last", TS: base, Value: "101.5"}
	ch <- TickRecord{Symbol: "AAPL", Field: "bidSize", TS: base.Add(time.Second), Value: 300}
	ch <- TickRecord{Symbol: "MSFT", Field: "last", TS: base, Value: "400"}
	ch <- TickRecord{Symbol: "AAPL", Field: "rtVolume", TS: base.Add(2 * time.Second), Value: map[string]any{"price": 101.6}}
	close(ch)
	<-done
	cancel()

	got, err := s.RecentTicks(context.Background(), "AAPL", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ticks, want 2", len(got))
	}
	if got[0].Field != "bidSize" || got[0].Value != float64(300) {
		t.Errorf("first = %+v", got[0])
	}
	if m, ok := got[1].Value.(map[string]any); !ok || m["price"] != 101.6 {
		t.Errorf("second = %+v", got[1])
	}
	if !got[1].TS.Equal(base.Add(2 * time.Second)) {
		t.Errorf("ts = %v", got[1].TS)
	}
}

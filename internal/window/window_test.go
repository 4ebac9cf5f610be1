package window

import (
	"testing"
	"time"
)

type sample struct {
	At  time.Time
	Val int
}

func sampleTime(s sample) time.Time { return s.At }

// fakeClock is a settable clock for deterministic age computations.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Set(ms int64)            { c.t = time.UnixMilli(ms) }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBuffer_EvictsOlderThanWindow(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	b := New(5*time.Second, sampleTime, WithClock(clock.Now), WithoutJanitor())
	defer b.Close()

	b.Push(sample{At: time.UnixMilli(0), Val: 1})
	clock.Set(6000)
	b.Push(sample{At: time.UnixMilli(6000), Val: 2})

	got := b.Entries()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after pruning, got %d", len(got))
	}
	if got[0].Val != 2 {
		t.Fatalf("expected the t=6000 entry to survive, got %+v", got[0])
	}
}

func TestBuffer_KeepsEntryAtExactWindowAge(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(0)
	b := New(5*time.Second, sampleTime, WithClock(clock.Now), WithoutJanitor())
	defer b.Close()

	b.Push(sample{At: time.UnixMilli(0)})
	clock.Set(5000)

	if n := b.Prune(); n != 0 {
		t.Fatalf("entry aged exactly the window must be kept, evicted %d", n)
	}
	clock.Advance(time.Millisecond)
	if n := b.Prune(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
}

func TestBuffer_PruneIdempotent(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(10_000)
	b := New(time.Second, sampleTime, WithClock(clock.Now), WithoutJanitor())
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Push(sample{At: time.UnixMilli(int64(9_000 + i*200)), Val: i})
	}
	clock.Set(10_500)

	b.Prune()
	first := b.Entries()
	b.Prune()
	second := b.Entries()

	if len(first) != len(second) {
		t.Fatalf("second prune changed length: %d → %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("entry %d changed: %+v → %+v", i, first[i], second[i])
		}
	}
}

func TestBuffer_EntriesIsCopy(t *testing.T) {
	b := New(time.Hour, sampleTime, WithoutJanitor())
	defer b.Close()

	b.Push(sample{At: time.Now(), Val: 1})
	got := b.Entries()
	got[0].Val = 99

	if b.Entries()[0].Val != 1 {
		t.Fatal("mutating the returned slice must not affect the buffer")
	}
}

func TestBuffer_JanitorPrunesWithoutInserts(t *testing.T) {
	b := New(20*time.Millisecond, sampleTime)
	defer b.Close()

	b.Push(sample{At: time.Now()})
	if b.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", b.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not evict the stale entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuffer_EvictHook(t *testing.T) {
	now := time.Unix(1000, 0)
	var evicted []int
	b := New(time.Second, sampleTime,
		WithoutJanitor(),
		WithClock(func() time.Time { return now }),
		WithEvictHook(func(n int) { evicted = append(evicted, n) }),
	)

	b.Push(sample{At: now.Add(-3 * time.Second)})
	b.Push(sample{At: now.Add(-2 * time.Second)})
	if len(evicted) != 2 {
		t.Fatalf("expected an eviction per stale push, got %v", evicted)
	}

	b.Push(sample{At: now})
	now = now.Add(2 * time.Second)
	if n := b.Prune(); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if n := b.Prune(); n != 0 {
		t.Fatalf("second Prune() = %d, want 0", n)
	}
	if len(evicted) != 3 || evicted[2] != 1 {
		t.Fatalf("hook calls = %v, want [1 1 1]", evicted)
	}
}

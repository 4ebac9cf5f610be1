package reactive

import "testing"

// manual collects scheduled flushes so tests decide when the "loop" runs.
type manual struct {
	queue []func()
}

func (m *manual) schedule(fn func()) { m.queue = append(m.queue, fn) }

func (m *manual) drain() int {
	n := 0
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
		n++
	}
	return n
}

func TestComputed_RunsImmediately(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)

	ran := 0
	c := e.Computed(func() { ran++ })
	if ran != 1 || c.Runs() != 1 {
		t.Fatalf("expected one immediate run, got %d", ran)
	}
	if len(m.queue) != 0 {
		t.Fatal("no flush should be scheduled without triggers")
	}
}

func TestTrigger_RerunsDependents(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	quote := &struct{ name string }{"AAPL"}

	var seen []int
	price := 1
	e.Computed(func() {
		e.Track(quote, "last")
		seen = append(seen, price)
	})

	price = 2
	e.Trigger(quote, "bid")
	if m.drain() != 0 {
		t.Fatal("trigger of an untracked key must not schedule")
	}

	e.Trigger(quote, "last")
	if len(seen) != 1 {
		t.Fatal("re-run must wait for the flush")
	}
	m.drain()
	if len(seen) != 2 || seen[1] != 2 {
		t.Fatalf("expected re-run with new value, got %v", seen)
	}
}

func TestTrigger_Coalesces(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	o := e.Observe(map[string]any{"a": 1, "b": 2})

	c := e.Computed(func() {
		o.Get("a")
		o.Get("b")
	})

	o.Set("a", 10)
	o.Set("b", 20)
	o.Set("a", 11)
	if len(m.queue) != 1 {
		t.Fatalf("expected one scheduled flush, got %d", len(m.queue))
	}
	m.drain()
	if c.Runs() != 2 {
		t.Fatalf("expected exactly one re-run, got %d runs", c.Runs())
	}
}

func TestDispose_StopsReruns(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	o := e.Observe(map[string]any{"x": 0})

	c := e.Computed(func() { o.Get("x") })
	o.Set("x", 1)
	c.Dispose()
	m.drain()
	o.Set("x", 2)
	m.drain()

	if c.Runs() != 1 {
		t.Fatalf("disposed computation re-ran: %d runs", c.Runs())
	}
	if !c.Disposed() {
		t.Fatal("expected disposed")
	}
}

func TestOwnWritesDoNotRetrigger(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	o := e.Observe(map[string]any{"count": 0})

	c := e.Computed(func() {
		v, _ := o.Get("count")
		o.Set("count", v.(int)+1)
	})
	m.drain()
	if c.Runs() != 1 {
		t.Fatalf("computation retriggered itself: %d runs", c.Runs())
	}
	if v, _ := o.Peek("count"); v != 1 {
		t.Fatalf("expected count=1, got %v", v)
	}
}

func TestChainedComputations(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	src := e.Observe(map[string]any{"price": 100.0})
	derived := e.Observe(nil)

	e.Computed(func() {
		p, _ := src.Get("price")
		derived.Set("double", p.(float64)*2)
	})
	var got any
	e.Computed(func() { got, _ = derived.Get("double") })

	src.Set("price", 101.0)
	m.drain()
	if got != 202.0 {
		t.Fatalf("expected chained value 202, got %v", got)
	}
}

func TestDependenciesAreRecollected(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	o := e.Observe(map[string]any{"useA": true, "a": 1, "b": 2})

	c := e.Computed(func() {
		if v, _ := o.Get("useA"); v.(bool) {
			o.Get("a")
		} else {
			o.Get("b")
		}
	})

	o.Set("useA", false)
	m.drain()
	runs := c.Runs()

	o.Set("a", 5)
	m.drain()
	if c.Runs() != runs {
		t.Fatal("stale dependency on a should have been dropped")
	}
	o.Set("b", 5)
	m.drain()
	if c.Runs() != runs+1 {
		t.Fatal("expected re-run on new dependency b")
	}
}

func TestObservable_KeysAndDelete(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	o := e.Observe(map[string]any{"b": 1, "a": 2})

	var keys []string
	e.Computed(func() { keys = o.Keys() })
	if len(keys) != 2 || keys[0] != "a" {
		t.Fatalf("unexpected keys %v", keys)
	}

	o.Set("c", 3)
	m.drain()
	if len(keys) != 3 {
		t.Fatalf("expected key set re-read, got %v", keys)
	}
	if !o.Delete("a") || o.Delete("a") {
		t.Fatal("Delete should report presence")
	}
	m.drain()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys after delete, got %v", keys)
	}
}

func TestUntracked(t *testing.T) {
	m := &manual{}
	e := New(m.schedule)
	o := e.Observe(map[string]any{"x": 1})

	c := e.Computed(func() {
		e.Untracked(func() { o.Get("x") })
	})
	o.Set("x", 2)
	m.drain()
	if c.Runs() != 1 {
		t.Fatal("untracked read must not create a dependency")
	}
}

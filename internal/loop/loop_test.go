package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func start(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestLoop_RunsInOrder(t *testing.T) {
	l, _ := start(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 tasks, got %d", len(got))
	}
}

func TestLoop_DoReturnsError(t *testing.T) {
	l, _ := start(t)
	want := errors.New("boom")
	if err := l.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l, _ := start(t)

	l.Post(func() { panic("task failure") })
	if err := l.Do(context.Background(), func() error { panic("do failure") }); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := l.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("loop should still run: %v", err)
	}
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	if l.Post(func() {}) {
		t.Fatal("expected Post to fail after stop")
	}
	if err := l.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestLoop_DoHonorsContext(t *testing.T) {
	l, _ := start(t)
	block := make(chan struct{})
	defer close(block)
	l.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Do(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLoop_AfterFuncAndEvery(t *testing.T) {
	l, _ := start(t)

	fired := make(chan struct{}, 1)
	l.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}

	cancelled := int32(0)
	stop := l.AfterFunc(50*time.Millisecond, func() { atomic.StoreInt32(&cancelled, 1) })
	stop()

	var n int32
	cancelEvery := l.Every(2*time.Millisecond, func() { atomic.AddInt32(&n, 1) })
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&n) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Every did not tick")
		}
		time.Sleep(time.Millisecond)
	}
	cancelEvery()
	cancelEvery()

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&cancelled) != 0 {
		t.Fatal("cancelled AfterFunc fired")
	}
}

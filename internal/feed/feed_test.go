package feed

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRouterDispatchesByTable(t *testing.T) {
	r := newRouter()
	var messages, tasks int32
	r.add("messages", func() { atomic.AddInt32(&messages, 1) })
	r.add("tasks", func() { atomic.AddInt32(&tasks, 1) })

	r.dispatch("messages")
	r.dispatch("messages")
	r.dispatch("tasks")

	if got := atomic.LoadInt32(&messages); got != 2 {
		t.Fatalf("messages callbacks = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&tasks); got != 1 {
		t.Fatalf("tasks callbacks = %d, want 1", got)
	}
}

func TestRouterDispatchAll(t *testing.T) {
	r := newRouter()
	var calls int32
	r.add("messages", func() { atomic.AddInt32(&calls, 1) })
	r.add("tasks", func() { atomic.AddInt32(&calls, 1) })

	r.dispatchAll()
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("dispatchAll reached %d subscribers, want 2", got)
	}
}

func TestHandleDisposeStopsDelivery(t *testing.T) {
	r := newRouter()
	var calls int32
	handle := r.add("messages", func() { atomic.AddInt32(&calls, 1) })

	r.dispatch("messages")
	handle.Dispose()
	r.dispatch("messages")

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("callback ran after dispose: %d calls", got)
	}
	if !handle.Disposed() {
		t.Fatal("handle not marked disposed")
	}
}

func TestHandleDisposeIdempotent(t *testing.T) {
	var detached int32
	handle := NewHandle("messages", func() { atomic.AddInt32(&detached, 1) })

	handle.Dispose()
	handle.Dispose()
	handle.Dispose()

	if got := atomic.LoadInt32(&detached); got != 1 {
		t.Fatalf("detach ran %d times, want 1", got)
	}
}

func TestRouterIndependentHandlesSameTable(t *testing.T) {
	r := newRouter()
	var first, second int32
	h1 := r.add("messages", func() { atomic.AddInt32(&first, 1) })
	r.add("messages", func() { atomic.AddInt32(&second, 1) })

	h1.Dispose()
	r.dispatch("messages")

	if got := atomic.LoadInt32(&first); got != 0 {
		t.Fatalf("disposed handle still delivered: %d", got)
	}
	if got := atomic.LoadInt32(&second); got != 1 {
		t.Fatalf("surviving handle missed dispatch: %d", got)
	}
}

func TestNextDelayDoublesAndCaps(t *testing.T) {
	max := 4 * time.Second
	delay := 500 * time.Millisecond
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, expected := range want {
		delay = nextDelay(delay, max)
		if delay != expected {
			t.Fatalf("step %d: delay = %v, want %v", i, delay, expected)
		}
	}
}

func TestWebsocketSourceSubscribeValidation(t *testing.T) {
	source, err := NewWebsocketSource("ws://localhost:9/feed", nil)
	if err != nil {
		t.Fatalf("NewWebsocketSource: %v", err)
	}
	defer source.Close()

	if _, err := source.Subscribe("", func() {}); err == nil {
		t.Fatal("expected error for empty table")
	}
	if _, err := source.Subscribe("messages", nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
	if _, err := source.Subscribe("messages", func() {}); err != nil {
		t.Fatalf("valid subscribe failed: %v", err)
	}
}

func TestWebsocketSourceCloseIdempotent(t *testing.T) {
	source, err := NewWebsocketSource("ws://localhost:9/feed", nil)
	if err != nil {
		t.Fatalf("NewWebsocketSource: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

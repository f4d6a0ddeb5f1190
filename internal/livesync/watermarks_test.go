package livesync

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type failingBackend struct{}

func (failingBackend) Load() (*continuitySnapshot, error) {
	return nil, errors.New("disk gone")
}

func (failingBackend) Save(*continuitySnapshot) error { return nil }
func (failingBackend) Close() error                   { return nil }

func newTestContinuity(t *testing.T, backend ContinuityBackend) *Continuity {
	t.Helper()
	c, err := NewContinuity(backend, nil)
	if err != nil {
		t.Fatalf("NewContinuity: %v", err)
	}
	return c
}

func TestWatermarkDefaultsToZero(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	if got := c.Watermark(CategoryActivity); !got.IsZero() {
		t.Fatalf("expected zero watermark, got %v", got)
	}
}

func TestWatermarkRegressionRejected(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	t1 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	if !c.Advance(CategoryActivity, t1) {
		t.Fatal("first advance rejected")
	}
	if c.Advance(CategoryActivity, t0) {
		t.Fatal("regression accepted")
	}
	if got := c.Watermark(CategoryActivity); !got.Equal(t1) {
		t.Fatalf("watermark = %v, want %v", got, t1)
	}
	// Equal timestamps are a no-op too: monotonic means strictly forward.
	if c.Advance(CategoryActivity, t1) {
		t.Fatal("equal-timestamp advance accepted")
	}
}

func TestWatermarkMonotonicUnderSequences(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	offsets := []int{5, 2, 9, 9, 1, 12, 3}

	var highest time.Time
	for _, off := range offsets {
		to := base.Add(time.Duration(off) * time.Minute)
		c.Advance(CategoryTasks, to)
		if to.After(highest) {
			highest = to
		}
		if got := c.Watermark(CategoryTasks); got.Before(highest) {
			t.Fatalf("watermark went backward: %v < %v", got, highest)
		}
	}
}

func TestWatermarkPersistsAcrossSessions(t *testing.T) {
	backend := NewInMemoryContinuityBackend()
	mark := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	first := newTestContinuity(t, backend)
	first.Advance(CategoryActivity, mark)
	first.SetLastConversation(DirectConversation("bob"))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestContinuity(t, backend)
	if got := second.Watermark(CategoryActivity); !got.Equal(mark) {
		t.Fatalf("restored watermark = %v, want %v", got, mark)
	}
	if got := second.LastConversation(); got != DirectConversation("bob") {
		t.Fatalf("restored conversation = %v", got)
	}
}

func TestContinuityUnreadableStateResetsToDefaults(t *testing.T) {
	c := newTestContinuity(t, failingBackend{})
	if got := c.Watermark(CategoryActivity); !got.IsZero() {
		t.Fatalf("expected defaults after unreadable state, got %v", got)
	}
}

func TestContinuityMalformedWatermarkDropped(t *testing.T) {
	backend := NewInMemoryContinuityBackend()
	good := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := backend.Save(&continuitySnapshot{Watermarks: map[string]string{
		CategoryActivity: "not-a-timestamp",
		CategoryTasks:    good.Format(time.RFC3339Nano),
	}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := newTestContinuity(t, backend)
	if got := c.Watermark(CategoryActivity); !got.IsZero() {
		t.Fatalf("malformed watermark should reset to zero, got %v", got)
	}
	if got := c.Watermark(CategoryTasks); !got.Equal(good) {
		t.Fatalf("valid watermark lost: got %v, want %v", got, good)
	}
}

func TestScheduleAdvanceFiresAfterGrace(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	var fired int32
	c.SetOnChange(func() { atomic.AddInt32(&fired, 1) })

	mark := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c.ScheduleAdvance(CategoryActivity, mark, 10*time.Millisecond)

	if got := c.Watermark(CategoryActivity); !got.IsZero() {
		t.Fatalf("advance landed before grace delay: %v", got)
	}
	waitFor(t, time.Second, func() bool {
		return c.Watermark(CategoryActivity).Equal(mark)
	})
	if atomic.LoadInt32(&fired) == 0 {
		t.Fatal("onChange not fired after scheduled advance")
	}
}

func TestCancelScheduledAdvance(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	mark := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	c.ScheduleAdvance(CategoryActivity, mark, 20*time.Millisecond)
	c.CancelScheduled(CategoryActivity)

	time.Sleep(60 * time.Millisecond)
	if got := c.Watermark(CategoryActivity); !got.IsZero() {
		t.Fatalf("cancelled advance still landed: %v", got)
	}
}

func TestCancelScheduledBeatsFiredTimer(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Race the cancel against the grace timer over many rounds: once
	// CancelScheduled returns, even a callback that already fired and is
	// waiting on the lock must not advance the watermark.
	for i := 1; i <= 100; i++ {
		mark := base.Add(time.Duration(i) * time.Minute)
		c.ScheduleAdvance(CategoryActivity, mark, 100*time.Microsecond)
		time.Sleep(100 * time.Microsecond)
		c.CancelScheduled(CategoryActivity)

		after := c.Watermark(CategoryActivity)
		time.Sleep(300 * time.Microsecond)
		if got := c.Watermark(CategoryActivity); !got.Equal(after) {
			t.Fatalf("round %d: advance landed after cancel: %v -> %v", i, after, got)
		}
	}
}

func TestCloseCancelsPendingAdvances(t *testing.T) {
	c := newTestContinuity(t, NewInMemoryContinuityBackend())
	mark := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	c.ScheduleAdvance(CategoryActivity, mark, 20*time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if got := c.Watermark(CategoryActivity); !got.IsZero() {
		t.Fatalf("advance landed after Close: %v", got)
	}
}

func TestReloadMergesKeepingLaterWatermark(t *testing.T) {
	backend := NewInMemoryContinuityBackend()
	c := newTestContinuity(t, backend)
	later := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	c.Advance(CategoryActivity, later)

	// Another writer persists an older snapshot; reload must not regress.
	if err := backend.Save(&continuitySnapshot{Watermarks: map[string]string{
		CategoryActivity: earlier.Format(time.RFC3339Nano),
		CategoryTasks:    later.Format(time.RFC3339Nano),
	}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c.Reload()

	if got := c.Watermark(CategoryActivity); !got.Equal(later) {
		t.Fatalf("reload regressed watermark to %v", got)
	}
	if got := c.Watermark(CategoryTasks); !got.Equal(later) {
		t.Fatalf("reload dropped newer watermark, got %v", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

package livesync

import (
	"sync"
	"time"
)

// DefaultGraceDelay is how long a view must stay focused before its
// watermark advance lands. The delay gives in-flight mark-as-read writes
// time to reach the remote store, so a just-arrived item is not swallowed
// before the view has rendered it.
const DefaultGraceDelay = time.Second

// Continuity holds the live cross-session state: per-category watermarks
// and the last open conversation, backed by a ContinuityBackend.
//
// Watermarks are monotonically non-decreasing per category for the
// lifetime of the session. Advancing one is the only way a previously
// unread watermark-counted item becomes "seen" without being individually
// marked read.
type Continuity struct {
	backend ContinuityBackend
	logger  Logger

	mu        sync.Mutex
	marks     map[string]time.Time
	lastConv  Conversation
	timers    map[string]*time.Timer
	timerGens map[string]uint64
	onChange  func()
	closed    bool
}

// NewContinuity loads the persisted snapshot from backend. A missing
// snapshot, or one that fails to decode, resets to defaults (everything
// unread); that is logged, never fatal.
func NewContinuity(backend ContinuityBackend, logger Logger) (*Continuity, error) {
	if backend == nil {
		return nil, ErrInvalidInput
	}
	c := &Continuity{
		backend:   backend,
		logger:    logger,
		marks:     map[string]time.Time{},
		timers:    map[string]*time.Timer{},
		timerGens: map[string]uint64{},
	}
	c.mu.Lock()
	c.absorbSnapshotLocked()
	c.mu.Unlock()
	return c, nil
}

// SetOnChange installs a callback fired after every accepted watermark
// advance. Must be called before the continuity store is shared.
func (c *Continuity) SetOnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Watermark returns the stored watermark for a category. Categories never
// advanced report the zero time, meaning everything is unread.
func (c *Continuity) Watermark(category string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marks[category]
}

// WatermarkSnapshot returns a copy of all stored watermarks.
func (c *Continuity) WatermarkSnapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]time.Time, len(c.marks))
	for category, mark := range c.marks {
		snapshot[category] = mark
	}
	return snapshot
}

// Advance moves a category's watermark forward and persists the change.
// Regressions are silently rejected to protect monotonicity; the return
// value reports whether the watermark moved.
func (c *Continuity) Advance(category string, to time.Time) bool {
	if category == "" || to.IsZero() {
		return false
	}
	c.mu.Lock()
	moved := c.advanceLocked(category, to)
	onChange := c.onChange
	c.mu.Unlock()

	if moved && onChange != nil {
		onChange()
	}
	return moved
}

func (c *Continuity) advanceLocked(category string, to time.Time) bool {
	if c.closed || !to.After(c.marks[category]) {
		return false
	}
	c.marks[category] = to
	c.saveLocked()
	return true
}

// ScheduleAdvance arranges for Advance(category, to) to run after the
// grace delay. A pending advance for the same category is replaced; a
// focus change or Close before the delay elapses cancels it.
func (c *Continuity) ScheduleAdvance(category string, to time.Time, grace time.Duration) {
	if category == "" || to.IsZero() {
		return
	}
	if grace <= 0 {
		grace = DefaultGraceDelay
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if prev, ok := c.timers[category]; ok {
		prev.Stop()
	}
	// Stop can miss a callback that already fired and is waiting on the
	// mutex; the generation check below is what actually invalidates it.
	c.timerGens[category]++
	gen := c.timerGens[category]
	c.timers[category] = time.AfterFunc(grace, func() {
		c.mu.Lock()
		if c.closed || c.timerGens[category] != gen {
			c.mu.Unlock()
			return
		}
		delete(c.timers, category)
		moved := c.advanceLocked(category, to)
		onChange := c.onChange
		c.mu.Unlock()

		if moved && onChange != nil {
			onChange()
		}
	})
	c.mu.Unlock()
}

// CancelScheduled drops a pending grace-delay advance for a category.
// Unknown categories are a no-op.
func (c *Continuity) CancelScheduled(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[category]; ok {
		timer.Stop()
		delete(c.timers, category)
		c.timerGens[category]++
	}
}

// LastConversation returns the conversation persisted by the previous
// session, or the zero Conversation if none was recorded.
func (c *Continuity) LastConversation() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConv
}

// SetLastConversation records the currently open conversation for the
// next session and persists it.
func (c *Continuity) SetLastConversation(conv Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.lastConv == conv {
		return
	}
	c.lastConv = conv
	c.saveLocked()
}

// Reload re-reads the backend snapshot and merges it in, keeping each
// category's later watermark so monotonicity survives concurrent writers
// (e.g. a second app window sharing the state file). Fired by the file
// backend's watcher.
func (c *Continuity) Reload() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.absorbSnapshotLocked()
	onChange := c.onChange
	c.mu.Unlock()

	if changed && onChange != nil {
		onChange()
	}
}

// Close cancels pending grace timers and persists a final snapshot.
func (c *Continuity) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for category, timer := range c.timers {
		timer.Stop()
		delete(c.timers, category)
	}
	c.saveLocked()
	c.mu.Unlock()
	return c.backend.Close()
}

func (c *Continuity) absorbSnapshotLocked() bool {
	snapshot, err := c.backend.Load()
	if err != nil {
		c.logf("continuity state unreadable, starting fresh: %v", err)
		return false
	}
	if snapshot == nil {
		return false
	}
	changed := false
	for category, raw := range snapshot.Watermarks {
		mark, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil {
			c.logf("dropping malformed watermark %s=%q: %v", category, raw, parseErr)
			continue
		}
		if mark.After(c.marks[category]) {
			c.marks[category] = mark
			changed = true
		}
	}
	if conv, ok := ParseConversationCategory(snapshot.LastConversation); ok && conv != c.lastConv {
		c.lastConv = conv
		changed = true
	}
	return changed
}

func (c *Continuity) saveLocked() {
	snapshot := &continuitySnapshot{
		Watermarks: make(map[string]string, len(c.marks)),
	}
	for category, mark := range c.marks {
		snapshot.Watermarks[category] = mark.UTC().Format(time.RFC3339Nano)
	}
	snapshot.LastConversation = c.lastConv.Category()
	if err := c.backend.Save(snapshot); err != nil {
		c.logf("persisting continuity state: %v", err)
	}
}

func (c *Continuity) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

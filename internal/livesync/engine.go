package livesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewboard/livesync/internal/feed"
)

const markReadTimeout = 30 * time.Second

// EngineOptions carries the engine's injected collaborators. Source,
// Fetcher and Backend are required; ReadMarker is optional (no remote
// mark-as-read side channel without it).
type EngineOptions struct {
	SelfID     string
	Source     feed.Source
	Fetcher    Fetcher
	ReadMarker ReadMarker
	Backend    ContinuityBackend
	Logger     Logger
	GraceDelay time.Duration
}

// Engine is the session-scoped realtime sync and badge engine. It owns
// the entity cache, the continuity store and the focus tracker, holds
// one feed subscription per watched table, and pushes recomputed badges
// to observers whenever any input changes.
//
// Badge derivation is a pure recompute over current state (ComputeUnread),
// so duplicated, reordered or spurious change signals only cost redundant
// refreshes, never wrong counts.
type Engine struct {
	selfID     string
	source     feed.Source
	readMarker ReadMarker
	logger     Logger
	grace      time.Duration

	cache      *EntityCache
	continuity *Continuity
	focus      *FocusTracker

	mu           sync.Mutex
	handles      []*feed.Handle
	observers    []func([]Badge)
	lastBadges   []Badge
	recomputeSeq uint64
	started      bool
	closed       bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.SelfID == "" || opts.Source == nil || opts.Fetcher == nil || opts.Backend == nil {
		return nil, ErrInvalidInput
	}
	grace := opts.GraceDelay
	if grace <= 0 {
		grace = DefaultGraceDelay
	}
	cache, err := NewEntityCache(opts.Fetcher, opts.SelfID, opts.Logger)
	if err != nil {
		return nil, err
	}
	continuity, err := NewContinuity(opts.Backend, opts.Logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		selfID:     opts.SelfID,
		source:     opts.Source,
		readMarker: opts.ReadMarker,
		logger:     opts.Logger,
		grace:      grace,
		cache:      cache,
		continuity: continuity,
		focus:      NewFocusTracker(),
	}
	e.cache.SetOnChange(e.recompute)
	e.continuity.SetOnChange(e.recompute)
	e.focus.SetOnChange(e.recompute)
	return e, nil
}

// Start subscribes to the watched tables and performs the initial sync.
// Subscriptions are opened before the first fetch so no change falls in
// the gap; the extra refresh that can cause is harmless.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	for _, table := range []string{TableMessages, TableTasks, TableActivity} {
		table := table
		handle, err := e.source.Subscribe(table, func() {
			e.cache.RequestRefresh(table)
		})
		if err != nil {
			e.disposeHandles()
			return fmt.Errorf("subscribing to %s: %w", table, err)
		}
		e.mu.Lock()
		e.handles = append(e.handles, handle)
		e.mu.Unlock()
	}

	if err := e.cache.RefreshAll(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	return nil
}

// OnBadges registers an observer and immediately delivers the current
// badge list. Observers are invoked (not polled) on every change.
func (e *Engine) OnBadges(fn func([]Badge)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	current := append([]Badge(nil), e.lastBadges...)
	e.mu.Unlock()
	fn(current)
}

// Badges returns the most recently computed badge list.
func (e *Engine) Badges() []Badge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Badge(nil), e.lastBadges...)
}

// OpenConversation records conv as the focused conversation: its badge is
// suppressed immediately, cached messages in scope are optimistically
// marked read, the remote mark-as-read write is issued, and the
// conversation's watermark advance is scheduled after the grace delay.
func (e *Engine) OpenConversation(ctx context.Context, conv Conversation) error {
	if conv.Kind == ConversationNone {
		return ErrInvalidInput
	}
	if conv.Kind == ConversationDirect && !e.cache.KnownUsers()[conv.Peer] {
		return fmt.Errorf("%w: unknown conversation peer %s", ErrInvalidInput, conv.Peer)
	}
	e.focus.SetFocus(conv)
	e.continuity.SetLastConversation(conv)
	e.cache.MarkConversationReadLocally(conv)
	if e.readMarker != nil {
		// The write must outlive the caller: an HTTP handler's context is
		// cancelled the moment the handler returns, which would lose the
		// remote read marker and resurface the badge on the next refresh.
		markCtx := context.WithoutCancel(ctx)
		go func() {
			markCtx, cancel := context.WithTimeout(markCtx, markReadTimeout)
			defer cancel()
			if err := e.readMarker.MarkMessagesRead(markCtx, conv, e.selfID); err != nil {
				e.logf("mark conversation %s read: %v", conv.Category(), err)
			}
		}()
	}
	e.continuity.ScheduleAdvance(conv.Category(), time.Now(), e.grace)
	return nil
}

// CloseConversation clears focus on view teardown, cancelling any pending
// watermark advance for the conversation. Without this the category's
// badge would stay suppressed after the user navigates away.
func (e *Engine) CloseConversation() {
	conv := e.focus.Current()
	if conv.Kind == ConversationNone {
		return
	}
	e.continuity.CancelScheduled(conv.Category())
	e.focus.ClearFocus()
}

// OpenActivityFeed schedules the activity watermark advance after the
// grace delay. The activity badge counts purely by watermark, so there is
// no focus suppression to apply.
func (e *Engine) OpenActivityFeed() {
	e.continuity.ScheduleAdvance(CategoryActivity, time.Now(), e.grace)
}

// LeaveActivityFeed cancels a pending activity watermark advance, so a
// quick bounce through the view does not mark everything seen.
func (e *Engine) LeaveActivityFeed() {
	e.continuity.CancelScheduled(CategoryActivity)
}

// OpenTaskBoard schedules the tasks watermark advance after the grace
// delay.
func (e *Engine) OpenTaskBoard() {
	e.continuity.ScheduleAdvance(CategoryTasks, time.Now(), e.grace)
}

// LeaveTaskBoard cancels a pending tasks watermark advance.
func (e *Engine) LeaveTaskBoard() {
	e.continuity.CancelScheduled(CategoryTasks)
}

// ApplyLocalMessage forwards an optimistic local write to the cache.
func (e *Engine) ApplyLocalMessage(msg Message) {
	e.cache.ApplyLocalMessage(msg)
}

// LastConversation returns the conversation that was open when the
// previous session ended, for restore-on-launch.
func (e *Engine) LastConversation() Conversation {
	return e.continuity.LastConversation()
}

// ReloadContinuity merges externally persisted continuity state back in.
// Wired to the file backend's watcher when two processes share state.
func (e *Engine) ReloadContinuity() {
	e.continuity.Reload()
}

// Close disposes the feed subscriptions, stops the cache (in-flight
// refresh results become no-ops) and persists a final continuity
// snapshot. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.disposeHandles()
	e.focus.ClearFocus()
	e.cache.Close()
	return e.continuity.Close()
}

func (e *Engine) disposeHandles() {
	e.mu.Lock()
	handles := e.handles
	e.handles = nil
	e.mu.Unlock()
	for _, h := range handles {
		h.Dispose()
	}
}

func (e *Engine) recompute() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.recomputeSeq++
	seq := e.recomputeSeq
	e.mu.Unlock()

	badges := ComputeUnread(
		e.cache.Snapshot(),
		e.continuity.WatermarkSnapshot(),
		e.focus.Current(),
		e.selfID,
		e.cache.KnownUsers(),
	)

	e.mu.Lock()
	// A recompute that started after this one saw at least as fresh a
	// snapshot; let it win rather than overwrite its result with an
	// older one.
	if e.closed || seq != e.recomputeSeq {
		e.mu.Unlock()
		return
	}
	if BadgesEqual(badges, e.lastBadges) {
		e.mu.Unlock()
		return
	}
	e.lastBadges = badges
	observers := make([]func([]Badge), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, fn := range observers {
		fn(append([]Badge(nil), badges...))
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

package livesync

import (
	"context"
	"sync"
	"time"
)

// Fetcher is the read side of the remote store. Implementations perform
// authoritative slice fetches; the cache never interprets change-feed
// payloads, it re-fetches.
type Fetcher interface {
	FetchMessages(ctx context.Context, selfID string) ([]Message, error)
	FetchTasks(ctx context.Context, selfID string) ([]Task, error)
	FetchActivity(ctx context.Context, selfID string, since time.Time) ([]ActivityEvent, error)
	FetchKnownUsers(ctx context.Context) ([]string, error)
}

// ReadMarker is the mark-as-read side channel to the remote store. It is
// eventually consistent with the local watermark advance; both feed into
// suppressing future unread counts.
type ReadMarker interface {
	MarkMessagesRead(ctx context.Context, conv Conversation, selfID string) error
}

const defaultFetchTimeout = 30 * time.Second

// EntityCache is the canonical in-memory copy of each watched collection,
// scoped to one user session. A refresh replaces the table's slice
// wholesale, so upstream deletions never leave stale entries behind.
//
// Change-feed signals arrive via RequestRefresh, which collapses bursts:
// at most one refresh is in flight per table, and any number of signals
// arriving meanwhile schedule exactly one follow-up.
type EntityCache struct {
	fetcher      Fetcher
	selfID       string
	logger       Logger
	fetchTimeout time.Duration

	mu         sync.Mutex
	messages   []Message
	tasks      []Task
	activity   []ActivityEvent
	knownUsers map[string]bool
	generation uint64
	inflight   map[string]bool
	pending    map[string]bool
	onChange   func()
	closed     bool
}

func NewEntityCache(fetcher Fetcher, selfID string, logger Logger) (*EntityCache, error) {
	if fetcher == nil || selfID == "" {
		return nil, ErrInvalidInput
	}
	return &EntityCache{
		fetcher:      fetcher,
		selfID:       selfID,
		logger:       logger,
		fetchTimeout: defaultFetchTimeout,
		knownUsers:   map[string]bool{},
		inflight:     map[string]bool{},
		pending:      map[string]bool{},
	}, nil
}

// SetOnChange installs a callback fired after every cache mutation.
// Must be set before the cache is shared.
func (c *EntityCache) SetOnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Snapshot returns a copy of all cached slices.
func (c *EntityCache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Messages: make([]Message, len(c.messages)),
		Tasks:    make([]Task, len(c.tasks)),
		Activity: make([]ActivityEvent, len(c.activity)),
	}
	copy(snap.Messages, c.messages)
	copy(snap.Tasks, c.tasks)
	copy(snap.Activity, c.activity)
	return snap
}

// KnownUsers returns a copy of the addressable-user set.
func (c *EntityCache) KnownUsers() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make(map[string]bool, len(c.knownUsers))
	for id, ok := range c.knownUsers {
		users[id] = ok
	}
	return users
}

// RefreshAll fetches every watched table once, synchronously. Used for
// the initial sync; individual fetch failures abort it.
func (c *EntityCache) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen := c.generation
	c.mu.Unlock()

	for _, table := range []string{TableMessages, TableTasks, TableActivity} {
		if err := c.refreshTable(ctx, table, gen); err != nil {
			return err
		}
	}
	c.notify()
	return nil
}

// RequestRefresh signals that a table changed upstream and schedules an
// asynchronous re-fetch, debounced to at most one in flight per table.
// Redundant and spurious signals are safe; the refresh is idempotent.
func (c *EntityCache) RequestRefresh(table string) {
	switch table {
	case TableMessages, TableTasks, TableActivity:
	default:
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.inflight[table] {
		// Exactly one follow-up, no matter how many signals arrive
		// while the current refresh runs.
		c.pending[table] = true
		c.mu.Unlock()
		return
	}
	c.inflight[table] = true
	gen := c.generation
	c.mu.Unlock()

	go c.refreshLoop(table, gen)
}

func (c *EntityCache) refreshLoop(table string, gen uint64) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		err := c.refreshTable(ctx, table, gen)
		cancel()
		if err != nil {
			// Keep the last-known slice; a stale badge beats a broken
			// view. The next signal retries.
			c.logf("refresh %s failed, keeping cached slice: %v", table, err)
		} else {
			c.notify()
		}

		c.mu.Lock()
		if c.closed || gen != c.generation {
			c.mu.Unlock()
			return
		}
		if c.pending[table] {
			delete(c.pending, table)
			c.mu.Unlock()
			continue
		}
		delete(c.inflight, table)
		c.mu.Unlock()
		return
	}
}

// refreshTable performs one authoritative fetch and replaces the cached
// slice, unless the cache was closed or invalidated while the fetch was
// in flight (the result is then discarded).
func (c *EntityCache) refreshTable(ctx context.Context, table string, gen uint64) error {
	switch table {
	case TableMessages:
		messages, err := c.fetcher.FetchMessages(ctx, c.selfID)
		if err != nil {
			return err
		}
		users, err := c.fetcher.FetchKnownUsers(ctx)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(users))
		for _, id := range users {
			known[id] = true
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.generation {
			return nil
		}
		c.messages = messages
		c.knownUsers = known
	case TableTasks:
		tasks, err := c.fetcher.FetchTasks(ctx, c.selfID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.generation {
			return nil
		}
		c.tasks = tasks
	case TableActivity:
		activity, err := c.fetcher.FetchActivity(ctx, c.selfID, time.Time{})
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.generation {
			return nil
		}
		c.activity = activity
	}
	return nil
}

// ApplyLocalMessage overlays an optimistic local write on the cached
// slice. It is a display optimization only: the next refresh replaces it
// with the remote store's truth.
func (c *EntityCache) ApplyLocalMessage(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	replaced := false
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			c.messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		c.messages = append(c.messages, msg)
	}
	c.mu.Unlock()
	c.notify()
}

// MarkConversationReadLocally adds the local user to the read-by set of
// every cached message in the conversation's scope, so the badge clears
// before the remote mark-as-read write lands. Overwritten by the next
// refresh once the write is reflected upstream.
func (c *EntityCache) MarkConversationReadLocally(conv Conversation) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := false
	for i := range c.messages {
		m := &c.messages[i]
		if !messageInConversation(*m, conv, c.selfID) || m.ReadByUser(c.selfID) {
			continue
		}
		// Snapshots share the slice's backing array with the cached
		// message; appending in place could write through both.
		readBy := make([]string, len(m.ReadBy), len(m.ReadBy)+1)
		copy(readBy, m.ReadBy)
		m.ReadBy = append(readBy, c.selfID)
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Invalidate discards results of any in-flight refreshes on arrival.
// Used when the session identity changes underneath the cache.
func (c *EntityCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.inflight = map[string]bool{}
	c.pending = map[string]bool{}
}

// Close stops the cache; in-flight refresh results become no-ops.
func (c *EntityCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.generation++
}

func messageInConversation(m Message, conv Conversation, selfID string) bool {
	switch conv.Kind {
	case ConversationTeam:
		return m.Recipient == ""
	case ConversationDirect:
		return m.CreatedBy == conv.Peer && m.Recipient == selfID
	default:
		return false
	}
}

func (c *EntityCache) notify() {
	c.mu.Lock()
	onChange := c.onChange
	closed := c.closed
	c.mu.Unlock()
	if closed || onChange == nil {
		return
	}
	onChange()
}

func (c *EntityCache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

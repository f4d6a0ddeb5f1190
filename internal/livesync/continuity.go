package livesync

import (
	"encoding/json"
	"sync"
)

// continuitySnapshot is the persisted cross-session state: one watermark
// per category (RFC 3339 strings) and the conversation that was open when
// the previous session ended.
type continuitySnapshot struct {
	Watermarks       map[string]string `json:"watermarks"`
	LastConversation string            `json:"lastConversation,omitempty"`
}

// ContinuityBackend stores the continuity snapshot in some durable (or
// deliberately non-durable) local medium. Load returns (nil, nil) when
// nothing has been persisted yet.
type ContinuityBackend interface {
	Load() (*continuitySnapshot, error)
	Save(state *continuitySnapshot) error
	Close() error
}

// InMemoryContinuityBackend keeps the snapshot in process memory. Used in
// tests and for sessions that should not leave state behind.
type InMemoryContinuityBackend struct {
	mu       sync.Mutex
	snapshot *continuitySnapshot
}

func NewInMemoryContinuityBackend() *InMemoryContinuityBackend {
	return &InMemoryContinuityBackend{}
}

func (b *InMemoryContinuityBackend) Load() (*continuitySnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneContinuitySnapshot(b.snapshot)
}

func (b *InMemoryContinuityBackend) Save(state *continuitySnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneContinuitySnapshot(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func (b *InMemoryContinuityBackend) Close() error {
	return nil
}

func cloneContinuitySnapshot(state *continuitySnapshot) (*continuitySnapshot, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone continuitySnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

package livesync

import "sync"

// FocusTracker records which conversation is open in the UI. The badge
// computation uses it to suppress counting items the user is already
// looking at; views must clear focus on teardown or that category's badge
// stays suppressed forever.
type FocusTracker struct {
	mu       sync.Mutex
	current  Conversation
	onChange func()
}

func NewFocusTracker() *FocusTracker {
	return &FocusTracker{}
}

// SetOnChange installs a callback fired whenever focus actually moves.
func (f *FocusTracker) SetOnChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// SetFocus marks conv as the open conversation.
func (f *FocusTracker) SetFocus(conv Conversation) {
	f.mu.Lock()
	if f.current == conv {
		f.mu.Unlock()
		return
	}
	f.current = conv
	onChange := f.onChange
	f.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// ClearFocus marks no conversation as open.
func (f *FocusTracker) ClearFocus() {
	f.SetFocus(Conversation{})
}

// Current returns the open conversation, or the zero value when none is.
func (f *FocusTracker) Current() Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

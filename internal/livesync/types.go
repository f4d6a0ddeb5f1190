package livesync

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("engine closed")
	ErrNotImplemented = errors.New("not implemented")
)

// Watched remote tables. Change-feed events are routed by these names.
const (
	TableMessages = "messages"
	TableTasks    = "tasks"
	TableActivity = "activity_log"
)

// Badge and watermark category keys. Direct-message categories are
// derived per peer via DirectCategory.
const (
	CategoryTeam     = "team"
	CategoryActivity = "activity"
	CategoryTasks    = "tasks"

	directCategoryPrefix = "dm:"
)

func DirectCategory(peerID string) string {
	return directCategoryPrefix + peerID
}

// Message is a chat message. An empty Recipient means the message is
// visible to the whole team; a non-empty Recipient makes it a direct
// message to that user.
type Message struct {
	ID        string
	CreatedBy string
	Recipient string
	Body      string
	ReadBy    []string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// ReadByUser reports whether userID appears in the message's read-by set.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Task is a shared work item. Only its authorship and timestamps matter
// to unread derivation; the rest is carried for consumers.
type Task struct {
	ID        string
	CreatedBy string
	Assignee  string
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ActivityEvent is one row of the shared activity log.
type ActivityEvent struct {
	ID        string
	CreatedBy string
	Kind      string
	TaskID    string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// ConversationKind discriminates Conversation values.
type ConversationKind int

const (
	ConversationNone ConversationKind = iota
	ConversationTeam
	ConversationDirect
)

// Conversation identifies a chat scope: the shared team channel or a
// direct-message thread with one peer. The zero value means "no
// conversation".
type Conversation struct {
	Kind ConversationKind
	Peer string
}

func TeamConversation() Conversation {
	return Conversation{Kind: ConversationTeam}
}

func DirectConversation(peerID string) Conversation {
	return Conversation{Kind: ConversationDirect, Peer: peerID}
}

// Category returns the badge/watermark key for the conversation, or ""
// for the zero value.
func (c Conversation) Category() string {
	switch c.Kind {
	case ConversationTeam:
		return CategoryTeam
	case ConversationDirect:
		return DirectCategory(c.Peer)
	default:
		return ""
	}
}

// ParseConversationCategory is the inverse of Category. It returns the
// zero Conversation and false for keys that do not name a conversation
// (including the activity and tasks feed categories).
func ParseConversationCategory(category string) (Conversation, bool) {
	category = strings.TrimSpace(category)
	if category == CategoryTeam {
		return TeamConversation(), true
	}
	if peer := strings.TrimPrefix(category, directCategoryPrefix); peer != category && peer != "" {
		return DirectConversation(peer), true
	}
	return Conversation{}, false
}

// Badge is one category's unread count, as handed to UI consumers.
// Counts are exact; capping for display is the consumer's concern.
type Badge struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Snapshot is a point-in-time copy of the entity cache handed to the
// unread computation.
type Snapshot struct {
	Messages []Message
	Tasks    []Task
	Activity []ActivityEvent
}

// Logger matches the subset of *log.Logger the engine needs.
type Logger interface {
	Printf(format string, args ...any)
}

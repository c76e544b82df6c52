package session

import "time"

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType is the response category a message belongs to
type MessageType string

const (
	TypeChat         MessageType = "chat"
	TypeRecipe       MessageType = "recipe"
	TypeHealthAdvice MessageType = "health_advice"
)

// ParseMessageType maps a backend intent label to a MessageType.
// Unknown labels report false.
func ParseMessageType(label string) (MessageType, bool) {
	switch MessageType(label) {
	case TypeChat, TypeRecipe, TypeHealthAdvice:
		return MessageType(label), true
	}
	return "", false
}

// Status is the lifecycle state of a message
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusAborted
}

// InFlight reports whether the message is still awaiting or receiving content.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusStreaming
}

// Mode tells whether a session lives only in memory or is backed by remote storage
type Mode string

const (
	ModeEphemeral Mode = "ephemeral"
	ModePersisted Mode = "persisted"
)

// Message represents a single chat message
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Status    Status      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Session represents a chat session
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      Mode      `json:"mode"`
	TagIDs    []string  `json:"tag_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no slices with s.
func (s Session) Clone() Session {
	if s.TagIDs != nil {
		s.TagIDs = append([]string(nil), s.TagIDs...)
	}
	return s
}

// CloneMessages copies a message list so callers can't mutate store state.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

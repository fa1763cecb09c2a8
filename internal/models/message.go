package models

import "time"

// MessageType is the payload type of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVoice  MessageType = "voice"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Reaction is one (user, emoji) entry; a user may react with several emojis.
type Reaction struct {
	UserID string `json:"userId" bson:"userId"`
	Emoji  string `json:"emoji" bson:"emoji"`
}

// Message represents a message within a conversation.
type Message struct {
	ID             string         `json:"id" bson:"_id"`
	ConversationID string         `json:"conversationId" bson:"conversationId"`
	SenderID       string         `json:"senderId" bson:"senderId"`
	Body           string         `json:"body" bson:"body"`
	Payload        map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	Type           MessageType    `json:"type" bson:"type"`
	CreatedAt      time.Time      `json:"createdAt" bson:"createdAt"`
	EditedAt       *time.Time     `json:"editedAt,omitempty" bson:"editedAt,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty" bson:"reactions,omitempty"`
	ReadBy         []string       `json:"readBy,omitempty" bson:"readBy,omitempty"`
	// Deleted marks a tombstoned message; the body is redacted but the id and
	// createdAt are kept so ordering stays stable.
	Deleted bool `json:"deleted,omitempty" bson:"deleted,omitempty"`
}

func (m *Message) EntityRef() Ref {
	return Ref{Kind: KindMessage, ID: m.ID}
}

func (m *Message) Clone() Entity {
	out := *m
	out.Payload = cloneMap(m.Payload)
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return &out
}

// IsReadBy reports whether userID has read the message.
func (m *Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkReadBy adds userID to the read set.
func (m *Message) MarkReadBy(userID string) {
	if !m.IsReadBy(userID) {
		m.ReadBy = append(m.ReadBy, userID)
	}
}

// Redact turns the message into a tombstone.
func (m *Message) Redact() {
	m.Deleted = true
	m.Body = ""
	m.Payload = nil
	m.Reactions = nil
}

// Before orders messages by createdAt, ties broken by id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

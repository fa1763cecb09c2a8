package models

import (
	"sort"
	"time"
)

// ConversationKind distinguishes direct chats from groups and broadcasts.
type ConversationKind string

const (
	ConversationDirect    ConversationKind = "direct"
	ConversationGroup     ConversationKind = "group"
	ConversationBroadcast ConversationKind = "broadcast"
)

// LastMessage is the denormalized preview rendered in conversation lists.
type LastMessage struct {
	Text     string      `json:"text" bson:"text"`
	SenderID string      `json:"senderId" bson:"senderId"`
	SentAt   time.Time   `json:"sentAt" bson:"sentAt"`
	Type     MessageType `json:"type" bson:"type"`
}

// Counters are the current user's unread counters for a conversation.
type Counters struct {
	Unread   int `json:"unread" bson:"unread"`
	Mentions int `json:"mentions" bson:"mentions"`
}

// Flags are the current user's per-conversation settings.
type Flags struct {
	Pinned   bool `json:"pinned" bson:"pinned"`
	Muted    bool `json:"muted" bson:"muted"`
	Archived bool `json:"archived" bson:"archived"`
	Favorite bool `json:"favorite" bson:"favorite"`
}

// Conversation represents a chat between two or more participants.
type Conversation struct {
	ID             string           `json:"id" bson:"_id"`
	Kind           ConversationKind `json:"kind" bson:"kind"`
	ParticipantIDs []string         `json:"participantIds" bson:"participantIds"`
	LastMessage    *LastMessage     `json:"lastMessage,omitempty" bson:"lastMessage,omitempty"`
	Counters       Counters         `json:"counters" bson:"counters"`
	Flags          Flags            `json:"flags" bson:"flags"`
	// ReadAt is the current user's read watermark.
	ReadAt time.Time `json:"readAt,omitempty" bson:"readAt,omitempty"`
	// ReadKeys are the keys of the most recent read writes applied to the
	// counters, oldest first.
	ReadKeys  []string  `json:"readKeys,omitempty" bson:"readKeys,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ReadKeyWindow bounds ReadKeys. It must exceed the number of reads a client
// can have in flight on one conversation within a mutation timeout.
const ReadKeyWindow = 128

func (c *Conversation) EntityRef() Ref {
	return Ref{Kind: KindConversation, ID: c.ID}
}

func (c *Conversation) Clone() Entity {
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	out.ReadKeys = append([]string(nil), c.ReadKeys...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasReadKey reports whether the read write identified by key already
// changed the counters.
func (c *Conversation) HasReadKey(key string) bool {
	for _, k := range c.ReadKeys {
		if k == key {
			return true
		}
	}
	return false
}

// RecordReadKey remembers key, dropping the oldest keys past ReadKeyWindow.
func (c *Conversation) RecordReadKey(key string) {
	if key == "" || c.HasReadKey(key) {
		return
	}
	c.ReadKeys = append(c.ReadKeys, key)
	if n := len(c.ReadKeys) - ReadKeyWindow; n > 0 {
		c.ReadKeys = append([]string(nil), c.ReadKeys[n:]...)
	}
}

// NormalizeParticipants dedupes and sorts participant ids.
func NormalizeParticipants(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

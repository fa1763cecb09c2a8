package models

import "time"

// PresenceStatus is a user's advisory online state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceEntry is the transient presence of one user. It is never persisted.
type PresenceEntry struct {
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	IsTyping   bool           `json:"isTyping"`
	TypingIn   string         `json:"typingIn,omitempty"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// PresenceUpdate is the wire form of a presence change, relayed between clients.
type PresenceUpdate struct {
	UserID         string         `json:"userId"`
	Status         PresenceStatus `json:"status,omitempty"`
	Typing         *bool          `json:"typing,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
}

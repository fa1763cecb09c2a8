package models

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an entity collection.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindMessage      Kind = "message"
	KindNotification Kind = "notification"
)

// Ref addresses a single entity in the local store.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Entity is implemented by *Conversation, *Message and *Notification.
type Entity interface {
	EntityRef() Ref
	Clone() Entity
}

// Decode unmarshals a JSON document of the given kind.
func Decode(kind Kind, data []byte) (Entity, error) {
	var ent Entity
	switch kind {
	case KindConversation:
		ent = &Conversation{}
	case KindMessage:
		ent = &Message{}
	case KindNotification:
		ent = &Notification{}
	default:
		return nil, fmt.Errorf("decode: unknown kind %q", kind)
	}
	if err := json.Unmarshal(data, ent); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if c, ok := ent.(*Conversation); ok {
		c.ParticipantIDs = NormalizeParticipants(c.ParticipantIDs)
	}
	return ent, nil
}

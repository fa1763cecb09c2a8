package models

import (
	"fmt"
	"strings"
)

// Merge overlays the fields of patch listed in fields onto base and returns a
// new entity. Fields absent from the list keep base's values. With no fields,
// or no base, patch is taken as the full document.
func Merge(base, patch Entity, fields []string) (Entity, error) {
	if patch == nil {
		return nil, fmt.Errorf("merge: nil patch")
	}
	if base == nil || len(fields) == 0 {
		return normalize(patch.Clone()), nil
	}
	if base.EntityRef() != patch.EntityRef() {
		return nil, fmt.Errorf("merge: ref mismatch %s != %s", base.EntityRef(), patch.EntityRef())
	}

	out := base.Clone()
	switch dst := out.(type) {
	case *Conversation:
		src := patch.(*Conversation)
		for _, f := range fields {
			if err := mergeConversationField(dst, src, f); err != nil {
				return nil, err
			}
		}
	case *Message:
		src := patch.(*Message)
		for _, f := range fields {
			if err := mergeMessageField(dst, src, f); err != nil {
				return nil, err
			}
		}
	case *Notification:
		src := patch.(*Notification)
		for _, f := range fields {
			if err := mergeNotificationField(dst, src, f); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("merge: unsupported entity %T", out)
	}
	return normalize(out), nil
}

func normalize(e Entity) Entity {
	if c, ok := e.(*Conversation); ok {
		c.ParticipantIDs = NormalizeParticipants(c.ParticipantIDs)
	}
	return e
}

func mergeConversationField(dst, src *Conversation, field string) error {
	switch field {
	case "kind":
		dst.Kind = src.Kind
	case "participantIds":
		dst.ParticipantIDs = append([]string(nil), src.ParticipantIDs...)
	case "lastMessage":
		dst.LastMessage = nil
		if src.LastMessage != nil {
			lm := *src.LastMessage
			dst.LastMessage = &lm
		}
	case "counters":
		dst.Counters = src.Counters
	case "counters.unread":
		dst.Counters.Unread = src.Counters.Unread
	case "counters.mentions":
		dst.Counters.Mentions = src.Counters.Mentions
	case "flags":
		dst.Flags = src.Flags
	case "flags.pinned":
		dst.Flags.Pinned = src.Flags.Pinned
	case "flags.muted":
		dst.Flags.Muted = src.Flags.Muted
	case "flags.archived":
		dst.Flags.Archived = src.Flags.Archived
	case "flags.favorite":
		dst.Flags.Favorite = src.Flags.Favorite
	case "readAt":
		dst.ReadAt = src.ReadAt
	case "readKeys":
		dst.ReadKeys = append([]string(nil), src.ReadKeys...)
	case "updatedAt":
		dst.UpdatedAt = src.UpdatedAt
	case "id":
	default:
		return unknownField(KindConversation, field)
	}
	return nil
}

func mergeMessageField(dst, src *Message, field string) error {
	switch field {
	case "conversationId":
		dst.ConversationID = src.ConversationID
	case "senderId":
		dst.SenderID = src.SenderID
	case "body":
		dst.Body = src.Body
	case "payload":
		dst.Payload = cloneMap(src.Payload)
	case "type":
		dst.Type = src.Type
	case "createdAt":
		dst.CreatedAt = src.CreatedAt
	case "editedAt":
		dst.EditedAt = nil
		if src.EditedAt != nil {
			t := *src.EditedAt
			dst.EditedAt = &t
		}
	case "reactions":
		dst.Reactions = append([]Reaction(nil), src.Reactions...)
	case "readBy":
		dst.ReadBy = append([]string(nil), src.ReadBy...)
	case "deleted":
		dst.Deleted = src.Deleted
		if dst.Deleted {
			dst.Redact()
		}
	case "id":
	default:
		return unknownField(KindMessage, field)
	}
	return nil
}

func mergeNotificationField(dst, src *Notification, field string) error {
	switch field {
	case "type":
		dst.Type = src.Type
	case "title":
		dst.Title = src.Title
	case "body":
		dst.Body = src.Body
	case "createdAt":
		dst.CreatedAt = src.CreatedAt
	case "isRead":
		dst.IsRead = src.IsRead
	case "priority":
		dst.Priority = src.Priority
	case "targetRoute":
		dst.TargetRoute = src.TargetRoute
	case "metadata":
		dst.Metadata = cloneMap(src.Metadata)
	case "id":
	default:
		if strings.HasPrefix(field, "metadata.") {
			key := strings.TrimPrefix(field, "metadata.")
			if dst.Metadata == nil {
				dst.Metadata = map[string]any{}
			}
			if v, ok := src.Metadata[key]; ok {
				dst.Metadata[key] = v
			} else {
				delete(dst.Metadata, key)
			}
			return nil
		}
		return unknownField(KindNotification, field)
	}
	return nil
}

func unknownField(kind Kind, field string) error {
	return fmt.Errorf("merge: unknown %s field %q", kind, field)
}

// Package mutation defines optimistic mutations, their local effects and the
// queue that tracks them until the backend confirms or rejects them.
package mutation

import (
	"context"
	"fmt"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

// Op is a user-initiated operation.
type Op string

const (
	OpMarkRead    Op = "markRead"
	OpMarkAllRead Op = "markAllRead"
	OpPin         Op = "pin"
	OpMute        Op = "mute"
	OpArchive     Op = "archive"
	OpFavorite    Op = "favorite"
	OpDelete      Op = "delete"
)

// Class groups operations that collapse into each other.
type Class string

const ClassRead Class = "read"

// Class returns the collapse class of op.
func (op Op) Class() Class {
	switch op {
	case OpMarkRead, OpMarkAllRead:
		return ClassRead
	default:
		return Class(op)
	}
}

// IsFlag reports whether op toggles a conversation flag.
func (op Op) IsFlag() bool {
	switch op {
	case OpPin, OpMute, OpArchive, OpFavorite:
		return true
	}
	return false
}

// Status of a queued mutation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Mutation is a local change applied before the backend acknowledges it.
type Mutation struct {
	ID     string
	Seq    uint64
	Target models.Ref
	Op     Op
	// Value is the target state of a flag operation (pin=false unpins).
	Value bool
	// Count is the relative unread decrement of a conversation markRead, or
	// the conversation decrement carried by a message markRead.
	Count int
	// Through is the read watermark written with read operations.
	Through time.Time
	// Key overrides ReadKey. Backends set it to the key of the remote write
	// that carried the decrement.
	Key string
	// Parts are the decrements of a conversation markRead that absorbed
	// later reads. Empty means one part made of Count, Through and ReadKey.
	Parts  []ReadPart
	UserID string
	// ConversationID is set for message targets.
	ConversationID string
	// Related are other entities the mutation changes locally, e.g. the
	// unread messages of a conversation being marked all read.
	Related []models.Ref

	Before    models.Entity
	Status    Status
	CreatedAt time.Time
}

// ReadPart is one relative decrement of a conversation's unread counter.
type ReadPart struct {
	Key     string
	Count   int
	Through time.Time
}

// ReadParts returns the decrements m carries.
func (m *Mutation) ReadParts() []ReadPart {
	if len(m.Parts) > 0 {
		return m.Parts
	}
	return []ReadPart{{Key: m.ReadKey(), Count: m.Count, Through: m.Through}}
}

// extend absorbs a later decrement as a new part keyed by generation.
func (m *Mutation) extend(count int, through time.Time) ReadPart {
	if len(m.Parts) == 0 {
		m.Parts = m.ReadParts()
	}
	part := ReadPart{
		Key:     writeKey(fmt.Sprintf("%s.%d", m.ID, len(m.Parts)), m.Target),
		Count:   count,
		Through: through,
	}
	m.Parts = append(m.Parts, part)
	m.Count += count
	m.Through = laterOf(m.Through, through)
	return part
}

// Invalidates reports whether the mutation cancels every other pending
// mutation on its target.
func (m *Mutation) Invalidates() bool {
	return m.Op == OpDelete || (m.Op == OpArchive && m.Value)
}

// Touches reports whether ref is the target or a related entity.
func (m *Mutation) Touches(ref models.Ref) bool {
	if m.Target == ref {
		return true
	}
	for _, r := range m.Related {
		if r == ref {
			return true
		}
	}
	return false
}

// ReadKey identifies the counter change of a read on the conversation it
// applies to. It equals the key of the write sent for the target, so the
// backend records the same value when it applies that write.
func (m *Mutation) ReadKey() string {
	if m.Key != "" {
		return m.Key
	}
	if m.ID == "" {
		return ""
	}
	return writeKey(m.ID, m.Target)
}

// Refs returns the target followed by the related refs.
func (m *Mutation) Refs() []models.Ref {
	out := make([]models.Ref, 0, 1+len(m.Related))
	out = append(out, m.Target)
	return append(out, m.Related...)
}

// Validate checks that op can be applied to the current state of the target.
// ent is nil when the target is unknown.
func Validate(m *Mutation, ent models.Entity, tombstoned bool) error {
	if ent == nil {
		return syncerr.Validation(syncerr.ErrNotFound, m.Target, "%s on unknown entity", m.Op)
	}
	if tombstoned {
		return syncerr.Validation(syncerr.ErrTombstoned, m.Target, "%s on deleted entity", m.Op)
	}
	switch m.Target.Kind {
	case models.KindConversation:
		if m.Op == OpDelete {
			return syncerr.Validation(syncerr.ErrInvalidOperation, m.Target, "conversations are archived, not deleted")
		}
		if m.Op == OpMarkRead && m.Count < 0 {
			return syncerr.Validation(syncerr.ErrInvalidOperation, m.Target, "negative read count %d", m.Count)
		}
	case models.KindMessage:
		if m.Op.IsFlag() {
			return syncerr.Validation(syncerr.ErrInvalidOperation, m.Target, "%s applies to conversations only", m.Op)
		}
	case models.KindNotification:
		if m.Op.IsFlag() || m.Op == OpDelete {
			return syncerr.Validation(syncerr.ErrInvalidOperation, m.Target, "%s not supported on notifications", m.Op)
		}
	}
	if m.Op.Class() == ClassRead && m.UserID == "" {
		return syncerr.Validation(syncerr.ErrInvalidOperation, m.Target, "read operation without user")
	}
	return nil
}

// Apply returns a copy of ent with the local effect of m applied. Entities
// the mutation does not touch are returned unchanged.
func (m *Mutation) Apply(ent models.Entity) models.Entity {
	if ent == nil || !m.Touches(ent.EntityRef()) {
		return ent
	}
	out := ent.Clone()
	switch e := out.(type) {
	case *models.Conversation:
		m.applyConversation(e)
	case *models.Message:
		switch m.Op {
		case OpMarkRead, OpMarkAllRead:
			e.MarkReadBy(m.UserID)
		case OpDelete:
			e.Redact()
		}
	case *models.Notification:
		if m.Op.Class() == ClassRead {
			e.IsRead = true
		}
	}
	return out
}

func (m *Mutation) applyConversation(c *models.Conversation) {
	switch m.Op {
	case OpMarkRead:
		for _, p := range m.ReadParts() {
			if p.Key != "" && c.HasReadKey(p.Key) {
				continue
			}
			c.Counters.Unread -= p.Count
			if c.Counters.Unread < 0 {
				c.Counters.Unread = 0
			}
			if c.Counters.Mentions > c.Counters.Unread {
				c.Counters.Mentions = c.Counters.Unread
			}
			c.ReadAt = laterOf(c.ReadAt, p.Through)
			c.RecordReadKey(p.Key)
		}
	case OpMarkAllRead:
		c.Counters.Unread = 0
		c.Counters.Mentions = 0
		c.ReadAt = laterOf(c.ReadAt, m.Through)
		c.RecordReadKey(m.ReadKey())
	case OpPin:
		c.Flags.Pinned = m.Value
	case OpMute:
		c.Flags.Muted = m.Value
	case OpArchive:
		c.Flags.Archived = m.Value
	case OpFavorite:
		c.Flags.Favorite = m.Value
	}
}

// Reflected reports whether the backend state of one touched entity already
// contains the effect of m.
func (m *Mutation) Reflected(server models.Entity) bool {
	switch e := server.(type) {
	case *models.Conversation:
		switch m.Op {
		// Relative reads are matched by key only: the read watermark is
		// shared by every read of the conversation and lands out of order.
		case OpMarkRead:
			for _, p := range m.ReadParts() {
				if p.Key == "" || !e.HasReadKey(p.Key) {
					return false
				}
			}
			return true
		case OpMarkAllRead:
			if key := m.ReadKey(); key != "" && e.HasReadKey(key) {
				return true
			}
			return e.Counters.Unread == 0 && e.Counters.Mentions == 0
		case OpPin:
			return e.Flags.Pinned == m.Value
		case OpMute:
			return e.Flags.Muted == m.Value
		case OpArchive:
			return e.Flags.Archived == m.Value
		case OpFavorite:
			return e.Flags.Favorite == m.Value
		}
	case *models.Message:
		if m.Op == OpDelete {
			return e.Deleted
		}
		return e.IsReadBy(m.UserID)
	case *models.Notification:
		return e.IsRead
	}
	return false
}

// Rebase applies every mutation in order on top of base, skipping those the
// base already reflects.
func Rebase(base models.Entity, pending []*Mutation) models.Entity {
	out := base
	for _, m := range pending {
		if out == nil {
			break
		}
		if m.Reflected(out) {
			continue
		}
		out = m.Apply(out)
	}
	return out
}

// RemoteWrite is one point write sent to the backend. Key is stable across
// retries of the same logical write.
type RemoteWrite struct {
	Key            string     `json:"key"`
	MutationID     string     `json:"mutation_id"`
	Ref            models.Ref `json:"ref"`
	Op             Op         `json:"op"`
	Value          bool       `json:"value,omitempty"`
	Delta          int        `json:"delta,omitempty"`
	Through        time.Time  `json:"through,omitempty"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
}

// Writer applies remote writes. Implementations must treat a repeated Key as
// already applied.
type Writer interface {
	Apply(ctx context.Context, w RemoteWrite) error
}

// Writes builds the remote writes for m. target is the state of the target
// before m was applied; related holds the prior state of related entities.
func Writes(m *Mutation, target models.Entity, related map[models.Ref]models.Entity) []RemoteWrite {
	base := RemoteWrite{
		MutationID:     m.ID,
		Op:             m.Op,
		Value:          m.Value,
		Through:        m.Through,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
	}
	build := func(ref models.Ref, delta int) RemoteWrite {
		w := base
		w.Key = writeKey(m.ID, ref)
		w.Ref = ref
		w.Delta = delta
		return w
	}

	if m.Op == OpMarkAllRead && m.Target.Kind == models.KindConversation {
		out := make([]RemoteWrite, 0, len(m.Related)+1)
		for _, ref := range m.Related {
			if ent, ok := related[ref]; ok && m.Reflected(ent) {
				continue
			}
			out = append(out, build(ref, 0))
		}
		if c, ok := target.(*models.Conversation); ok && (c.Counters.Unread > 0 || c.Counters.Mentions > 0) {
			out = append(out, build(m.Target, 0))
		}
		return out
	}

	if m.Op == OpMarkRead {
		out := make([]RemoteWrite, 0, len(m.Parts)+1)
		for _, p := range m.ReadParts() {
			out = append(out, PartWrite(m, p))
		}
		return out
	}
	return []RemoteWrite{build(m.Target, 0)}
}

// PartWrite builds the remote write for one decrement of a read mutation.
func PartWrite(m *Mutation, p ReadPart) RemoteWrite {
	return RemoteWrite{
		Key:            p.Key,
		MutationID:     m.ID,
		Ref:            m.Target,
		Op:             m.Op,
		Delta:          p.Count,
		Through:        p.Through,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
	}
}

func writeKey(mutationID string, ref models.Ref) string {
	return mutationID + ":" + ref.String()
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Package store is the in-memory normalized entity cache the UI renders from.
package store

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/models"
)

// Write is one step of a batch applied to the store.
type Write struct {
	Ref    models.Ref
	Entity models.Entity
	// Fields restricts the write to the listed field paths (partial update).
	Fields []string
	Remove bool
}

// Put writes a full entity.
func Put(e models.Entity) Write {
	return Write{Ref: e.EntityRef(), Entity: e}
}

// Patch writes only the listed fields of e.
func Patch(e models.Entity, fields ...string) Write {
	return Write{Ref: e.EntityRef(), Entity: e, Fields: fields}
}

// Delete tombstones ref.
func Delete(ref models.Ref) Write {
	return Write{Ref: ref, Remove: true}
}

// Totals are the derived unread counters used for badges.
type Totals struct {
	UnreadConversations int `json:"unread_conversations"`
	UnreadMessages      int `json:"unread_messages"`
	UnreadNotifications int `json:"unread_notifications"`
	Badge               int `json:"badge"`
}

// Listener receives the refs touched by one committed batch.
type Listener func(refs []models.Ref)

type record struct {
	entity    models.Entity
	tombstone bool
}

// Store holds conversations, messages and notifications keyed by ref.
// Entities handed out are copies; callers never share memory with the store.
type Store struct {
	mu      sync.RWMutex
	records map[models.Ref]*record
	totals  Totals
	pinned  []string

	lmu       sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	logger *zap.Logger
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		records:   make(map[models.Ref]*record),
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
}

// Apply commits writes in order and notifies listeners once for the batch.
// Writes that fail to merge are skipped and reported in the returned error.
func (s *Store) Apply(writes ...Write) ([]models.Ref, error) {
	if len(writes) == 0 {
		return nil, nil
	}

	var errs []error
	changed := make([]models.Ref, 0, len(writes))
	seen := make(map[models.Ref]struct{}, len(writes))

	s.mu.Lock()
	for _, w := range writes {
		ok, err := s.applyLocked(w)
		if err != nil {
			s.logger.Warn("store write skipped", zap.String("entity", w.Ref.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if _, dup := seen[w.Ref]; !dup {
			seen[w.Ref] = struct{}{}
			changed = append(changed, w.Ref)
		}
	}
	if len(changed) > 0 {
		s.recomputeLocked()
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.notify(changed)
	}
	return changed, errors.Join(errs...)
}

func (s *Store) applyLocked(w Write) (bool, error) {
	rec, exists := s.records[w.Ref]
	if w.Remove {
		if !exists || rec.tombstone {
			return false, nil
		}
		rec.tombstone = true
		if msg, ok := rec.entity.(*models.Message); ok {
			msg.Redact()
		}
		return true, nil
	}

	var base models.Entity
	if exists {
		base = rec.entity
	}
	merged, err := models.Merge(base, w.Entity, w.Fields)
	if err != nil {
		return false, err
	}
	s.records[w.Ref] = &record{entity: merged}
	return true, nil
}

func (s *Store) recomputeLocked() {
	var totals Totals
	pinned := make([]string, 0)
	for ref, rec := range s.records {
		if rec.tombstone {
			continue
		}
		switch e := rec.entity.(type) {
		case *models.Conversation:
			if e.Flags.Pinned {
				pinned = append(pinned, ref.ID)
			}
			if e.Flags.Archived {
				continue
			}
			if e.Counters.Unread > 0 {
				totals.UnreadConversations++
				if !e.Flags.Muted {
					totals.UnreadMessages += e.Counters.Unread
				}
			}
		case *models.Notification:
			if !e.IsRead {
				totals.UnreadNotifications++
			}
		}
	}
	totals.Badge = totals.UnreadMessages + totals.UnreadNotifications
	sort.Strings(pinned)
	s.totals = totals
	s.pinned = pinned
}

// Upsert merges a single entity and notifies listeners.
func (s *Store) Upsert(e models.Entity, fields ...string) error {
	_, err := s.Apply(Patch(e, fields...))
	return err
}

// Remove tombstones a single entity and notifies listeners.
func (s *Store) Remove(ref models.Ref) {
	_, _ = s.Apply(Delete(ref))
}

// Get returns a copy of a live (non-tombstoned) entity.
func (s *Store) Get(ref models.Ref) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ref]
	if !ok || rec.tombstone {
		return nil, false
	}
	return rec.entity.Clone(), true
}

// Lookup returns a copy of the entity including tombstones.
func (s *Store) Lookup(ref models.Ref) (ent models.Entity, tombstoned bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ref]
	if !ok {
		return nil, false, false
	}
	return rec.entity.Clone(), rec.tombstone, true
}

// All returns copies of every live entity of kind, ordered by id.
func (s *Store) All(kind models.Kind) []models.Entity {
	s.mu.RLock()
	out := make([]models.Entity, 0)
	for ref, rec := range s.records {
		if ref.Kind != kind || rec.tombstone {
			continue
		}
		out = append(out, rec.entity.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityRef().ID < out[j].EntityRef().ID
	})
	return out
}

// ConversationList returns copies of the live conversations sorted by id,
// together with the pinned index read under the same lock.
func (s *Store) ConversationList() ([]*models.Conversation, []string) {
	s.mu.RLock()
	out := make([]*models.Conversation, 0)
	for ref, rec := range s.records {
		if ref.Kind != models.KindConversation || rec.tombstone {
			continue
		}
		out = append(out, rec.entity.Clone().(*models.Conversation))
	}
	pinned := append([]string(nil), s.pinned...)
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, pinned
}

// Messages returns copies of the messages of a conversation, tombstones
// included, in display order.
func (s *Store) Messages(conversationID string) []*models.Message {
	s.mu.RLock()
	out := make([]*models.Message, 0)
	for ref, rec := range s.records {
		if ref.Kind != models.KindMessage {
			continue
		}
		msg := rec.entity.(*models.Message)
		if msg.ConversationID != conversationID {
			continue
		}
		out = append(out, msg.Clone().(*models.Message))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Totals returns the derived unread counters.
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// Pinned returns the ids of pinned conversations.
func (s *Store) Pinned() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pinned...)
}

// Subscribe registers l; the returned func removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(refs []models.Ref) {
	s.lmu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.lmu.Unlock()

	for _, l := range listeners {
		l(append([]models.Ref(nil), refs...))
	}
}

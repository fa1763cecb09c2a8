// Package presence tracks transient online and typing state. Nothing here is
// persisted or reconciled; stale entries expire when read.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/models"
)

const (
	DefaultStatusTTL = 60 * time.Second
	DefaultTypingTTL = 30 * time.Second
)

type entry struct {
	status        models.PresenceStatus
	statusExpires time.Time
	lastSeen      time.Time

	typing        bool
	typingIn      string
	typingExpires time.Time
}

// Tracker maps user ids to presence entries.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	statusTTL time.Duration
	typingTTL time.Duration
	now       func() time.Time

	lmu       sync.Mutex
	listeners map[int]func(userID string)
	nextID    int
}

// NewTracker builds a tracker. Zero TTLs take the defaults; a nil now uses
// the wall clock.
func NewTracker(statusTTL, typingTTL time.Duration, now func() time.Time) *Tracker {
	if statusTTL <= 0 {
		statusTTL = DefaultStatusTTL
	}
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries:   make(map[string]*entry),
		statusTTL: statusTTL,
		typingTTL: typingTTL,
		now:       now,
		listeners: make(map[int]func(string)),
	}
}

// StatusTTL is how long a status write stays valid.
func (t *Tracker) StatusTTL() time.Duration { return t.statusTTL }

// SetPresence records status for userID.
func (t *Tracker) SetPresence(userID string, status models.PresenceStatus) error {
	if userID == "" {
		return fmt.Errorf("presence: empty user id")
	}
	if !status.Valid() {
		return fmt.Errorf("presence: unknown status %q", status)
	}
	t.mu.Lock()
	now := t.now()
	e := t.entryLocked(userID)
	e.status = status
	e.statusExpires = now.Add(t.statusTTL)
	e.lastSeen = now
	t.mu.Unlock()

	t.notify(userID)
	return nil
}

// SetTyping records whether userID is typing, without a conversation.
func (t *Tracker) SetTyping(userID string, isTyping bool) {
	t.SetTypingIn(userID, "", isTyping)
}

// SetTypingIn records whether userID is typing in conversationID.
func (t *Tracker) SetTypingIn(userID, conversationID string, isTyping bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	now := t.now()
	e := t.entryLocked(userID)
	e.typing = isTyping
	e.lastSeen = now
	if isTyping {
		e.typingIn = conversationID
		e.typingExpires = now.Add(t.typingTTL)
	} else {
		e.typingIn = ""
		e.typingExpires = time.Time{}
	}
	t.mu.Unlock()

	t.notify(userID)
}

// Apply records a relayed update.
func (t *Tracker) Apply(u models.PresenceUpdate) error {
	if u.Status != "" {
		if err := t.SetPresence(u.UserID, u.Status); err != nil {
			return err
		}
	}
	if u.Typing != nil {
		t.SetTypingIn(u.UserID, u.ConversationID, *u.Typing)
	}
	return nil
}

// GetPresence returns the current entry of userID. Unknown and expired users
// read as offline and not typing.
func (t *Tracker) GetPresence(userID string) models.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := models.PresenceEntry{UserID: userID, Status: models.PresenceOffline}
	e, ok := t.entries[userID]
	if !ok {
		return out
	}
	now := t.now()
	t.expireLocked(userID, e, now)
	if _, ok := t.entries[userID]; !ok {
		out.LastSeenAt = e.lastSeen
		return out
	}

	out.LastSeenAt = e.lastSeen
	if e.status != "" {
		out.Status = e.status
		out.ExpiresAt = e.statusExpires
	}
	out.IsTyping = e.typing
	out.TypingIn = e.typingIn
	return out
}

// TypingIn returns the users currently typing in conversationID, sorted,
// leaving out exclude.
func (t *Tracker) TypingIn(conversationID, exclude string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]string, 0)
	for userID, e := range t.entries {
		t.expireLocked(userID, e, now)
		if userID == exclude || !e.typing || e.typingIn != conversationID {
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers fn for presence writes; the returned func removes it.
func (t *Tracker) Subscribe(fn func(userID string)) func() {
	t.lmu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.lmu.Unlock()
	return func() {
		t.lmu.Lock()
		delete(t.listeners, id)
		t.lmu.Unlock()
	}
}

func (t *Tracker) notify(userID string) {
	t.lmu.Lock()
	fns := make([]func(string), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.lmu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}

func (t *Tracker) entryLocked(userID string) *entry {
	e, ok := t.entries[userID]
	if !ok {
		e = &entry{}
		t.entries[userID] = e
	}
	return e
}

// expireLocked clears stale parts of e and drops it once nothing is left.
func (t *Tracker) expireLocked(userID string, e *entry, now time.Time) {
	if e.status != "" && !now.Before(e.statusExpires) {
		e.status = ""
	}
	if e.typing && !now.Before(e.typingExpires) {
		e.typing = false
		e.typingIn = ""
	}
	if e.status == "" && !e.typing {
		delete(t.entries, userID)
	}
}

// Package memory is an in-process backend for local development and tests.
// It serves change feeds and applies remote writes with the same semantics as
// the database backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/syncerr"
)

type document struct {
	entity  models.Entity
	owners  []string
	version int64
	deleted bool
}

type change struct {
	version int64
	ref     models.Ref
}

// Backend holds documents in memory.
type Backend struct {
	mu      sync.Mutex
	docs    map[models.Ref]*document
	log     []change
	version int64
	applied map[string]bool
	streams map[*stream]struct{}

	writeErr error
	openErr  error
	writes   []mutation.RemoteWrite
}

func New() *Backend {
	return &Backend{
		docs:    make(map[models.Ref]*document),
		applied: make(map[string]bool),
		streams: make(map[*stream]struct{}),
	}
}

// Put stores a full document visible to owners and publishes the change.
func (b *Backend) Put(ent models.Entity, owners ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := ent.EntityRef()
	doc, ok := b.docs[ref]
	if !ok {
		doc = &document{}
		b.docs[ref] = doc
	}
	doc.entity = ent.Clone()
	doc.deleted = false
	if len(owners) > 0 {
		doc.owners = append([]string(nil), owners...)
	}
	b.commitLocked(ref, doc)
}

// Update mutates a stored document in place and publishes the change.
func (b *Backend) Update(ref models.Ref, fn func(models.Entity)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[ref]
	if !ok || doc.deleted {
		return syncerr.Validation(syncerr.ErrNotFound, ref, "update")
	}
	ent := doc.entity.Clone()
	fn(ent)
	doc.entity = ent
	b.commitLocked(ref, doc)
	return nil
}

// Delete removes a document and publishes the removal.
func (b *Backend) Delete(ref models.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[ref]
	if !ok || doc.deleted {
		return
	}
	doc.deleted = true
	b.commitLocked(ref, doc)
}

// Get returns a copy of a live document.
func (b *Backend) Get(ref models.Ref) (models.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[ref]
	if !ok || doc.deleted {
		return nil, false
	}
	return doc.entity.Clone(), true
}

// FailWrites makes every following write return err; nil restores writes.
func (b *Backend) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

// FailOpens makes every following Open return err; nil restores it.
func (b *Backend) FailOpens(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// Writes returns the writes applied so far, duplicates excluded.
func (b *Backend) Writes() []mutation.RemoteWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mutation.RemoteWrite(nil), b.writes...)
}

// Disconnect breaks every open stream, as a network drop would.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.streams {
		s.breakLocked(fmt.Errorf("memory backend: connection reset"))
	}
	b.streams = make(map[*stream]struct{})
}

func (b *Backend) commitLocked(ref models.Ref, doc *document) {
	b.version++
	doc.version = b.version
	b.log = append(b.log, change{version: b.version, ref: ref})
	for s := range b.streams {
		s.wake()
	}
}

// Apply implements mutation.Writer.
func (b *Backend) Apply(ctx context.Context, w mutation.RemoteWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	if b.applied[w.Key] {
		return nil
	}

	doc, ok := b.docs[w.Ref]
	if !ok || doc.deleted {
		return syncerr.Validation(syncerr.ErrNotFound, w.Ref, "remote %s", w.Op)
	}
	ent, parent, err := mutation.ApplyRemote(doc.entity, w)
	if err != nil {
		return err
	}
	doc.entity = ent
	b.commitLocked(w.Ref, doc)
	if parent != nil {
		if conv, ok := b.docs[parent.Target]; ok && !conv.deleted {
			conv.entity = parent.Apply(conv.entity)
			b.commitLocked(parent.Target, conv)
		}
	}
	b.applied[w.Key] = true
	b.writes = append(b.writes, w)
	return nil
}

func (b *Backend) matches(q feed.Query, doc *document) bool {
	switch e := doc.entity.(type) {
	case *models.Conversation:
		return q.Collection == models.KindConversation && (e.HasParticipant(q.Participant) || hasOwner(doc, q.Participant))
	case *models.Notification:
		return q.Collection == models.KindNotification && hasOwner(doc, q.Owner)
	case *models.Message:
		return q.Collection == models.KindMessage && e.ConversationID == q.ConversationID
	}
	return false
}

func hasOwner(doc *document, user string) bool {
	for _, o := range doc.owners {
		if o == user {
			return true
		}
	}
	return false
}

// Open implements feed.Source. The resume token is the decimal version of
// the last delivered change.
func (b *Backend) Open(ctx context.Context, q feed.Query, resume []byte) (feed.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &stream{backend: b, query: q, notify: make(chan struct{}, 1)}
	if resume == nil {
		s.snapshot = true
	} else {
		v, err := strconv.ParseInt(string(resume), 10, 64)
		if err != nil || v > b.version {
			return nil, feed.ErrResumeExpired
		}
		s.cursor = v
	}
	b.streams[s] = struct{}{}
	return s, nil
}

type stream struct {
	backend  *Backend
	query    feed.Query
	cursor   int64
	snapshot bool
	notify   chan struct{}
	err      error
	closed   bool
}

func (s *stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stream) breakLocked(err error) {
	s.err = err
	s.wake()
}

func (s *stream) Next(ctx context.Context) (feed.Batch, error) {
	for {
		batch, ok, err := s.poll()
		if err != nil || ok {
			return batch, err
		}
		select {
		case <-ctx.Done():
			return feed.Batch{}, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *stream) poll() (feed.Batch, bool, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.err != nil {
		return feed.Batch{}, false, s.err
	}
	if s.closed {
		return feed.Batch{}, false, syncerr.ErrUnsubscribed
	}

	if s.snapshot {
		s.snapshot = false
		s.cursor = b.version
		return feed.Batch{Snapshot: true, Events: b.snapshotLocked(s.query)}, true, nil
	}

	seen := make(map[models.Ref]bool)
	events := make([]models.ChangeEvent, 0)
	for _, c := range b.log {
		if c.version <= s.cursor || seen[c.ref] {
			continue
		}
		doc := b.docs[c.ref]
		if doc.version != c.version {
			// a later change to the same document carries the final state
			continue
		}
		seen[c.ref] = true
		if !b.matches(s.query, doc) {
			continue
		}
		if doc.deleted {
			events = append(events, models.Removed(c.ref))
		} else {
			events = append(events, models.Modified(doc.entity.Clone()))
		}
	}
	s.cursor = b.version
	if len(events) == 0 {
		return feed.Batch{}, false, nil
	}
	return feed.Batch{Events: events}, true, nil
}

func (b *Backend) snapshotLocked(q feed.Query) []models.ChangeEvent {
	docs := make([]*document, 0)
	for _, doc := range b.docs {
		if !doc.deleted && b.matches(q, doc) {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		ti, tj := orderKey(q.OrderBy, docs[i].entity), orderKey(q.OrderBy, docs[j].entity)
		if !ti.Equal(tj) {
			if q.Desc {
				return ti.After(tj)
			}
			return ti.Before(tj)
		}
		return docs[i].entity.EntityRef().ID < docs[j].entity.EntityRef().ID
	})
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	out := make([]models.ChangeEvent, 0, len(docs))
	for _, doc := range docs {
		out = append(out, models.Added(doc.entity.Clone()))
	}
	return out
}

func orderKey(field string, ent models.Entity) time.Time {
	switch e := ent.(type) {
	case *models.Conversation:
		if field == "updatedAt" {
			return e.UpdatedAt
		}
	case *models.Message:
		if field == "createdAt" {
			return e.CreatedAt
		}
	case *models.Notification:
		if field == "createdAt" {
			return e.CreatedAt
		}
	}
	return time.Time{}
}

func (s *stream) ResumeToken() []byte {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return []byte(strconv.FormatInt(s.cursor, 10))
}

func (s *stream) Close() error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	s.closed = true
	delete(b.streams, s)
	return nil
}

package repositories

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

// DefaultPollInterval re-reads changes when no notification arrived, covering
// notifications lost while the listener reconnected.
const DefaultPollInterval = 5 * time.Second

// FeedSource serves change feeds from the documents table. Streams are woken
// by LISTEN/NOTIFY and resume from a version cursor.
type FeedSource struct {
	repo   DocumentRepository
	poll   time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	streams map[*docStream]struct{}
}

var _ feed.Source = (*FeedSource)(nil)

func NewFeedSource(repo DocumentRepository, poll time.Duration, logger *zap.Logger) *FeedSource {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedSource{repo: repo, poll: poll, logger: logger, streams: make(map[*docStream]struct{})}
}

// Listen fans notifications out to open streams until ctx is done or the
// channel closes. A nil notification, sent by pq.Listener after it
// reconnects, wakes every stream.
func (s *FeedSource) Listen(ctx context.Context, notifications <-chan *pq.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				s.logger.Info("listener reconnected, waking all streams")
				s.wake("")
				continue
			}
			kind, _, found := strings.Cut(n.Extra, ":")
			if !found {
				s.logger.Warn("malformed notification", zap.String("payload", n.Extra))
				continue
			}
			s.wake(models.Kind(kind))
		}
	}
}

func (s *FeedSource) wake(kind models.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		if kind == "" || st.query.Collection == kind {
			st.wake()
		}
	}
}

// Open implements feed.Source. The resume token is the decimal version of
// the last delivered row.
func (s *FeedSource) Open(ctx context.Context, q feed.Query, resume []byte) (feed.Stream, error) {
	st := &docStream{source: s, query: q, notify: make(chan struct{}, 1), snapshot: resume == nil}
	if resume != nil {
		v, err := strconv.ParseInt(string(resume), 10, 64)
		if err != nil {
			return nil, feed.ErrResumeExpired
		}
		st.cursor = v
	}
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	return st, nil
}

type docStream struct {
	source   *FeedSource
	query    feed.Query
	notify   chan struct{}
	snapshot bool

	mu     sync.Mutex
	cursor int64
	closed bool
}

func (st *docStream) wake() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func (st *docStream) Next(ctx context.Context) (feed.Batch, error) {
	if st.isClosed() {
		return feed.Batch{}, syncerr.ErrUnsubscribed
	}
	if st.snapshot {
		docs, head, err := st.source.repo.Snapshot(ctx, st.query)
		if err != nil {
			return feed.Batch{}, err
		}
		events, err := toEvents(docs, true)
		if err != nil {
			return feed.Batch{}, err
		}
		st.snapshot = false
		st.setCursor(head)
		return feed.Batch{Snapshot: true, Events: events}, nil
	}

	ticker := time.NewTicker(st.source.poll)
	defer ticker.Stop()
	for {
		docs, err := st.source.repo.ChangesSince(ctx, st.query, st.getCursor())
		if err != nil {
			return feed.Batch{}, err
		}
		if len(docs) > 0 {
			events, err := toEvents(docs, false)
			if err != nil {
				return feed.Batch{}, err
			}
			st.setCursor(docs[len(docs)-1].Version)
			return feed.Batch{Events: events}, nil
		}
		select {
		case <-ctx.Done():
			return feed.Batch{}, ctx.Err()
		case <-st.notify:
		case <-ticker.C:
		}
		if st.isClosed() {
			return feed.Batch{}, syncerr.ErrUnsubscribed
		}
	}
}

// toEvents keeps the last row per document; rows arrive in version order.
func toEvents(docs []Document, snapshot bool) ([]models.ChangeEvent, error) {
	last := make(map[models.Ref]int, len(docs))
	for i, d := range docs {
		last[d.Ref()] = i
	}
	out := make([]models.ChangeEvent, 0, len(last))
	for i, d := range docs {
		if last[d.Ref()] != i {
			continue
		}
		ev, err := d.Event(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (st *docStream) ResumeToken() []byte {
	return []byte(strconv.FormatInt(st.getCursor(), 10))
}

func (st *docStream) Close() error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	st.source.mu.Lock()
	delete(st.source.streams, st)
	st.source.mu.Unlock()
	st.wake()
	return nil
}

func (st *docStream) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

func (st *docStream) getCursor() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor
}

func (st *docStream) setCursor(v int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cursor = v
}

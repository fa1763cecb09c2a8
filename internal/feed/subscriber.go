package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/syncerr"
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

// Sink receives batches in order. The reconciler's ApplyRemoteBatch is the
// production sink.
type Sink func(events []models.ChangeEvent) error

// Config tunes a Subscriber. Zero values take the defaults.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
	Alerts         func(syncerr.Alert)
}

// Subscriber runs change-feed subscriptions against a Source.
type Subscriber struct {
	source Source
	sink   Sink
	cfg    Config
}

func NewSubscriber(source Source, sink Sink, cfg Config) *Subscriber {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Subscriber{source: source, sink: sink, cfg: cfg}
}

// Handle controls one running subscription.
type Handle struct {
	query  Query
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	mu  sync.Mutex
	err error

	// ids delivered for this query, used to diff snapshots on reconnect.
	known map[string]struct{}
}

// Query returns the query the handle follows.
func (h *Handle) Query() Query { return h.query }

// Done is closed when the subscription stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error after Done is closed, ErrUnsubscribed for a
// normal unsubscribe.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Unsubscribe stops the subscription. It never blocks on the feed and is
// safe to call more than once or from inside the sink.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.closed.Store(true)
		h.setErr(syncerr.ErrUnsubscribed)
		h.cancel()
	})
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// Subscribe starts following q. Invalid queries fail synchronously.
func (s *Subscriber) Subscribe(ctx context.Context, q Query) (*Handle, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		query:  q,
		cancel: cancel,
		done:   make(chan struct{}),
		known:  make(map[string]struct{}),
	}
	go s.run(ctx, h)
	return h, nil
}

// Unsubscribe is shorthand for h.Unsubscribe.
func (s *Subscriber) Unsubscribe(h *Handle) {
	if h != nil {
		h.Unsubscribe()
	}
}

func (s *Subscriber) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer h.cancel()

	log := s.cfg.Logger.With(zap.String("query", h.query.String()))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var resume []byte
	for attempt := 1; ; attempt++ {
		err := s.session(ctx, h, b, &resume)
		if ctx.Err() != nil || h.closed.Load() {
			log.Debug("feed stopped")
			return
		}

		if errors.Is(err, ErrResumeExpired) {
			log.Info("resume token expired, reopening from snapshot")
			resume = nil
		}
		if syncerr.Classify(err) == syncerr.KindAuthorization {
			log.Warn("feed rejected", zap.Error(err))
			h.setErr(err)
			h.closed.Store(true)
			if s.cfg.Alerts != nil {
				s.cfg.Alerts(syncerr.Alert{
					Kind:    syncerr.KindAuthorization,
					Query:   h.query.String(),
					Message: "subscription closed: not authorized",
					Err:     err,
				})
			}
			return
		}

		wait := b.NextBackOff()
		observability.IncFeedReconnect(string(h.query.Collection))
		log.Info("feed reconnecting", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session opens one stream and consumes it until it fails.
func (s *Subscriber) session(ctx context.Context, h *Handle, b backoff.BackOff, resume *[]byte) error {
	stream, err := s.source.Open(ctx, h.query, *resume)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		s.deliver(h, batch)
		*resume = stream.ResumeToken()
		b.Reset()
	}
}

func (s *Subscriber) deliver(h *Handle, batch Batch) {
	if h.closed.Load() {
		return
	}
	events := batch.Events
	if batch.Snapshot {
		events = h.diffSnapshot(batch.Events)
	} else {
		h.track(events)
	}

	kinds := make(map[string]int, 3)
	for _, ev := range events {
		kinds[string(ev.Kind)]++
	}
	observability.ObserveFeedBatch(string(h.query.Collection), batch.Snapshot, kinds)
	if len(events) == 0 {
		return
	}
	if err := s.sink(events); err != nil {
		s.cfg.Logger.Warn("batch applied with errors",
			zap.String("query", h.query.String()), zap.Int("events", len(events)), zap.Error(err))
	}
}

func (h *Handle) track(events []models.ChangeEvent) {
	for _, ev := range events {
		if ev.Kind == models.ChangeRemoved {
			delete(h.known, ev.Ref.ID)
		} else {
			h.known[ev.Ref.ID] = struct{}{}
		}
	}
}

// diffSnapshot turns a full result set into changes against what this
// subscription delivered before: known ids become modified, new ids added,
// and ids missing from the snapshot removed. A snapshot cut off by the
// query limit cannot prove absence, so nothing is removed then.
func (h *Handle) diffSnapshot(snapshot []models.ChangeEvent) []models.ChangeEvent {
	out := make([]models.ChangeEvent, 0, len(snapshot))
	present := make(map[string]struct{}, len(snapshot))
	for _, ev := range snapshot {
		if ev.Kind == models.ChangeRemoved || ev.Entity == nil {
			continue
		}
		id := ev.Ref.ID
		present[id] = struct{}{}
		if _, ok := h.known[id]; ok {
			out = append(out, models.Modified(ev.Entity))
		} else {
			out = append(out, models.Added(ev.Entity))
		}
	}

	truncated := h.query.Limit > 0 && len(present) >= h.query.Limit
	if !truncated {
		gone := make([]string, 0)
		for id := range h.known {
			if _, ok := present[id]; !ok {
				gone = append(gone, id)
			}
		}
		sort.Strings(gone)
		for _, id := range gone {
			out = append(out, models.Removed(models.Ref{Kind: h.query.Collection, ID: id}))
		}
	}

	h.track(out)
	return out
}

// Package engine wires the sync components into one explicitly constructed
// object owned by the process that renders for a single signed-in user.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/presence"
	"chat-sync/internal/projector"
	"chat-sync/internal/reconciler"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
)

const DefaultNotificationLimit = 50

// PresencePublisher broadcasts the current user's presence to other clients.
type PresencePublisher interface {
	Publish(ctx context.Context, u models.PresenceUpdate) error
}

// PeerLoader seeds the tracker with the last known status of conversation
// peers.
type PeerLoader interface {
	Load(ctx context.Context, userIDs []string) error
}

const peerLoadTimeout = 2 * time.Second

// Options configure an Engine. Zero durations take package defaults.
type Options struct {
	UserID             string
	MutationTimeout    time.Duration
	RetryInitial       time.Duration
	FeedInitialBackoff time.Duration
	FeedMaxBackoff     time.Duration
	StatusTTL          time.Duration
	TypingTTL          time.Duration
	NotificationLimit  int
	Now                func() time.Time
	Logger             *zap.Logger
	// Publisher relays own presence; nil keeps presence local.
	Publisher PresencePublisher
	// Tracker is shared with the relay feeding it; nil builds one from the TTLs.
	Tracker *presence.Tracker
	// Peers loads the status of users seen in conversations; nil skips it.
	Peers PeerLoader
}

// Engine is the sync core: local store, reconciler, feeds, presence and
// projections for one user.
type Engine struct {
	userID    string
	now       func() time.Time
	logger    *zap.Logger
	notifyLim int

	store      *store.Store
	reconciler *reconciler.Reconciler
	subscriber *feed.Subscriber
	tracker    *presence.Tracker
	projector  *projector.Projector
	publisher  PresencePublisher

	amu       sync.Mutex
	alertSubs map[int]func(syncerr.Alert)
	nextAlert int

	mu      sync.Mutex
	started bool
	feeds   []*feed.Handle
	views   map[string]*feed.Handle

	peers     PeerLoader
	pmu       sync.Mutex
	loaded    map[string]bool
	stopPeers func()
	peerWG    sync.WaitGroup
}

// New builds an engine reading from source and writing through writer.
func New(source feed.Source, writer mutation.Writer, opts Options) (*Engine, error) {
	if opts.UserID == "" {
		return nil, errors.New("engine: user id is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = DefaultNotificationLimit
	}
	logger := opts.Logger.With(zap.String("user_id", opts.UserID))

	e := &Engine{
		userID:    opts.UserID,
		now:       opts.Now,
		logger:    logger,
		notifyLim: opts.NotificationLimit,
		publisher: opts.Publisher,
		peers:     opts.Peers,
		loaded:    make(map[string]bool),
		alertSubs: make(map[int]func(syncerr.Alert)),
		views:     make(map[string]*feed.Handle),
	}
	e.store = store.New(logger.Named("store"))
	e.reconciler = reconciler.New(e.store, writer, reconciler.Config{
		UserID:          opts.UserID,
		MutationTimeout: opts.MutationTimeout,
		RetryInitial:    opts.RetryInitial,
		Now:             opts.Now,
		Logger:          logger.Named("reconciler"),
		Alerts:          e.emitAlert,
	})
	e.subscriber = feed.NewSubscriber(source, e.reconciler.ApplyRemoteBatch, feed.Config{
		InitialBackoff: opts.FeedInitialBackoff,
		MaxBackoff:     opts.FeedMaxBackoff,
		Logger:         logger.Named("feed"),
		Alerts:         e.emitAlert,
	})
	e.tracker = opts.Tracker
	if e.tracker == nil {
		e.tracker = presence.NewTracker(opts.StatusTTL, opts.TypingTTL, opts.Now)
	}
	e.projector = projector.New(e.store, e.tracker, opts.UserID)
	return e, nil
}

// UserID is the signed-in user the engine syncs for.
func (e *Engine) UserID() string { return e.userID }

// Tracker exposes the presence tracker so a relay can feed it.
func (e *Engine) Tracker() *presence.Tracker { return e.tracker }

// Start opens the conversation and notification feeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.peers != nil {
		e.stopPeers = e.store.Subscribe(func(refs []models.Ref) { e.loadPeers(ctx, refs) })
	}
	queries := []feed.Query{
		feed.ConversationsFor(e.userID),
		feed.NotificationsFor(e.userID, e.notifyLim),
	}
	for _, q := range queries {
		h, err := e.subscriber.Subscribe(ctx, q)
		if err != nil {
			for _, open := range e.feeds {
				open.Unsubscribe()
			}
			e.feeds = nil
			if e.stopPeers != nil {
				e.stopPeers()
				e.stopPeers = nil
			}
			return fmt.Errorf("subscribe %s: %w", q, err)
		}
		e.feeds = append(e.feeds, h)
	}
	e.started = true
	e.logger.Info("sync engine started", zap.Int("feeds", len(e.feeds)))
	return nil
}

// OpenConversation follows the messages of a conversation while a view
// shows it. Opening an open conversation returns the existing handle.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*feed.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.views[conversationID]; ok {
		select {
		case <-h.Done():
		default:
			return h, nil
		}
	}
	h, err := e.subscriber.Subscribe(ctx, feed.MessagesIn(conversationID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidOperation, err)
	}
	e.views[conversationID] = h
	return h, nil
}

// CloseConversation stops the message feed of a view. Pending mutations
// on its messages still confirm or roll back.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	h, ok := e.views[conversationID]
	delete(e.views, conversationID)
	e.mu.Unlock()
	if ok {
		h.Unsubscribe()
	}
}

// Close stops every feed and in-flight write.
func (e *Engine) Close() {
	e.mu.Lock()
	handles := append([]*feed.Handle(nil), e.feeds...)
	for _, h := range e.views {
		handles = append(handles, h)
	}
	e.feeds = nil
	e.views = make(map[string]*feed.Handle)
	e.started = false
	stopPeers := e.stopPeers
	e.stopPeers = nil
	e.mu.Unlock()

	if stopPeers != nil {
		stopPeers()
	}

	for _, h := range handles {
		h.Unsubscribe()
	}
	for _, h := range handles {
		<-h.Done()
	}
	e.reconciler.Close()
	e.peerWG.Wait()
	e.logger.Info("sync engine stopped")
}

// loadPeers asks the loader for participants of the changed conversations
// that have not been loaded yet. It runs inside a store commit, so the load
// itself happens in the background.
func (e *Engine) loadPeers(ctx context.Context, refs []models.Ref) {
	var ids []string
	e.pmu.Lock()
	for _, ref := range refs {
		if ref.Kind != models.KindConversation {
			continue
		}
		ent, ok := e.store.Get(ref)
		if !ok {
			continue
		}
		for _, id := range ent.(*models.Conversation).ParticipantIDs {
			if id == e.userID || e.loaded[id] {
				continue
			}
			e.loaded[id] = true
			ids = append(ids, id)
		}
	}
	e.pmu.Unlock()
	if len(ids) == 0 {
		return
	}

	e.peerWG.Add(1)
	go func() {
		defer e.peerWG.Done()
		ctx, cancel := context.WithTimeout(ctx, peerLoadTimeout)
		defer cancel()
		if err := e.peers.Load(ctx, ids); err != nil {
			e.logger.Warn("peer presence load failed", zap.Int("peers", len(ids)), zap.Error(err))
		}
	}()
}

// Healthy reports whether every started feed is still running.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return false
	}
	for _, h := range e.feeds {
		select {
		case <-h.Done():
			return false
		default:
		}
	}
	return true
}

// OnChange registers fn for store commits.
func (e *Engine) OnChange(fn func([]models.Ref)) func() {
	return e.store.Subscribe(fn)
}

// OnPresence registers fn for presence writes.
func (e *Engine) OnPresence(fn func(userID string)) func() {
	return e.tracker.Subscribe(fn)
}

// OnAlert registers fn for asynchronous failures.
func (e *Engine) OnAlert(fn func(syncerr.Alert)) func() {
	e.amu.Lock()
	id := e.nextAlert
	e.nextAlert++
	e.alertSubs[id] = fn
	e.amu.Unlock()
	return func() {
		e.amu.Lock()
		delete(e.alertSubs, id)
		e.amu.Unlock()
	}
}

func (e *Engine) emitAlert(a syncerr.Alert) {
	e.amu.Lock()
	ids := make([]int, 0, len(e.alertSubs))
	for id := range e.alertSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(syncerr.Alert), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.alertSubs[id])
	}
	e.amu.Unlock()

	e.logger.Warn("sync alert",
		zap.String("kind", string(a.Kind)),
		zap.String("entity", a.Ref.String()),
		zap.String("mutation_id", a.MutationID),
		zap.String("query", a.Query),
		zap.Error(a.Err))
	for _, fn := range fns {
		fn(a)
	}
}

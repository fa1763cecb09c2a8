// Package reconciler merges the remote change feed and optimistic local
// mutations into the local entity store.
package reconciler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
)

const (
	DefaultMutationTimeout = 10 * time.Second
	defaultRetryInitial    = 250 * time.Millisecond
)

// Config tunes the reconciler. Zero values take the defaults.
type Config struct {
	UserID          string
	MutationTimeout time.Duration
	RetryInitial    time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
	// Alerts receives asynchronous failures. It is called without internal
	// locks held but must not block for long.
	Alerts func(syncerr.Alert)
}

// Reconciler is the single writer of the local store. All entry points are
// serialized.
type Reconciler struct {
	mu       sync.Mutex
	store    *store.Store
	queue    *mutation.Queue
	writer   mutation.Writer
	baseline map[models.Ref]models.Entity
	inflight map[string]*dispatch
	closed   bool
	wg       sync.WaitGroup

	userID       string
	timeout      time.Duration
	retryInitial time.Duration
	now          func() time.Time
	logger       *zap.Logger
	alerts       func(syncerr.Alert)
	tracer       trace.Tracer
}

// New builds a reconciler writing to st and sending remote writes to w.
func New(st *store.Store, w mutation.Writer, cfg Config) *Reconciler {
	r := &Reconciler{
		store:        st,
		queue:        mutation.NewQueue(),
		writer:       w,
		baseline:     make(map[models.Ref]models.Entity),
		inflight:     make(map[string]*dispatch),
		userID:       cfg.UserID,
		timeout:      cfg.MutationTimeout,
		retryInitial: cfg.RetryInitial,
		now:          cfg.Now,
		logger:       cfg.Logger,
		alerts:       cfg.Alerts,
		tracer:       otel.Tracer("chat-sync/reconciler"),
	}
	if r.timeout <= 0 {
		r.timeout = DefaultMutationTimeout
	}
	if r.retryInitial <= 0 {
		r.retryInitial = defaultRetryInitial
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Store returns the store the reconciler writes to.
func (r *Reconciler) Store() *store.Store { return r.store }

// Pending returns the mutations awaiting confirmation.
func (r *Reconciler) Pending() []*mutation.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.queue.Pending()
	out := make([]*mutation.Mutation, len(pending))
	for i, m := range pending {
		c := *m
		c.Related = append([]models.Ref(nil), m.Related...)
		c.Parts = append([]mutation.ReadPart(nil), m.Parts...)
		out[i] = &c
	}
	return out
}

// ApplyRemoteBatch applies one change-feed batch in order and commits the
// result to the store as a single batch.
func (r *Reconciler) ApplyRemoteBatch(events []models.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	b := &batch{
		working: make(map[models.Ref]models.Entity),
		removed: make(map[models.Ref]bool),
		seen:    make(map[models.Ref]bool),
	}
	var errs []error

	for _, ev := range events {
		switch ev.Kind {
		case models.ChangeRemoved:
			r.applyRemoved(b, ev.Ref)
		case models.ChangeAdded, models.ChangeModified:
			if err := r.applyUpsert(b, ev); err != nil {
				errs = append(errs, err)
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown change kind %q", ev.Ref, ev.Kind))
		}
	}

	writes := make([]store.Write, 0, len(b.order))
	for _, ref := range b.order {
		if b.removed[ref] {
			writes = append(writes, store.Delete(ref))
			continue
		}
		if ent, ok := b.working[ref]; ok {
			writes = append(writes, store.Put(ent))
		}
	}
	if _, err := r.store.Apply(writes...); err != nil {
		errs = append(errs, err)
	}
	r.pruneBaselines()
	observability.SetPendingMutations(r.queue.Len())
	return errors.Join(errs...)
}

type batch struct {
	working map[models.Ref]models.Entity
	removed map[models.Ref]bool
	seen    map[models.Ref]bool
	order   []models.Ref
}

func (b *batch) touch(ref models.Ref) {
	if !b.seen[ref] {
		b.seen[ref] = true
		b.order = append(b.order, ref)
	}
}

func (r *Reconciler) applyRemoved(b *batch, ref models.Ref) {
	delete(b.working, ref)
	b.removed[ref] = true
	b.touch(ref)
	delete(r.baseline, ref)

	dropped := r.queue.DropTarget(ref)
	for _, m := range dropped {
		r.cancelDispatch(m.ID)
		observability.IncMutation(string(m.Op), "dropped")
		r.logger.Debug("mutation dropped with removed entity",
			zap.String("mutation_id", m.ID), zap.String("entity", ref.String()))
	}
	for _, m := range dropped {
		for _, rel := range m.Related {
			r.rebuildInto(b, rel)
		}
	}
}

func (r *Reconciler) applyUpsert(b *batch, ev models.ChangeEvent) error {
	if ev.Entity == nil {
		return fmt.Errorf("%s: %s event without entity", ev.Ref, ev.Kind)
	}
	server, err := models.Merge(r.serverBase(b, ev.Ref), ev.Entity, ev.Fields)
	if err != nil {
		return fmt.Errorf("%s: %w", ev.Ref, err)
	}
	delete(b.removed, ev.Ref)
	b.touch(ev.Ref)

	pending := r.queue.PendingFor(ev.Ref)
	if len(pending) == 0 {
		delete(r.baseline, ev.Ref)
		b.working[ev.Ref] = server
		return nil
	}

	r.baseline[ev.Ref] = server
	for _, m := range pending {
		if m.Target != ev.Ref || !m.Reflected(server) {
			continue
		}
		if r.confirmLocked(m.ID, "reflected") {
			for _, rel := range m.Related {
				r.rebuildInto(b, rel)
			}
		}
	}
	b.working[ev.Ref] = mutation.Rebase(server, r.queue.PendingFor(ev.Ref))
	return nil
}

// serverBase is the last known backend state of ref, used as the merge base
// for partial updates. Optimistic effects are never part of it.
func (r *Reconciler) serverBase(b *batch, ref models.Ref) models.Entity {
	if base, ok := r.baseline[ref]; ok {
		return base
	}
	if ent, ok := b.working[ref]; ok {
		return ent
	}
	if b.removed[ref] {
		return nil
	}
	ent, _, ok := r.store.Lookup(ref)
	if !ok {
		return nil
	}
	return ent
}

func (r *Reconciler) rebuildInto(b *batch, ref models.Ref) {
	base, ok := r.baseline[ref]
	if !ok || b.removed[ref] {
		return
	}
	if _, tombstoned, _ := r.store.Lookup(ref); tombstoned && !b.seen[ref] {
		return
	}
	b.working[ref] = mutation.Rebase(base, r.queue.PendingFor(ref))
	b.touch(ref)
}

// ApplyOptimisticMutation validates m, applies its effect to the store at
// once and dispatches the remote writes. It returns the mutation that is now
// pending, which is an earlier one when m collapsed into it.
func (r *Reconciler) ApplyOptimisticMutation(m *mutation.Mutation) (*mutation.Mutation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, syncerr.ErrUnsubscribed
	}

	if m.UserID == "" {
		m.UserID = r.userID
	}
	target, tombstoned, ok := r.store.Lookup(m.Target)
	if !ok {
		target = nil
	}
	if err := mutation.Validate(m, target, tombstoned); err != nil {
		observability.IncMutation(string(m.Op), "invalid")
		return nil, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	m.Before = target

	related := make(map[models.Ref]models.Entity, len(m.Related))
	live := make([]models.Ref, 0, len(m.Related))
	for _, ref := range m.Related {
		if ent, ok := r.store.Get(ref); ok {
			related[ref] = ent
			live = append(live, ref)
		}
	}
	m.Related = live

	res := r.queue.Enqueue(m)
	if res.Outcome == mutation.Duplicate {
		observability.IncMutation(string(m.Op), "collapsed")
		return res.Mutation, nil
	}

	touched := res.Mutation.Refs()
	var after []<-chan struct{}
	for _, c := range res.Cancelled {
		if exited := r.cancelDispatch(c.ID); exited != nil {
			after = append(after, exited)
		}
		observability.IncMutation(string(c.Op), "cancelled")
		touched = append(touched, c.Refs()...)
	}
	for _, ref := range res.Mutation.Refs() {
		r.ensureBaseline(ref)
	}
	if err := r.rebuild(touched); err != nil {
		r.logger.Warn("optimistic apply failed", zap.String("mutation_id", m.ID), zap.Error(err))
	}

	var writes []mutation.RemoteWrite
	if res.Outcome == mutation.Extended {
		writes = []mutation.RemoteWrite{mutation.PartWrite(res.Mutation, res.Part)}
	} else {
		writes = mutation.Writes(res.Mutation, target, related)
	}

	r.logger.Debug("optimistic mutation applied",
		zap.String("mutation_id", res.Mutation.ID),
		zap.String("op", string(m.Op)),
		zap.String("entity", m.Target.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("writes", len(writes)))
	observability.IncMutation(string(m.Op), string(res.Outcome))

	if len(writes) == 0 {
		r.confirmLocked(res.Mutation.ID, "noop")
	} else {
		r.dispatch(res.Mutation, writes, after)
	}
	r.pruneBaselines()
	observability.SetPendingMutations(r.queue.Len())
	return res.Mutation, nil
}

// ConfirmMutation drops a pending mutation after the backend acknowledged
// it. Unknown or already resolved ids are ignored.
func (r *Reconciler) ConfirmMutation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.confirmLocked(id, "ack") {
		r.pruneBaselines()
	}
	observability.SetPendingMutations(r.queue.Len())
}

// RejectMutation rolls back a pending mutation and raises an alert. Unknown
// or already resolved ids are ignored.
func (r *Reconciler) RejectMutation(id string, cause error) {
	alert, ok := r.reject(id, cause)
	if ok && r.alerts != nil {
		r.alerts(alert)
	}
}

func (r *Reconciler) reject(id string, cause error) (syncerr.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return syncerr.Alert{}, false
	}
	m, ok := r.queue.Resolve(id, mutation.StatusFailed)
	if !ok {
		return syncerr.Alert{}, false
	}
	r.cancelDispatch(id)
	if err := r.rebuild(m.Refs()); err != nil {
		r.logger.Error("rollback failed", zap.String("mutation_id", id), zap.Error(err))
	}
	r.pruneBaselines()
	observability.IncMutation(string(m.Op), "rejected")
	observability.SetPendingMutations(r.queue.Len())

	if cause == nil {
		cause = syncerr.ErrMutationTimeout
	}
	r.logger.Warn("mutation rolled back",
		zap.String("mutation_id", id),
		zap.String("op", string(m.Op)),
		zap.String("entity", m.Target.String()),
		zap.Error(cause))
	return syncerr.Alert{
		Kind:       syncerr.Classify(cause),
		Ref:        m.Target,
		MutationID: id,
		Message:    fmt.Sprintf("%s could not be saved and was reverted", m.Op),
		Err:        cause,
	}, true
}

// confirmLocked resolves id as confirmed and folds its effect into the
// backend baseline of every entity it touched.
func (r *Reconciler) confirmLocked(id, reason string) bool {
	m, ok := r.queue.Resolve(id, mutation.StatusConfirmed)
	if !ok {
		return false
	}
	r.finishDispatch(id)
	for _, ref := range m.Refs() {
		if base, ok := r.baseline[ref]; ok && !m.Reflected(base) {
			r.baseline[ref] = m.Apply(base)
		}
	}
	observability.IncMutation(string(m.Op), "confirmed")
	r.logger.Debug("mutation confirmed",
		zap.String("mutation_id", id), zap.String("op", string(m.Op)), zap.String("reason", reason))
	return true
}

func (r *Reconciler) ensureBaseline(ref models.Ref) {
	if _, ok := r.baseline[ref]; ok {
		return
	}
	if ent, ok := r.store.Get(ref); ok {
		r.baseline[ref] = ent
	}
}

// rebuild recomputes refs as baseline plus pending effects and writes them
// to the store in one batch.
func (r *Reconciler) rebuild(refs []models.Ref) error {
	seen := make(map[models.Ref]bool, len(refs))
	writes := make([]store.Write, 0, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		base, ok := r.baseline[ref]
		if !ok {
			continue
		}
		if _, tombstoned, _ := r.store.Lookup(ref); tombstoned {
			continue
		}
		writes = append(writes, store.Put(mutation.Rebase(base, r.queue.PendingFor(ref))))
	}
	_, err := r.store.Apply(writes...)
	return err
}

func (r *Reconciler) pruneBaselines() {
	for ref := range r.baseline {
		if len(r.queue.PendingFor(ref)) == 0 {
			delete(r.baseline, ref)
		}
	}
}

// Close stops in-flight writes without rolling anything back and waits for
// them to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	for id := range r.inflight {
		r.cancelDispatch(id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

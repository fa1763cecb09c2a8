package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-sync/internal/mutation"
	"chat-sync/internal/observability"
	"chat-sync/internal/syncerr"
)

// dispatch tracks the in-flight write groups of one mutation.
type dispatch struct {
	cancels     []context.CancelFunc
	done        []chan struct{}
	outstanding int
	timer       *time.Timer
}

// exited closes once every write group of the dispatch has returned.
func (d *dispatch) exited() <-chan struct{} {
	if len(d.done) == 1 {
		return d.done[0]
	}
	out := make(chan struct{})
	done := append([]chan struct{}(nil), d.done...)
	go func() {
		for _, ch := range done {
			<-ch
		}
		close(out)
	}()
	return out
}

// dispatch sends writes in the background once every channel in after is
// closed. The mutation is confirmed once every write group succeeded and
// rejected on the first failure or when the timeout elapses.
func (r *Reconciler) dispatch(m *mutation.Mutation, writes []mutation.RemoteWrite, after []<-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)

	d, ok := r.inflight[m.ID]
	if !ok {
		d = &dispatch{}
		id := m.ID
		// Writers that ignore ctx still cannot keep a mutation pending forever.
		d.timer = time.AfterFunc(r.timeout, func() {
			r.RejectMutation(id, syncerr.ErrMutationTimeout)
		})
		r.inflight[m.ID] = d
	}
	done := make(chan struct{})
	d.cancels = append(d.cancels, cancel)
	d.done = append(d.done, done)
	d.outstanding++

	id, op := m.ID, m.Op
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		defer cancel()

		err := waitExited(ctx, after)
		if err == nil {
			err = r.send(ctx, op, writes)
		}
		if err == nil {
			r.writeDone(id)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", syncerr.ErrMutationTimeout, r.timeout)
		}
		r.RejectMutation(id, err)
	}()
}

// waitExited holds a superseding write back until the writes it replaced
// have returned, so a late commit of the older value cannot land last.
func waitExited(ctx context.Context, after []<-chan struct{}) error {
	for _, ch := range after {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Reconciler) send(ctx context.Context, op mutation.Op, writes []mutation.RemoteWrite) error {
	start := time.Now()
	defer func() { observability.ObserveMutationWrite(string(op), time.Since(start)) }()

	ctx, span := r.tracer.Start(ctx, "mutation.write", trace.WithAttributes(
		attribute.String("mutation.op", string(op)),
		attribute.Int("mutation.writes", len(writes)),
	))
	defer span.End()

	for _, w := range writes {
		w := w
		attempt := 0
		operation := func() error {
			attempt++
			err := r.writer.Apply(ctx, w)
			if err != nil && syncerr.IsTerminal(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.retryInitial
		b.MaxElapsedTime = 0

		err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			r.logger.Info("remote write retry",
				zap.String("mutation_id", w.MutationID),
				zap.String("entity", w.Ref.String()),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (r *Reconciler) writeDone(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.inflight[id]
	if !ok {
		return
	}
	d.outstanding--
	if d.outstanding > 0 {
		return
	}
	if r.confirmLocked(id, "ack") {
		r.pruneBaselines()
	}
	observability.SetPendingMutations(r.queue.Len())
}

// finishDispatch forgets a mutation's writes without cancelling them.
func (r *Reconciler) finishDispatch(id string) {
	d, ok := r.inflight[id]
	if !ok {
		return
	}
	d.timer.Stop()
	delete(r.inflight, id)
}

// cancelDispatch aborts a mutation's writes. The returned channel closes
// when they have exited; it is nil when nothing was in flight.
func (r *Reconciler) cancelDispatch(id string) <-chan struct{} {
	d, ok := r.inflight[id]
	if !ok {
		return nil
	}
	for _, cancel := range d.cancels {
		cancel()
	}
	r.finishDispatch(id)
	return d.exited()
}

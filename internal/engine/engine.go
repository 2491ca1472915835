// Package engine drives the job lifecycle: it reclaims expired claims,
// fills execution slots with pending work, runs the caller-supplied
// handler, and routes each outcome to done, a retry re-queue, or the
// dead-letter store.
//
// One Engine is the single scheduling authority for a store. Running two
// engines against the same store is unsafe; claim verification in the
// lease manager defends against accidents, not against a second
// deliberate scheduler.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobengine/internal/lease"
	"jobengine/internal/models"
	"jobengine/internal/notify"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// ErrMalformedPayload marks a payload the handler could not interpret.
// It is routed like any other work failure and consumes one attempt.
var ErrMalformedPayload = errors.New("malformed payload")

// Handler is the caller-supplied work function. It receives the full
// record, interprets the opaque payload itself, and returns an opaque
// result on success. The engine imposes no timeout: a hung handler
// occupies its slot until the process restarts, and its record is only
// recovered by claim expiry.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Config tunes the scheduler loop.
type Config struct {
	// Concurrency is the global ceiling on simultaneously executing
	// handlers.
	Concurrency int
	// LeaseMaxAge is how old a claim may grow before it is reclaimed.
	// Must be longer than any acceptable handler run time.
	LeaseMaxAge time.Duration
	// PollInterval is the fallback re-check cadence on top of the
	// edge-triggered refill after each completion.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.LeaseMaxAge <= 0 {
		c.LeaseMaxAge = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithNotifier sets the transition hook receiver.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock sets the engine clock.
func WithClock(c store.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine owns the scheduler loop and the execution slots.
type Engine struct {
	cfg      Config
	store    store.Store
	leases   *lease.Manager
	handler  Handler
	notifier notify.Notifier
	clock    store.Clock
	log      *zap.SugaredLogger

	// slots holds one token per free execution slot.
	slots chan struct{}
	// wake coalesces edge-triggered refill requests from completions.
	wake chan struct{}
	wg   sync.WaitGroup
}

// New builds an Engine over st running handler.
func New(cfg Config, st store.Store, handler Handler, opts ...Option) *Engine {
	if st == nil {
		panic("engine: nil store")
	}
	if handler == nil {
		panic("engine: nil handler")
	}

	e := &Engine{
		cfg:      cfg.withDefaults(),
		store:    st,
		handler:  handler,
		notifier: notify.Nop{},
		clock:    store.SystemClock{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.leases = lease.NewManager(st, e.clock, e.log)

	e.slots = make(chan struct{}, e.cfg.Concurrency)
	for i := 0; i < e.cfg.Concurrency; i++ {
		e.slots <- struct{}{}
	}
	e.wake = make(chan struct{}, 1)
	return e
}

// Run drives scheduling until ctx is cancelled, then waits for in-flight
// handlers to return.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.log.Infow("engine started",
		"concurrency", e.cfg.Concurrency,
		"lease_max_age", e.cfg.LeaseMaxAge,
		"poll_interval", e.cfg.PollInterval,
	)

	for {
		e.schedulePass(ctx)
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.log.Infow("engine stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// schedulePass reclaims expired claims, then claims pending work into
// free slots. It is safe to call redundantly: with no free slot or no
// pending record it is a no-op, which lets the timer and completion
// triggers share it.
func (e *Engine) schedulePass(ctx context.Context) {
	reclaimed, err := e.leases.ReclaimExpired(ctx, e.cfg.LeaseMaxAge)
	if err != nil {
		// Store unavailable: skip this cycle and retry on the next poll.
		e.log.Errorw("scheduling pass skipped", "err", err)
		return
	}
	for _, job := range reclaimed {
		telemetry.ReclaimCounter.Inc()
		e.notify(ctx, job)
	}

	if n, err := e.store.CountByStatus(ctx, models.StatusPending); err == nil {
		telemetry.PendingGauge.Set(float64(n))
	}

	for {
		select {
		case <-e.slots:
		default:
			return
		}

		job, ok, err := e.leases.ClaimNext(ctx)
		if err != nil || !ok {
			e.slots <- struct{}{}
			if err != nil {
				e.log.Errorw("claim failed", "err", err)
			}
			return
		}

		telemetry.ClaimCounter.Inc()
		telemetry.InFlightGauge.Inc()
		e.notify(ctx, job)

		e.wg.Add(1)
		go e.execute(ctx, job)
	}
}

// execute runs the handler for one claimed record and routes the
// outcome. The slot is released afterwards and the scheduler woken so a
// freed slot refills immediately instead of waiting for the next poll.
func (e *Engine) execute(ctx context.Context, job models.Job) {
	defer e.wg.Done()
	defer func() {
		telemetry.InFlightGauge.Dec()
		e.slots <- struct{}{}
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}()

	result, err := e.runHandler(ctx, job)
	if err != nil {
		e.routeFailure(ctx, job, err)
		return
	}
	e.routeSuccess(ctx, job, result)
}

func (e *Engine) runHandler(ctx context.Context, job models.Job) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return e.handler(ctx, job)
}

func (e *Engine) routeSuccess(ctx context.Context, job models.Job, result json.RawMessage) {
	now := e.clock.Now()
	done := models.StatusDone
	updated, err := e.store.Update(ctx, job.ID, store.Patch{
		Status:         &done,
		ClearClaimedAt: true,
		CompletedAt:    &now,
		Result:         result,
		ClearLastError: true,
	})
	if err != nil {
		// The record stays running and will be reclaimed by lease
		// expiry; the next attempt repeats the work, which is why
		// handlers must tolerate at-least-once execution.
		e.log.Errorw("mark done failed", "job_id", job.ID, "err", err)
		return
	}

	telemetry.CompletedCounter.Inc()
	e.log.Infow("job done", "job_id", job.ID, "attempt_count", updated.AttemptCount)
	e.notify(ctx, updated)
}

// routeFailure decides between a retry re-queue and dead-lettering. The
// attempt that just ran counts as attempt_count+1, so a job with
// max_attempts=3 gets exactly three executions, the third of which goes
// straight to failed.
func (e *Engine) routeFailure(ctx context.Context, job models.Job, workErr error) {
	attempt := job.AttemptCount + 1
	msg := workErr.Error()

	if attempt < job.MaxAttempts {
		pending := models.StatusPending
		updated, err := e.store.Update(ctx, job.ID, store.Patch{
			Status:         &pending,
			AttemptCount:   &attempt,
			ClearClaimedAt: true,
			LastError:      &msg,
		})
		if err != nil {
			e.log.Errorw("retry re-queue failed", "job_id", job.ID, "err", err)
			return
		}
		telemetry.RetriedCounter.Inc()
		e.log.Infow("job re-queued", "job_id", job.ID, "attempt_count", attempt, "err", msg)
		e.notify(ctx, updated)
		return
	}

	now := e.clock.Now()
	failed := models.StatusFailed
	updated, err := e.store.Update(ctx, job.ID, store.Patch{
		Status:         &failed,
		AttemptCount:   &attempt,
		ClearClaimedAt: true,
		CompletedAt:    &now,
		LastError:      &msg,
	})
	if err != nil {
		e.log.Errorw("mark failed failed", "job_id", job.ID, "err", err)
		return
	}

	dl := models.DeadLetter{
		ID:                uuid.NewString(),
		JobID:             job.ID,
		Payload:           append(json.RawMessage(nil), job.Payload...),
		FinalAttemptCount: attempt,
		LastError:         msg,
		FailedAt:          now,
		Tenant:            job.Tenant,
	}
	if err := e.store.AppendDeadLetter(ctx, dl); err != nil {
		e.log.Errorw("append dead letter failed", "job_id", job.ID, "err", err)
	}

	telemetry.DeadLetterCounter.Inc()
	e.log.Warnw("job dead-lettered", "job_id", job.ID, "final_attempt_count", attempt, "err", msg)
	e.notify(ctx, updated)
}

// notify invokes the transition hook. The hook is best effort: a
// panicking observer is contained here and never fails the transition.
func (e *Engine) notify(ctx context.Context, job models.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warnw("notifier panic", "job_id", job.ID, "panic", rec)
		}
	}()
	e.notifier.JobTransition(ctx, notify.Event{
		JobID:        job.ID,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		Tenant:       job.Tenant,
		At:           e.clock.Now(),
	})
}

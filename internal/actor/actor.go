// Package actor implements the orchestration core: a single-writer state
// machine that supervises one content-generation job, fans its events out to
// any number of observers, persists a snapshot after every mutation, and
// re-arms the job slot after a TTL.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"reading-service/internal/domain"
	"reading-service/internal/infra"
	"reading-service/internal/provider"
)

const persistTimeout = 5 * time.Second

// Options configures a new Actor.
type Options struct {
	TTL    time.Duration
	Logger infra.Logger
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Actor hosts one job slot. All mutations of the job and its event log are
// serialized through mu, so they are linearizable per job; reads take the
// same lock for a consistent snapshot and release it before any I/O to a
// subscriber's sink.
type Actor struct {
	mu     sync.Mutex
	store  domain.SnapshotStore
	gen    provider.Generator
	ttl    time.Duration
	logger infra.Logger
	now    func() time.Time

	job  domain.Job
	log  *eventLog
	subs *registry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	cancelRun  context.CancelFunc
	wg         sync.WaitGroup
}

// StartResult is the immediate answer to a start call; it never waits for
// generation to finish.
type StartResult struct {
	JobID  string
	Status domain.JobStatus
}

// New constructs the actor and loads any previously persisted snapshot
// before the first request can be served. A job that was still running when
// the process died is closed out with a terminal error so the slot does not
// stay wedged in the running state.
func New(ctx context.Context, store domain.SnapshotStore, gen provider.Generator, opts Options) (*Actor, error) {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	a := &Actor{
		store:      store,
		gen:        gen,
		ttl:        opts.TTL,
		logger:     opts.Logger,
		now:        opts.Now,
		log:        newEventLog(),
		subs:       newRegistry(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	a.job = domain.Job{Status: domain.JobStatusIdle}

	snap, err := store.Load(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Fresh idle job.
	case err != nil:
		baseCancel()
		return nil, fmt.Errorf("load snapshot: %w", err)
	default:
		a.job = snap.Job
		a.log.restore(snap.Events, snap.NextEventID)
		a.logger.Info().
			Str("job_id", a.job.ID).
			Str("status", string(a.job.Status)).
			Int("events", len(snap.Events)).
			Msg("actor: restored snapshot")

		if a.job.Status == domain.JobStatusRunning {
			a.mu.Lock()
			a.appendLocked(domain.EventError, domain.ErrorData(restartInterruptedMsg))
			a.mu.Unlock()
		}
	}

	return a, nil
}

// Start binds the token on first use, is an idempotent no-op while a run is
// in flight or finished, and otherwise resets the log, transitions to
// running, persists, and hands off to the background runner. It returns
// immediately.
func (a *Actor) Start(ctx context.Context, jobID string, payload json.RawMessage, token string) (*StartResult, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", domain.ErrUnauthorized)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// A terminal job past its TTL is reclaimed first, so the start below
	// behaves as if the job had never existed.
	a.expireLocked()

	if a.job.Token != "" && token != a.job.Token {
		return nil, fmt.Errorf("token mismatch: %w", domain.ErrUnauthorized)
	}

	if a.job.Status == domain.JobStatusRunning || a.job.Status == domain.JobStatusComplete {
		return &StartResult{JobID: a.job.ID, Status: a.job.Status}, nil
	}

	if jobID == "" || len(payload) == 0 {
		return nil, fmt.Errorf("jobId and payload are required: %w", domain.ErrInvalidPayload)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON: %w", domain.ErrInvalidPayload)
	}

	now := a.now()
	createdAt := now
	if a.job.ID == jobID && !a.job.CreatedAt.IsZero() {
		createdAt = a.job.CreatedAt
	}

	a.log.reset()
	a.job = domain.Job{
		ID:        jobID,
		Status:    domain.JobStatusRunning,
		Token:     token,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	a.persistLocked()

	runCtx, cancel := context.WithCancel(a.baseCtx)
	a.cancelRun = cancel
	a.wg.Add(1)
	go a.runGeneration(runCtx, payload)

	a.logger.Info().Str("job_id", jobID).Msg("actor: run started")
	return &StartResult{JobID: jobID, Status: domain.JobStatusRunning}, nil
}

// Status returns a consistent snapshot of the job. An expired job is
// reclaimed as a side effect and reported as Expired.
func (a *Actor) Status(_ context.Context, token string) (*domain.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guardLocked(token); err != nil {
		return nil, err
	}
	job := a.job
	return &job, nil
}

// Stream registers a new subscriber and replays every stored event with
// id > cursor, in order. A subscriber that connects after completion still
// observes the outcome: with no backlog and a terminal job, the terminal
// event alone is replayed. The returned subscription's channel is closed once
// the terminal event has been delivered.
func (a *Actor) Stream(_ context.Context, token string, cursor int64) (*Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guardLocked(token); err != nil {
		return nil, err
	}

	backlog := a.log.after(cursor)
	if len(backlog) == 0 && a.job.Status.Terminal() {
		if last, ok := a.log.last(); ok {
			backlog = []domain.Event{last}
		}
	}

	sub := newSubscriber(len(backlog) + 64)
	for _, e := range backlog {
		sub.enqueue(envelopeOf(e))
	}

	if a.job.Status.Terminal() {
		// Terminal backlog delivered; nothing further will ever arrive.
		sub.close()
	} else {
		a.subs.add(sub)
	}

	return &Subscription{
		C:      sub.ch,
		cancel: func() { a.detach(sub) },
	}, nil
}

// Cancel signals the runner to abort and appends the terminal error event.
// Cancelling a job that is no longer running is a harmless no-op.
func (a *Actor) Cancel(_ context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guardLocked(token); err != nil {
		return err
	}

	if a.job.Status == domain.JobStatusRunning {
		a.appendLocked(domain.EventError, domain.ErrorData(cancelledMessage))
		if a.cancelRun != nil {
			a.cancelRun()
		}
		a.logger.Info().Str("job_id", a.job.ID).Msg("actor: run cancelled")
	}
	return nil
}

// Close cancels any in-flight run and waits for the runner goroutine, so the
// background task is always awaited before the actor is torn down.
func (a *Actor) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.subs.closeAll()
	a.mu.Unlock()
	a.baseCancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guardLocked runs the shared not-found / authorization / expiry checks for
// status, stream and cancel. Expiry reclaims the slot as a side effect.
func (a *Actor) guardLocked(token string) error {
	if a.job.Status == domain.JobStatusIdle && a.job.Token == "" {
		return domain.ErrNotFound
	}
	if token == "" || token != a.job.Token {
		return fmt.Errorf("token mismatch: %w", domain.ErrUnauthorized)
	}
	if a.expireLocked() {
		return domain.ErrExpired
	}
	return nil
}

// expireLocked reclaims the slot when the TTL has elapsed: the persisted
// snapshot is deleted and a fresh idle job with an empty log takes its place.
func (a *Actor) expireLocked() bool {
	if !a.job.Expired(a.now()) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.Delete(ctx, a.job.ID); err != nil {
		a.logger.Error().Err(err).Str("job_id", a.job.ID).Msg("actor: snapshot delete failed")
	}

	a.logger.Info().Str("job_id", a.job.ID).Msg("actor: job expired, slot reset")
	a.job = domain.Job{Status: domain.JobStatusIdle}
	a.log.reset()
	a.subs.closeAll()
	return true
}

// appendFromRunner is the runner's append path. Events are only accepted
// while the job is running, which also guarantees at most one terminal event
// per run.
func (a *Actor) appendFromRunner(t domain.EventType, data json.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.job.Status != domain.JobStatusRunning {
		return false
	}
	a.appendLocked(t, data)
	return true
}

// appendLocked appends an event, folds it into the job state, persists the
// snapshot, and fans the event out. Terminal events also close every
// subscriber and start the TTL clock.
func (a *Actor) appendLocked(t domain.EventType, data json.RawMessage) {
	now := a.now()
	e := a.log.append(t, data, now)
	a.job.UpdatedAt = now

	switch t {
	case domain.EventMeta:
		a.job.Meta = data
	case domain.EventDone:
		a.job.Status = domain.JobStatusComplete
		a.job.Result = data
		expires := now.Add(a.ttl)
		a.job.ExpiresAt = &expires
	case domain.EventError:
		a.job.Status = domain.JobStatusError
		a.job.Error = e.ErrorMessage()
		expires := now.Add(a.ttl)
		a.job.ExpiresAt = &expires
	}

	a.persistLocked()
	a.subs.broadcast(e)
	if t.Terminal() {
		a.subs.closeAll()
		a.logger.Info().
			Str("job_id", a.job.ID).
			Str("status", string(a.job.Status)).
			Int64("event_id", e.ID).
			Msg("actor: run finished")
	}
}

// persistLocked writes the current snapshot. Durability is best-effort
// relative to live fan-out: failures are logged, and a restart replays from
// the last snapshot that did make it to the store.
func (a *Actor) persistLocked() {
	snap := &domain.Snapshot{
		Job:         a.job,
		Events:      a.log.snapshot(),
		NextEventID: a.log.nextID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.Save(ctx, snap); err != nil {
		a.logger.Error().Err(err).Str("job_id", a.job.ID).Msg("actor: snapshot save failed")
	}
}

// detach removes a subscriber on disconnect.
func (a *Actor) detach(sub *subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs.remove(sub)
	sub.close()
}

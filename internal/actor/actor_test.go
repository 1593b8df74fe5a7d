package actor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"reading-service/internal/adapter/repo"
	"reading-service/internal/domain"
	"reading-service/internal/infra"
	"reading-service/internal/provider"
)

// ---- fakes ----

// chanStream lets a test feed blocks to the runner one at a time and end the
// stream when it chooses.
type chanStream struct {
	ch chan provider.Block
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan provider.Block, 16)}
}

func (s *chanStream) push(typ string, data string) {
	s.ch <- provider.Block{Type: typ, Data: json.RawMessage(data)}
}

func (s *chanStream) end() { close(s.ch) }

func (s *chanStream) Next(ctx context.Context) (provider.Block, error) {
	select {
	case blk, ok := <-s.ch:
		if !ok {
			return provider.Block{}, io.EOF
		}
		return blk, nil
	case <-ctx.Done():
		return provider.Block{}, ctx.Err()
	}
}

func (s *chanStream) Close() error { return nil }

type fakeGenerator struct {
	outcome *provider.Outcome
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, payload json.RawMessage) (*provider.Outcome, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.outcome, nil
}

// fakeClock is a hand-adjustable clock for expiry tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ---- helpers ----

func testLogger() infra.Logger {
	return infra.NewLogger("test")
}

func newTestActor(t *testing.T, gen provider.Generator, opts Options) (*Actor, *repo.SnapshotRepositoryMemory) {
	t.Helper()
	store := repo.NewSnapshotRepositoryMemory()
	opts.Logger = testLogger()
	a, err := New(context.Background(), store, gen, opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func waitForStatus(t *testing.T, a *Actor, token string, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	waitFor(t, func() bool {
		j, err := a.Status(context.Background(), token)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	})
	return job
}

// ---- tests ----

func TestStartSingleResponseRunsToCompletion(t *testing.T) {
	gen := &fakeGenerator{outcome: &provider.Outcome{
		Meta:   json.RawMessage(`{"model":"m1"}`),
		Result: json.RawMessage(`{"text":"done"}`),
	}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	res, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{"q":"hello"}`), "t1")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if res.JobID != "reading-1" || res.Status != domain.JobStatusRunning {
		t.Fatalf("Start result = %+v", res)
	}

	job := waitForStatus(t, a, "t1", domain.JobStatusComplete)
	if string(job.Result) != `{"text":"done"}` {
		t.Fatalf("Result = %s", job.Result)
	}
	if string(job.Meta) != `{"model":"m1"}` {
		t.Fatalf("Meta = %s", job.Meta)
	}
	if job.Error != "" {
		t.Fatalf("Error should be empty, got %q", job.Error)
	}
	if job.ExpiresAt == nil {
		t.Fatal("ExpiresAt must be set after terminal event")
	}

	sub, err := a.Stream(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	var ids []int64
	var types []string
	for env := range sub.C {
		ids = append(ids, env.ID)
		types = append(types, env.Event)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("event ids = %v, want [1 2]", ids)
	}
	if types[0] != "meta" || types[1] != "done" {
		t.Fatalf("event types = %v, want [meta done]", types)
	}
}

func TestStartValidatesInput(t *testing.T) {
	a, _ := newTestActor(t, &fakeGenerator{}, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", nil, "t1"); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("missing payload: err = %v, want ErrInvalidPayload", err)
	}
	if _, err := a.Start(context.Background(), "", json.RawMessage(`{}`), "t1"); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("missing jobId: err = %v, want ErrInvalidPayload", err)
	}
	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{`), "t1"); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("bad json payload: err = %v, want ErrInvalidPayload", err)
	}
	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("missing token: err = %v, want ErrUnauthorized", err)
	}

	// No job was created by the failed attempts.
	if _, err := a.Status(context.Background(), "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Status = %v, want ErrNotFound", err)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	stream := newChanStream()
	gen := &fakeGenerator{outcome: &provider.Outcome{Stream: stream}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{"q":"a"}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	stream.push("chunk", `{"text":"x"}`)
	waitFor(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.log.nextID == 2
	})

	res, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{"q":"b"}`), "t1")
	if err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	if res.Status != domain.JobStatusRunning {
		t.Fatalf("second Start status = %s, want running", res.Status)
	}

	// The second call did not reset the log.
	a.mu.Lock()
	nextID := a.log.nextID
	a.mu.Unlock()
	if nextID != 2 {
		t.Fatalf("nextID = %d, want 2 (log preserved)", nextID)
	}

	stream.push("done", `{"text":"x"}`)
	stream.end()
	waitForStatus(t, a, "t1", domain.JobStatusComplete)
}

func TestStartRejectsWrongToken(t *testing.T) {
	gen := &fakeGenerator{outcome: &provider.Outcome{Result: json.RawMessage(`{}`)}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Start with wrong token = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Status(context.Background(), "t2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Status with wrong token = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Stream(context.Background(), "t2", 0); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Stream with wrong token = %v, want ErrUnauthorized", err)
	}
	if err := a.Cancel(context.Background(), "t2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Cancel with wrong token = %v, want ErrUnauthorized", err)
	}
}

func TestStreamReplaysFromCursor(t *testing.T) {
	stream := newChanStream()
	gen := &fakeGenerator{outcome: &provider.Outcome{Stream: stream}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	stream.push("meta", `{"model":"m"}`)
	stream.push("chunk", `{"text":"a"}`)
	stream.push("chunk", `{"text":"b"}`)
	stream.push("done", `{"text":"ab"}`)
	waitForStatus(t, a, "t1", domain.JobStatusComplete)

	collect := func(cursor int64) []int64 {
		sub, err := a.Stream(context.Background(), "t1", cursor)
		if err != nil {
			t.Fatalf("Stream(%d) returned error: %v", cursor, err)
		}
		var ids []int64
		for env := range sub.C {
			ids = append(ids, env.ID)
		}
		return ids
	}

	if ids := collect(0); len(ids) != 4 || ids[0] != 1 || ids[3] != 4 {
		t.Fatalf("cursor 0 replay = %v, want [1 2 3 4]", ids)
	}
	if ids := collect(2); len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Fatalf("cursor 2 replay = %v, want [3 4]", ids)
	}
	// A cursor past the final id still replays the terminal outcome.
	if ids := collect(10); len(ids) != 1 || ids[0] != 4 {
		t.Fatalf("cursor 10 replay = %v, want [4]", ids)
	}
}

func TestStreamLiveDeliveryIsOrderedAndGapFree(t *testing.T) {
	stream := newChanStream()
	gen := &fakeGenerator{outcome: &provider.Outcome{Stream: stream}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	stream.push("meta", `{"model":"m"}`)
	stream.push("chunk", `{"text":"a"}`)
	waitFor(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.log.nextID == 3
	})

	// Subscriber one joins from the beginning, subscriber two mid-run.
	subA, err := a.Stream(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	subB, err := a.Stream(context.Background(), "t1", 2)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	stream.push("chunk", `{"text":"b"}`)
	stream.push("done", `{"text":"ab"}`)
	stream.end()

	drain := func(sub *Subscription) []int64 {
		var ids []int64
		timeout := time.After(2 * time.Second)
		for {
			select {
			case env, ok := <-sub.C:
				if !ok {
					return ids
				}
				ids = append(ids, env.ID)
			case <-timeout:
				t.Fatalf("subscriber did not close, got %v", ids)
			}
		}
	}

	idsA := drain(subA)
	idsB := drain(subB)

	if len(idsA) != 4 {
		t.Fatalf("subscriber A ids = %v, want 4 gap-free events", idsA)
	}
	for i, id := range idsA {
		if id != int64(i+1) {
			t.Fatalf("subscriber A ids = %v, want strictly increasing from 1", idsA)
		}
	}
	if len(idsB) != 2 || idsB[0] != 3 || idsB[1] != 4 {
		t.Fatalf("subscriber B ids = %v, want [3 4]", idsB)
	}
}

func TestCancelAppendsSingleTerminalError(t *testing.T) {
	stream := newChanStream()
	gen := &fakeGenerator{outcome: &provider.Outcome{Stream: stream}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	stream.push("chunk", `{"text":"a"}`)
	waitFor(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.log.nextID == 2
	})

	sub, err := a.Stream(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	if err := a.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	job, err := a.Status(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if job.Status != domain.JobStatusError {
		t.Fatalf("Status = %s, want error", job.Status)
	}
	if job.Error != "Reading cancelled." {
		t.Fatalf("Error = %q, want %q", job.Error, "Reading cancelled.")
	}

	// The live subscriber observes the terminal event, then the close.
	var last Envelope
	for env := range sub.C {
		last = env
	}
	if last.Event != "error" {
		t.Fatalf("last delivered event = %q, want error", last.Event)
	}

	// A second cancel appends nothing.
	a.mu.Lock()
	before := a.log.nextID
	a.mu.Unlock()
	if err := a.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("second Cancel returned error: %v", err)
	}
	a.mu.Lock()
	after := a.log.nextID
	a.mu.Unlock()
	if before != after {
		t.Fatal("cancel on a terminal job must not append events")
	}

	// Give the runner a moment; it must not append a duplicate terminal.
	time.Sleep(20 * time.Millisecond)
	a.mu.Lock()
	terminal := 0
	for _, e := range a.log.events {
		if e.Type.Terminal() {
			terminal++
		}
	}
	a.mu.Unlock()
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestExpiryResetsTheSlot(t *testing.T) {
	clock := newFakeClock()
	gen := &fakeGenerator{outcome: &provider.Outcome{Result: json.RawMessage(`{"text":"x"}`)}}
	a, store := newTestActor(t, gen, Options{Logger: testLogger(), TTL: time.Hour, Now: clock.Now})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitForStatus(t, a, "t1", domain.JobStatusComplete)

	clock.Advance(61 * time.Minute)

	if _, err := a.Status(context.Background(), "t1"); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("Status after TTL = %v, want ErrExpired", err)
	}
	// The reset is a side effect: the slot now reports no job at all.
	if _, err := a.Status(context.Background(), "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Status after reset = %v, want ErrNotFound", err)
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("persisted snapshot should be deleted, Load = %v", err)
	}

	// A new start succeeds as if the job had never existed, ids from 1.
	if _, err := a.Start(context.Background(), "reading-2", json.RawMessage(`{}`), "t2"); err != nil {
		t.Fatalf("Start after expiry returned error: %v", err)
	}
	waitForStatus(t, a, "t2", domain.JobStatusComplete)

	sub, err := a.Stream(context.Background(), "t2", 0)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	first := <-sub.C
	if first.ID != 1 {
		t.Fatalf("first event id after reset = %d, want 1", first.ID)
	}
	sub.Cancel()
}

func TestRestartRestoresSnapshot(t *testing.T) {
	store := repo.NewSnapshotRepositoryMemory()
	gen := &fakeGenerator{outcome: &provider.Outcome{Result: json.RawMessage(`{"text":"x"}`)}}

	a1, err := New(context.Background(), store, gen, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := a1.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitForStatus(t, a1, "t1", domain.JobStatusComplete)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a1.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	a2, err := New(context.Background(), store, gen, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New after restart returned error: %v", err)
	}
	defer a2.Close(context.Background())

	job, err := a2.Status(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Status after restart returned error: %v", err)
	}
	if job.Status != domain.JobStatusComplete || string(job.Result) != `{"text":"x"}` {
		t.Fatalf("restored job = %+v", job)
	}

	// Replay works off the restored log.
	sub, err := a2.Stream(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("Stream after restart returned error: %v", err)
	}
	var count int
	for range sub.C {
		count++
	}
	if count != 2 {
		t.Fatalf("replayed %d events after restart, want 2", count)
	}
}

func TestRestartClosesOutAnInterruptedRun(t *testing.T) {
	store := repo.NewSnapshotRepositoryMemory()
	now := time.Now().UTC()
	snap := &domain.Snapshot{
		Job: domain.Job{
			ID:        "reading-1",
			Status:    domain.JobStatusRunning,
			Token:     "t1",
			CreatedAt: now,
			UpdatedAt: now,
		},
		Events:      []domain.Event{{ID: 1, Type: domain.EventChunk, Data: json.RawMessage(`{"text":"a"}`), Timestamp: now}},
		NextEventID: 2,
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	a, err := New(context.Background(), store, &fakeGenerator{}, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer a.Close(context.Background())

	job, err := a.Status(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if job.Status != domain.JobStatusError {
		t.Fatalf("Status = %s, want error (run cannot survive a restart)", job.Status)
	}
	if job.ExpiresAt == nil {
		t.Fatal("ExpiresAt must be set so the wedged slot is reclaimed")
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	stream := newChanStream()
	gen := &fakeGenerator{outcome: &provider.Outcome{Stream: stream}}
	a, _ := newTestActor(t, gen, Options{Logger: testLogger()})

	if _, err := a.Start(context.Background(), "reading-1", json.RawMessage(`{}`), "t1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	sub, err := a.Stream(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	// Never drain sub; push far more events than its buffer holds. The
	// broadcast must keep going and eventually drop the subscriber.
	for i := 0; i < 200; i++ {
		stream.push("chunk", `{"text":"x"}`)
	}
	stream.push("done", `{"text":"x"}`)
	stream.end()
	waitForStatus(t, a, "t1", domain.JobStatusComplete)

	waitFor(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.subs.len() == 0
	})
	_ = sub
}

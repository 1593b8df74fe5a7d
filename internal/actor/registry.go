package actor

import (
	"sync"

	"reading-service/internal/domain"
)

// Envelope is the wire form of one event: the type tag plus the JSON payload
// augmented with the event id. It is serialized once per broadcast.
type Envelope struct {
	ID      int64
	Event   string
	Payload []byte
}

func envelopeOf(e domain.Event) Envelope {
	return Envelope{ID: e.ID, Event: string(e.Type), Payload: e.Envelope()}
}

// subscriber is a non-owning handle to one connected observer. Delivery is a
// non-blocking enqueue into its channel; the connection goroutine drains it.
// The closed flag is guarded by the actor's lock, like everything else here.
type subscriber struct {
	ch     chan Envelope
	closed bool
}

func newSubscriber(buffer int) *subscriber {
	if buffer < 16 {
		buffer = 16
	}
	return &subscriber{ch: make(chan Envelope, buffer)}
}

// enqueue delivers without blocking. A full buffer means the observer is not
// draining; the caller drops it rather than stalling the broadcast.
func (s *subscriber) enqueue(env Envelope) bool {
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// registry tracks connected subscribers. It is owned by the actor; broadcast
// runs inside the actor's serialized context, so no extra locking is needed
// beyond the closed-flag discipline above.
type registry struct {
	subs map[*subscriber]struct{}
}

func newRegistry() *registry {
	return &registry{subs: map[*subscriber]struct{}{}}
}

func (r *registry) add(s *subscriber) {
	r.subs[s] = struct{}{}
}

func (r *registry) remove(s *subscriber) {
	delete(r.subs, s)
}

func (r *registry) len() int {
	return len(r.subs)
}

// broadcast serializes the event once and delivers it to every subscriber.
// A subscriber whose delivery fails is dropped and closed; the broadcast
// continues for the others.
func (r *registry) broadcast(e domain.Event) {
	env := envelopeOf(e)
	for s := range r.subs {
		if !s.enqueue(env) {
			delete(r.subs, s)
			s.close()
		}
	}
}

// closeAll closes every subscriber and clears the registry. Invoked once,
// right after a terminal event is appended.
func (r *registry) closeAll() {
	for s := range r.subs {
		s.close()
		delete(r.subs, s)
	}
}

// Subscription is the handle returned to a streaming caller. C yields
// envelopes in event-id order and is closed when the run reaches a terminal
// event or the subscription is cancelled.
type Subscription struct {
	C      <-chan Envelope
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscriber. Safe to call more than once and after the
// channel has been closed.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

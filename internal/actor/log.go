package actor

import (
	"encoding/json"
	"time"

	"reading-service/internal/domain"
)

// eventLog is the append-only, monotonically-numbered record of one job run.
// It is owned by the actor and only touched under the actor's lock.
type eventLog struct {
	events []domain.Event
	nextID int64
}

func newEventLog() *eventLog {
	return &eventLog{nextID: 1}
}

// append assigns the next id and stores the event. Events are immutable once
// appended.
func (l *eventLog) append(t domain.EventType, data json.RawMessage, now time.Time) domain.Event {
	e := domain.Event{
		ID:        l.nextID,
		Type:      t,
		Data:      data,
		Timestamp: now,
	}
	l.nextID++
	l.events = append(l.events, e)
	return e
}

// after returns the events with id greater than cursor, in ascending order.
// The returned slice aliases the log; callers must not hold it across
// mutations.
func (l *eventLog) after(cursor int64) []domain.Event {
	for i, e := range l.events {
		if e.ID > cursor {
			return l.events[i:]
		}
	}
	return nil
}

// last returns the most recent event, if any.
func (l *eventLog) last() (domain.Event, bool) {
	if len(l.events) == 0 {
		return domain.Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// reset drops all events and restarts ids at 1. Only used when the job slot
// is reinitialized.
func (l *eventLog) reset() {
	l.events = nil
	l.nextID = 1
}

// restore replaces the log contents from a persisted snapshot.
func (l *eventLog) restore(events []domain.Event, nextID int64) {
	l.events = append([]domain.Event(nil), events...)
	if nextID < 1 {
		nextID = 1
	}
	l.nextID = nextID
}

// snapshot returns a copy of the events for persistence.
func (l *eventLog) snapshot() []domain.Event {
	return append([]domain.Event(nil), l.events...)
}

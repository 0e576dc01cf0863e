// Package events is the in-process pub/sub bus for domain events.
// Delivery is best-effort: a slow subscriber loses events rather than
// blocking the hot path that published them.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	SessionStarted       Kind = "session.started"
	SessionCompleted     Kind = "session.completed"
	SessionAbandoned     Kind = "session.abandoned"
	CalibrationCommitted Kind = "calibration.committed"
)

// Event is one domain occurrence. SessionID and UserID are zero when
// the kind does not concern a session or user.
type Event struct {
	ID        string
	Kind      Kind
	UserID    int64
	SessionID int64
	At        time.Time
	Data      map[string]any
}

// Bus fans events out to subscribers. Channels are buffered; a full
// channel drops the event with a warning instead of blocking.
type Bus struct {
	mu     sync.RWMutex
	byKind map[Kind][]chan Event
	all    []chan Event

	buffer int
	logger *slog.Logger
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		byKind: make(map[Kind][]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel receiving the named kinds, or every event
// when none are named. The channel stays open until Unsubscribe.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if len(kinds) == 0 {
		b.all = append(b.all, ch)
		return ch
	}
	for _, k := range kinds {
		b.byKind[k] = append(b.byKind[k], ch)
	}
	return ch
}

// Unsubscribe detaches and closes the channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found chan Event
	for k, subs := range b.byKind {
		kept := subs[:0]
		for _, s := range subs {
			if s == ch {
				found = s
				continue
			}
			kept = append(kept, s)
		}
		b.byKind[k] = kept
	}
	kept := b.all[:0]
	for _, s := range b.all {
		if s == ch {
			found = s
			continue
		}
		kept = append(kept, s)
	}
	b.all = kept

	if found != nil {
		close(found)
	}
}

// Publish delivers to every matching subscriber without blocking.
// Missing ID and At are filled in.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byKind[e.Kind] {
		b.send(ch, e)
	}
	for _, ch := range b.all {
		b.send(ch, e)
	}
}

func (b *Bus) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		b.logger.Warn("[Events] subscriber full, event dropped",
			"kind", string(e.Kind), "event_id", e.ID)
	}
}

// Close detaches and closes every subscriber channel. Publishing after
// Close delivers to nobody.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for _, subs := range b.byKind {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
	}
	for _, ch := range b.all {
		if !closed[ch] {
			close(ch)
			closed[ch] = true
		}
	}
	b.byKind = make(map[Kind][]chan Event)
	b.all = nil
}

// SubscriberCount reports active subscriptions (a channel subscribed to
// several kinds counts once per kind).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.all)
	for _, subs := range b.byKind {
		n += len(subs)
	}
	return n
}

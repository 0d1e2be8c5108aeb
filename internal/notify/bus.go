// Package notify provides the in-process notification bus that fans
// typed state-change events out to live subscribers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventKind identifies the type of a state-change event.
type EventKind string

const (
	KindBindingStarted   EventKind = "binding-started"
	KindBindingCompleted EventKind = "binding-completed"
	KindBindingCancelled EventKind = "binding-cancelled"
	KindBindingRemoved   EventKind = "binding-removed"
	KindScanObserved     EventKind = "scan-observed"
)

// Event is the unit of delivery on the bus.
type Event struct {
	Kind EventKind   `json:"kind"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Subscriber is one live consumer. Events arrive on a bounded channel;
// a subscriber that stops heartbeating is swept from the registry and
// its channel closed.
type Subscriber struct {
	id    string
	kinds map[EventKind]struct{}
	out   chan Event

	// guarded by the owning bus mutex
	lastBeat time.Time
	dropped  uint64
}

// ID returns the registry identifier of the subscriber.
func (s *Subscriber) ID() string { return s.id }

// Events returns the receive channel. It is closed on unregister.
func (s *Subscriber) Events() <-chan Event { return s.out }

func (s *Subscriber) wants(kind EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus owns the subscriber registry. All delivery is fire-and-forget: a
// full subscriber queue drops the event rather than stalling the
// publisher.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscriber
	queueSize int
	probe     time.Duration
}

// NewBus creates a bus with the given per-subscriber queue size and
// liveness probe interval.
func NewBus(queueSize int, probe time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	if probe <= 0 {
		probe = 30 * time.Second
	}
	return &Bus{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
		probe:     probe,
	}
}

// Register adds a subscriber. An empty kind list subscribes to every
// event kind.
func (b *Bus) Register(kinds ...EventKind) *Subscriber {
	s := &Subscriber{
		id:       uuid.NewString(),
		out:      make(chan Event, b.queueSize),
		lastBeat: time.Now(),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	log.Debug().Str("subscriber", s.id).Int("kinds", len(kinds)).Msg("subscriber registered")
	return s
}

// Unregister removes a subscriber and closes its channel. Unknown ids
// are a no-op.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(s.out)
	}
	b.mu.Unlock()

	if ok {
		log.Debug().Str("subscriber", id).Msg("subscriber unregistered")
	}
}

// Heartbeat marks the subscriber live for another probe interval.
func (b *Bus) Heartbeat(id string) {
	b.mu.Lock()
	if s, ok := b.subs[id]; ok {
		s.lastBeat = time.Now()
	}
	b.mu.Unlock()
}

// Publish delivers an event to every registered subscriber, ignoring
// kind filters.
func (b *Bus) Publish(kind EventKind, data interface{}) {
	evt := Event{Kind: kind, At: time.Now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		b.deliver(s, evt)
	}
}

// PublishFiltered delivers an event only to subscribers that opted into
// its kind. Subscribers with no filter receive everything.
func (b *Bus) PublishFiltered(kind EventKind, data interface{}) {
	evt := Event{Kind: kind, At: time.Now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.wants(kind) {
			b.deliver(s, evt)
		}
	}
}

// deliver is called with the bus mutex held.
func (b *Bus) deliver(s *Subscriber, evt Event) {
	select {
	case s.out <- evt:
	default:
		s.dropped++
		log.Warn().
			Str("subscriber", s.id).
			Str("kind", string(evt.Kind)).
			Uint64("dropped", s.dropped).
			Msg("subscriber queue full, event dropped")
	}
}

// Dropped returns how many events have been dropped for a subscriber.
func (b *Bus) Dropped(id string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		return s.dropped
	}
	return 0
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run sweeps subscribers that missed their liveness probe until the
// context is cancelled. Usually run in a goroutine.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.probe / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.sweep(now)
		}
	}
}

func (b *Bus) sweep(now time.Time) {
	b.mu.Lock()
	var stale []string
	for id, s := range b.subs {
		if now.Sub(s.lastBeat) > b.probe {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s := b.subs[id]
		delete(b.subs, id)
		close(s.out)
	}
	b.mu.Unlock()

	for _, id := range stale {
		log.Info().Str("subscriber", id).Msg("subscriber liveness expired")
	}
}

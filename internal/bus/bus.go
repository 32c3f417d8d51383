// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Kind identifies an event type. Wire message kinds (see protocol) are used
// directly as bus kinds for inbound dispatch.
type Kind string

// KindAny receives every published event regardless of kind.
const KindAny Kind = "*"

// Event represents a bus event
type Event struct {
	Kind    Kind
	Payload any
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus is a pub/sub event bus. Dispatch is synchronous and handlers for a kind
// fire in registration order; a panicking handler never blocks the others.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Kind][]subscription
	logger   zerolog.Logger
}

// New creates a new event bus
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind][]subscription),
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe adds a handler for an event kind and returns its unsubscribe func.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[kind]
		for i, s := range subs {
			if s.id == id {
				b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish sends an event to all handlers for its kind, then to KindAny
// handlers. Handlers run synchronously on the calling goroutine.
func (b *Bus) Publish(event Event) {
	for _, fn := range b.snapshot(event.Kind) {
		b.invoke(fn, event)
	}
	if event.Kind != KindAny {
		for _, fn := range b.snapshot(KindAny) {
			b.invoke(fn, event)
		}
	}
}

func (b *Bus) snapshot(kind Kind) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	fns := make([]Handler, len(subs))
	for i, s := range subs {
		fns[i] = s.fn
	}
	return fns
}

func (b *Bus) invoke(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("kind", string(event.Kind)).Msg("Event handler panicked")
		}
	}()
	fn(event)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Kind][]subscription)
}

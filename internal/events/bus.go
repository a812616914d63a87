package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Handler func(Event)

type subscription struct {
	handler Handler
	types   map[Type]bool
}

func (s subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. Handlers run on the publishing
// goroutine and must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	seq    atomic.Uint64
	log    zerolog.Logger
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]subscription),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers h for the given types, or every type when none are given.
func (b *Bus) Subscribe(h Handler, types ...Type) (unsubscribe func()) {
	filter := make(map[Type]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{handler: h, types: filter}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Channel subscribes a buffered channel. Events are dropped when the buffer
// is full. The channel is closed by the returned cancel func.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false
	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.log.Warn().Str("event_type", string(e.Type)).Uint64("seq", e.Seq).Msg("event channel full, dropping event")
		}
	}, types...)
	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish stamps and delivers an event, returning it as delivered.
func (b *Bus) Publish(t Type, source string, data any) Event {
	e := Event{
		Seq:    b.seq.Add(1),
		Type:   t,
		Time:   time.Now().UTC(),
		Source: source,
		Data:   data,
	}
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(t) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(e)
	}
	return e
}

// PublishError publishes an error event attributed to source.
func (b *Bus) PublishError(source string, err error) Event {
	return b.Publish(Error, source, ErrorData{Message: err.Error(), Source: source})
}

// Subscribers returns the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

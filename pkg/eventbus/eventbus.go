package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies an event type
type Kind string

const (
	KindCallStarted        Kind = "call.started"
	KindCallEnded          Kind = "call.ended"
	KindCallError          Kind = "call.error"
	KindSpeechStarted      Kind = "speech.started"
	KindUtteranceReady     Kind = "utterance.ready"
	KindTurnCompleted      Kind = "turn.completed"
	KindTurnInterrupted    Kind = "turn.interrupted"
	KindFillerPlayed       Kind = "filler.played"
	KindPersonaSwitched    Kind = "persona.switched"
	KindDependencyDegraded Kind = "dependency.degraded"
)

// Event is a single published occurrence
type Event struct {
	ID            string                 `json:"id"`
	Kind          Kind                   `json:"kind"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Handler receives events. A returned error is logged and does not affect other handlers.
type Handler func(Event) error

// Token identifies a subscription for Unsubscribe
type Token uint64

// PublishOption decorates an event before delivery
type PublishOption func(*Event)

// WithSource sets the publishing component name
func WithSource(source string) PublishOption {
	return func(e *Event) { e.Source = source }
}

// WithCorrelationID ties the event to a call or request
func WithCorrelationID(id string) PublishOption {
	return func(e *Event) { e.CorrelationID = id }
}

const defaultMaxPending = 1024

// Bus is a process-wide publish/subscribe router.
// Each subscription owns an ordered mailbox drained by its own goroutine,
// so a slow or failing handler never blocks the publisher or its peers.
type Bus struct {
	mu         sync.RWMutex
	byKind     map[Kind]map[Token]*subscription
	wildcard   map[Token]*subscription
	next       atomic.Uint64
	maxPending int
	logger     *zap.Logger
}

// New creates an event bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byKind:     make(map[Kind]map[Token]*subscription),
		wildcard:   make(map[Token]*subscription),
		maxPending: defaultMaxPending,
		logger:     logger.With(zap.String("component", "eventbus")),
	}
}

// Subscribe registers a handler for one event kind
func (b *Bus) Subscribe(kind Kind, handler Handler) Token {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	if b.byKind[kind] == nil {
		b.byKind[kind] = make(map[Token]*subscription)
	}
	b.byKind[kind][sub.token] = sub
	b.mu.Unlock()

	go sub.run(b)
	return sub.token
}

// SubscribeAll registers a handler for every event kind
func (b *Bus) SubscribeAll(handler Handler) Token {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.wildcard[sub.token] = sub
	b.mu.Unlock()

	go sub.run(b)
	return sub.token
}

// Unsubscribe removes a subscription. Events already queued for it are still delivered.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	var sub *subscription
	if s, ok := b.wildcard[token]; ok {
		sub = s
		delete(b.wildcard, token)
	} else {
		for kind, subs := range b.byKind {
			if s, ok := subs[token]; ok {
				sub = s
				delete(subs, token)
				if len(subs) == 0 {
					delete(b.byKind, kind)
				}
				break
			}
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

// Publish delivers an event to every handler subscribed to kind at the time of the call
func (b *Bus) Publish(kind Kind, data map[string]interface{}, opts ...PublishOption) {
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.byKind[kind])+len(b.wildcard))
	for _, sub := range b.byKind[kind] {
		targets = append(targets, sub)
	}
	for _, sub := range b.wildcard {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.enqueue(ev, b.maxPending) {
			b.logger.Warn("Event dropped, subscriber mailbox full",
				zap.String("kind", string(kind)),
				zap.Uint64("token", uint64(sub.token)),
			)
		}
	}
}

// SubscriberCount returns the number of handlers that would receive kind
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKind[kind]) + len(b.wildcard)
}

// Close stops every subscription. Used on process shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0)
	for _, kindSubs := range b.byKind {
		for _, sub := range kindSubs {
			subs = append(subs, sub)
		}
	}
	for _, sub := range b.wildcard {
		subs = append(subs, sub)
	}
	b.byKind = make(map[Kind]map[Token]*subscription)
	b.wildcard = make(map[Token]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) newSubscription(handler Handler) *subscription {
	return &subscription{
		token:   Token(b.next.Add(1)),
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// invoke runs one handler call inside its own error boundary
func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("token", uint64(sub.token)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := sub.handler(ev); err != nil {
		b.logger.Warn("Event handler failed",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("token", uint64(sub.token)),
			zap.Error(err),
		)
	}
}

type subscription struct {
	token   Token
	handler Handler

	mu       sync.Mutex
	queue    []Event
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) enqueue(ev Event, maxPending int) bool {
	s.mu.Lock()
	if len(s.queue) >= maxPending {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) run(b *Bus) {
	for {
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			b.invoke(s, ev)
		}

		select {
		case <-s.signal:
		case <-s.done:
			for {
				ev, ok := s.pop()
				if !ok {
					return
				}
				b.invoke(s, ev)
			}
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

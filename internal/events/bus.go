// Package events carries domain events from the session engine to
// asynchronous consumers (metrics, analytics). Publishing never blocks the
// caller: when the buffer is full the event is dropped and counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type names a domain event.
type Type string

// Domain event types.
const (
	SessionStarted    Type = "session.started"
	SessionResumed    Type = "session.resumed"
	ChapterCharged    Type = "chapter.charged"
	ChapterAdvanced   Type = "chapter.advanced"
	SessionCompleted  Type = "session.completed"
	InsufficientFunds Type = "wallet.insufficient_funds"
	WalletToppedUp    Type = "wallet.topped_up"
	WalletRefunded    Type = "wallet.refunded"
)

// Event is an immutable fact emitted after a state change committed.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	StoryID   string    `json:"story_id,omitempty"`
	Chapter   int       `json:"chapter,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Balance   int64     `json:"balance,omitempty"`
	At        time.Time `json:"at"`
}

// New stamps an event with an id and the current time.
func New(t Type, userID string) Event {
	return Event{ID: uuid.NewString(), Type: t, UserID: userID, At: time.Now().UTC()}
}

// Subscriber consumes events. Errors are logged and never reach the publisher.
type Subscriber interface {
	Handle(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event) error

// Handle calls f(ctx, e).
func (f SubscriberFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Bus is a buffered fan-out dispatcher with a single delivery goroutine, so
// each subscriber sees events in publish order.
type Bus struct {
	ch      chan Event
	subs    []Subscriber
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// DefaultBuffer is used when NewBus receives a non-positive size.
const DefaultBuffer = 256

// NewBus starts a bus delivering to subs.
func NewBus(buffer int, subs ...Subscriber) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b := &Bus{
		ch:      make(chan Event, buffer),
		subs:    subs,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues e without blocking. It reports whether e was accepted.
func (b *Bus) Publish(_ context.Context, e Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case b.ch <- e:
		return true
	default:
		b.dropped.Add(1)
		busDropped.Inc()
		log.Warn().Str("event_type", string(e.Type)).Msg("event buffer full, dropping event")
		return false
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events and waits until queued ones are delivered or
// ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.ch {
		for _, s := range b.subs {
			b.deliver(s, e)
		}
	}
}

func (b *Bus) deliver(s Subscriber, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_type", string(e.Type)).Msg("event subscriber panicked")
		}
	}()
	if err := s.Handle(ctx, e); err != nil {
		log.Error().Err(err).Str("event_type", string(e.Type)).Str("event_id", e.ID).Msg("event subscriber failed")
	}
}

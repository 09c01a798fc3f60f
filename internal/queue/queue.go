// Package queue consumes the sign-out feed that keeps the session cache
// honest. Each event names a credential, a user, or both; the listener
// drops the matching cache entries on this instance.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
)

type EventType string

const (
	EventSessionRevoked EventType = "session_revoked"
	EventUserSignedOut  EventType = "user_signed_out"
)

type SignOutEvent struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Credential string    `json:"credential,omitempty"`
	At         time.Time `json:"at"`
}

var ErrEmptyEvent = errors.New("sign-out event names neither credential nor user")

func (e SignOutEvent) Validate() error {
	if e.UserID == "" && e.Credential == "" {
		return ErrEmptyEvent
	}
	return nil
}

type Message struct {
	Event         SignOutEvent
	ReceiptHandle string
}

// Source yields sign-out events. Receive blocks until at least one message
// arrives, ctx is done, or the backend's poll interval elapses.
type Source interface {
	Name() string
	Receive(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, receiptHandle string) error
}

// Publisher fans an event out to every instance consuming the feed.
type Publisher interface {
	Publish(ctx context.Context, event SignOutEvent) error
}

type Invalidator interface {
	Invalidate(credential string)
	InvalidateUser(userID string) int
}

type Listener struct {
	source      Source
	invalidator Invalidator
	backoff     time.Duration
}

func NewListener(source Source, invalidator Invalidator) *Listener {
	return &Listener{
		source:      source,
		invalidator: invalidator,
		backoff:     time.Second,
	}
}

// Run consumes the feed until ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	slog.Info("sign-out listener started", "source", l.source.Name())
	defer slog.Info("sign-out listener stopped", "source", l.source.Name())

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := l.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("sign-out feed receive failed", "source", l.source.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff):
			}
			continue
		}

		for _, msg := range msgs {
			l.Apply(msg.Event)
			if msg.ReceiptHandle == "" {
				continue
			}
			if err := l.source.Ack(ctx, msg.ReceiptHandle); err != nil {
				slog.Warn("failed to ack sign-out event", "source", l.source.Name(), "error", err)
			}
		}
	}
}

// Apply drops the cache entries an event refers to.
func (l *Listener) Apply(event SignOutEvent) {
	if err := event.Validate(); err != nil {
		slog.Warn("ignoring sign-out event", "error", err)
		return
	}

	if event.Credential != "" {
		l.invalidator.Invalidate(event.Credential)
	}
	removed := 0
	if event.UserID != "" {
		removed = l.invalidator.InvalidateUser(event.UserID)
	}
	metrics.RecordSignout(l.source.Name())

	slog.Debug("sign-out applied",
		"type", event.Type,
		"user_id", event.UserID,
		"removed", removed,
	)
}

// InMemoryQueue is a Source and Publisher for single-process use and tests.
type InMemoryQueue struct {
	mu     sync.Mutex
	events []SignOutEvent
	notify chan struct{}
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make([]SignOutEvent, 0),
		notify: make(chan struct{}, 1),
	}
}

func (q *InMemoryQueue) Name() string {
	return "memory"
}

func (q *InMemoryQueue) Publish(ctx context.Context, event SignOutEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	q.events = append(q.events, event)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context) ([]Message, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			msgs := make([]Message, len(q.events))
			for i, e := range q.events {
				msgs[i] = Message{Event: e}
			}
			q.events = q.events[:0]
			q.mu.Unlock()
			return msgs, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, receiptHandle string) error {
	return nil
}

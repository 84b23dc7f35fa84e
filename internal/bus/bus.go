// Package bus is the in-process change bus: change sources publish, and
// schedulers subscribe. Delivery within one subscription is ordered and
// serialized — the handler for a change completes before the next change
// is handed over. No ordering holds across subscriptions.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/me/forge/pkg/model"
)

// TopicChanges is the topic schedulers subscribe to.
const TopicChanges = "changes"

// queueSize is the per-subscription buffer; publishers block (with
// backpressure) once a slow handler lets it fill.
const queueSize = 64

// Handler consumes one change. A returned error is logged and delivery
// continues with the next change.
type Handler func(ctx context.Context, c *model.Change) error

// Bus fans published changes out to subscriptions by topic.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*Subscription),
	}
}

// Subscription is one registered handler on one topic. Cancel detaches
// it; the in-flight handler call, if any, finishes first.
type Subscription struct {
	ID    string
	topic string
	bus   *Bus

	ch   chan *model.Change
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Subscribe registers handler on topic and starts its delivery loop.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	sub := &Subscription{
		ID:    "sub_" + uuid.New().String()[:8],
		topic: topic,
		bus:   b,
		ch:    make(chan *model.Change, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go sub.loop(handler)
	b.logger.Debug("subscribed", "topic", topic, "subscription", sub.ID)
	return sub
}

// Publish delivers c to every subscription on topic, in subscription
// order. It blocks when a subscription's queue is full.
func (b *Bus) Publish(ctx context.Context, topic string, c *model.Change) error {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- c:
		case <-sub.stop:
			// cancelled while we were waiting; skip it
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Cancel detaches the subscription. It returns once the delivery loop
// has exited, so the in-flight handler (if any) has completed and no
// further changes will be delivered.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.topic]
		for i, candidate := range subs {
			if candidate == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()

		close(s.stop)
		<-s.done
		s.bus.logger.Debug("unsubscribed", "topic", s.topic, "subscription", s.ID)
	})
}

// loop drains the queue one change at a time, awaiting the handler
// before taking the next.
func (s *Subscription) loop(handler Handler) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case c := <-s.ch:
			if err := handler(context.Background(), c); err != nil {
				s.bus.logger.Error("change handler failed",
					"topic", s.topic, "subscription", s.ID, "changeid", c.ID, "error", err)
			}
		}
	}
}

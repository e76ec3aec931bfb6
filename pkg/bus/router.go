package bus

import (
	"context"
	"sync"
	"time"

	"shim/pkg/protocol"

	"github.com/google/uuid"
)

const defaultSubscriberCapacity = 100

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// RouterWithLogger injects a logger for drop messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per
// subscriber.
func RouterWithSubscriberCapacity(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.channelSize = n
		}
	}
}

// Router fans published messages out to topic subscribers over bounded
// channels. A full subscriber loses its oldest message rather than
// blocking the publisher.
type Router struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	channelSize int
	logger      Logger
	nowFunc     func() time.Time
}

// Subscription is an active subscription.
type Subscription struct {
	Messages <-chan Message
	cancel   func()
}

// Close terminates the subscription and closes Messages.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers: map[*subscriber]struct{}{},
		channelSize: defaultSubscriberCapacity,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Subscribe registers for the given topics. No topics means every topic.
func (r *Router) Subscribe(topics ...protocol.Topic) Subscription {
	sub := newSubscriber(r.channelSize, r.logger, topics)
	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()
	return Subscription{
		Messages: sub.ch,
		cancel:   func() { r.removeSubscriber(sub) },
	}
}

// Publish implements Publisher. It never blocks on subscribers.
func (r *Router) Publish(_ context.Context, topic protocol.Topic, payload any) error {
	msg := Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: r.nowFunc(),
	}
	r.mu.RLock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		if sub.wants(topic) {
			subs = append(subs, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

// Close terminates every subscription.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subscribers
	r.subscribers = map[*subscriber]struct{}{}
	r.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (r *Router) removeSubscriber(sub *subscriber) {
	r.mu.Lock()
	delete(r.subscribers, sub)
	r.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan Message
	topics map[protocol.Topic]struct{} // nil = all
	logger Logger

	mu     sync.Mutex // guards closed and serializes sends with close
	closed bool
}

func newSubscriber(capacity int, logger Logger, topics []protocol.Topic) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	s := &subscriber{
		ch:     make(chan Message, capacity),
		logger: logger,
	}
	if len(topics) > 0 {
		s.topics = make(map[protocol.Topic]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	return s
}

func (s *subscriber) wants(topic protocol.Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *subscriber) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case oldest := <-s.ch:
			s.logDrop(oldest)
		default:
		}
	}
}

func (s *subscriber) logDrop(msg Message) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("bus: dropped %s %s (queue overflow)", msg.Topic, msg.ID)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Package bus carries coordination notifications from the coordinator to
// whoever listens: in-process subscribers through Router, the persistent
// journal through eventlog.Recorder, or both through Tee.
package bus

import (
	"context"
	"errors"
	"time"

	"shim/pkg/protocol"
)

// Logger is the minimal logging surface used for drop diagnostics.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Message is one published notification.
type Message struct {
	ID          string
	Topic       protocol.Topic
	Payload     any
	PublishedAt time.Time
}

// Publisher accepts notifications. Implementations must be safe for
// concurrent use and must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, topic protocol.Topic, payload any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic protocol.Topic, payload any) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, topic protocol.Topic, payload any) error {
	return f(ctx, topic, payload)
}

// Discard drops every notification.
var Discard Publisher = PublisherFunc(func(context.Context, protocol.Topic, any) error { return nil })

// Tee publishes to each publisher in order. Every publisher is called even
// when an earlier one fails; the errors are joined.
type Tee []Publisher

// Publish implements Publisher.
func (t Tee) Publish(ctx context.Context, topic protocol.Topic, payload any) error {
	var errs []error
	for _, p := range t {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

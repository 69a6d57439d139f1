// Package notify delivers domain notifications to in-process subscribers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"siteline/internal/metrics"
)

// Notification is a domain event published after its data is committed.
type Notification interface {
	Name() string
}

// Handler consumes one notification. Returning an error triggers a retry.
type Handler func(ctx context.Context, n Notification) error

type subscription struct {
	name    string
	handler Handler
}

// Bus fans notifications out to subscribers. Delivery is at-least-once: a
// failing handler is retried with exponential backoff, then the failure is
// logged and dropped. Publishers never see handler errors.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string][]subscription
	logger      *slog.Logger
	maxRetries  uint64
	initialWait time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetry sets how many times a failing handler is retried and the first wait.
func WithRetry(maxRetries uint64, initialWait time.Duration) Option {
	return func(b *Bus) {
		b.maxRetries = maxRetries
		b.initialWait = initialWait
	}
}

func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:        map[string][]subscription{},
		logger:      logger,
		maxRetries:  2,
		initialWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for notifications called name. subscriber names
// the consumer in logs.
func (b *Bus) Subscribe(name, subscriber string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], subscription{name: subscriber, handler: handler})
}

// Publish delivers n to every subscriber of n.Name().
func (b *Bus) Publish(ctx context.Context, n Notification) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[n.Name()]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.deliver(ctx, sub, n); err != nil {
			metrics.NotificationFailures.WithLabelValues(n.Name()).Inc()
			b.logger.Error("Notification delivery failed",
				slog.String("notification", n.Name()),
				slog.String("subscriber", sub.name),
				slog.Any("error", err))
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, n Notification) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialWait
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx)

	return backoff.Retry(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("subscriber panicked: %v", r))
			}
		}()
		return sub.handler(ctx, n)
	}, retry)
}

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Async queues events for a background worker so services never block on
// delivery. Dispatch returns false when the queue is full or closed.
type Async struct {
	inner   Dispatcher
	queue   chan Event
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *logrus.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(inner Dispatcher, queueSize int, timeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan Event, queueSize),
		timeout: timeout,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Dispatch(_ context.Context, ev Event) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- ev:
		return true
	default:
		a.metrics.Notification(string(ev.Kind), false)
		a.logger.WithFields(logrus.Fields{"event_id": ev.ID, "kind": ev.Kind}).Warn("Notification queue full, dropping event")
		return false
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		ok := a.inner.Dispatch(ctx, ev)
		cancel()
		a.metrics.Notification(string(ev.Kind), ok)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

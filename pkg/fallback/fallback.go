// Package fallback runs a primary data source behind a circuit breaker and
// switches to a fallback source whenever the primary fails or the breaker is
// open. The primary error never reaches the caller.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type Settings struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

type Chain[T any] struct {
	cb         *gobreaker.CircuitBreaker
	logger     *logrus.Logger
	name       string
	onFallback func(reason error)
}

func New[T any](settings Settings, logger *logrus.Logger) *Chain[T] {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 3
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	threshold := settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return &Chain[T]{cb: cb, logger: logger, name: settings.Name}
}

// OnFallback registers a hook invoked each time the fallback path is taken.
func (c *Chain[T]) OnFallback(fn func(reason error)) {
	c.onFallback = fn
}

func (c *Chain[T]) State() gobreaker.State {
	return c.cb.State()
}

// Do returns primary's result, or fallback's when primary is nil, fails, or
// the breaker is open. Only a fallback error is returned.
func (c *Chain[T]) Do(ctx context.Context, primary, fallback func(ctx context.Context) (T, error)) (T, error) {
	if primary != nil {
		res, err := c.cb.Execute(func() (interface{}, error) {
			return primary(ctx)
		})
		if err == nil {
			v, _ := res.(T)
			return v, nil
		}
		entry := c.logger.WithField("source", c.name)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			entry.Debug("Primary source unavailable, using fallback")
		} else {
			entry.WithError(err).Warn("Primary source failed, using fallback")
		}
		if c.onFallback != nil {
			c.onFallback(err)
		}
	}
	return fallback(ctx)
}

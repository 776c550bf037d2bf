package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// RetryPolicy shapes the delay before a failed task is queued again.
type RetryPolicy struct {
	InitialInterval     time.Duration // Delay before the first retry (default 100ms)
	MaxInterval         time.Duration // Upper bound on any single delay (default 10s)
	Multiplier          float64       // Growth per attempt (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Delay returns the jittered backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return p.MaxInterval
	}
	return d
}

// BreakerSettings configures the per-type circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Failures in a row that open a breaker (default 5)
	OpenTimeout         time.Duration // Time spent open before probing (default 30s)
	HalfOpenRequests    uint32        // Probes allowed while half-open (default 3)
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// breakerRegistry holds one circuit breaker per task type.
type breakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	log      logrus.FieldLogger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(settings BreakerSettings, log logrus.FieldLogger) *breakerRegistry {
	return &breakerRegistry{
		settings: settings,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for taskType, creating it on first use.
func (r *breakerRegistry) get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: r.settings.HalfOpenRequests,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.WithFields(logrus.Fields{
				"task_type": name,
				"from":      from.String(),
				"to":        to.String(),
			}).Warn("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a handler failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// states reports the current state of every breaker, keyed by task type.
func (r *breakerRegistry) states() map[string]gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]gobreaker.State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// isBreakerRejection reports whether err came from an open or saturated breaker.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

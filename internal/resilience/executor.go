package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Classification describes how a failure should be handled: whether
// the call may be retried, and whether it counts against the circuit
// breaker.
type Classification struct {
	Retryable     bool
	RecordFailure bool
}

// Classifier maps an error to its handling. A nil classifier treats
// every error as retryable.
type Classifier func(error) Classification

// ErrCircuitOpen is returned when the breaker for an operation is open
// and the call was not attempted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Executor wraps calls with bounded retries, exponential backoff and a
// per-operation circuit breaker.
type Executor struct {
	policy   Policy
	classify Classifier
	log      zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(policy Policy, classify Classifier, log zerolog.Logger) *Executor {
	return &Executor{
		policy:   policy.normalize(),
		classify: classify,
		log:      log.With().Str("component", "resilience").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Execute runs fn under the executor's policy. The operation name keys
// the circuit breaker, so independent upstreams trip independently.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	breaker := e.breakerFor(operation)

	var lastErr error
	backoff := e.policy.InitialBackoff

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cls, err := e.attempt(ctx, breaker, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		lastErr = err

		if !cls.Retryable || attempt == e.policy.MaxAttempts {
			break
		}

		e.log.Debug().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("retrying after transient failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * e.policy.Multiplier)
		if backoff > e.policy.MaxBackoff {
			backoff = e.policy.MaxBackoff
		}
	}
	return lastErr
}

func (e *Executor) attempt(ctx context.Context, breaker *gobreaker.CircuitBreaker[struct{}], fn func(context.Context) error) (Classification, error) {
	var cls Classification

	if breaker == nil {
		err := fn(ctx)
		if err != nil {
			cls = e.classifyErr(err)
		}
		return cls, err
	}

	var callFailure error
	_, err := breaker.Execute(func() (struct{}, error) {
		callErr := fn(ctx)
		if callErr == nil {
			return struct{}{}, nil
		}
		cls = e.classifyErr(callErr)
		callFailure = callErr
		if !cls.RecordFailure {
			// Swallowed inside the breaker so it is not counted;
			// re-surfaced below.
			return struct{}{}, nil
		}
		return struct{}{}, callErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return cls, ErrCircuitOpen
		}
		return cls, err
	}
	return cls, callFailure
}

func (e *Executor) classifyErr(err error) Classification {
	if e.classify == nil {
		return Classification{Retryable: true, RecordFailure: true}
	}
	return e.classify(err)
}

func (e *Executor) breakerFor(operation string) *gobreaker.CircuitBreaker[struct{}] {
	if !e.policy.BreakerEnabled {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.breakers[operation]; ok {
		return b
	}
	p := e.policy
	settings := gobreaker.Settings{
		Name:        operation,
		MaxRequests: p.BreakerHalfOpenMax,
		Timeout:     p.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < p.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= p.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn().
				Str("operation", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	b := gobreaker.NewCircuitBreaker[struct{}](settings)
	e.breakers[operation] = b
	return b
}

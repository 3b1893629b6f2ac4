package resilience

import (
	"time"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// Policy bounds retries and the circuit breaker around advisory calls.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	BreakerEnabled      bool
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
	BreakerHalfOpenMax  uint32
}

// DefaultPolicy matches the advisory service's transient-failure
// profile: a few attempts with exponential backoff, breaker trips when
// half the calls fail.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,

		BreakerEnabled:      true,
		BreakerMinRequests:  10,
		BreakerFailureRatio: 0.5,
		BreakerOpenTimeout:  30 * time.Second,
		BreakerHalfOpenMax:  2,
	}
}

func (p Policy) normalize() Policy {
	out := p
	def := DefaultPolicy()

	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMax == 0 {
		out.BreakerHalfOpenMax = def.BreakerHalfOpenMax
	}
	return out
}

// ClassifyAdvisoryError implements the retry policy for advisory
// failures: transient service errors are retried, parse failures and
// configuration errors are not (retrying cannot fix either).
func ClassifyAdvisoryError(err error) Classification {
	switch {
	case models.IsKind(err, models.ErrAdvisoryParse):
		return Classification{Retryable: false, RecordFailure: false}
	case models.IsKind(err, models.ErrConfiguration):
		return Classification{Retryable: false, RecordFailure: false}
	case models.IsKind(err, models.ErrAdvisoryService):
		return Classification{Retryable: true, RecordFailure: true}
	default:
		// Unknown errors (network layer, context deadline) are treated
		// as transient.
		return Classification{Retryable: true, RecordFailure: true}
	}
}

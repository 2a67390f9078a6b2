package etl

import (
	"fmt"
	"math"
	"time"
)

// Default retry parameters.
const (
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultJitterFactor = 0.2
)

// JitterSource yields uniform values in [0, 1). *rand.Rand satisfies it.
type JitterSource interface {
	Float64() float64
}

// RetryPolicy computes exponential backoff for transient failures.
type RetryPolicy struct {
	BaseDelay    time.Duration `yaml:"baseDelay" json:"baseDelay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"maxDelay" json:"maxDelay" validate:"gte=0"`
	MaxAttempts  int           `yaml:"maxAttempts" json:"maxAttempts" validate:"gte=0"`
	JitterFactor float64       `yaml:"jitterFactor" json:"jitterFactor" validate:"gte=0,lte=1"`
}

// RetryDecision is the outcome of one policy evaluation.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// DefaultRetryPolicy returns the policy used when a run configures none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxAttempts:  DefaultMaxAttempts,
		JitterFactor: DefaultJitterFactor,
	}
}

// RetryOverride replaces individual policy fields. Nil fields keep the base
// value, so an explicit zero is honored.
type RetryOverride struct {
	BaseDelay    *time.Duration `yaml:"baseDelay" json:"baseDelay,omitempty" validate:"omitempty,gte=0"`
	MaxDelay     *time.Duration `yaml:"maxDelay" json:"maxDelay,omitempty" validate:"omitempty,gte=0"`
	MaxAttempts  *int           `yaml:"maxAttempts" json:"maxAttempts,omitempty" validate:"omitempty,gte=0"`
	JitterFactor *float64       `yaml:"jitterFactor" json:"jitterFactor,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Apply returns p with the set fields of o.
func (p RetryPolicy) Apply(o RetryOverride) RetryPolicy {
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.JitterFactor != nil {
		p.JitterFactor = *o.JitterFactor
	}
	return p
}

// Decide evaluates attempt number attempt (1 for the first failed try).
// Only transient kinds are retried, and never once attempt reaches MaxAttempts.
// jitter may be nil, in which case no jitter is added.
func (p RetryPolicy) Decide(kind ErrorKind, attempt int, jitter JitterSource) RetryDecision {
	if kind != KindTransient {
		return RetryDecision{Reason: fmt.Sprintf("%s errors are not retried", kind)}
	}
	if attempt >= p.MaxAttempts {
		return RetryDecision{Reason: fmt.Sprintf("attempts exhausted (%d/%d)", attempt, p.MaxAttempts)}
	}
	delay := p.backoff(attempt)
	if jitter != nil && p.JitterFactor > 0 {
		delay += time.Duration(jitter.Float64() * float64(delay) * p.JitterFactor)
	}
	return RetryDecision{
		Retry:  true,
		Delay:  delay,
		Reason: fmt.Sprintf("attempt %d/%d", attempt, p.MaxAttempts),
	}
}

// DecideError classifies err and honors a rate-limit wait hint when it is
// longer than the computed delay.
func (p RetryPolicy) DecideError(err *Error, attempt int, jitter JitterSource) RetryDecision {
	d := p.Decide(err.Kind, attempt, jitter)
	if d.Retry && err.RetryAfter > d.Delay {
		d.Delay = err.RetryAfter
	}
	return d
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if (p.MaxDelay > 0 && delay >= p.MaxDelay) || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

package txretry

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseBackoff    = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultJitter         = 0.2
	defaultAttemptTimeout = 5 * time.Second
)

// ErrInvalidPolicy indicates that a retry policy cannot be used.
var ErrInvalidPolicy = errors.New("txretry: invalid policy")

// Policy describes how transient database conflicts are retried.
type Policy struct {
	// MaxAttempts counts the initial attempt.
	MaxAttempts int
	// BaseBackoff is the wait after the first failed attempt; it doubles per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the un-jittered wait. Zero disables the cap.
	MaxBackoff time.Duration
	// Jitter is the fraction (0-1) applied symmetrically around the wait.
	Jitter float64
	// AttemptTimeout bounds a single transactional attempt. Zero disables it.
	AttemptTimeout time.Duration
	// RetryUniqueViolations re-runs the whole operation after a unique-constraint race.
	RetryUniqueViolations bool
	// Classifier decides which errors are transient. Nil falls back to ClassifierFor("").
	Classifier Classifier
}

// DefaultPolicy returns three attempts with 100ms exponential backoff and ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    defaultMaxAttempts,
		BaseBackoff:    defaultBaseBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Jitter:         defaultJitter,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidPolicy)
	}
	if p.BaseBackoff < 0 {
		return fmt.Errorf("%w: negative base backoff", ErrInvalidPolicy)
	}
	if p.MaxBackoff < 0 {
		return fmt.Errorf("%w: negative max backoff", ErrInvalidPolicy)
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.BaseBackoff {
		return fmt.Errorf("%w: max backoff below base backoff", ErrInvalidPolicy)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be within [0, 1]", ErrInvalidPolicy)
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: negative attempt timeout", ErrInvalidPolicy)
	}
	return nil
}

// Backoff returns the wait before the attempt following failedAttempt (1-based).
// random must return values in [0, 1); 0.5 yields the un-jittered wait.
func (p Policy) Backoff(failedAttempt int, random func() float64) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	base := float64(p.BaseBackoff) * math.Pow(2, float64(failedAttempt-1))
	if p.MaxBackoff > 0 && base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	if p.Jitter <= 0 || random == nil {
		return time.Duration(base)
	}
	multiplier := 1.0 + (random()*2-1)*p.Jitter
	return time.Duration(base * multiplier)
}

func (p Policy) classifier() Classifier {
	if p.Classifier == nil {
		return ClassifierFor("")
	}
	return p.Classifier
}

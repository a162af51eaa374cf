// Package retry wraps units of work that talk to unreliable third parties.
// A Policy picks the backoff shape and bounds; an Executor runs the work,
// classifies failures, and stops either when the error is not worth retrying
// or when attempts run out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	retrylib "github.com/sethvargo/go-retry"
)

// Strategy selects the delay shape between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyAdaptive    Strategy = "adaptive"
)

const jitterPercent = 20

// Policy parameterizes retries for one kind of outbound call.
type Policy struct {
	Strategy     Strategy
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// RetryOn forces a retry when the error text contains any entry;
	// NoRetryOn forbids one. NoRetryOn wins, and auth failures are never
	// retried regardless of either list.
	RetryOn   []string
	NoRetryOn []string

	// AdaptiveThreshold is the number of recurrences of one error category
	// after which the adaptive strategy widens its delays.
	AdaptiveThreshold int
}

// DefaultPolicy mirrors the defaults used for tool actions.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:          StrategyExponential,
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		Jitter:            true,
		AdaptiveThreshold: 3,
	}
}

func (p Policy) normalized() Policy {
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.AdaptiveThreshold <= 0 {
		p.AdaptiveThreshold = 3
	}
	return p
}

func fib(n int) int64 {
	a, b := int64(0), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// delay computes the raw wait before retry number attempt (1-based), prior to
// capping and jitter. widen reports whether the adaptive strategy should
// stretch its delays because one error category keeps recurring.
func (p Policy) delay(attempt int, widen bool) time.Duration {
	switch p.Strategy {
	case StrategyFixed:
		return p.InitialDelay
	case StrategyLinear:
		return time.Duration(int64(p.InitialDelay) * int64(attempt))
	case StrategyFibonacci:
		return time.Duration(int64(p.InitialDelay) * fib(attempt+2))
	case StrategyAdaptive:
		d := p.exponential(attempt)
		if widen {
			d *= 2
		}
		return d
	default:
		return p.exponential(attempt)
	}
}

func (p Policy) exponential(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Backoff builds the go-retry backoff chain for this policy: the policy's
// delay shape, capped at MaxDelay, jittered by up to ±20% when enabled, and
// bounded to MaxAttempts-1 retries.
func (p Policy) Backoff() retrylib.Backoff {
	return p.backoff(nil)
}

func (p Policy) backoff(widen func() bool) retrylib.Backoff {
	p = p.normalized()

	attempt := 0
	var b retrylib.Backoff = retrylib.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		w := false
		if widen != nil {
			w = widen()
		}
		return p.delay(attempt, w), false
	})

	b = retrylib.WithCappedDuration(p.MaxDelay, b)
	if p.Jitter {
		b = retrylib.WithJitterPercent(jitterPercent, b)
	}
	return retrylib.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// shouldRetry applies the deny/allow lists on top of category defaults.
func (p Policy) shouldRetry(err error, cat Category) bool {
	if cat == CategoryAuth {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, deny := range p.NoRetryOn {
		if deny != "" && strings.Contains(msg, strings.ToLower(deny)) {
			return false
		}
	}
	for _, allow := range p.RetryOn {
		if allow != "" && strings.Contains(msg, strings.ToLower(allow)) {
			return true
		}
	}
	return cat.Retryable()
}

// FinalError is returned when retries stop. It embeds the original cause and
// the reason no further attempts were made.
type FinalError struct {
	Cause    error
	Reason   string
	Category Category
	Attempts int
}

func (e *FinalError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s) (%s, category %s): %v", e.Attempts, e.Reason, e.Category, e.Cause)
}

func (e *FinalError) Unwrap() error { return e.Cause }

const (
	// ReasonMaxAttempts marks a FinalError caused by attempt exhaustion.
	ReasonMaxAttempts = "max attempts reached"
	// ReasonNonRetryable marks a FinalError caused by a permanent failure.
	ReasonNonRetryable = "error classified non-retryable"
)

// Executor runs units of work under a Policy, tracking per-category failure
// recurrence across its lifetime for the adaptive strategy.
type Executor struct {
	policy Policy
	log    zerolog.Logger

	mu         sync.Mutex
	categories map[Category]int
	last       Category
}

// NewExecutor builds an Executor for the given policy.
func NewExecutor(policy Policy, log zerolog.Logger) *Executor {
	return &Executor{
		policy:     policy.normalized(),
		log:        log.With().Str("component", "retry").Logger(),
		categories: make(map[Category]int),
	}
}

func (e *Executor) record(cat Category) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.categories[cat]++
	e.last = cat
}

func (e *Executor) widen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.categories[e.last] > e.policy.AdaptiveThreshold
}

// CategoryCount reports how often a category has been observed over the
// executor's lifetime.
func (e *Executor) CategoryCount(cat Category) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.categories[cat]
}

// Do runs op until it succeeds, fails permanently, or attempts run out. The
// wait between attempts holds no locks; it is a plain suspension on the
// caller's goroutine honoring ctx cancellation.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := 0
	var lastCat Category

	err := retrylib.Do(ctx, e.policy.backoff(e.widen), func(ctx context.Context) error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}

		lastCat = Classify(err)
		e.record(lastCat)

		if !e.policy.shouldRetry(err, lastCat) {
			return &FinalError{Cause: err, Reason: ReasonNonRetryable, Category: lastCat, Attempts: attempts}
		}

		e.log.Debug().Err(err).Int("attempt", attempts).Str("category", string(lastCat)).Msg("retrying")
		return retrylib.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	var final *FinalError
	if errors.As(err, &final) {
		return err
	}
	return &FinalError{Cause: err, Reason: ReasonMaxAttempts, Category: lastCat, Attempts: attempts}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CircuitOpenError is returned without calling the provider while the
// breaker is open.
type CircuitOpenError struct {
	Provider string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("llm: circuit open for provider %s", e.Provider)
}

// ErrFatalAPI marks provider errors that retrying cannot fix (credentials,
// quota, billing).
var ErrFatalAPI = errors.New("llm: fatal provider error")

var fatalMarkers = []string{
	"invalid api key", "incorrect api key", "authentication", "unauthorized",
	"permission denied", "quota", "billing", "credit balance", "http 401", "http 403",
	"status code: 401", "status code: 403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// breakerState is the circuit breaker state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker opens after threshold consecutive failures, stays open for
// cooldown, then half-opens: the next failure reopens it, a success closes it.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	now         func() time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		b.state = breakerHalfOpen
	}
	return b.state != breakerOpen
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	b.lastFailure = b.now()
	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = breakerOpen
		}
	}
}

// Guard wraps provider calls with a per-attempt timeout, retries with
// exponential backoff and a circuit breaker.
type Guard struct {
	provider string
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	br       *breaker
	logger   *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTimeout bounds each attempt. Zero disables it.
func WithTimeout(d time.Duration) GuardOption { return func(g *Guard) { g.timeout = d } }

// WithRetries sets the retry count after the first attempt.
func WithRetries(n int) GuardOption { return func(g *Guard) { g.retries = n } }

// WithBackoff sets the first retry wait, doubled on each attempt.
func WithBackoff(d time.Duration) GuardOption { return func(g *Guard) { g.backoff = d } }

// WithBreaker sets the failure threshold and cooldown of the breaker.
func WithBreaker(threshold int, cooldown time.Duration) GuardOption {
	return func(g *Guard) {
		g.br.threshold = threshold
		g.br.cooldown = cooldown
	}
}

// WithClock replaces time.Now in the breaker.
func WithClock(now func() time.Time) GuardOption { return func(g *Guard) { g.br.now = now } }

// WithGuardLogger sets the logger for retry warnings.
func WithGuardLogger(l *slog.Logger) GuardOption { return func(g *Guard) { g.logger = l } }

// NewGuard returns a guard with 2 retries, 500ms backoff, a 60s timeout and
// a breaker opening after 5 failures for 30s.
func NewGuard(provider string, opts ...GuardOption) *Guard {
	g := &Guard{
		provider: provider,
		timeout:  60 * time.Second,
		retries:  2,
		backoff:  500 * time.Millisecond,
		br:       &breaker{threshold: 5, cooldown: 30 * time.Second, now: time.Now},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.br.threshold <= 0 {
		g.br.threshold = 5
	}
	return g
}

// Do runs fn under the guard. op names the call in logs.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if !g.br.allow() {
			return &CircuitOpenError{Provider: g.provider}
		}
		err := g.attempt(ctx, fn)
		if err != nil && ctx.Err() != nil {
			// The caller gave up; the provider is not at fault.
			return err
		}
		g.br.record(err)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrFatalAPI) {
			return err
		}
		if isFatalAPIError(err) {
			return fmt.Errorf("%w: %w", ErrFatalAPI, err)
		}
		if attempt < g.retries {
			wait := g.backoff * (1 << uint(attempt))
			g.logger.WarnContext(ctx, "retrying provider call",
				"provider", g.provider,
				"op", op,
				"attempt", attempt+1,
				"max_retries", g.retries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

func (g *Guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return fn(ctx)
}

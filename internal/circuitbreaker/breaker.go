// Package circuitbreaker guards calls to external HTTP backends. A breaker
// trips after a run of consecutive failures, rejects calls outright while
// open, and after a cooldown admits a limited number of probe calls to decide
// whether the backend has recovered.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/metrics"
)

// ErrOpen is returned without invoking the call when the breaker is rejecting
// traffic. Callers treat it like any other backend error and fall back.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position in its closed -> open -> half-open cycle.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero values take the package defaults.
type Config struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int
	// SuccessThreshold is how many consecutive half-open successes close it.
	SuccessThreshold int
	// OpenTimeout is how long to reject calls before probing the backend.
	OpenTimeout time.Duration
	// MaxProbes caps concurrent trial calls while half-open.
	MaxProbes int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 1
	}
	return c
}

// Breaker wraps calls to one backend. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// New builds a breaker named after the backend it protects.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{name: name, cfg: cfg.withDefaults(), logger: logger}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn under the breaker, returning ErrOpen without calling it when the
// backend is being rejected. A failure observed after ctx was cancelled is not
// held against the backend; the caller gave up, the backend may be fine.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(false, false)
			panic(r)
		}
	}()

	err := fn()
	b.record(err == nil, ctx.Err() != nil)
	return err
}

// State reports the position as of the last transition. An open breaker keeps
// reporting open until a call arrives after the cooldown and moves it to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.OpenTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 1
		return nil
	default: // StateHalfOpen
		if b.probes >= b.cfg.MaxProbes {
			return ErrOpen
		}
		b.probes++
		return nil
	}
}

func (b *Breaker) record(ok, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	if cancelled && !ok {
		return
	}

	switch {
	case ok && b.state == StateClosed:
		b.failures = 0
	case ok && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case !ok && b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case !ok && b.state == StateHalfOpen:
		// A failed probe sends the breaker straight back to open.
		b.transition(StateOpen)
	}
}

// transition moves to next and resets the counters. Caller holds the lock.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if next == StateOpen {
		b.openedAt = time.Now()
		b.logger.Warn("Circuit breaker opened",
			zap.String("backend", b.name),
			zap.String("from", prev.String()),
			zap.Duration("cooldown", b.cfg.OpenTimeout),
		)
	} else {
		b.logger.Info("Circuit breaker state changed",
			zap.String("backend", b.name),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(next))
}

// Package circuitbreaker guards calls to an external provider (embedding API,
// vector store, completion API). After enough consecutive failed operations
// the circuit opens and callers fail fast with ErrCircuitOpen until a
// cool-down has passed; then a limited number of trial calls decide whether
// the provider has recovered.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/examprep/backend/pkg/retry"
)

var _ retry.Policy = (*CircuitBreaker)(nil)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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

type Config struct {
	// FailureThreshold consecutive failures open the circuit. Default 5.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open. Default 30s.
	Timeout time.Duration
	// TrialCalls is how many calls a half-open circuit lets through. Default 1.
	TrialCalls uint32
	// SuccessThreshold trial successes close the circuit again. Default 1,
	// capped at TrialCalls.
	SuccessThreshold uint32

	// IsSuccessful decides whether an error counts against the breaker.
	// Defaults to treating nil and caller cancellation as success.
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

// Counts are lifetime totals, reported for diagnostics.
type Counts struct {
	Calls     uint64
	Successes uint64
	Failures  uint64
	Rejected  uint64
}

type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	epoch     uint64
	openedAt  time.Time
	failures  uint32
	trials    uint32
	successes uint32
	counts    Counts
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TrialCalls == 0 {
		cfg.TrialCalls = 1
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.SuccessThreshold > cfg.TrialCalls {
		cfg.SuccessThreshold = cfg.TrialCalls
	}
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = defaultIsSuccessful
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

func defaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open. A panic in fn counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.allow()
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			cb.record(epoch, false)
		}
	}()

	err = fn()
	done = true
	cb.record(epoch, cb.cfg.IsSuccessful(err))
	return err
}

func (cb *CircuitBreaker) allow() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh() {
	case StateOpen:
		cb.counts.Rejected++
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.TrialCalls {
			cb.counts.Rejected++
			return 0, ErrCircuitOpen
		}
		cb.trials++
	}

	cb.counts.Calls++
	return cb.epoch, nil
}

// record applies an outcome, ignoring results of calls that started before
// the last state change.
func (cb *CircuitBreaker) record(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		cb.counts.Successes++
	} else {
		cb.counts.Failures++
	}
	if epoch != cb.epoch {
		return
	}

	switch cb.state {
	case StateClosed:
		if ok {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if !ok {
			cb.transition(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// refresh moves an open circuit to half-open once the timeout has passed.
// Callers hold mu.
func (cb *CircuitBreaker) refresh() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	failures := cb.failures

	cb.state = to
	cb.epoch++
	cb.failures, cb.trials, cb.successes = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}

	fields := []zap.Field{
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		cb.cfg.Logger.Warn("Circuit opened, failing fast",
			append(fields, zap.Uint32("failures", failures), zap.Duration("cooldown", cb.cfg.Timeout))...)
		return
	}
	cb.cfg.Logger.Info("Circuit breaker state changed", fields...)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh()
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

package breaker

import (
	"context"
	"errors"
	"sync"

	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/sony/gobreaker"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Breaker manages one circuit per named target. While a circuit is open,
// calls fail immediately with faults.KindCircuitOpen.
type Breaker struct {
	cfg      config.BreakerConfig
	logger   Logger
	mu       sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

// New creates a breaker registry from config
func New(cfg config.BreakerConfig, logger Logger) *Breaker {
	return &Breaker{
		cfg:      cfg,
		logger:   logger,
		circuits: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do runs fn through the circuit for the named target. When the breaker is
// disabled by config the call goes straight through.
func (b *Breaker) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !b.cfg.Enabled {
		return fn(ctx)
	}

	cb := b.circuit(name)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.Wrap(faults.KindCircuitOpen, err, "circuit %q open", name)
	}
	return err
}

// State returns the current state string for a target, for health surfaces
func (b *Breaker) State(name string) string {
	return b.circuit(name).State().String()
}

func (b *Breaker) circuit(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.circuits[name]; ok {
		return cb
	}

	failureThreshold := uint32(b.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// Half-open closes again after this many consecutive successes
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit state change",
				"target", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	b.circuits[name] = cb
	return cb
}

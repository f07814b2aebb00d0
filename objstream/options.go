package objstream

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Client Configuration
// -----------------------------------------------------------------------------

// clientConfig holds the resolved configuration for a client.
type clientConfig struct {
	specs    specTable
	logger   *zap.Logger
	metrics  *Metrics
	clock    Clock
	policy   ResumePolicy
	strategy ResumptionStrategy
}

// Option configures client construction.
type Option interface {
	applyClient(*clientConfig) error
}

// ErrNilOption indicates an option was given a nil value.
var ErrNilOption = errors.New("option value must be non-nil")

type optionFunc func(*clientConfig) error

func (f optionFunc) applyClient(cfg *clientConfig) error {
	return f(cfg)
}

// WithLogger sets the logger for retry decisions and invariant violations.
// Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(cfg *clientConfig) error {
		if l == nil {
			return fmt.Errorf("WithLogger: %w", ErrNilOption)
		}
		cfg.logger = l
		return nil
	})
}

// WithMetrics enables Prometheus instrumentation.
// Default: no metrics.
func WithMetrics(m *Metrics) Option {
	return optionFunc(func(cfg *clientConfig) error {
		if m == nil {
			return fmt.Errorf("WithMetrics: %w", ErrNilOption)
		}
		cfg.metrics = m
		return nil
	})
}

// WithRetrySpec binds spec to op, replacing the default binding.
// The binding is fixed for the lifetime of the client.
func WithRetrySpec(op Operation, spec RetrySpec) Option {
	return optionFunc(func(cfg *clientConfig) error {
		if op < 0 || op >= numOperations {
			return fmt.Errorf("WithRetrySpec: unknown %s", op)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("WithRetrySpec(%s): %w", op, err)
		}
		cfg.specs[op] = spec
		return nil
	})
}

// WithResumePolicy selects where resumed reads restart.
// Default: ResumeFromDelivered.
func WithResumePolicy(p ResumePolicy) Option {
	return optionFunc(func(cfg *clientConfig) error {
		if p != ResumeFromDelivered && p != ResumeFromLastChunk {
			return fmt.Errorf("WithResumePolicy: unknown %s", p)
		}
		cfg.policy = p
		return nil
	})
}

// WithResumptionStrategy sets the prototype strategy for reads. Each read
// calls CreateNew on it. It overrides WithResumePolicy.
func WithResumptionStrategy(s ResumptionStrategy) Option {
	return optionFunc(func(cfg *clientConfig) error {
		if s == nil {
			return fmt.Errorf("WithResumptionStrategy: %w", ErrNilOption)
		}
		cfg.strategy = s
		return nil
	})
}

// WithClock replaces the wall clock used for backoff and budgets.
func WithClock(c Clock) Option {
	return optionFunc(func(cfg *clientConfig) error {
		if c == nil {
			return fmt.Errorf("WithClock: %w", ErrNilOption)
		}
		cfg.clock = c
		return nil
	})
}

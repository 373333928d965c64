// Package invoke wraps external calls with retry, circuit breaking and
// ordered target failover. Every network call the pipeline makes goes
// through Invoker.Invoke with a Policy value; there are no ad hoc retry
// loops elsewhere.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/limiter"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/pkg/config"
)

// ErrAllTargetsExhausted wraps the last failure after every candidate and
// the fallback (when present) have been tried.
var ErrAllTargetsExhausted = errors.New("invoke: all targets exhausted")

// CallState carries call-scoped context (conversation/session state) across
// a failover so continuity is transferred explicitly, never silently dropped.
type CallState struct {
	Values map[string]any
}

// NewCallState returns an empty call state.
func NewCallState() *CallState {
	return &CallState{Values: make(map[string]any)}
}

// Operation is one attempt of the wrapped external call against a target.
type Operation func(ctx context.Context, target string, state *CallState) (any, error)

// Policy parameterizes a single Invoke: attempt bounds, backoff shape, the
// retryable-error predicate, budget cost, and the optional failover state
// transfer hook.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         time.Duration
	Retryable      func(error) bool
	Cost           limiter.Cost
	AcquireTimeout time.Duration
	// Transfer moves call-scoped state from one target to the next during
	// failover. Nil means the state map carries over unchanged.
	Transfer func(ctx context.Context, from, to string, state *CallState) error
}

func (p Policy) withDefaults(cfg config.InvokerConfig) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if p.Jitter <= 0 {
		p.Jitter = cfg.Jitter
	}
	if p.Retryable == nil {
		p.Retryable = domain.IsTransient
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = cfg.AcquireTimeout
	}
	return p
}

// Invoker is the single resilience wrapper for external calls.
type Invoker struct {
	cfg     config.InvokerConfig
	limiter *limiter.Limiter
	breaker *Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs an Invoker sharing one breaker and limiter across calls.
// m may be nil.
func New(cfg config.InvokerConfig, rl *limiter.Limiter, m *metrics.Metrics, logger *slog.Logger) *Invoker {
	return &Invoker{
		cfg:     cfg,
		limiter: rl,
		breaker: NewBreaker(cfg.FailureThreshold, cfg.RecoveryTimeout),
		metrics: m,
		logger:  logger,
	}
}

// Breaker exposes circuit state for metrics and tests.
func (i *Invoker) Breaker() *Breaker { return i.breaker }

// RecordUsage reconciles the token estimate made at acquire time with the
// consumption observed after the call completed.
func (i *Invoker) RecordUsage(ctx context.Context, target string, extraTokens int64) {
	if i.limiter != nil {
		i.limiter.Record(ctx, target, extraTokens)
	}
}

// Invoke runs op against the candidates in preference order. Retryable
// failures are retried on the same target with exponential backoff and
// jitter up to the policy's attempt bound, then fail over to the next
// non-open candidate after an explicit state transfer. Non-retryable errors
// propagate on first occurrence. When every candidate is exhausted the
// fallback target (distinct credential/vendor), if any, gets one bounded
// try before a final error is raised.
func (i *Invoker) Invoke(ctx context.Context, op Operation, priority limiter.Priority, targets []string, fallback string, policy Policy) (any, error) {
	policy = policy.withDefaults(i.cfg)
	state := NewCallState()

	var lastErr error
	previous := ""
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !i.breaker.Allow(target) {
			if i.logger != nil {
				i.logger.Debug("skipping open target", "target", target)
			}
			continue
		}
		if previous != "" {
			if err := i.transfer(ctx, policy, previous, target, state); err != nil {
				lastErr = err
				continue
			}
		}
		result, err := i.attemptTarget(ctx, op, priority, target, state, policy)
		if err == nil {
			return result, nil
		}
		if !policy.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		previous = target
	}

	if fallback != "" {
		if previous != "" {
			if err := i.transfer(ctx, policy, previous, fallback, state); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAllTargetsExhausted, err)
			}
		}
		result, err := i.attemptTarget(ctx, op, priority, fallback, state, policy)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no eligible targets")
	}
	return nil, fmt.Errorf("%w: %w", ErrAllTargetsExhausted, lastErr)
}

func (i *Invoker) transfer(ctx context.Context, policy Policy, from, to string, state *CallState) error {
	if policy.Transfer == nil {
		return nil
	}
	if err := policy.Transfer(ctx, from, to, state); err != nil {
		return fmt.Errorf("invoke: transfer state %s -> %s: %w", from, to, err)
	}
	return nil
}

// attemptTarget retries op on a single target with bounded backoff. The
// breaker and limiter see every individual attempt.
func (i *Invoker) attemptTarget(ctx context.Context, op Operation, priority limiter.Priority, target string, state *CallState, policy Policy) (any, error) {
	backoff := retry.NewExponential(policy.BaseDelay)
	if policy.Jitter > 0 {
		backoff = retry.WithJitter(policy.Jitter, backoff)
	}
	if policy.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(policy.MaxAttempts-1), backoff)

	var result any
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if i.limiter != nil {
			decision := i.limiter.Acquire(ctx, []string{target}, priority, policy.Cost, policy.AcquireTimeout)
			if !decision.Granted {
				// Acquire only refuses on context cancellation.
				return ctx.Err()
			}
			if decision.TimedOut {
				i.metrics.ObserveRateDenial(target)
				if i.logger != nil {
					i.logger.Warn("budget wait expired, granting optimistically",
						"target", target, "waited", decision.Waited)
				}
			}
		}
		value, err := op(ctx, target, state)
		if err != nil {
			i.breaker.RecordFailure(target)
			if policy.Retryable(err) {
				if i.logger != nil {
					i.logger.Warn("retryable call failure", "target", target, "error", err)
				}
				return retry.RetryableError(err)
			}
			return err
		}
		i.breaker.RecordSuccess(target)
		result = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

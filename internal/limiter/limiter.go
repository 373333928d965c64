// Package limiter implements a distributed, priority-aware quota tracker.
// Budgets are multi-dimensional (request count plus token estimate) per
// (target, rolling window). Counters live in Redis so concurrent process
// instances share one global budget; when Redis is unreachable the limiter
// degrades to a local approximation and fails open.
package limiter

import (
	"context"
	"time"

	"log/slog"

	"github.com/splax/launchpad/pkg/config"
)

// Priority selects budget headroom and wait cadence.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityStandard Priority = "standard"
	PriorityLow      Priority = "low"
)

// Cost estimates the budget consumed by one call.
type Cost struct {
	Requests int64
	Tokens   int64
}

// Decision is the outcome of an Acquire call.
type Decision struct {
	Granted  bool
	Target   string
	Waited   time.Duration
	Degraded bool
	TimedOut bool
}

// Counters abstracts the shared counter store. Add must be effectively
// atomic per key; a rare slight overshoot is acceptable, cross-process locks
// are not.
type Counters interface {
	Add(ctx context.Context, target string, window time.Duration, requests, tokens int64) (reqTotal, tokTotal int64, err error)
}

// Limiter tracks per-target quota windows.
type Limiter struct {
	cfg    config.LimiterConfig
	shared Counters
	local  *localCounters
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Limiter. shared may be nil, in which case only the local
// approximation is used.
func New(cfg config.LimiterConfig, shared Counters, logger *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = 0.8
	}
	return &Limiter{
		cfg:    cfg,
		shared: shared,
		local:  newLocalCounters(),
		logger: logger,
		now:    time.Now,
	}
}

func (l *Limiter) headroom(priority Priority) float64 {
	switch priority {
	case PriorityCritical:
		if l.cfg.CriticalHeadroom > 0 {
			return l.cfg.CriticalHeadroom
		}
		return 1.2
	case PriorityLow:
		if l.cfg.LowHeadroom > 0 {
			return l.cfg.LowHeadroom
		}
		return 0.85
	default:
		return 1.0
	}
}

func (l *Limiter) waitCadence(priority Priority) time.Duration {
	switch priority {
	case PriorityCritical:
		return 100 * time.Millisecond
	case PriorityLow:
		return time.Second
	default:
		return 250 * time.Millisecond
	}
}

func (l *Limiter) budgets(priority Priority) (int64, int64) {
	factor := l.cfg.SafetyMargin * l.headroom(priority)
	return int64(float64(l.cfg.RequestLimit) * factor), int64(float64(l.cfg.TokenLimit) * factor)
}

// Acquire attempts to reserve budget for the call on the first target with
// capacity, in candidate preference order. When every candidate is over
// budget it waits with the priority's cadence and retries, never blocking
// past timeout: an expired timeout grants anyway on the preferred target so
// a secondary dependency cannot deadlock the pipeline.
func (l *Limiter) Acquire(ctx context.Context, targets []string, priority Priority, cost Cost, timeout time.Duration) Decision {
	if len(targets) == 0 {
		return Decision{Granted: true}
	}
	if cost.Requests <= 0 {
		cost.Requests = 1
	}
	start := l.now()
	deadline := start.Add(timeout)
	degraded := false

	for {
		for _, target := range targets {
			granted, wasDegraded := l.tryTarget(ctx, target, priority, cost)
			degraded = degraded || wasDegraded
			if granted {
				return Decision{Granted: true, Target: target, Waited: l.now().Sub(start), Degraded: degraded}
			}
		}

		remaining := deadline.Sub(l.now())
		if timeout <= 0 || remaining <= 0 {
			// Optimistic timeout: overshoot is cheaper than dropping the
			// request silently.
			return Decision{Granted: true, Target: targets[0], Waited: l.now().Sub(start), Degraded: degraded, TimedOut: true}
		}
		wait := l.waitCadence(priority)
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return Decision{Granted: false, Waited: l.now().Sub(start), Degraded: degraded}
		case <-time.After(wait):
		}
	}
}

// tryTarget increments then checks; a denied reservation is compensated with
// a negative increment so repeated waits do not consume budget.
func (l *Limiter) tryTarget(ctx context.Context, target string, priority Priority, cost Cost) (granted, degraded bool) {
	reqBudget, tokBudget := l.budgets(priority)
	reqTotal, tokTotal, err := l.add(ctx, target, cost.Requests, cost.Tokens)
	if err != nil {
		// Shared store unreachable: local approximation, fail open.
		if l.logger != nil {
			l.logger.Warn("shared rate counters unavailable, failing open", "target", target, "error", err)
		}
		l.local.Add(target, l.cfg.Window, cost.Requests, cost.Tokens, l.now())
		return true, true
	}
	if reqTotal <= reqBudget && (tokBudget <= 0 || tokTotal <= tokBudget) {
		return true, false
	}
	if _, _, err := l.add(ctx, target, -cost.Requests, -cost.Tokens); err != nil && l.logger != nil {
		l.logger.Warn("rate counter compensation failed", "target", target, "error", err)
	}
	return false, false
}

func (l *Limiter) add(ctx context.Context, target string, requests, tokens int64) (int64, int64, error) {
	if l.shared != nil {
		return l.shared.Add(ctx, target, l.cfg.Window, requests, tokens)
	}
	req, tok := l.local.Add(target, l.cfg.Window, requests, tokens, l.now())
	return req, tok, nil
}

// Record notes actual consumption after a call completes, correcting the
// token estimate made at acquire time.
func (l *Limiter) Record(ctx context.Context, target string, extraTokens int64) {
	if extraTokens == 0 || target == "" {
		return
	}
	if _, _, err := l.add(ctx, target, 0, extraTokens); err != nil && l.logger != nil {
		l.logger.Warn("rate usage record failed", "target", target, "error", err)
	}
}

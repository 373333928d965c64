// Package poller turns sparse remote operation status into smooth,
// monotonic progress plus incremental log tailing.
package poller

import (
	"context"
	"time"

	"log/slog"

	"github.com/splax/launchpad/pkg/config"
)

// State is the remote operation's lifecycle.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// StatusSnapshot is one observation of a long-running operation.
type StatusSnapshot struct {
	State          State
	CompletedSteps int
	TotalSteps     int
	Message        string
	ErrorMessage   string
	ResultRef      string
}

// Operation is a pollable long-running operation handle. Status fetches are
// expected to be wrapped by the caller's ResilientInvoker.
type Operation interface {
	Status(ctx context.Context) (StatusSnapshot, error)
	// ReadLog returns log bytes past offset and the next offset. The remote
	// log is append-only; implementations never return bytes before offset.
	ReadLog(ctx context.Context, offset int64) ([]byte, int64, error)
}

// ProgressEvent is emitted once per poll cycle that produced news.
type ProgressEvent struct {
	Progress int
	Message  string
	LogLines []string
	Terminal bool
	State    State
}

// Poller drives the poll loop for one operation at a time.
type Poller struct {
	cfg    config.PollerConfig
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Poller. Booster knobs come from config so the smoothing
// behavior stays tunable.
func New(cfg config.PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.ProgressCap <= 0 || cfg.ProgressCap >= 100 {
		cfg.ProgressCap = 99
	}
	if cfg.StepGapShare <= 0 || cfg.StepGapShare > 1 {
		cfg.StepGapShare = 0.9
	}
	return &Poller{cfg: cfg, logger: logger, now: time.Now}
}

// estimate is the ephemeral per-operation progress state.
type estimate struct {
	completed   int
	total       int
	stepStarted time.Time
	floor       int
}

// Poll emits progress events until the operation reaches a terminal state,
// the context is cancelled, or the deadline (when ctx carries one) expires.
// Reported progress never decreases and never reaches 100 before a terminal
// success signal. The inter-poll wait observes ctx so cancellation latency
// stays well under one poll interval.
func (p *Poller) Poll(ctx context.Context, op Operation, emit func(ProgressEvent)) (StatusSnapshot, error) {
	est := estimate{stepStarted: p.now()}
	tail := newLogTail()

	for {
		snapshot, err := op.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return StatusSnapshot{}, ctx.Err()
			}
			return StatusSnapshot{}, err
		}

		lines := tail.fetch(ctx, op, p.logger)
		if snapshot.State != StateRunning {
			lines = append(lines, tail.drain()...)
		}

		progress := p.synthesize(&est, snapshot)
		event := ProgressEvent{
			Progress: progress,
			Message:  snapshot.Message,
			LogLines: lines,
			Terminal: snapshot.State != StateRunning,
			State:    snapshot.State,
		}
		if emit != nil {
			emit(event)
		}
		if snapshot.State != StateRunning {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return StatusSnapshot{}, ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}
}

// synthesize computes the next progress value: real step progress plus a
// time-based virtual booster capped below the next real step boundary,
// clamped under 100 until terminal success, and floored at the last
// emitted value.
func (p *Poller) synthesize(est *estimate, snapshot StatusSnapshot) int {
	if snapshot.State == StateSucceeded {
		est.floor = 100
		return 100
	}

	now := p.now()
	if snapshot.CompletedSteps != est.completed || snapshot.TotalSteps != est.total {
		est.completed = snapshot.CompletedSteps
		est.total = snapshot.TotalSteps
		est.stepStarted = now
	}

	base := 0.0
	boundary := float64(p.cfg.ProgressCap)
	if est.total > 0 {
		base = float64(est.completed) / float64(est.total) * 100
		boundary = float64(est.completed+1) / float64(est.total) * 100
	}

	boost := 0.0
	waited := now.Sub(est.stepStarted)
	if p.cfg.BoostPerSec > 0 && waited > p.cfg.BoostAfter {
		boost = (waited - p.cfg.BoostAfter).Seconds() * p.cfg.BoostPerSec
		maxBoost := (boundary - base) * p.cfg.StepGapShare
		if boost > maxBoost {
			boost = maxBoost
		}
	}

	value := int(base + boost)
	if value > p.cfg.ProgressCap {
		value = p.cfg.ProgressCap
	}
	if snapshot.State == StateFailed && value < est.floor {
		value = est.floor
	}
	if value < est.floor {
		value = est.floor
	}
	est.floor = value
	return value
}

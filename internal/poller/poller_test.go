package poller

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/launchpad/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedOp replays a fixed sequence of snapshots, one per Status call,
// holding the last one once the script runs out.
type scriptedOp struct {
	script []StatusSnapshot
	calls  int
	log    []byte
}

func (o *scriptedOp) Status(context.Context) (StatusSnapshot, error) {
	idx := o.calls
	if idx >= len(o.script) {
		idx = len(o.script) - 1
	}
	o.calls++
	return o.script[idx], nil
}

func (o *scriptedOp) ReadLog(_ context.Context, offset int64) ([]byte, int64, error) {
	if offset >= int64(len(o.log)) {
		return nil, int64(len(o.log)), nil
	}
	return o.log[offset:], int64(len(o.log)), nil
}

func fastPoller() *Poller {
	return New(config.PollerConfig{
		Interval:     time.Millisecond,
		BoostAfter:   0,
		BoostPerSec:  0,
		StepGapShare: 0.9,
		ProgressCap:  99,
	}, discardLogger())
}

func TestPollProgressIsMonotonicAndCappedBeforeSuccess(t *testing.T) {
	// A five step operation where steps land slowly: several polls happen
	// inside each step so the booster has to fill the gaps.
	script := []StatusSnapshot{}
	for step := 0; step <= 5; step++ {
		for i := 0; i < 3; i++ {
			script = append(script, StatusSnapshot{State: StateRunning, CompletedSteps: step, TotalSteps: 5})
		}
	}
	script = append(script, StatusSnapshot{State: StateSucceeded, CompletedSteps: 5, TotalSteps: 5, ResultRef: "img:1"})

	p := New(config.PollerConfig{
		Interval:     time.Millisecond,
		BoostAfter:   0,
		BoostPerSec:  2000, // fast virtual progress so each poll moves
		StepGapShare: 0.9,
		ProgressCap:  99,
	}, discardLogger())

	var progress []int
	snapshot, err := p.Poll(context.Background(), &scriptedOp{script: script}, func(ev ProgressEvent) {
		progress = append(progress, ev.Progress)
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if snapshot.State != StateSucceeded || snapshot.ResultRef != "img:1" {
		t.Fatalf("unexpected terminal snapshot: %+v", snapshot)
	}

	if len(progress) < 8 {
		t.Fatalf("expected a dense progress series, got %d events", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress regressed at %d: %v", i, progress)
		}
	}
	for i := 0; i < len(progress)-1; i++ {
		if progress[i] >= 100 {
			t.Fatalf("progress hit %d before terminal success: %v", progress[i], progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("expected 100 on success, got %d", progress[len(progress)-1])
	}

	distinct := map[int]struct{}{}
	for _, v := range progress {
		distinct[v] = struct{}{}
	}
	if len(distinct) < 8 {
		t.Fatalf("expected at least 8 distinct increasing values, got %d: %v", len(distinct), progress)
	}
}

func TestPollBoostNeverCrossesNextStepBoundary(t *testing.T) {
	// One step of five complete, then the operation stalls. Base is 20 and
	// the next boundary is 40: the booster may approach but not reach it.
	script := []StatusSnapshot{}
	for i := 0; i < 30; i++ {
		script = append(script, StatusSnapshot{State: StateRunning, CompletedSteps: 1, TotalSteps: 5})
	}
	script = append(script, StatusSnapshot{State: StateSucceeded, CompletedSteps: 5, TotalSteps: 5})

	p := New(config.PollerConfig{
		Interval:     time.Millisecond,
		BoostAfter:   0,
		BoostPerSec:  100000, // instantly saturates the step gap cap
		StepGapShare: 0.9,
		ProgressCap:  99,
	}, discardLogger())

	var maxBeforeTerminal int
	_, err := p.Poll(context.Background(), &scriptedOp{script: script}, func(ev ProgressEvent) {
		if !ev.Terminal && ev.Progress > maxBeforeTerminal {
			maxBeforeTerminal = ev.Progress
		}
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	// base 20 + cap 0.9*(40-20) = 38.
	if maxBeforeTerminal >= 40 {
		t.Fatalf("booster crossed the next step boundary: %d", maxBeforeTerminal)
	}
	if maxBeforeTerminal < 21 {
		t.Fatalf("booster never moved past the base: %d", maxBeforeTerminal)
	}
}

func TestPollFailureKeepsProgressFloor(t *testing.T) {
	script := []StatusSnapshot{
		{State: StateRunning, CompletedSteps: 2, TotalSteps: 4},
		{State: StateFailed, CompletedSteps: 2, TotalSteps: 4, ErrorMessage: "step 3 exploded"},
	}

	var events []ProgressEvent
	snapshot, err := fastPoller().Poll(context.Background(), &scriptedOp{script: script}, func(ev ProgressEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if snapshot.State != StateFailed {
		t.Fatalf("expected failed snapshot, got %+v", snapshot)
	}
	last := events[len(events)-1]
	if !last.Terminal || last.State != StateFailed {
		t.Fatalf("expected terminal failure event, got %+v", last)
	}
	if last.Progress < events[0].Progress {
		t.Fatalf("failure event regressed progress: %v then %v", events[0].Progress, last.Progress)
	}
	if last.Progress >= 100 {
		t.Fatalf("failed operation must not report 100, got %d", last.Progress)
	}
}

func TestPollDeliversLogLines(t *testing.T) {
	op := &scriptedOp{
		script: []StatusSnapshot{
			{State: StateRunning, CompletedSteps: 0, TotalSteps: 1},
			{State: StateSucceeded, CompletedSteps: 1, TotalSteps: 1},
		},
		log: []byte("Step 1/1 : FROM alpine\nfetching layers\n"),
	}

	var lines []string
	if _, err := fastPoller().Poll(context.Background(), op, func(ev ProgressEvent) {
		lines = append(lines, ev.LogLines...)
	}); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(lines) != 2 || lines[0] != "Step 1/1 : FROM alpine" || lines[1] != "fetching layers" {
		t.Fatalf("unexpected log lines: %v", lines)
	}
}

func TestPollObservesCancellation(t *testing.T) {
	script := []StatusSnapshot{{State: StateRunning, CompletedSteps: 0, TotalSteps: 1}}
	p := New(config.PollerConfig{Interval: time.Hour, ProgressCap: 99, StepGapShare: 0.9}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(ctx, &scriptedOp{script: script}, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancellation not observed within the poll wait")
	}
}

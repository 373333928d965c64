package limiter

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/launchpad/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.LimiterConfig {
	return config.LimiterConfig{
		Window:           time.Minute,
		SafetyMargin:     0.8,
		RequestLimit:     10,
		TokenLimit:       1000,
		CriticalHeadroom: 1.2,
		LowHeadroom:      0.85,
	}
}

// erroringCounters simulates an unreachable shared store.
type erroringCounters struct {
	calls int
}

func (c *erroringCounters) Add(context.Context, string, time.Duration, int64, int64) (int64, int64, error) {
	c.calls++
	return 0, 0, errors.New("connection refused")
}

func TestAcquireGrantsWithinBudget(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())

	decision := l.Acquire(context.Background(), []string{"api"}, PriorityStandard, Cost{Requests: 1}, time.Second)
	if !decision.Granted || decision.TimedOut || decision.Degraded {
		t.Fatalf("expected clean grant, got %+v", decision)
	}
	if decision.Target != "api" {
		t.Fatalf("expected target api, got %q", decision.Target)
	}
}

func TestAcquireGrantsAnywayOnTimeout(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())

	// Standard budget is 10 * 0.8 = 8 requests. Exhaust it.
	for i := 0; i < 8; i++ {
		if d := l.Acquire(context.Background(), []string{"api"}, PriorityStandard, Cost{Requests: 1}, time.Second); !d.Granted || d.TimedOut {
			t.Fatalf("grant %d should be clean, got %+v", i, d)
		}
	}

	decision := l.Acquire(context.Background(), []string{"api"}, PriorityStandard, Cost{Requests: 1}, 50*time.Millisecond)
	if !decision.Granted {
		t.Fatalf("expected timed-out acquire to still grant")
	}
	if !decision.TimedOut {
		t.Fatalf("expected TimedOut flag on over-budget grant, got %+v", decision)
	}
	if decision.Waited < 50*time.Millisecond {
		t.Fatalf("expected acquire to wait out its timeout, waited %s", decision.Waited)
	}
}

func TestDeniedReservationDoesNotConsumeBudget(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())
	ctx := context.Background()

	// Burn all but one request of the standard budget.
	for i := 0; i < 7; i++ {
		l.Acquire(ctx, []string{"api"}, PriorityStandard, Cost{Requests: 1}, time.Second)
	}
	// An oversized reservation is denied repeatedly until its timeout; every
	// denial must be compensated back out of the window.
	over := l.Acquire(ctx, []string{"api"}, PriorityStandard, Cost{Requests: 5}, 10*time.Millisecond)
	if !over.TimedOut {
		t.Fatalf("expected oversized reservation to time out, got %+v", over)
	}

	// If the denials had leaked, the window would hold far more than 7
	// requests and this final unit could not be granted cleanly.
	next := l.Acquire(ctx, []string{"api"}, PriorityStandard, Cost{Requests: 1}, 10*time.Millisecond)
	if !next.Granted || next.TimedOut {
		t.Fatalf("expected the last budgeted unit to grant cleanly, got %+v", next)
	}
}

func TestCriticalPriorityHasMoreHeadroomThanLow(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	countGrants := func(priority Priority) int {
		l := New(cfg, nil, discardLogger())
		granted := 0
		for i := 0; i < 20; i++ {
			d := l.Acquire(ctx, []string{"api"}, priority, Cost{Requests: 1}, 0)
			if d.Granted && !d.TimedOut {
				granted++
			}
		}
		return granted
	}

	critical := countGrants(PriorityCritical)
	low := countGrants(PriorityLow)
	if critical <= low {
		t.Fatalf("expected critical headroom (%d grants) to exceed low (%d grants)", critical, low)
	}
}

func TestTokenBudgetIsEnforced(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())
	ctx := context.Background()

	// Token budget is 1000 * 0.8 = 800.
	first := l.Acquire(ctx, []string{"llm"}, PriorityStandard, Cost{Requests: 1, Tokens: 700}, time.Second)
	if !first.Granted || first.TimedOut {
		t.Fatalf("expected first token reservation to fit, got %+v", first)
	}
	second := l.Acquire(ctx, []string{"llm"}, PriorityStandard, Cost{Requests: 1, Tokens: 700}, 10*time.Millisecond)
	if !second.TimedOut {
		t.Fatalf("expected second reservation to exceed token budget, got %+v", second)
	}
}

func TestSharedStoreFailureFailsOpen(t *testing.T) {
	shared := &erroringCounters{}
	l := New(testConfig(), shared, discardLogger())

	decision := l.Acquire(context.Background(), []string{"api"}, PriorityStandard, Cost{Requests: 1}, time.Second)
	if !decision.Granted {
		t.Fatalf("expected fail-open grant when shared store is down")
	}
	if !decision.Degraded {
		t.Fatalf("expected Degraded flag on fail-open grant")
	}
	if shared.calls == 0 {
		t.Fatalf("expected the shared store to have been attempted")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	// Exhaust the budget so the next acquire has to wait.
	for i := 0; i < 8; i++ {
		l.Acquire(ctx, []string{"api"}, PriorityStandard, Cost{Requests: 1}, time.Second)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	decision := l.Acquire(ctx, []string{"api"}, PriorityStandard, Cost{Requests: 1}, 5*time.Second)
	if decision.Granted {
		t.Fatalf("expected cancellation to refuse the grant, got %+v", decision)
	}
}

func TestConcurrentAcquiresStayConsistent(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	clean := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := l.Acquire(ctx, []string{"api"}, PriorityStandard, Cost{Requests: 1}, 10*time.Millisecond)
			if !d.Granted {
				t.Errorf("acquire refused outside cancellation: %+v", d)
				return
			}
			if !d.TimedOut {
				mu.Lock()
				clean++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Standard budget is 8; clean grants must never exceed it.
	if clean > 8 {
		t.Fatalf("budget overrun: %d clean grants for a budget of 8", clean)
	}
}

func TestRecordAddsTokenCorrection(t *testing.T) {
	l := New(testConfig(), nil, discardLogger())
	ctx := context.Background()

	l.Acquire(ctx, []string{"llm"}, PriorityStandard, Cost{Requests: 1, Tokens: 100}, time.Second)
	// The call turned out to be much more expensive than estimated.
	l.Record(ctx, "llm", 700)

	next := l.Acquire(ctx, []string{"llm"}, PriorityStandard, Cost{Requests: 1, Tokens: 100}, 10*time.Millisecond)
	if !next.TimedOut {
		t.Fatalf("expected post-call correction to push the window over budget, got %+v", next)
	}
}

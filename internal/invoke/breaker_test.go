package invoke

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("api")
		if !b.Allow("api") {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure("api")
	if b.Allow("api") {
		t.Fatalf("expected breaker open after threshold failures")
	}
	if got := b.State("api"); got != BreakerOpen {
		t.Fatalf("expected open state, got %s", got)
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return time.Unix(1000, 0) }

	b.RecordFailure("api")
	if b.Allow("api") {
		t.Fatalf("expected open breaker to reject")
	}

	// Recovery elapses.
	b.now = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Minute) }
	if !b.Allow("api") {
		t.Fatalf("expected half-open probe to be admitted")
	}
	if b.Allow("api") {
		t.Fatalf("expected only one concurrent probe")
	}
}

func TestBreakerSuccessfulProbeCloses(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return time.Unix(1000, 0) }
	b.RecordFailure("api")

	b.now = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Minute) }
	if !b.Allow("api") {
		t.Fatalf("probe not admitted")
	}
	b.RecordSuccess("api")

	if got := b.State("api"); got != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", got)
	}
	if !b.Allow("api") {
		t.Fatalf("expected closed breaker to admit calls")
	}
	if got := b.Failures("api"); got != 0 {
		t.Fatalf("expected failure count reset, got %d", got)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(5, time.Minute)
	b.now = func() time.Time { return time.Unix(1000, 0) }
	for i := 0; i < 5; i++ {
		b.RecordFailure("api")
	}

	b.now = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Minute) }
	if !b.Allow("api") {
		t.Fatalf("probe not admitted")
	}
	// A single failure in half-open reopens immediately, threshold or not.
	b.RecordFailure("api")
	if b.Allow("api") {
		t.Fatalf("expected breaker reopened after failed probe")
	}
}

func TestBreakerTargetsAreIndependent(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.RecordFailure("api-east")
	if b.Allow("api-east") {
		t.Fatalf("expected api-east open")
	}
	if !b.Allow("api-west") {
		t.Fatalf("expected api-west unaffected")
	}
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closed   bool
}

func (s *fakeSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBroadcastReachesOnlyMatchingDeployment(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	matching := &fakeSubscriber{}
	other := &fakeSubscriber{}
	hub.Register("dep-1", matching)
	hub.Register("dep-2", other)

	hub.Broadcast("dep-1", []byte("hello"))

	waitFor(t, func() bool { return matching.received() == 1 })
	if other.received() != 0 {
		t.Fatalf("subscriber of another deployment received the payload")
	}
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	broken := &fakeSubscriber{sendErr: errors.New("gone")}
	healthy := &fakeSubscriber{}
	hub.Register("dep-1", broken)
	hub.Register("dep-1", healthy)

	hub.Broadcast("dep-1", []byte("one"))
	waitFor(t, func() bool { return healthy.received() == 1 })
	waitFor(t, func() bool { return broken.isClosed() })

	hub.Broadcast("dep-1", []byte("two"))
	waitFor(t, func() bool { return healthy.received() == 2 })
	if broken.received() != 0 {
		t.Fatalf("broken subscriber should never accumulate payloads")
	}
}

func TestOnStageEventBroadcastsJSON(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	sub := &fakeSubscriber{}
	hub.Register("dep-1", sub)

	event := domain.StageEvent{
		DeploymentID: "dep-1",
		Stage:        domain.StageContainerBuild,
		Status:       domain.StageInProgress,
		Progress:     55,
		Message:      "Step 4/7 : RUN npm ci",
	}
	if err := hub.OnStageEvent(context.Background(), event); err != nil {
		t.Fatalf("OnStageEvent: %v", err)
	}

	waitFor(t, func() bool { return sub.received() == 1 })
	var decoded domain.StageEvent
	sub.mu.Lock()
	payload := sub.payloads[0]
	sub.mu.Unlock()
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal broadcast payload: %v", err)
	}
	if decoded.Stage != domain.StageContainerBuild || decoded.Progress != 55 {
		t.Fatalf("unexpected event payload: %+v", decoded)
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{}
	hub.Register("dep-1", sub)

	hub.Stop()
	waitFor(t, func() bool { return sub.isClosed() })
}

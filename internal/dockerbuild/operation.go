package dockerbuild

import (
	"bytes"
	"context"
	"sync"

	"github.com/splax/launchpad/internal/poller"
)

// operation is an in-memory pollable handle for a build or rollout running
// in a background goroutine. The log buffer is append-only so byte offsets
// handed out by ReadLog stay valid.
type operation struct {
	mu   sync.Mutex
	snap poller.StatusSnapshot
	log  bytes.Buffer
}

func newOperation(message string) *operation {
	return &operation{snap: poller.StatusSnapshot{State: poller.StateRunning, Message: message}}
}

func (o *operation) Status(_ context.Context) (poller.StatusSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap, nil
}

func (o *operation) ReadLog(_ context.Context, offset int64) ([]byte, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	size := int64(o.log.Len())
	if offset < 0 {
		offset = 0
	}
	if offset >= size {
		return nil, size, nil
	}
	data := append([]byte(nil), o.log.Bytes()[offset:]...)
	return data, size, nil
}

func (o *operation) appendLog(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.WriteString(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		o.log.WriteByte('\n')
	}
}

func (o *operation) setStep(completed, total int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.State != poller.StateRunning {
		return
	}
	o.snap.CompletedSteps = completed
	o.snap.TotalSteps = total
	if message != "" {
		o.snap.Message = message
	}
}

func (o *operation) succeed(resultRef, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.State = poller.StateSucceeded
	o.snap.ResultRef = resultRef
	o.snap.Message = message
	o.snap.CompletedSteps = o.snap.TotalSteps
}

func (o *operation) fail(errorMessage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.State = poller.StateFailed
	o.snap.ErrorMessage = errorMessage
}

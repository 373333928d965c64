package poller

import (
	"context"
	"errors"
	"testing"
)

// chunkedOp serves a fixed log in caller-defined chunks regardless of the
// requested range size, and can inject read failures.
type chunkedOp struct {
	chunks  [][]byte
	served  int
	failAt  int
	failErr error
}

func (o *chunkedOp) Status(context.Context) (StatusSnapshot, error) {
	return StatusSnapshot{State: StateRunning}, nil
}

func (o *chunkedOp) ReadLog(_ context.Context, offset int64) ([]byte, int64, error) {
	if o.failErr != nil && o.served == o.failAt {
		err := o.failErr
		o.failErr = nil
		return nil, 0, err
	}
	var full []byte
	for _, chunk := range o.chunks {
		full = append(full, chunk...)
	}
	if offset >= int64(len(full)) {
		return nil, int64(len(full)), nil
	}
	// Serve at most one original chunk per call past the offset.
	end := offset
	var pos int64
	for _, chunk := range o.chunks {
		pos += int64(len(chunk))
		if pos > offset {
			end = pos
			break
		}
	}
	o.served++
	return full[offset:end], end, nil
}

func TestLogTailReassemblesLinesAcrossChunkBoundaries(t *testing.T) {
	// Line breaks deliberately misaligned with chunk boundaries.
	op := &chunkedOp{chunks: [][]byte{
		[]byte("Step 1/3 : FROM gol"),
		[]byte("ang:1.24\nStep 2/3 : COPY . .\nStep 3"),
		[]byte("/3 : RUN go build\n"),
	}}
	tail := newLogTail()
	ctx := context.Background()

	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, tail.fetch(ctx, op, discardLogger())...)
	}

	want := []string{
		"Step 1/3 : FROM golang:1.24",
		"Step 2/3 : COPY . .",
		"Step 3/3 : RUN go build",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d mismatch: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestLogTailDoesNotAdvanceOffsetOnError(t *testing.T) {
	op := &chunkedOp{
		chunks:  [][]byte{[]byte("first line\n"), []byte("second line\n")},
		failAt:  1,
		failErr: errors.New("read timeout"),
	}
	tail := newLogTail()
	ctx := context.Background()

	first := tail.fetch(ctx, op, discardLogger())
	if len(first) != 1 || first[0] != "first line" {
		t.Fatalf("unexpected first fetch: %v", first)
	}

	// The injected failure must yield nothing and leave the offset alone.
	if got := tail.fetch(ctx, op, discardLogger()); got != nil {
		t.Fatalf("expected no lines from failed fetch, got %v", got)
	}

	// The retry re-reads the same range, no bytes skipped or duplicated.
	second := tail.fetch(ctx, op, discardLogger())
	if len(second) != 1 || second[0] != "second line" {
		t.Fatalf("unexpected post-failure fetch: %v", second)
	}
}

func TestLogTailDrainsPartialLineAtTerminal(t *testing.T) {
	op := &chunkedOp{chunks: [][]byte{[]byte("complete\nno trailing newline")}}
	tail := newLogTail()

	lines := tail.fetch(context.Background(), op, discardLogger())
	if len(lines) != 1 || lines[0] != "complete" {
		t.Fatalf("unexpected fetch result: %v", lines)
	}
	drained := tail.drain()
	if len(drained) != 1 || drained[0] != "no trailing newline" {
		t.Fatalf("unexpected drain result: %v", drained)
	}
	if extra := tail.drain(); extra != nil {
		t.Fatalf("second drain should be empty, got %v", extra)
	}
}

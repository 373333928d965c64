package poller

import (
	"context"
	"strings"

	"log/slog"
)

// logTail tracks a byte offset into an append-only remote log. Each fetch
// delivers only the delta past the offset; a failed fetch leaves the offset
// untouched so the next cycle retries the same range. Incomplete trailing
// lines are buffered until the newline arrives.
type logTail struct {
	offset  int64
	pending strings.Builder
}

func newLogTail() *logTail {
	return &logTail{}
}

// fetch reads the delta and returns the complete lines it contained.
func (t *logTail) fetch(ctx context.Context, op Operation, logger *slog.Logger) []string {
	data, next, err := op.ReadLog(ctx, t.offset)
	if err != nil {
		if logger != nil && ctx.Err() == nil {
			logger.Debug("log delta fetch failed, will retry", "offset", t.offset, "error", err)
		}
		return nil
	}
	t.offset = next
	if len(data) == 0 {
		return nil
	}

	t.pending.Write(data)
	buffered := t.pending.String()
	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		return nil
	}
	complete := buffered[:idx]
	remainder := buffered[idx+1:]
	t.pending.Reset()
	t.pending.WriteString(remainder)

	var lines []string
	for _, line := range strings.Split(complete, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// drain flushes any buffered partial line; used once the operation is
// terminal and no further bytes will arrive.
func (t *logTail) drain() []string {
	leftover := strings.TrimSpace(t.pending.String())
	t.pending.Reset()
	if leftover == "" {
		return nil
	}
	return []string{leftover}
}

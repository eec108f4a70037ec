package log

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/shotmill/shotmill/db"
)

// BatchHandler is a slog.Handler that buffers records and hands full
// batches to the flush daemon. Logging never blocks on the store: when the
// daemon falls behind, the newly filled batch that cannot be handed over is
// dropped.
type BatchHandler struct {
	level slog.Leveler

	mu    sync.Mutex
	buf   []db.LogEntry
	size  int
	out   chan []db.LogEntry
	attrs []slog.Attr
}

// NewBatchHandler creates a handler buffering size records per batch.
func NewBatchHandler(level slog.Leveler, size int) *BatchHandler {
	if size < 1 {
		size = 64
	}
	return &BatchHandler{
		level: level,
		size:  size,
		buf:   make([]db.LogEntry, 0, size),
		out:   make(chan []db.LogEntry, 8),
	}
}

func (h *BatchHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *BatchHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	encoded, _ := json.Marshal(attrs)

	entry := db.LogEntry{
		Time:    r.Time,
		Level:   int(r.Level),
		Message: r.Message,
		Attrs:   encoded,
	}

	h.mu.Lock()
	h.buf = append(h.buf, entry)
	if len(h.buf) < h.size {
		h.mu.Unlock()
		return nil
	}
	batch := h.buf
	h.buf = make([]db.LogEntry, 0, h.size)
	h.mu.Unlock()

	select {
	case h.out <- batch:
	default:
		// Daemon is behind; drop rather than block the logging caller.
	}
	return nil
}

func (h *BatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *BatchHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the persisted attrs map is enough for ops
	// queries.
	return h
}

// drain returns the current partial batch, for the daemon's flush ticks and
// shutdown.
func (h *BatchHandler) drain() []db.LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return nil
	}
	batch := h.buf
	h.buf = make([]db.LogEntry, 0, h.size)
	return batch
}

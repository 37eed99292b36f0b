package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-pose-capture/internal/framequeue"
)

// ReportQueue logs queue statistics every interval until ctx is done or the
// queue is closed and empty.
func ReportQueue(ctx context.Context, q *framequeue.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last framequeue.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := q.Stats()
			slog.Info("pipeline: queue stats",
				"len", s.Len,
				"cap", s.Cap,
				"enqueued", s.Enqueued,
				"dequeued", s.Dequeued,
				"dropped", s.Dropped,
				"dropped_delta", s.Dropped-last.Dropped,
				"drop_rate", s.DropRate(),
			)
			last = s
			if s.Closed && s.Len == 0 {
				return
			}
		}
	}
}

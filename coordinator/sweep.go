package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/request"
	"github.com/ianlintner/AI-Pipeline/store"
)

// Sweep moves every request whose current stage outlived its deadline to
// TimedOut and publishes the timed_out StatusEvent for each. It returns
// how many requests it timed out. Per-request failures are logged and do
// not stop the sweep.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	now := c.now()

	// Collect first so CAS writes do not race the scan cursor.
	var overdue []id.RequestID
	for r, err := range c.store.Scan(ctx, request.Filter{EnteredBefore: now.Add(-c.minDeadline())}) {
		if err != nil {
			return 0, pipeline.Transient(fmt.Errorf("coordinator: sweep scan: %w", err))
		}
		if r.Overdue(now, c.cfg.Deadline(r.CurrentStage.Stage().String())) {
			overdue = append(overdue, r.ID)
		}
	}

	timedOut := 0
	for _, requestID := range overdue {
		if ctx.Err() != nil {
			return timedOut, ctx.Err()
		}
		ok, err := c.timeOut(ctx, requestID)
		if err != nil {
			c.logger.Error("sweep failed for request",
				slog.String("request_id", requestID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			timedOut++
		}
	}

	if timedOut > 0 {
		c.logger.Info("timeout sweep finished",
			slog.Int("scanned_overdue", len(overdue)),
			slog.Int("timed_out", timedOut),
		)
	}
	return timedOut, nil
}

// timeOut applies the TimedOut transition to one request. It reports
// false when the request finished or moved on since the scan.
func (c *Coordinator) timeOut(ctx context.Context, requestID id.RequestID) (bool, error) {
	var (
		ev    message.StatusEvent
		stage message.Stage
	)
	updated, err := c.update(ctx, requestID, func(r *request.RequestState) error {
		stage = r.CurrentStage.Stage()
		var toErr error
		ev, toErr = r.TimeOut(c.now(), c.cfg.Deadline(stage.String()))
		return toErr
	})
	if errors.Is(err, pipeline.ErrStaleWrite) || errors.Is(err, pipeline.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.extensions.EmitRequestTimedOut(ctx, updated, stage)
	c.finish(ctx, updated)

	ev.ID = id.NewEventID()
	data, err := message.Encode(&ev)
	if err == nil {
		err = c.publish(ctx, message.TopicStatusUpdates, requestID.String(), data)
	}
	if err != nil {
		c.logger.Warn("failed to announce timeout",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}

// minDeadline is the shortest configured stage deadline, used to narrow
// the sweep scan.
func (c *Coordinator) minDeadline() time.Duration {
	d := c.cfg.DefaultDeadline
	for _, s := range message.Order {
		d = min(d, c.cfg.Deadline(s.String()))
	}
	return d
}

// Purge removes expired terminal requests from stores that do not evict
// them on their own. It returns 0 for stores that do.
func (c *Coordinator) Purge(ctx context.Context) (int, error) {
	p, ok := c.store.(store.Purger)
	if !ok {
		return 0, nil
	}
	n, err := p.PurgeExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("coordinator: purge: %w", err)
	}
	if n > 0 {
		c.logger.Info("expired requests purged", slog.Int("count", n))
	}
	return n, nil
}

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/log"
)

const stalledSweepInterval = 30 * time.Second

// Run drives the queue's maintenance loops: closing batch windows, re-batching
// retry-due items, and sweeping stalled ones. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	logger := log.WithComponent("queue")
	logger.Info("queue maintenance loop started")
	defer logger.Info("queue maintenance loop stopped")

	tick := q.cfg.BatchWindow / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	stalled := time.NewTicker(stalledSweepInterval)
	defer stalled.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.CloseExpiredBatches(ctx); err != nil {
				logger.Error("failed to close expired batches", "error", err)
			}
			if _, err := q.RequeuePending(ctx); err != nil {
				logger.Error("failed to requeue pending items", "error", err)
			}
		case <-stalled.C:
			requeued, failed, err := q.SweepStalled(ctx)
			if err != nil {
				logger.Error("stalled sweep failed", "error", err)
			} else if requeued+failed > 0 {
				logger.Warn("stalled items swept", "requeued", requeued, "failed", failed)
			}
		}
	}
}

// RequeuePending re-batches pending items whose retry delay has elapsed. They
// go through the normal batching path, so retried items coalesce with any new
// arrivals for the same conversation.
func (q *Queue) RequeuePending(ctx context.Context) (int, error) {
	nowS := q.now().UTC().Format(time.RFC3339Nano)

	rows, err := q.db.QueryContext(ctx, `
SELECT id, conversation_key, payload, attachments, submitted_by, status, attempt, max_attempts,
       batch_id, created_at, dispatched_at, completed_at, next_retry_at, last_error
FROM work_items
WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY created_at ASC, rowid ASC;
`, ItemPending, nowS)
	if err != nil {
		return 0, fmt.Errorf("load retry-due items: %w", err)
	}

	var due []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, item := range due {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("begin tx: %w", err)
		}

		batchID, closed, err := q.appendToBatch(ctx, tx, appendRequest{
			itemID:          item.ID,
			conversationKey: item.ConversationKey,
			payload:         item.Payload,
			attachments:     item.Attachments,
			submittedBy:     item.SubmittedBy,
			attempt:         item.Attempt,
			maxAttempts:     item.MaxAttempts,
			createdAt:       q.now().UTC(),
		})
		if err != nil {
			_ = tx.Rollback()
			return count, err
		}
		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("commit tx: %w", err)
		}
		count++

		q.hub.Publish(events.QueueItemRequeued, map[string]any{
			"item_id":  item.ID,
			"batch_id": batchID,
			"attempt":  item.Attempt,
		})
		if closed {
			q.hub.Publish(events.QueueBatchClosed, map[string]any{
				"batch_id":     batchID,
				"conversation": item.ConversationKey,
				"reason":       "size_limit",
			})
		}
	}
	return count, nil
}

// SweepStalled flags items stuck in pending/batched past the stalled timeout:
// items with attempts left are requeued with an incremented attempt, the rest
// are marked failed and surfaced. Returns (requeued, failed).
func (q *Queue) SweepStalled(ctx context.Context) (int, int, error) {
	if q.cfg.StalledAfter <= 0 {
		return 0, 0, nil
	}
	now := q.now().UTC()
	cutoff := now.Add(-q.cfg.StalledAfter).Format(time.RFC3339Nano)
	nowS := now.Format(time.RFC3339Nano)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id, attempt, max_attempts, batch_id
FROM work_items
WHERE status IN (?, ?) AND COALESCE(next_retry_at, created_at) <= ?;
`, ItemPending, ItemBatched, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("find stalled items: %w", err)
	}

	type stalledRow struct {
		id           string
		attempt, max int
		batchID      *string
	}
	var stalledItems []stalledRow
	for rows.Next() {
		var it stalledRow
		if err := rows.Scan(&it.id, &it.attempt, &it.max, &it.batchID); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan stalled item: %w", err)
		}
		stalledItems = append(stalledItems, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	requeued, failed := 0, 0
	var failedIDs []string
	for _, it := range stalledItems {
		attempt := it.attempt + 1
		if attempt > it.max {
			if _, err := tx.ExecContext(ctx, `
UPDATE work_items SET status = ?, attempt = ?, completed_at = ?, last_error = ?, batch_id = NULL WHERE id = ?;
`, ItemFailed, attempt, nowS, "stalled in queue: retries exhausted", it.id); err != nil {
				return 0, 0, fmt.Errorf("fail stalled item: %w", err)
			}
			failed++
			failedIDs = append(failedIDs, it.id)
		} else {
			if _, err := tx.ExecContext(ctx, `
UPDATE work_items SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?, batch_id = NULL WHERE id = ?;
`, ItemPending, attempt, nowS, "stalled in queue", it.id); err != nil {
				return 0, 0, fmt.Errorf("requeue stalled item: %w", err)
			}
			requeued++
		}

		if it.batchID != nil {
			if _, err := tx.ExecContext(ctx, `
UPDATE work_batches SET item_count = item_count - 1 WHERE id = ?;
`, *it.batchID); err != nil {
				return 0, 0, fmt.Errorf("detach stalled item from batch: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
DELETE FROM work_batches WHERE id = ? AND item_count <= 0 AND status IN (?, ?);
`, *it.batchID, BatchOpen, BatchClosed); err != nil {
				return 0, 0, fmt.Errorf("prune emptied batch: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}

	for _, id := range failedIDs {
		q.hub.Publish(events.QueueItemFailed, map[string]any{
			"item_id": id,
			"reason":  "stalled in queue: retries exhausted",
		})
	}
	return requeued, failed, nil
}

// RecoverOrphaned requeues batches left dispatched by a previous host crash.
// Runs once at startup, before the dispatch loop starts.
func (q *Queue) RecoverOrphaned(ctx context.Context) (int, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id FROM work_batches WHERE status = ?;
`, BatchDispatched)
	if err != nil {
		return 0, fmt.Errorf("find orphaned batches: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphaned batch: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	logger := log.WithComponent("queue")
	for _, id := range ids {
		retried, exhausted, err := q.RetryBatch(ctx, id, "host restart during execution")
		if err != nil {
			return 0, fmt.Errorf("recover orphaned batch %s: %w", id, err)
		}
		logger.Warn("recovered orphaned batch", "batch_id", id, "retried", retried, "exhausted", exhausted)
		q.hub.Publish(events.QueueBatchRecovered, map[string]any{
			"batch_id":  id,
			"retried":   retried,
			"exhausted": exhausted,
		})
	}
	return len(ids), nil
}

// RecentItems returns the most recent items, newest first. Used by the admin API.
func (q *Queue) RecentItems(ctx context.Context, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, conversation_key, payload, attachments, submitted_by, status, attempt, max_attempts,
       batch_id, created_at, dispatched_at, completed_at, next_retry_at, last_error
FROM work_items
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

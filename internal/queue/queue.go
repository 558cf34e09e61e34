package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/events"
)

// Queue is the durable ingestion queue: it persists WorkItems, merges rapid
// same-conversation arrivals into Batches, and tracks per-item retry state.
type Queue struct {
	db  *sql.DB
	cfg config.QueueConfig
	hub *events.Hub
	now func() time.Time
}

func New(db *sql.DB, cfg config.QueueConfig, hub *events.Hub) *Queue {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Queue{db: db, cfg: cfg, hub: hub, now: time.Now}
}

// Enqueue persists a WorkItem and appends it to the conversation's open batch,
// opening one if needed. Returns the item id. Fails only on store errors,
// which are fatal to the caller.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.ConversationKey == "" {
		return "", fmt.Errorf("conversation key is empty")
	}
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.Retry.MaxAttempts
	}

	now := q.now().UTC()
	if !req.Timestamp.IsZero() {
		now = req.Timestamp.UTC()
	}

	id := uuid.NewString()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	batchID, closed, err := q.appendToBatch(ctx, tx, appendRequest{
		itemID:          id,
		conversationKey: req.ConversationKey,
		payload:         req.Payload,
		attachments:     req.Attachments,
		submittedBy:     req.SubmittedBy,
		attempt:         1,
		maxAttempts:     maxAttempts,
		createdAt:       now,
	})
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	q.hub.Publish(events.QueueItemEnqueued, map[string]any{
		"item_id":      id,
		"conversation": req.ConversationKey,
		"batch_id":     batchID,
	})
	if closed {
		q.hub.Publish(events.QueueBatchClosed, map[string]any{
			"batch_id":     batchID,
			"conversation": req.ConversationKey,
			"reason":       "size_limit",
		})
	}
	return id, nil
}

type appendRequest struct {
	itemID          string
	conversationKey string
	payload         json.RawMessage
	attachments     []string
	submittedBy     string
	attempt         int
	maxAttempts     int
	createdAt       time.Time
}

// appendToBatch inserts the item and attaches it to an open batch inside the
// caller's transaction. A batch younger than the window and under the size
// limit accepts the append; otherwise a fresh batch is opened. Hitting the
// size limit closes the batch in the same transaction, so no later enqueue
// can slip into it.
func (q *Queue) appendToBatch(ctx context.Context, tx *sql.Tx, req appendRequest) (string, bool, error) {
	now := req.createdAt
	nowS := now.Format(time.RFC3339Nano)
	windowCutoff := now.Add(-q.cfg.BatchWindow).Format(time.RFC3339Nano)

	var batchID string
	var itemCount int
	err := tx.QueryRowContext(ctx, `
SELECT id, item_count
FROM work_batches
WHERE conversation_key = ? AND status = ? AND opened_at > ? AND item_count < ?
ORDER BY opened_at ASC, rowid ASC
LIMIT 1;
`, req.conversationKey, BatchOpen, windowCutoff, q.cfg.MaxBatchSize).Scan(&batchID, &itemCount)
	if errors.Is(err, sql.ErrNoRows) {
		batchID = uuid.NewString()
		itemCount = 0
		if _, err := tx.ExecContext(ctx, `
INSERT INTO work_batches(id, conversation_key, status, item_count, opened_at)
VALUES(?, ?, ?, 0, ?);
`, batchID, req.conversationKey, BatchOpen, nowS); err != nil {
			return "", false, fmt.Errorf("open batch: %w", err)
		}
	} else if err != nil {
		return "", false, fmt.Errorf("find open batch: %w", err)
	}

	var attachments any
	if len(req.attachments) > 0 {
		b, err := json.Marshal(req.attachments)
		if err != nil {
			return "", false, fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = string(b)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO work_items(
  id, conversation_key, payload, attachments, submitted_by, status, attempt, max_attempts, batch_id, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  attempt = excluded.attempt,
  batch_id = excluded.batch_id,
  next_retry_at = NULL;
`, req.itemID, req.conversationKey, string(req.payload), attachments, req.submittedBy,
		ItemBatched, req.attempt, req.maxAttempts, batchID, nowS)
	if err != nil {
		return "", false, fmt.Errorf("insert work item: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return "", false, fmt.Errorf("insert work item: %w", err)
	}

	itemCount++
	closed := itemCount >= q.cfg.MaxBatchSize
	if closed {
		if _, err := tx.ExecContext(ctx, `
UPDATE work_batches SET item_count = ?, status = ?, closed_at = ? WHERE id = ?;
`, itemCount, BatchClosed, nowS, batchID); err != nil {
			return "", false, fmt.Errorf("close full batch: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE work_batches SET item_count = ? WHERE id = ?;
`, itemCount, batchID); err != nil {
			return "", false, fmt.Errorf("update batch count: %w", err)
		}
	}
	return batchID, closed, nil
}

// CloseExpiredBatches closes open batches whose window has elapsed. Closing is
// idempotent: the status guard means a batch is closed exactly once, and late
// items can no longer match it in appendToBatch.
func (q *Queue) CloseExpiredBatches(ctx context.Context) (int, error) {
	now := q.now().UTC()
	cutoff := now.Add(-q.cfg.BatchWindow).Format(time.RFC3339Nano)

	rows, err := q.db.QueryContext(ctx, `
UPDATE work_batches
SET status = ?, closed_at = ?
WHERE status = ? AND opened_at <= ?
RETURNING id, conversation_key;
`, BatchClosed, now.Format(time.RFC3339Nano), BatchOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close expired batches: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return count, fmt.Errorf("scan closed batch: %w", err)
		}
		count++
		q.hub.Publish(events.QueueBatchClosed, map[string]any{
			"batch_id":     id,
			"conversation": key,
			"reason":       "window_elapsed",
		})
	}
	return count, rows.Err()
}

// NextReadyBatch claims the oldest closed batch whose conversation key is not
// in exclude, marking it and its items dispatched. Returns (nil, nil) when
// nothing is ready.
func (q *Queue) NextReadyBatch(ctx context.Context, exclude []string) (*Batch, error) {
	nowS := q.now().UTC().Format(time.RFC3339Nano)

	query := `
WITH next AS (
  SELECT id
  FROM work_batches
  WHERE status = ?`
	args := []any{BatchClosed}
	if len(exclude) > 0 {
		query += ` AND conversation_key NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, key := range exclude {
			args = append(args, key)
		}
	}
	query += `
  ORDER BY closed_at ASC, rowid ASC
  LIMIT 1
)
UPDATE work_batches
SET status = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, conversation_key, status, item_count, opened_at, closed_at;
`
	args = append(args, BatchDispatched)

	row := q.db.QueryRowContext(ctx, query, args...)

	var (
		b        Batch
		statusS  string
		openedS  string
		closedAt sql.NullString
	)
	err := row.Scan(&b.ID, &b.ConversationKey, &statusS, &b.ItemCount, &openedS, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim ready batch: %w", err)
	}

	b.Status = BatchStatus(statusS)
	if t, err := time.Parse(time.RFC3339Nano, openedS); err == nil {
		b.OpenedAt = t
	}
	if closedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, closedAt.String); err == nil {
			b.ClosedAt = &t
		}
	}

	if _, err := q.db.ExecContext(ctx, `
UPDATE work_items SET status = ?, dispatched_at = ? WHERE batch_id = ?;
`, ItemDispatched, nowS, b.ID); err != nil {
		return nil, fmt.Errorf("mark batch items dispatched: %w", err)
	}

	items, err := q.ItemsForBatch(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return &b, nil
}

// WaitingBatches returns closed, unclaimed batches oldest-first, without
// items. The dispatch controller uses this to enforce queue-wait timeouts.
func (q *Queue) WaitingBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, conversation_key, item_count, opened_at, closed_at
FROM work_batches
WHERE status = ?
ORDER BY closed_at ASC, rowid ASC;
`, BatchClosed)
	if err != nil {
		return nil, fmt.Errorf("list waiting batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var (
			b       Batch
			openedS string
			closedS sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ConversationKey, &b.ItemCount, &openedS, &closedS); err != nil {
			return nil, fmt.Errorf("scan waiting batch: %w", err)
		}
		b.Status = BatchClosed
		if t, err := time.Parse(time.RFC3339Nano, openedS); err == nil {
			b.OpenedAt = t
		}
		if closedS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, closedS.String); err == nil {
				b.ClosedAt = &t
			}
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

// ClaimBatch claims a specific closed batch, marking it and its items
// dispatched. Returns ErrBatchNotFound if it is no longer claimable.
func (q *Queue) ClaimBatch(ctx context.Context, batchID string) (*Batch, error) {
	nowS := q.now().UTC().Format(time.RFC3339Nano)

	res, err := q.db.ExecContext(ctx, `
UPDATE work_batches SET status = ? WHERE id = ? AND status = ?;
`, BatchDispatched, batchID, BatchClosed)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, ErrBatchNotFound
	}

	if _, err := q.db.ExecContext(ctx, `
UPDATE work_items SET status = ?, dispatched_at = ? WHERE batch_id = ?;
`, ItemDispatched, nowS, batchID); err != nil {
		return nil, fmt.Errorf("mark batch items dispatched: %w", err)
	}

	row := q.db.QueryRowContext(ctx, `
SELECT id, conversation_key, item_count, opened_at, closed_at FROM work_batches WHERE id = ?;
`, batchID)
	var (
		b       Batch
		openedS string
		closedS sql.NullString
	)
	if err := row.Scan(&b.ID, &b.ConversationKey, &b.ItemCount, &openedS, &closedS); err != nil {
		return nil, fmt.Errorf("load claimed batch: %w", err)
	}
	b.Status = BatchDispatched
	if t, err := time.Parse(time.RFC3339Nano, openedS); err == nil {
		b.OpenedAt = t
	}
	if closedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, closedS.String); err == nil {
			b.ClosedAt = &t
		}
	}
	items, err := q.ItemsForBatch(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return &b, nil
}

// ItemsForBatch returns a batch's items in arrival order.
func (q *Queue) ItemsForBatch(ctx context.Context, batchID string) ([]*WorkItem, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, conversation_key, payload, attachments, submitted_by, status, attempt, max_attempts,
       batch_id, created_at, dispatched_at, completed_at, next_retry_at, last_error
FROM work_items
WHERE batch_id = ?
ORDER BY created_at ASC, rowid ASC;
`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch items: %w", err)
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

// CompleteBatch marks a dispatched batch and its items terminal.
func (q *Queue) CompleteBatch(ctx context.Context, batchID string, status BatchStatus, lastError *string) error {
	if status != BatchCompleted && status != BatchFailed {
		return fmt.Errorf("invalid terminal batch status: %q", status)
	}
	nowS := q.now().UTC().Format(time.RFC3339Nano)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE work_batches SET status = ?, closed_at = COALESCE(closed_at, ?) WHERE id = ?;
`, status, nowS, batchID)
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBatchNotFound
	}

	itemStatus := ItemCompleted
	if status == BatchFailed {
		itemStatus = ItemFailed
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE work_items SET status = ?, completed_at = ?, last_error = ? WHERE batch_id = ?;
`, itemStatus, nowS, lastError, batchID); err != nil {
		return fmt.Errorf("complete batch items: %w", err)
	}

	return tx.Commit()
}

// RetryBatch applies the retry policy to a failed batch's items: items with
// attempts left go back to pending with a backoff delay, exhausted ones are
// marked failed and surfaced. Returns (retried, exhausted).
func (q *Queue) RetryBatch(ctx context.Context, batchID, reason string) (int, int, error) {
	now := q.now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id, conversation_key, attempt, max_attempts FROM work_items WHERE batch_id = ?;
`, batchID)
	if err != nil {
		return 0, 0, fmt.Errorf("load batch items for retry: %w", err)
	}

	type itemRow struct {
		id, key      string
		attempt, max int
	}
	var items []itemRow
	for rows.Next() {
		var it itemRow
		if err := rows.Scan(&it.id, &it.key, &it.attempt, &it.max); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan item for retry: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	retried, exhausted := 0, 0
	var failedIDs []string
	for _, it := range items {
		attempt := it.attempt + 1
		if attempt > it.max {
			if _, err := tx.ExecContext(ctx, `
UPDATE work_items SET status = ?, attempt = ?, completed_at = ?, last_error = ?, batch_id = NULL WHERE id = ?;
`, ItemFailed, attempt, nowS, reason, it.id); err != nil {
				return 0, 0, fmt.Errorf("mark item failed: %w", err)
			}
			exhausted++
			failedIDs = append(failedIDs, it.id)
			continue
		}

		retryAt := now.Add(q.backoffDelay(attempt)).Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
UPDATE work_items SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?, batch_id = NULL WHERE id = ?;
`, ItemPending, attempt, retryAt, reason, it.id); err != nil {
			return 0, 0, fmt.Errorf("requeue item: %w", err)
		}
		retried++
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE work_batches SET status = ?, closed_at = COALESCE(closed_at, ?) WHERE id = ?;
`, BatchFailed, nowS, batchID); err != nil {
		return 0, 0, fmt.Errorf("mark batch failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}

	for _, id := range failedIDs {
		q.hub.Publish(events.QueueItemFailed, map[string]any{
			"item_id": id,
			"reason":  reason,
		})
	}
	if retried > 0 {
		q.hub.Publish(events.QueueBatchRetried, map[string]any{
			"batch_id":  batchID,
			"retried":   retried,
			"exhausted": exhausted,
		})
	}
	return retried, exhausted, nil
}

// Depth returns the number of items not yet in a terminal state.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM work_items WHERE status IN (?, ?, ?);
`, ItemPending, ItemBatched, ItemDispatched).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// backoffDelay computes bounded exponential backoff for the given attempt.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	base := q.cfg.Retry.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if q.cfg.Retry.BackoffMax > 0 && delay >= q.cfg.Retry.BackoffMax {
			return q.cfg.Retry.BackoffMax
		}
	}
	if q.cfg.Retry.BackoffMax > 0 && delay > q.cfg.Retry.BackoffMax {
		delay = q.cfg.Retry.BackoffMax
	}
	return delay
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*WorkItem, error) {
	var (
		it          WorkItem
		payload     string
		attachments sql.NullString
		statusS     string
		batchID     sql.NullString
		createdS    string
		dispatchedS sql.NullString
		completedS  sql.NullString
		nextRetryS  sql.NullString
		lastError   sql.NullString
	)
	err := row.Scan(
		&it.ID, &it.ConversationKey, &payload, &attachments, &it.SubmittedBy, &statusS,
		&it.Attempt, &it.MaxAttempts, &batchID, &createdS, &dispatchedS, &completedS, &nextRetryS, &lastError,
	)
	if err != nil {
		return nil, fmt.Errorf("scan work item: %w", err)
	}

	it.Payload = json.RawMessage(payload)
	it.Status = ItemStatus(statusS)
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &it.Attachments); err != nil {
			return nil, fmt.Errorf("parse attachments for item %s: %w", it.ID, err)
		}
	}
	if batchID.Valid {
		it.BatchID = &batchID.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		it.CreatedAt = t
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{dispatchedS, &it.DispatchedAt},
		{completedS, &it.CompletedAt},
		{nextRetryS, &it.NextRetryAt},
	} {
		if pair.src.Valid {
			if t, err := time.Parse(time.RFC3339Nano, pair.src.String); err == nil {
				*pair.dst = &t
			}
		}
	}
	if lastError.Valid {
		it.LastError = &lastError.String
	}
	return &it, nil
}

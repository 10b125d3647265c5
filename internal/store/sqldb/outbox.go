package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentping/internal/store"
)

type outboxStore struct {
	db *DB
}

func (s *outboxStore) Enqueue(ctx context.Context, payload json.RawMessage, nextAttempt time.Time) (*store.OutboxItem, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("outbox id: %w", err)
	}
	item := &store.OutboxItem{
		ID:            id.String(),
		Payload:       payload,
		Status:        store.OutboxPending,
		NextAttemptAt: nextAttempt,
		CreatedAt:     time.Now(),
	}
	query := s.db.rebind(`INSERT INTO inbound_outbox
		(id, payload, status, retry_count, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, 0, ?, '', ?)`)
	_, err = s.db.conn.ExecContext(ctx, query,
		item.ID, string(payload), item.Status, item.NextAttemptAt.Unix(), item.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox item: %w", err)
	}
	return item, nil
}

func (s *outboxStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]store.OutboxItem, error) {
	if limit <= 0 {
		limit = 25
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer tx.Rollback()

	query := s.db.rebind(`SELECT id, payload, retry_count, next_attempt_at, created_at
		FROM inbound_outbox
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		ORDER BY created_at, id
		LIMIT ?`)
	rows, err := tx.QueryContext(ctx, query, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	var items []store.OutboxItem
	for rows.Next() {
		var (
			item    store.OutboxItem
			payload string
			due     int64
			created int64
		)
		if err := rows.Scan(&item.ID, &payload, &item.RetryCount, &due, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim outbox: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.Status = store.OutboxSending
		item.NextAttemptAt = time.Unix(due, 0)
		item.CreatedAt = time.Unix(created, 0)
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(items))
	args := make([]any, 0, len(items))
	for i, item := range items {
		placeholders[i] = "?"
		args = append(args, item.ID)
	}
	update := s.db.rebind(`UPDATE inbound_outbox SET status = 'sending', last_error = ''
		WHERE id IN (` + strings.Join(placeholders, ", ") + `)`)
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return items, nil
}

func (s *outboxStore) MarkDelivered(ctx context.Context, id string) error {
	query := s.db.rebind(`UPDATE inbound_outbox SET status = 'delivered', last_error = ''
		WHERE id = ?`)
	if _, err := s.db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return nil
}

func (s *outboxStore) MarkFailed(ctx context.Context, id string, retryCount int, nextAttempt time.Time, lastError string) error {
	query := s.db.rebind(`UPDATE inbound_outbox
		SET status = 'failed', retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`)
	_, err := s.db.conn.ExecContext(ctx, query, retryCount, nextAttempt.Unix(), lastError, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

func (s *outboxStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM inbound_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count outbox: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nextlevelbuilder/agentping/internal/store"
)

type messageStore struct {
	db *DB
}

const messageColumns = `id, session_key, direction, channel, account_id,
	peer_id, content, attachments, status, dedupe_key, created_at`

func (s *messageStore) Insert(ctx context.Context, rec *store.Message) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	attachments, err := json.Marshal(rec.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	if rec.Attachments == nil {
		attachments = []byte("[]")
	}
	var dedupe sql.NullString
	if rec.DedupeKey != "" {
		dedupe = sql.NullString{String: rec.DedupeKey, Valid: true}
	}
	query := s.db.rebind(`INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.conn.ExecContext(ctx, query,
		rec.ID, rec.SessionKey, rec.Direction, rec.Channel, rec.AccountID,
		rec.PeerID, rec.Content, string(attachments), rec.Status, dedupe,
		rec.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateMessage
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *messageStore) DedupeExists(ctx context.Context, dedupeKey string) (bool, error) {
	query := s.db.rebind(`SELECT 1 FROM messages WHERE dedupe_key = ? LIMIT 1`)
	var one int
	err := s.db.conn.QueryRowContext(ctx, query, dedupeKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return true, nil
}

func (s *messageStore) ListBySession(ctx context.Context, sessionKey string, limit, offset int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.rebind(`SELECT ` + messageColumns + ` FROM messages
		WHERE session_key = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.conn.QueryContext(ctx, query, sessionKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		var (
			rec         store.Message
			attachments string
			dedupe      sql.NullString
			created     int64
		)
		err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.Direction, &rec.Channel,
			&rec.AccountID, &rec.PeerID, &rec.Content, &attachments, &rec.Status,
			&dedupe, &created)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &rec.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		rec.DedupeKey = dedupe.String
		rec.CreatedAt = time.Unix(created, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *messageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

type sessionStore struct {
	db *DB
}

const sessionColumns = `session_key, agent_id, business_profile_id, user_id,
	dm_scope, identity_links, last_route, created_at, updated_at`

func (s *sessionStore) Upsert(ctx context.Context, rec *store.Session) error {
	links, err := json.Marshal(orEmptyLinks(rec.IdentityLinks))
	if err != nil {
		return fmt.Errorf("marshal identity links: %w", err)
	}
	var route sql.NullString
	if rec.LastRoute != nil {
		raw, err := json.Marshal(rec.LastRoute)
		if err != nil {
			return fmt.Errorf("marshal last route: %w", err)
		}
		route = sql.NullString{String: string(raw), Valid: true}
	}
	now := time.Now().Unix()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Unix(now, 0)
	}
	rec.UpdatedAt = time.Unix(now, 0)
	query := s.db.rebind(`INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			agent_id = excluded.agent_id,
			business_profile_id = excluded.business_profile_id,
			user_id = excluded.user_id,
			dm_scope = excluded.dm_scope,
			identity_links = excluded.identity_links,
			last_route = excluded.last_route,
			updated_at = excluded.updated_at`)
	_, err = s.db.conn.ExecContext(ctx, query,
		rec.SessionKey, rec.AgentID, rec.BusinessProfileID, rec.UserID,
		rec.DMScope, string(links), route, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.SessionKey, err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, sessionKey string) (*store.Session, error) {
	query := s.db.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE session_key = ?`)
	rec, err := scanSession(s.db.conn.QueryRowContext(ctx, query, sessionKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionKey, err)
	}
	return rec, nil
}

func (s *sessionStore) List(ctx context.Context, limit, offset int) ([]store.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.conn.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []store.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *sessionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		rec     store.Session
		links   string
		route   sql.NullString
		created int64
		updated int64
	)
	err := row.Scan(&rec.SessionKey, &rec.AgentID, &rec.BusinessProfileID,
		&rec.UserID, &rec.DMScope, &links, &route, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(links), &rec.IdentityLinks); err != nil {
		return nil, fmt.Errorf("decode identity links: %w", err)
	}
	if route.Valid && route.String != "" {
		var r bus.Route
		if err := json.Unmarshal([]byte(route.String), &r); err != nil {
			return nil, fmt.Errorf("decode last route: %w", err)
		}
		rec.LastRoute = &r
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return &rec, nil
}

func orEmptyLinks(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

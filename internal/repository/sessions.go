package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dauletk/insightbot/internal/domain"
)

// SessionStore persists the durable part of conversation sessions so they
// survive process restarts. One row per (user, channel), upsert-by-key.
type SessionStore struct {
	db *pgxpool.Pool
}

func NewSessionStore(db *pgxpool.Pool) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Upsert(ctx context.Context, rec *domain.SessionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO analytics.bot_sessions (
			slack_user_id, channel_id, state, last_user_query, last_sql,
			last_row_count, last_analysis, created_at, last_activity_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9)
		ON CONFLICT (slack_user_id, channel_id) DO UPDATE SET
			state            = EXCLUDED.state,
			last_user_query  = EXCLUDED.last_user_query,
			last_sql         = EXCLUDED.last_sql,
			last_row_count   = EXCLUDED.last_row_count,
			last_analysis    = EXCLUDED.last_analysis,
			last_activity_at = EXCLUDED.last_activity_at`,
		rec.Key.UserID, rec.Key.ChannelID, string(rec.State),
		rec.LastUserQuery, rec.LastSQL, rec.LastRowCount, rec.LastAnalysis,
		rec.CreatedAt, rec.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Load returns the stored record for a key, excluding rows idle for longer
// than maxIdle. Returns domain.ErrSessionNotFound when absent or expired.
func (s *SessionStore) Load(ctx context.Context, key domain.SessionKey, maxIdle time.Duration) (*domain.SessionRecord, error) {
	rec := &domain.SessionRecord{Key: key}
	var state string
	var lastQuery, lastSQL, lastAnalysis *string

	err := s.db.QueryRow(ctx, `
		SELECT state, last_user_query, last_sql, last_row_count, last_analysis,
		       created_at, last_activity_at
		FROM analytics.bot_sessions
		WHERE slack_user_id = $1 AND channel_id = $2
		  AND last_activity_at > now() - $3::interval`,
		key.UserID, key.ChannelID, maxIdle,
	).Scan(&state, &lastQuery, &lastSQL, &rec.LastRowCount, &lastAnalysis,
		&rec.CreatedAt, &rec.LastActivityAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	rec.State = domain.SessionState(state)
	rec.LastUserQuery = deref(lastQuery)
	rec.LastSQL = deref(lastSQL)
	rec.LastAnalysis = deref(lastAnalysis)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

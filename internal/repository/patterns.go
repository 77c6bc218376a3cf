package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dauletk/insightbot/internal/domain"
)

// PatternCache stores previously successful question→SQL pairs and retrieves
// textually-similar ones as few-shot guidance. Similarity is Postgres
// full-text rank over the question; negatively-rated patterns are excluded.
type PatternCache struct {
	db *pgxpool.Pool
}

func NewPatternCache(db *pgxpool.Pool) *PatternCache {
	return &PatternCache{db: db}
}

func (c *PatternCache) Save(ctx context.Context, question, sql string, rowCount int, createdBy string) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO analytics.query_patterns (question, sql_query, row_count, was_successful, created_by, created_at)
		VALUES ($1, $2, $3, true, $4, $5)`,
		question, sql, rowCount, createdBy, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save query pattern: %w", err)
	}
	return nil
}

func (c *PatternCache) FindSimilar(ctx context.Context, question string, limit int) ([]domain.QueryPattern, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, question, sql_query, row_count, was_successful, user_feedback, created_by, created_at
		FROM analytics.query_patterns
		WHERE was_successful
		  AND (user_feedback IS NULL OR user_feedback >= 0)
		  AND to_tsvector('russian', question) @@ websearch_to_tsquery('russian', $1)
		ORDER BY ts_rank(to_tsvector('russian', question), websearch_to_tsquery('russian', $1)) DESC,
		         created_at DESC
		LIMIT $2`,
		question, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find similar patterns: %w", err)
	}
	defer rows.Close()

	var out []domain.QueryPattern
	for rows.Next() {
		var p domain.QueryPattern
		var createdBy *string
		if err := rows.Scan(&p.ID, &p.Question, &p.SQL, &p.RowCount,
			&p.WasSuccessful, &p.UserFeedback, &createdBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.CreatedBy = deref(createdBy)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *PatternCache) MarkFeedback(ctx context.Context, id int64, feedback int16) error {
	tag, err := c.db.Exec(ctx,
		`UPDATE analytics.query_patterns SET user_feedback = $2 WHERE id = $1`,
		id, feedback,
	)
	if err != nil {
		return fmt.Errorf("mark feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPatternNotFound
	}
	return nil
}

// LatestBy returns the most recent pattern written for a user, used to
// attribute reaction feedback.
func (c *PatternCache) LatestBy(ctx context.Context, createdBy string) (*domain.QueryPattern, error) {
	var p domain.QueryPattern
	var by *string
	err := c.db.QueryRow(ctx, `
		SELECT id, question, sql_query, row_count, was_successful, user_feedback, created_by, created_at
		FROM analytics.query_patterns
		WHERE created_by = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		createdBy,
	).Scan(&p.ID, &p.Question, &p.SQL, &p.RowCount, &p.WasSuccessful,
		&p.UserFeedback, &by, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPatternNotFound
		}
		return nil, fmt.Errorf("latest pattern: %w", err)
	}
	p.CreatedBy = deref(by)
	return &p, nil
}

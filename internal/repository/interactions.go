package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dauletk/insightbot/internal/domain"
)

// InteractionLog is the append-only record of every processed message. It
// doubles as the source of recent conversation history for the classifier
// and generator.
type InteractionLog struct {
	db *pgxpool.Pool
}

func NewInteractionLog(db *pgxpool.Pool) *InteractionLog {
	return &InteractionLog{db: db}
}

func (l *InteractionLog) Append(ctx context.Context, in *domain.Interaction) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	err := l.db.QueryRow(ctx, `
		INSERT INTO analytics.bot_interactions (
			slack_user_id, channel_id, user_message, bot_response, query_type,
			sql_query, sql_executed, execution_time_ms, rows_returned,
			error_message, table_generated, created_at
		) VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''),
		          NULLIF($6,''), $7, $8, $9, NULLIF($10,''), $11, $12)
		RETURNING id`,
		in.UserID, in.ChannelID, in.UserMessage, in.BotResponse, string(in.QueryType),
		in.SQLQuery, in.SQLExecuted, in.ExecutionTimeMs, in.RowsReturned,
		in.ErrorMessage, in.TableGenerated, in.CreatedAt,
	).Scan(&in.ID)
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

// Recent returns up to limit interactions for a key within the time window,
// newest first. Callers needing chronological order must reverse.
func (l *InteractionLog) Recent(ctx context.Context, key domain.SessionKey, limit int, window time.Duration) ([]domain.Interaction, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, user_message, bot_response, query_type, sql_query,
		       sql_executed, execution_time_ms, rows_returned, error_message,
		       table_generated, created_at
		FROM analytics.bot_interactions
		WHERE slack_user_id = $1 AND channel_id = $2
		  AND created_at > now() - $3::interval
		ORDER BY created_at DESC
		LIMIT $4`,
		key.UserID, key.ChannelID, window, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent interactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Interaction
	for rows.Next() {
		in := domain.Interaction{UserID: key.UserID, ChannelID: key.ChannelID}
		var userMsg, botResp, queryType, sqlQuery, errMsg *string
		if err := rows.Scan(&in.ID, &userMsg, &botResp, &queryType, &sqlQuery,
			&in.SQLExecuted, &in.ExecutionTimeMs, &in.RowsReturned, &errMsg,
			&in.TableGenerated, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.UserMessage = deref(userMsg)
		in.BotResponse = deref(botResp)
		in.QueryType = domain.Intent(deref(queryType))
		in.SQLQuery = deref(sqlQuery)
		in.ErrorMessage = deref(errMsg)
		out = append(out, in)
	}
	return out, rows.Err()
}

package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dauletk/insightbot/internal/domain"
)

// Executor runs read-only statements against the analytical warehouse with a
// per-query statement timeout.
type Executor struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewExecutor(db *pgxpool.Pool, timeout time.Duration) *Executor {
	return &Executor{db: db, timeout: timeout}
}

var forbiddenKeywordRe = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|TRUNCATE|GRANT|REVOKE|CREATE)\b`)

// GuardReadOnly rejects anything that is not a single SELECT (or WITH ...
// SELECT) statement. This runs on every statement regardless of what the
// model promised.
func GuardReadOnly(sql string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if trimmed == "" {
		return domain.ErrEmptySQL
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", domain.ErrNotReadOnly)
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: statement must start with SELECT or WITH", domain.ErrNotReadOnly)
	}
	if m := forbiddenKeywordRe.FindString(trimmed); m != "" {
		return fmt.Errorf("%w: forbidden keyword %s", domain.ErrNotReadOnly, strings.ToUpper(m))
	}
	return nil
}

// Execute runs the statement inside a transaction with a local statement
// timeout and returns the full result set.
func (e *Executor) Execute(ctx context.Context, sql string) (*domain.Table, error) {
	if err := GuardReadOnly(sql); err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	timeoutMs := e.timeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	table := &domain.Table{}
	for _, fd := range rows.FieldDescriptions() {
		table.Columns = append(table.Columns, fd.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return table, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][\w$]*$`)

func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// Sample fetches up to limit rows from a table for the discovery phase.
func (e *Executor) Sample(ctx context.Context, schemaName, table string, limit int) (*domain.Table, error) {
	qs, err := quoteIdent(schemaName)
	if err != nil {
		return nil, err
	}
	qt, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, fmt.Sprintf("SELECT * FROM %s.%s LIMIT %d", qs, qt, limit))
}

// ListTables returns table names per schema from the catalog.
func (e *Executor) ListTables(ctx context.Context, schemas []string) (map[string][]string, error) {
	rows, err := e.db.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema = ANY($1) AND table_type = 'BASE TABLE'
		ORDER BY table_schema, table_name`, schemas)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var schemaName, tableName string
		if err := rows.Scan(&schemaName, &tableName); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		out[schemaName] = append(out[schemaName], tableName)
	}
	return out, rows.Err()
}

// ColumnsOf lists the real columns of a table, used when feeding a
// column-does-not-exist error back to the generator.
func (e *Executor) ColumnsOf(ctx context.Context, schemaName, table string) ([]string, error) {
	rows, err := e.db.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

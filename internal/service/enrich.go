package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dauletk/insightbot/internal/config"
	"github.com/dauletk/insightbot/internal/domain"
)

// Enricher appends human-readable name columns next to identifier columns in
// query results, resolving them against a lookup table. Enrichment failures
// never fail the query; the table just stays unenriched.
type Enricher struct {
	executor     *Executor
	lookupTable  string // schema-qualified, e.g. raw.user
	keyColumn    string
	labelColumns []string
}

func NewEnricher(executor *Executor, lookupTable, keyColumn string, labelColumns []string) *Enricher {
	return &Enricher{
		executor:     executor,
		lookupTable:  lookupTable,
		keyColumn:    keyColumn,
		labelColumns: labelColumns,
	}
}

// Enrich scans the table for identifier columns and inserts a "<col>_name"
// column after each one it can resolve.
func (e *Enricher) Enrich(ctx context.Context, table *domain.Table) {
	if table.IsEmpty() {
		return
	}

	// Walk backwards so insertions do not shift unvisited indexes.
	for i := len(table.Columns) - 1; i >= 0; i-- {
		col := table.Columns[i]
		if !e.isIdentifierColumn(table, i, col) {
			continue
		}
		if err := e.enrichColumn(ctx, table, i, col); err != nil {
			slog.Warn("column enrichment skipped", "column", col, "error", err)
		}
	}
}

// isIdentifierColumn reports whether a column looks like it holds opaque
// identifiers: either it is named like a foreign key, or every sampled value
// is a fixed-length hex string.
func (e *Enricher) isIdentifierColumn(table *domain.Table, idx int, name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "_name") {
		return false
	}
	if strings.HasSuffix(lower, "_id") {
		return true
	}

	sample := table.ColumnValues(idx)
	if len(sample) > config.EnrichSampleRows {
		sample = sample[:config.EnrichSampleRows]
	}
	length := 0
	for _, v := range sample {
		s, ok := v.(string)
		if !ok || !isHexIdentifier(s) {
			return false
		}
		if length == 0 {
			length = len(s)
		} else if len(s) != length {
			return false
		}
	}
	return length >= 16
}

func (e *Enricher) enrichColumn(ctx context.Context, table *domain.Table, idx int, col string) error {
	ids := uniqueStrings(table.ColumnValues(idx), config.EnrichMaxLookupIDs)
	if len(ids) == 0 {
		return nil
	}

	names, err := e.lookupNames(ctx, ids)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	values := make([]any, table.RowCount())
	resolved := 0
	for i, v := range table.ColumnValues(idx) {
		if s, ok := v.(string); ok {
			if name, found := names[s]; found {
				values[i] = name
				resolved++
			}
		}
	}
	if resolved == 0 {
		return nil
	}

	table.InsertColumn(idx+1, col+"_name", values)
	return nil
}

func (e *Enricher) lookupNames(ctx context.Context, ids []string) (map[string]string, error) {
	parts := strings.SplitN(e.lookupTable, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("lookup table %q must be schema-qualified", e.lookupTable)
	}
	qs, err := quoteIdent(parts[0])
	if err != nil {
		return nil, err
	}
	qt, err := quoteIdent(parts[1])
	if err != nil {
		return nil, err
	}
	qk, err := quoteIdent(e.keyColumn)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(e.labelColumns))
	for i, l := range e.labelColumns {
		if labels[i], err = quoteIdent(l); err != nil {
			return nil, err
		}
	}

	sql := fmt.Sprintf("SELECT %s, concat_ws(' ', %s) FROM %s.%s WHERE %s = ANY($1)",
		qk, strings.Join(labels, ", "), qs, qt, qk)

	rows, err := e.executor.db.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan lookup row: %w", err)
		}
		if strings.TrimSpace(name) != "" {
			out[id] = name
		}
	}
	return out, rows.Err()
}

func isHexIdentifier(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func uniqueStrings(values []any, limit int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range values {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out
}

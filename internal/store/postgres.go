package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultRequestTimeout is the flat per-call ceiling applied to every store
// request. Expired calls fail and are reported; there is no automatic retry.
const DefaultRequestTimeout = 2 * time.Minute

// Postgres implements DocumentStore over a single jsonb documents table.
// Logical indices map to values of the index_name column; compiled query
// trees map to SQL over jsonb paths, with the fuzzystrmatch extension
// providing edit-distance matching.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, timeout time.Duration, logger *zap.Logger) *Postgres {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, timeout: timeout, logger: logger}
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Postgres) EnsureIndex(ctx context.Context, name string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.pool.Exec(ctx,
		`INSERT INTO document_indices (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("failed to ensure index %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, index, id string) (Document, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var body json.RawMessage
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE index_name = $1 AND id = $2`, index, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s/%s: %w", index, id, err)
	}
	return Document{ID: id, Source: body}, nil
}

func (p *Postgres) Search(ctx context.Context, req SearchRequest) ([]Document, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	b := &sqlBuilder{}
	indexArg := b.arg(req.Index)
	where, err := compileClause(req.Query, b)
	if err != nil {
		return nil, err
	}

	var sql strings.Builder
	fmt.Fprintf(&sql, `SELECT id, body FROM documents WHERE index_name = %s AND (%s)`, indexArg, where)

	if len(req.Sort) > 0 {
		orders := make([]string, 0, len(req.Sort)+1)
		for _, s := range req.Sort {
			dir := "ASC"
			if s.Descending {
				dir = "DESC"
			}
			orders = append(orders, fmt.Sprintf("%s %s NULLS LAST", fieldExpr(s.Field), dir))
		}
		// Stable final tie-break on the store key.
		orders = append(orders, "id ASC")
		sql.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}
	if req.From > 0 {
		fmt.Fprintf(&sql, " OFFSET %d", req.From)
	}
	if req.Size > 0 {
		fmt.Fprintf(&sql, " LIMIT %d", req.Size)
	}

	rows, err := p.pool.Query(ctx, sql.String(), b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search index %s: %w", req.Index, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Source); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}
	return docs, nil
}

func (p *Postgres) Count(ctx context.Context, index string, query Clause) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	b := &sqlBuilder{}
	indexArg := b.arg(index)
	where, err := compileClause(query, b)
	if err != nil {
		return 0, err
	}

	var count int64
	sql := fmt.Sprintf(`SELECT count(*) FROM documents WHERE index_name = %s AND (%s)`, indexArg, where)
	if err := p.pool.QueryRow(ctx, sql, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count index %s: %w", index, err)
	}
	return count, nil
}

func (p *Postgres) Cardinality(ctx context.Context, index, field string, query Clause) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	b := &sqlBuilder{}
	indexArg := b.arg(index)
	where, err := compileClause(query, b)
	if err != nil {
		return 0, err
	}

	var count int64
	sql := fmt.Sprintf(`SELECT count(DISTINCT %s) FROM documents WHERE index_name = %s AND (%s)`,
		fieldExpr(field), indexArg, where)
	if err := p.pool.QueryRow(ctx, sql, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to aggregate index %s: %w", index, err)
	}
	return count, nil
}

func (p *Postgres) BulkUpsert(ctx context.Context, index string, items []BulkItem) ([]BulkItemError, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var itemErrors []BulkItemError
	batch := &pgx.Batch{}
	queued := make([]string, 0, len(items))
	for _, item := range items {
		body, err := json.Marshal(item.Doc)
		if err != nil {
			itemErrors = append(itemErrors, BulkItemError{ID: item.ID, Reason: err.Error()})
			continue
		}
		batch.Queue(
			`INSERT INTO documents (index_name, id, body) VALUES ($1, $2, $3)
			 ON CONFLICT (index_name, id) DO UPDATE SET body = EXCLUDED.body`,
			index, item.ID, body)
		queued = append(queued, item.ID)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, id := range queued {
		if _, err := results.Exec(); err != nil {
			itemErrors = append(itemErrors, BulkItemError{ID: id, Reason: err.Error()})
		}
	}
	return itemErrors, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// fieldExpr maps a dotted document field path to a jsonb text extraction.
func fieldExpr(field string) string {
	parts := strings.Split(field, ".")
	if len(parts) == 1 {
		return fmt.Sprintf("body ->> '%s'", field)
	}
	return fmt.Sprintf("body #>> '{%s}'", strings.Join(parts, ","))
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func compileClause(c Clause, b *sqlBuilder) (string, error) {
	if c == nil {
		return "TRUE", nil
	}

	switch clause := c.(type) {
	case Term:
		expr := fieldExpr(clause.Field)
		if isNumeric(clause.Value) {
			return fmt.Sprintf("(%s)::numeric = %s", expr, b.arg(clause.Value)), nil
		}
		return fmt.Sprintf("%s = %s", expr, b.arg(clause.Value)), nil

	case Range:
		expr := fieldExpr(clause.Field)
		var parts []string
		bound := func(op string, v any) {
			if v == nil {
				return
			}
			if isNumeric(v) {
				parts = append(parts, fmt.Sprintf("(%s)::numeric %s %s", expr, op, b.arg(v)))
			} else {
				parts = append(parts, fmt.Sprintf("%s %s %s", expr, op, b.arg(v)))
			}
		}
		bound(">=", clause.GTE)
		bound(">", clause.GT)
		bound("<=", clause.LTE)
		bound("<", clause.LT)
		if len(parts) == 0 {
			return "", fmt.Errorf("range clause on %s has no bounds", clause.Field)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil

	case MatchFuzzy:
		expr := fieldExpr(clause.Field)
		like := fmt.Sprintf("%s ILIKE %s", expr, b.arg("%"+clause.Query+"%"))
		if clause.Fuzziness <= 0 {
			return like, nil
		}
		return fmt.Sprintf("(%s OR levenshtein_less_equal(lower(%s), lower(%s), %d) <= %d)",
			like, expr, b.arg(clause.Query), clause.Fuzziness, clause.Fuzziness), nil

	case Nested:
		return compileClause(clause.Clause, b)

	case IDs:
		return fmt.Sprintf("id = ANY(%s)", b.arg(clause.Values)), nil

	case Bool:
		var parts []string
		for _, must := range clause.Must {
			compiled, err := compileClause(must, b)
			if err != nil {
				return "", err
			}
			parts = append(parts, compiled)
		}
		for _, mustNot := range clause.MustNot {
			compiled, err := compileClause(mustNot, b)
			if err != nil {
				return "", err
			}
			parts = append(parts, "NOT ("+compiled+")")
		}
		if len(clause.Should) > 0 {
			var should []string
			for _, s := range clause.Should {
				compiled, err := compileClause(s, b)
				if err != nil {
					return "", err
				}
				should = append(should, compiled)
			}
			parts = append(parts, "("+strings.Join(should, " OR ")+")")
		}
		if len(parts) == 0 {
			return "TRUE", nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil

	default:
		return "", fmt.Errorf("unsupported clause type %T", c)
	}
}

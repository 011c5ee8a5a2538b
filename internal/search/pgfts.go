package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback. It reads the generated fts column on records.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over records with ts_rank ordering and
// ts_headline snippets from the flattened data column.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "r.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterEntity != "" {
		where += " AND e.name = $2"
		args = append(args, q.FilterEntity)
	}

	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM records r
		JOIN entities e ON e.id = r.entity_id
		WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT r.id, e.name, r.title, r.slug,
			ts_headline('english', coalesce(r.data::text, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM records r
		JOIN entities e ON e.id = r.entity_id
		WHERE %s
		ORDER BY ts_rank(r.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.EntityName, &r.Title, &r.Slug, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllDocuments returns all records as index documents for full
// reindexing.
func (p *PgFTS) LoadAllDocuments(ctx context.Context) ([]RecordDocument, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.entity_id, e.name, r.title, r.slug, coalesce(r.data::text, '{}')
		FROM records r
		JOIN entities e ON e.id = r.entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	documents := make([]RecordDocument, 0)
	for rows.Next() {
		var (
			doc RecordDocument
			raw string
		)
		if err := rows.Scan(&doc.ID, &doc.EntityID, &doc.EntityName, &doc.Title, &doc.Slug, &raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		doc.Body = flattenRawJSON(raw)
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return documents, nil
}

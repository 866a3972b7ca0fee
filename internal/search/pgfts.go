package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks posts by the generated fts column using plainto_tsquery,
// with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where := "p.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.Category != "" {
		where += " AND p.category = $2"
		args = append(args, q.Category)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM posts p WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.id, p.title,
			ts_headline('english', p.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			p.category
		FROM posts p
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC, p.created_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Category); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all posts for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, category, COALESCE(author->>'userId', ''), created_at
		FROM posts
	`)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	posts := make([]PostRecord, 0)
	for rows.Next() {
		var (
			rec     PostRecord
			created sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Category, &rec.AuthorID, &created); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if created.Valid {
			rec.CreatedAt = created.Time.Unix()
		}
		posts = append(posts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

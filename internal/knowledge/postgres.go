package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresStore keeps guides in PostgreSQL. Keyword and step lists are stored
// as JSONB; search ranks with ILIKE which is plenty for guide libraries of a
// few thousand entries.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.GuideStore = (*PostgresStore)(nil)

const createGuidesTable = `
	CREATE TABLE IF NOT EXISTS guides (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		app_name   TEXT NOT NULL DEFAULT '',
		keywords   JSONB NOT NULL DEFAULT '[]',
		steps      JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL
	);
`

// NewPostgresStore verifies the connection and ensures the guides table
// exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createGuidesTable); err != nil {
		return nil, fmt.Errorf("failed to ensure guides table: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("knowledge.postgres")}, nil
}

const upsertGuide = `
	INSERT INTO guides (id, title, app_name, keywords, steps, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		app_name = EXCLUDED.app_name,
		keywords = EXCLUDED.keywords,
		steps = EXCLUDED.steps,
		updated_at = EXCLUDED.updated_at;
`

// Put inserts or updates a guide.
func (p *PostgresStore) Put(ctx context.Context, guide schemas.Guide) error {
	keywords, err := json.Marshal(guide.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal guide keywords: %w", err)
	}
	steps, err := json.Marshal(guide.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal guide steps: %w", err)
	}

	_, err = p.pool.Exec(ctx, upsertGuide,
		guide.ID, guide.Title, guide.AppName, keywords, steps, guide.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert guide %s: %w", guide.ID, err)
	}
	return nil
}

const searchGuides = `
	SELECT id, title, app_name, keywords, steps, updated_at
	FROM guides
	WHERE title ILIKE '%' || $1 || '%'
	   OR app_name ILIKE '%' || $1 || '%'
	   OR keywords::text ILIKE '%' || $1 || '%'
	ORDER BY updated_at DESC
	LIMIT $2;
`

// Search returns guides whose title, app name, or keywords match the query.
func (p *PostgresStore) Search(ctx context.Context, query string, limit int) ([]schemas.Guide, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, searchGuides, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query guides: %w", err)
	}
	defer rows.Close()

	var guides []schemas.Guide
	for rows.Next() {
		var (
			g        schemas.Guide
			keywords []byte
			steps    []byte
		)
		if err := rows.Scan(&g.ID, &g.Title, &g.AppName, &keywords, &steps, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan guide row: %w", err)
		}
		if err := json.Unmarshal(keywords, &g.Keywords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keywords for guide %s: %w", g.ID, err)
		}
		if err := json.Unmarshal(steps, &g.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps for guide %s: %w", g.ID, err)
		}
		guides = append(guides, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during guide row iteration: %w", err)
	}
	return guides, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

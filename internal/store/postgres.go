// Package store persists the shared document so a restarted server does not
// come back with an empty editor.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         text PRIMARY KEY,
	content    text NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// Postgres stores one document row per document id, latest content wins.
type Postgres struct {
	pool *pgxpool.Pool
	doc  string
}

// Open connects to Postgres, ensures the schema and binds the store to one
// document id.
func Open(ctx context.Context, url, docID string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensuring schema: %w", err)
	}
	return &Postgres{pool: pool, doc: docID}, nil
}

// Load returns the stored content, or empty when the document has never
// been saved.
func (p *Postgres) Load(ctx context.Context) (string, error) {
	var content string
	err := p.pool.QueryRow(ctx,
		`SELECT content FROM documents WHERE id = $1`, p.doc).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: loading document %q: %w", p.doc, err)
	}
	return content, nil
}

// Save upserts the content for this document.
func (p *Postgres) Save(ctx context.Context, content string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, content) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET content = $2, updated_at = now()`,
		p.doc, content)
	if err != nil {
		return fmt.Errorf("store: saving document %q: %w", p.doc, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

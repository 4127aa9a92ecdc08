// Package postgres persists document revisions in PostgreSQL. The hub uses
// it so the shared replica survives restarts and serves many registers.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"matjarpos/internal/docstore"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS revisions (
	collection TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	doc_id     TEXT NOT NULL,
	rev        TEXT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	lineage    JSONB NOT NULL,
	body       JSONB NOT NULL,
	PRIMARY KEY (collection, doc_id, rev)
);
CREATE INDEX IF NOT EXISTS idx_revisions_seq ON revisions(collection, seq);

CREATE TABLE IF NOT EXISTS local_docs (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	body       JSONB NOT NULL,
	PRIMARY KEY (collection, doc_id)
);
`

type Backend struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Backend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Load(ctx context.Context) ([]docstore.Record, []docstore.LocalRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT collection, seq, doc_id, rev, deleted, lineage, body
		FROM revisions
		ORDER BY collection, seq
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load revisions: %w", err)
	}
	defer rows.Close()

	var records []docstore.Record
	for rows.Next() {
		var rec docstore.Record
		var lineage []byte
		if err := rows.Scan(&rec.Collection, &rec.Seq, &rec.ID, &rec.Rev, &rec.Deleted, &lineage, &rec.Body); err != nil {
			return nil, nil, fmt.Errorf("scan revision: %w", err)
		}
		if err := json.Unmarshal(lineage, &rec.Lineage); err != nil {
			return nil, nil, fmt.Errorf("decode lineage %s/%s: %w", rec.Collection, rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate revisions: %w", err)
	}

	localRows, err := b.db.QueryContext(ctx, `SELECT collection, doc_id, body FROM local_docs`)
	if err != nil {
		return nil, nil, fmt.Errorf("load local docs: %w", err)
	}
	defer localRows.Close()

	var locals []docstore.LocalRecord
	for localRows.Next() {
		var rec docstore.LocalRecord
		if err := localRows.Scan(&rec.Collection, &rec.ID, &rec.Body); err != nil {
			return nil, nil, fmt.Errorf("scan local doc: %w", err)
		}
		locals = append(locals, rec)
	}
	return records, locals, localRows.Err()
}

func (b *Backend) SaveRevision(ctx context.Context, rec docstore.Record) error {
	lineage, err := json.Marshal(rec.Lineage)
	if err != nil {
		return fmt.Errorf("encode lineage: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO revisions (collection, seq, doc_id, rev, deleted, lineage, body)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (collection, doc_id, rev) DO NOTHING
	`, rec.Collection, rec.Seq, rec.ID, rec.Rev, rec.Deleted, lineage, rec.Body)
	if err != nil {
		return fmt.Errorf("insert revision %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (b *Backend) SaveLocal(ctx context.Context, rec docstore.LocalRecord) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO local_docs (collection, doc_id, body)
		VALUES ($1,$2,$3)
		ON CONFLICT (collection, doc_id) DO UPDATE SET body = EXCLUDED.body
	`, rec.Collection, rec.ID, rec.Body)
	if err != nil {
		return fmt.Errorf("upsert local doc %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

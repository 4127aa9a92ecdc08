// Package sqlite persists document revisions in an embedded SQLite file,
// giving a register durable offline storage without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"matjarpos/internal/docstore"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS revisions (
	collection TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	doc_id     TEXT NOT NULL,
	rev        TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	lineage    TEXT NOT NULL,
	body       BLOB NOT NULL,
	PRIMARY KEY (collection, doc_id, rev)
);
CREATE INDEX IF NOT EXISTS idx_revisions_seq ON revisions(collection, seq);

CREATE TABLE IF NOT EXISTS local_docs (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	body       BLOB NOT NULL,
	PRIMARY KEY (collection, doc_id)
);
`

type Backend struct {
	db *sql.DB
}

// Open creates or opens the SQLite file at path. WAL mode allows reads to
// proceed during writes; a single connection avoids SQLITE_BUSY with the
// single-writer engine above it.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) Load(ctx context.Context) ([]docstore.Record, []docstore.LocalRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT collection, seq, doc_id, rev, deleted, lineage, body FROM revisions ORDER BY collection, seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("load revisions: %w", err)
	}
	defer rows.Close()

	var records []docstore.Record
	for rows.Next() {
		var rec docstore.Record
		var deleted int
		var lineage []byte
		if err := rows.Scan(&rec.Collection, &rec.Seq, &rec.ID, &rec.Rev, &deleted, &lineage, &rec.Body); err != nil {
			return nil, nil, fmt.Errorf("scan revision: %w", err)
		}
		rec.Deleted = deleted != 0
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
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO revisions (collection, seq, doc_id, rev, deleted, lineage, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection, doc_id, rev) DO NOTHING`,
		rec.Collection, rec.Seq, rec.ID, rec.Rev, deleted, lineage, rec.Body)
	if err != nil {
		return fmt.Errorf("insert revision %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (b *Backend) SaveLocal(ctx context.Context, rec docstore.LocalRecord) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO local_docs (collection, doc_id, body) VALUES (?, ?, ?)
		 ON CONFLICT(collection, doc_id) DO UPDATE SET body = excluded.body`,
		rec.Collection, rec.ID, rec.Body)
	if err != nil {
		return fmt.Errorf("upsert local doc %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

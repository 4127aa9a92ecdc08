package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"matjarpos/internal/docstore"
)

// reopen opens a fresh backend on the same file, the way a register restart
// would. The previous backend must already be closed.
func reopen(t *testing.T, path string) *Backend {
	t.Helper()
	fresh, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	return fresh
}

func TestStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	backend, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	store, err := docstore.Open(ctx, backend)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	products := store.Collection("products",
		docstore.IndexDef{Name: "by-sku", Fields: []string{"sku"}})

	doc, err := products.Put(ctx, docstore.Document{
		ID:   "p1",
		Data: map[string]any{"sku": "SKU-1", "name": "Beans", "price": "100"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := products.Update(ctx, "p1", doc.Rev, map[string]any{"name": "Green Beans"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := products.LocalPut(ctx, "checkpoint-pull", map[string]any{"seq": 7}); err != nil {
		t.Fatalf("local put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = docstore.Open(ctx, reopen(t, path))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	products = store.Collection("products",
		docstore.IndexDef{Name: "by-sku", Fields: []string{"sku"}})

	got, err := products.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got.Data["name"] != "Green Beans" {
		t.Fatalf("expected updated winner after restart, got %+v", got.Data)
	}
	if gen := got.Rev[0]; gen != '2' {
		t.Fatalf("expected generation 2 winner, got rev %s", got.Rev)
	}

	// Indexes are rebuilt from the reloaded revisions.
	docs, err := products.Query(ctx, docstore.Selector{Equals: map[string]any{"sku": "SKU-1"}})
	if err != nil {
		t.Fatalf("query after restart: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "p1" {
		t.Fatalf("expected indexed lookup to find p1, got %+v", docs)
	}

	local, err := products.LocalGet(ctx, "checkpoint-pull")
	if err != nil {
		t.Fatalf("local get after restart: %v", err)
	}
	if v, ok := local["seq"].(float64); !ok || v != 7 {
		t.Fatalf("expected checkpoint seq 7, got %v", local["seq"])
	}
}

func TestTombstoneSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	backend, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, err := docstore.Open(ctx, backend)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	products := store.Collection("products")

	doc, err := products.Put(ctx, docstore.Document{ID: "p1", Data: map[string]any{"sku": "SKU-1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := products.Delete(ctx, "p1", doc.Rev); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = docstore.Open(ctx, reopen(t, path))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	products = store.Collection("products")

	if _, err := products.Get(ctx, "p1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected deleted doc to stay deleted, got %v", err)
	}
}

func TestSaveRevisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	backend, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	rec := docstore.Record{
		Collection: "products", Seq: 1, ID: "p1", Rev: "1-abc",
		Lineage: []string{"1-abc"}, Body: []byte(`{"data":{"sku":"SKU-1"}}`),
	}
	if err := backend.SaveRevision(ctx, rec); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := backend.SaveRevision(ctx, rec); err != nil {
		t.Fatalf("replayed save: %v", err)
	}

	records, _, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after replay, got %d", len(records))
	}
}

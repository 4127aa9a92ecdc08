package ledger

import (
	"context"
	"errors"
	"testing"

	"matjarpos/internal/cache"
	"matjarpos/internal/docstore"
	"matjarpos/internal/domain"
)

func newTestLedger(t *testing.T, allowNegative bool) (*Service, *docstore.Collection, *docstore.Collection) {
	t.Helper()
	store, err := docstore.Open(context.Background(), docstore.NullBackend{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	products := store.Collection("products")
	adjustments := store.Collection("stock_adjustments",
		docstore.IndexDef{Name: "by-product", Fields: []string{"productId"}},
		docstore.IndexDef{Name: "by-reference", Fields: []string{"reference"}},
	)
	return New(products, adjustments, cache.NoopStockCache{}, allowNegative), products, adjustments
}

func seedProduct(t *testing.T, products *docstore.Collection, id string, minStock int) {
	t.Helper()
	p := domain.Product{SKU: "SKU-" + id, Name: "Product " + id, MinStock: minStock, Active: true}
	fields, err := domain.Fields(p)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if _, err := products.Put(context.Background(), docstore.Document{ID: id, Data: fields}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func TestPostDerivesStockFromLedger(t *testing.T) {
	ctx := context.Background()
	svc, products, _ := newTestLedger(t, false)
	seedProduct(t, products, "p1", 0)

	if _, err := svc.Post(ctx, PostRequest{ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 10, Reason: "receiving", Actor: "admin"}); err != nil {
		t.Fatalf("post in: %v", err)
	}
	if _, err := svc.Post(ctx, PostRequest{ProductID: "p1", Direction: domain.AdjustmentOut, Quantity: 3, Reason: "sale", Actor: "cashier"}); err != nil {
		t.Fatalf("post out: %v", err)
	}

	stock, err := svc.Stock(ctx, "p1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock != 7 {
		t.Fatalf("stock: want 7, got %d", stock)
	}

	// The product's stock field is refreshed as a convenience cache.
	doc, err := products.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	var p domain.Product
	if err := domain.Decode(doc.Data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Stock != 7 {
		t.Fatalf("product stock field: want 7, got %d", p.Stock)
	}
}

func TestInsufficientStockLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	svc, products, _ := newTestLedger(t, false)
	seedProduct(t, products, "p1", 0)

	if _, err := svc.Post(ctx, PostRequest{ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 2, Reason: "receiving", Actor: "admin"}); err != nil {
		t.Fatalf("post in: %v", err)
	}

	_, err := svc.Post(ctx, PostRequest{ProductID: "p1", Direction: domain.AdjustmentOut, Quantity: 5, Reason: "sale", Actor: "cashier"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	stock, err := svc.Stock(ctx, "p1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock != 2 {
		t.Fatalf("failed post must not change stock: want 2, got %d", stock)
	}
}

func TestBackorderModeAllowsNegativeStock(t *testing.T) {
	ctx := context.Background()
	svc, products, _ := newTestLedger(t, true)
	seedProduct(t, products, "p1", 0)

	if _, err := svc.Post(ctx, PostRequest{ProductID: "p1", Direction: domain.AdjustmentOut, Quantity: 4, Reason: "backorder", Actor: "cashier"}); err != nil {
		t.Fatalf("post out: %v", err)
	}
	stock, err := svc.Stock(ctx, "p1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock != -4 {
		t.Fatalf("stock: want -4, got %d", stock)
	}
}

func TestPostWithExplicitIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, products, _ := newTestLedger(t, false)
	seedProduct(t, products, "p1", 0)

	req := PostRequest{ID: "sale-inv1-p1", ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 5, Reason: "receiving", Reference: "inv1", Actor: "admin"}
	first, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	second, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("replayed post: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay must return the original entry")
	}

	stock, err := svc.Stock(ctx, "p1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock != 5 {
		t.Fatalf("replayed post must not double count: want 5, got %d", stock)
	}

	entries, err := svc.Adjustments(ctx, "inv1")
	if err != nil {
		t.Fatalf("adjustments: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

func TestFoldIsOrderIndependent(t *testing.T) {
	ctx := context.Background()

	svcA, productsA, adjustmentsA := newTestLedger(t, false)
	svcB, productsB, adjustmentsB := newTestLedger(t, false)
	seedProduct(t, productsA, "p1", 0)
	seedProduct(t, productsB, "p1", 0)

	if _, err := svcA.Post(ctx, PostRequest{ID: "adj-1", ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 10, Reason: "receiving", Actor: "admin"}); err != nil {
		t.Fatalf("post 1: %v", err)
	}
	if _, err := svcA.Post(ctx, PostRequest{ID: "adj-2", ProductID: "p1", Direction: domain.AdjustmentOut, Quantity: 4, Reason: "sale", Actor: "cashier"}); err != nil {
		t.Fatalf("post 2: %v", err)
	}

	// Replicate the entries into B in reverse order, as a pull might.
	for _, id := range []string{"adj-2", "adj-1"} {
		doc, err := adjustmentsA.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		full, lineage, err := adjustmentsA.GetRev(ctx, id, doc.Rev)
		if err != nil {
			t.Fatalf("get rev %s: %v", id, err)
		}
		if err := adjustmentsB.ForceInsert(ctx, full, lineage); err != nil {
			t.Fatalf("force insert %s: %v", id, err)
		}
	}

	stockA, err := svcA.Stock(ctx, "p1")
	if err != nil {
		t.Fatalf("stock A: %v", err)
	}
	stockB, err := svcB.Stock(ctx, "p1")
	if err != nil {
		t.Fatalf("stock B: %v", err)
	}
	if stockA != stockB || stockA != 6 {
		t.Fatalf("fold must converge regardless of delivery order: A=%d B=%d", stockA, stockB)
	}
}

func TestLowStock(t *testing.T) {
	ctx := context.Background()
	svc, products, _ := newTestLedger(t, false)
	seedProduct(t, products, "low", 5)
	seedProduct(t, products, "ok", 5)

	if _, err := svc.Post(ctx, PostRequest{ProductID: "low", Direction: domain.AdjustmentIn, Quantity: 3, Reason: "receiving", Actor: "admin"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := svc.Post(ctx, PostRequest{ProductID: "ok", Direction: domain.AdjustmentIn, Quantity: 20, Reason: "receiving", Actor: "admin"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	low, err := svc.LowStock(ctx)
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 1 || low[0].ID != "low" {
		t.Fatalf("expected only the low product, got %+v", low)
	}
	if low[0].Stock != 3 {
		t.Fatalf("low stock report must carry the derived count, got %d", low[0].Stock)
	}
}

func TestPostValidation(t *testing.T) {
	ctx := context.Background()
	svc, products, _ := newTestLedger(t, false)
	seedProduct(t, products, "p1", 0)

	cases := []PostRequest{
		{ProductID: "", Direction: domain.AdjustmentIn, Quantity: 1},
		{ProductID: "p1", Direction: "sideways", Quantity: 1},
		{ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 0},
	}
	for i, req := range cases {
		if _, err := svc.Post(ctx, req); !errors.Is(err, docstore.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	if _, err := svc.Post(ctx, PostRequest{ProductID: "ghost", Direction: domain.AdjustmentIn, Quantity: 1}); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("unknown product must fail with ErrNotFound, got %v", err)
	}
}

// Package ledger maintains the append-only stock adjustment log and derives
// authoritative stock counts from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"matjarpos/internal/cache"
	"matjarpos/internal/docstore"
	"matjarpos/internal/domain"
)

var ErrInsufficientStock = errors.New("insufficient stock")

type Service struct {
	products    *docstore.Collection
	adjustments *docstore.Collection
	cache       cache.StockCache
	cacheTTL    time.Duration

	// allowNegative enables backorder mode: out adjustments may drive
	// derived stock below zero. Default deployments disallow it.
	allowNegative bool
}

func New(products, adjustments *docstore.Collection, stockCache cache.StockCache, allowNegative bool) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	return &Service{
		products:      products,
		adjustments:   adjustments,
		cache:         stockCache,
		cacheTTL:      5 * time.Minute,
		allowNegative: allowNegative,
	}
}

type PostRequest struct {
	// ID is optional. Deterministic ids (invoice postings) make a replayed
	// post a no-op instead of a double count.
	ID        string
	ProductID string
	Direction string
	Quantity  int
	Reason    string
	Reference string
	Actor     string
}

// Post appends one immutable adjustment and refreshes the product's cached
// stock field. The derived count is recomputed as a signed fold over all
// adjustments, so entries replayed in any order converge to the same value.
func (s *Service) Post(ctx context.Context, req PostRequest) (domain.StockAdjustment, error) {
	if req.ProductID == "" {
		return domain.StockAdjustment{}, fmt.Errorf("%w: missing product id", docstore.ErrValidation)
	}
	if req.Direction != domain.AdjustmentIn && req.Direction != domain.AdjustmentOut {
		return domain.StockAdjustment{}, fmt.Errorf("%w: direction must be in or out", docstore.ErrValidation)
	}
	if req.Quantity <= 0 {
		return domain.StockAdjustment{}, fmt.Errorf("%w: quantity must be positive", docstore.ErrValidation)
	}
	if _, err := s.products.Get(ctx, req.ProductID); err != nil {
		return domain.StockAdjustment{}, err
	}

	if req.ID != "" {
		if existing, err := s.getAdjustment(ctx, req.ID); err == nil {
			return existing, nil
		}
	}

	derived, err := s.fold(ctx, req.ProductID)
	if err != nil {
		return domain.StockAdjustment{}, err
	}
	next := derived
	if req.Direction == domain.AdjustmentIn {
		next += req.Quantity
	} else {
		next -= req.Quantity
		if next < 0 && !s.allowNegative {
			return domain.StockAdjustment{}, fmt.Errorf("%w: product %s has %d, requested %d",
				ErrInsufficientStock, req.ProductID, derived, req.Quantity)
		}
	}

	adj := domain.StockAdjustment{
		ID:        req.ID,
		ProductID: req.ProductID,
		Direction: req.Direction,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Reference: req.Reference,
		CreatedBy: req.Actor,
	}
	fields, err := domain.Fields(adj)
	if err != nil {
		return domain.StockAdjustment{}, err
	}
	doc, err := s.adjustments.Put(ctx, docstore.Document{ID: req.ID, Data: fields})
	if err != nil {
		if errors.Is(err, docstore.ErrConflict) && req.ID != "" {
			// Lost the race to an identical idempotent posting.
			return s.getAdjustment(ctx, req.ID)
		}
		return domain.StockAdjustment{}, err
	}

	s.refreshProductStock(ctx, req.ProductID, next)
	return adjustmentFromDoc(doc)
}

// CheckAvailability reports whether an out posting of quantity would succeed
// under the current backorder policy. It folds the ledger directly rather
// than consulting the advisory cache, so a stale cache cannot approve an
// oversell.
func (s *Service) CheckAvailability(ctx context.Context, productID string, quantity int) error {
	if s.allowNegative {
		return nil
	}
	derived, err := s.fold(ctx, productID)
	if err != nil {
		return err
	}
	if derived-quantity < 0 {
		return fmt.Errorf("%w: product %s has %d, requested %d",
			ErrInsufficientStock, productID, derived, quantity)
	}
	return nil
}

// Stock returns the derived stock for a product, served from the advisory
// cache when possible.
func (s *Service) Stock(ctx context.Context, productID string) (int, error) {
	if stock, ok, err := s.cache.Get(ctx, productID); err == nil && ok {
		return stock, nil
	}
	stock, err := s.fold(ctx, productID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, productID, stock, s.cacheTTL); err != nil {
		log.Printf("[ledger] WARN: stock cache set failed for %s: %v", productID, err)
	}
	return stock, nil
}

// RefreshCachedStock recomputes a product's derived stock and writes it back
// to the product's cached stock field. Used after replication delivers
// adjustments from other registers, including conflict branches.
func (s *Service) RefreshCachedStock(ctx context.Context, productID string) (int, error) {
	stock, err := s.fold(ctx, productID)
	if err != nil {
		return 0, err
	}
	s.refreshProductStock(ctx, productID, stock)
	return stock, nil
}

// Adjustments returns all ledger entries for a reference (e.g. an invoice).
func (s *Service) Adjustments(ctx context.Context, reference string) ([]domain.StockAdjustment, error) {
	docs, err := s.adjustments.Query(ctx, docstore.Selector{Equals: map[string]any{"reference": reference}})
	if err != nil {
		return nil, err
	}
	return adjustmentsFromDocs(docs)
}

// LowStock returns active products whose derived stock is at or below their
// minimum.
func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	docs, err := s.products.Query(ctx, docstore.Selector{Equals: map[string]any{"active": true}})
	if err != nil {
		return nil, err
	}

	var out []domain.Product
	for _, doc := range docs {
		var p domain.Product
		if err := domain.Decode(doc.Data, &p); err != nil {
			continue
		}
		p.ID, p.Rev = doc.ID, doc.Rev
		stock, err := s.fold(ctx, doc.ID)
		if err != nil {
			continue
		}
		if stock <= p.MinStock {
			p.Stock = stock
			out = append(out, p)
		}
	}
	return out, nil
}

// fold sums all adjustments for a product: in counts positive, out negative.
// The fold is associative and commutative, so replication delivering entries
// out of creation order converges to the same count.
func (s *Service) fold(ctx context.Context, productID string) (int, error) {
	docs, err := s.adjustments.Query(ctx, docstore.Selector{Equals: map[string]any{"productId": productID}})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, doc := range docs {
		var adj domain.StockAdjustment
		if err := domain.Decode(doc.Data, &adj); err != nil {
			return 0, fmt.Errorf("decode adjustment %s: %w", doc.ID, err)
		}
		if adj.Direction == domain.AdjustmentIn {
			total += adj.Quantity
		} else {
			total -= adj.Quantity
		}
	}
	return total, nil
}

// refreshProductStock writes the derived count onto the product document.
// The field is a convenience cache only, so failures are logged and the
// write retried once on a concurrent edit.
func (s *Service) refreshProductStock(ctx context.Context, productID string, stock int) {
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := s.products.Get(ctx, productID)
		if err != nil {
			log.Printf("[ledger] WARN: stock refresh read failed for %s: %v", productID, err)
			return
		}
		if _, err := s.products.Update(ctx, productID, doc.Rev, map[string]any{"stock": stock}); err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			log.Printf("[ledger] WARN: stock refresh write failed for %s: %v", productID, err)
			return
		}
		break
	}
	if err := s.cache.Set(ctx, productID, stock, s.cacheTTL); err != nil {
		log.Printf("[ledger] WARN: stock cache set failed for %s: %v", productID, err)
	}
}

func (s *Service) getAdjustment(ctx context.Context, id string) (domain.StockAdjustment, error) {
	doc, err := s.adjustments.Get(ctx, id)
	if err != nil {
		return domain.StockAdjustment{}, err
	}
	return adjustmentFromDoc(doc)
}

func adjustmentFromDoc(doc docstore.Document) (domain.StockAdjustment, error) {
	var adj domain.StockAdjustment
	if err := domain.Decode(doc.Data, &adj); err != nil {
		return domain.StockAdjustment{}, err
	}
	adj.ID, adj.Rev, adj.CreatedAt = doc.ID, doc.Rev, doc.CreatedAt
	return adj, nil
}

func adjustmentsFromDocs(docs []docstore.Document) ([]domain.StockAdjustment, error) {
	out := make([]domain.StockAdjustment, 0, len(docs))
	for _, doc := range docs {
		adj, err := adjustmentFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, adj)
	}
	return out, nil
}

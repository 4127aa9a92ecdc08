// Package invoice finalizes carts into immutable invoices: sequence number
// assignment, price/tax snapshots and idempotent stock ledger postings, as
// one logical unit of work.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/shopspring/decimal"

	"matjarpos/internal/cart"
	"matjarpos/internal/docstore"
	"matjarpos/internal/domain"
	"matjarpos/internal/ledger"
)

var (
	// ErrStaleCart means a product changed between cart population and
	// finalize; the caller must refresh the cart and retry.
	ErrStaleCart = errors.New("stale cart")

	// ErrSequenceContention means the sequence counter could not be
	// advanced within the bounded retry budget.
	ErrSequenceContention = errors.New("sequence contention")
)

const (
	sequenceDocID      = "invoice-sequence"
	maxSequenceRetries = 5
)

type Engine struct {
	invoices  *docstore.Collection
	products  *docstore.Collection
	customers *docstore.Collection
	ledger    *ledger.Service

	// sequenceRaceHook runs between reading and advancing the counter.
	// Tests use it to interleave a competing writer.
	sequenceRaceHook func(context.Context)
}

func New(invoices, products, customers *docstore.Collection, ledgerSvc *ledger.Service) *Engine {
	return &Engine{invoices: invoices, products: products, customers: customers, ledger: ledgerSvc}
}

// Finalize converts the cart into an immutable invoice. Steps: verify every
// referenced product is unchanged since cart population and can cover its
// line under the backorder policy, claim the next sequence number, snapshot line prices, write the invoice, then post one
// ledger out adjustment per line. Postings are idempotent (keyed by invoice
// and product), so a crash after the invoice write recovers cleanly through
// CompletePostings.
func (e *Engine) Finalize(ctx context.Context, c *cart.Cart, customerID string, pay domain.Payment, actor string) (domain.Invoice, error) {
	if c == nil || c.Empty() {
		return domain.Invoice{}, fmt.Errorf("%w: cart is empty", docstore.ErrValidation)
	}
	if pay.Method != domain.PaymentCash && pay.Method != domain.PaymentCard && pay.Method != domain.PaymentMultiple {
		return domain.Invoice{}, fmt.Errorf("%w: unknown payment method %q", docstore.ErrValidation, pay.Method)
	}
	if pay.Amount.IsNegative() {
		return domain.Invoice{}, fmt.Errorf("%w: payment must not be negative", docstore.ErrValidation)
	}

	lines := c.Lines()
	for _, line := range lines {
		doc, err := e.products.Get(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return domain.Invoice{}, fmt.Errorf("%w: product %s no longer exists", ErrStaleCart, line.ProductID)
			}
			return domain.Invoice{}, err
		}
		if doc.Rev != line.ProductRev {
			return domain.Invoice{}, fmt.Errorf("%w: product %s changed since cart population", ErrStaleCart, line.ProductID)
		}
		// Gate oversells before anything durable is written. Postings
		// enforce the same policy; checking here keeps a doomed checkout
		// from producing a paid invoice whose postings can never land.
		if err := e.ledger.CheckAvailability(ctx, line.ProductID, line.Quantity); err != nil {
			if errors.Is(err, ledger.ErrInsufficientStock) {
				return domain.Invoice{}, err
			}
			log.Printf("[invoice] WARN: availability check failed for %s: %v", line.ProductID, err)
		}
	}

	if customerID != "" {
		if _, err := e.customers.Get(ctx, customerID); err != nil {
			return domain.Invoice{}, err
		}
	}

	seq, err := e.nextSequence(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}

	totals := c.Totals()
	status := domain.InvoiceStatusPaid
	change := pay.Amount.Sub(totals.Total)
	if change.IsNegative() {
		status = domain.InvoiceStatusPartial
		change = decimal.Zero
	}

	items := make([]domain.InvoiceItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.InvoiceItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			Price:     line.Price,
			Tax:       line.Tax,
		})
	}

	discountType, discountValue := c.Discount()
	inv := domain.Invoice{
		Number:        fmt.Sprintf("INV-%06d", seq),
		CustomerID:    customerID,
		Items:         items,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		DiscountType:  discountType,
		DiscountValue: discountValue,
		Discount:      totals.Discount,
		Total:         totals.Total,
		Paid:          pay.Amount,
		Change:        change,
		PaymentMethod: pay.Method,
		Status:        status,
		UpdatedBy:     actor,
	}
	fields, err := domain.Fields(inv)
	if err != nil {
		return domain.Invoice{}, err
	}
	doc, err := e.invoices.Put(ctx, docstore.Document{Data: fields})
	if err != nil {
		return domain.Invoice{}, err
	}
	inv.ID, inv.Rev = doc.ID, doc.Rev
	inv.CreatedAt, inv.UpdatedAt = doc.CreatedAt, doc.UpdatedAt

	if err := e.postLedger(ctx, inv, actor); err != nil {
		// The invoice stands; postings are idempotent and recoverable.
		return inv, fmt.Errorf("invoice %s written but ledger incomplete: %w", inv.Number, err)
	}

	e.applyCustomerEffects(ctx, inv)
	return inv, nil
}

// CompletePostings retries the ledger postings for an invoice until all are
// present. Safe to call any number of times.
func (e *Engine) CompletePostings(ctx context.Context, invoiceID string) error {
	inv, err := e.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Status == domain.InvoiceStatusVoid {
		return fmt.Errorf("%w: invoice %s is void", docstore.ErrValidation, inv.Number)
	}
	return e.postLedger(ctx, inv, inv.UpdatedBy)
}

// Void posts compensating in adjustments equal to the original out
// adjustments and flips status to void. The original invoice is never
// deleted.
func (e *Engine) Void(ctx context.Context, invoiceID, reason, actor string) (domain.Invoice, error) {
	inv, err := e.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Status == domain.InvoiceStatusVoid {
		return domain.Invoice{}, fmt.Errorf("%w: invoice %s already void", docstore.ErrValidation, inv.Number)
	}
	if reason == "" {
		reason = "unspecified"
	}

	posted, err := e.ledger.Adjustments(ctx, inv.ID)
	if err != nil {
		return domain.Invoice{}, err
	}
	for _, adj := range posted {
		if adj.Direction != domain.AdjustmentOut {
			continue
		}
		_, err := e.ledger.Post(ctx, ledger.PostRequest{
			ID:        voidAdjustmentID(inv.ID, adj.ProductID),
			ProductID: adj.ProductID,
			Direction: domain.AdjustmentIn,
			Quantity:  adj.Quantity,
			Reason:    "void " + inv.Number,
			Reference: inv.ID,
			Actor:     actor,
		})
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("compensate %s: %w", adj.ProductID, err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := e.invoices.Get(ctx, inv.ID)
		if err != nil {
			return domain.Invoice{}, err
		}
		updated, err := e.invoices.Update(ctx, inv.ID, doc.Rev, map[string]any{
			"status":     domain.InvoiceStatusVoid,
			"voidReason": reason,
			"updatedBy":  actor,
		})
		if err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			return domain.Invoice{}, err
		}
		return invoiceFromDoc(updated)
	}
	return domain.Invoice{}, fmt.Errorf("%w: voiding invoice %s", docstore.ErrConflict, inv.Number)
}

func (e *Engine) Get(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	doc, err := e.invoices.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return invoiceFromDoc(doc)
}

// List returns invoices, newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status string, limit int) ([]domain.Invoice, error) {
	sel := docstore.Selector{}
	if status != "" {
		sel.Equals = map[string]any{"status": status}
	}
	docs, err := e.invoices.Query(ctx, sel)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Invoice, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == sequenceDocID {
			continue
		}
		inv, err := invoiceFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSynced flags invoices the hub has accepted. Best effort: a failed
// write just means the id is reported again on the next push cycle, and
// already-flagged invoices are skipped so the flag write itself does not
// trigger another round.
func (e *Engine) MarkSynced(ctx context.Context, ids []string) {
	for _, id := range ids {
		if id == sequenceDocID {
			continue
		}
		doc, err := e.invoices.Get(ctx, id)
		if err != nil {
			continue
		}
		if synced, _ := doc.Data["synced"].(bool); synced {
			continue
		}
		if _, err := e.invoices.Update(ctx, id, doc.Rev, map[string]any{"synced": true}); err != nil {
			log.Printf("[invoice] WARN: could not flag %s as synced: %v", id, err)
		}
	}
}

// nextSequence reads and increments the dedicated counter document under
// the same optimistic-concurrency discipline as any other write, retrying a
// bounded number of times on conflict.
func (e *Engine) nextSequence(ctx context.Context) (int, error) {
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		doc, err := e.invoices.Get(ctx, sequenceDocID)
		if errors.Is(err, docstore.ErrNotFound) {
			_, err := e.invoices.Put(ctx, docstore.Document{
				ID:   sequenceDocID,
				Data: map[string]any{"counter": true, "value": 1},
			})
			if err == nil {
				return 1, nil
			}
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			return 0, err
		}
		if err != nil {
			return 0, err
		}

		next := counterValue(doc.Data["value"]) + 1
		if e.sequenceRaceHook != nil {
			e.sequenceRaceHook(ctx)
		}
		if _, err := e.invoices.Update(ctx, sequenceDocID, doc.Rev, map[string]any{"value": next}); err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			return 0, err
		}
		return next, nil
	}
	return 0, fmt.Errorf("%w: could not advance invoice counter after %d attempts",
		ErrSequenceContention, maxSequenceRetries)
}

func (e *Engine) postLedger(ctx context.Context, inv domain.Invoice, actor string) error {
	var firstErr error
	for _, item := range inv.Items {
		_, err := e.ledger.Post(ctx, ledger.PostRequest{
			ID:        saleAdjustmentID(inv.ID, item.ProductID),
			ProductID: item.ProductID,
			Direction: domain.AdjustmentOut,
			Quantity:  item.Quantity,
			Reason:    "sale " + inv.Number,
			Reference: inv.ID,
			Actor:     actor,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyCustomerEffects accrues loyalty points and, for partial payments,
// adds the shortfall to the customer balance. Best effort: a failure here
// never unwinds the invoice.
func (e *Engine) applyCustomerEffects(ctx context.Context, inv domain.Invoice) {
	if inv.CustomerID == "" {
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := e.customers.Get(ctx, inv.CustomerID)
		if err != nil {
			log.Printf("[invoice] WARN: customer read failed for %s: %v", inv.CustomerID, err)
			return
		}
		var cust domain.Customer
		if err := domain.Decode(doc.Data, &cust); err != nil {
			log.Printf("[invoice] WARN: customer decode failed for %s: %v", inv.CustomerID, err)
			return
		}

		fields := map[string]any{
			"loyaltyPoints": cust.LoyaltyPoints + inv.Total.IntPart(),
		}
		if inv.Status == domain.InvoiceStatusPartial {
			fields["balance"] = cust.Balance.Add(inv.Total.Sub(inv.Paid)).String()
		}
		if _, err := e.customers.Update(ctx, inv.CustomerID, doc.Rev, fields); err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			log.Printf("[invoice] WARN: customer update failed for %s: %v", inv.CustomerID, err)
		}
		return
	}
}

// counterValue tolerates both in-memory writes (int) and values that went
// through a JSON round trip (float64).
func counterValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}

func saleAdjustmentID(invoiceID, productID string) string {
	return fmt.Sprintf("sale-%s-%s", invoiceID, productID)
}

func voidAdjustmentID(invoiceID, productID string) string {
	return fmt.Sprintf("void-%s-%s", invoiceID, productID)
}

func invoiceFromDoc(doc docstore.Document) (domain.Invoice, error) {
	var inv domain.Invoice
	if err := domain.Decode(doc.Data, &inv); err != nil {
		return domain.Invoice{}, err
	}
	inv.ID, inv.Rev = doc.ID, doc.Rev
	inv.CreatedAt, inv.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return inv, nil
}

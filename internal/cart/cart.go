// Package cart holds the in-memory working set for one register session.
// A cart is never shared between goroutines: each register drives a single
// active cart, so there is no internal locking.
package cart

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"matjarpos/internal/domain"
)

var ErrValidation = errors.New("invalid cart operation")

type Cart struct {
	lines         []domain.CartLine
	discountType  string
	discountValue decimal.Decimal
	totals        domain.CartTotals
}

func New() *Cart {
	c := &Cart{}
	c.recompute()
	return c
}

// AddItem merges into an existing line for the same product instead of
// duplicating it, and records the product revision the caller observed so
// finalize can detect a stale cart.
func (c *Cart) AddItem(p domain.Product, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: product has no id", ErrValidation)
	}

	for i := range c.lines {
		if c.lines[i].ProductID == p.ID {
			// Merging re-snapshots the product so the line cannot carry an
			// old price under the rev the caller just fetched.
			c.lines[i].Quantity += quantity
			c.lines[i].ProductRev = p.Rev
			c.lines[i].Name = p.Name
			c.lines[i].Price = p.Price
			c.lines[i].Tax = p.Tax
			c.recompute()
			return nil
		}
	}

	c.lines = append(c.lines, domain.CartLine{
		ProductID:  p.ID,
		Name:       p.Name,
		Quantity:   quantity,
		Price:      p.Price,
		Tax:        p.Tax,
		ProductRev: p.Rev,
	})
	c.recompute()
	return nil
}

func (c *Cart) RemoveItem(productID string) error {
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			c.recompute()
			return nil
		}
	}
	return fmt.Errorf("%w: product %s not in cart", ErrValidation, productID)
}

func (c *Cart) SetQuantity(productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity = quantity
			c.recompute()
			return nil
		}
	}
	return fmt.Errorf("%w: product %s not in cart", ErrValidation, productID)
}

// ApplyDiscount sets the cart discount: percentage of the subtotal, or a
// fixed amount clamped to never exceed the subtotal.
func (c *Cart) ApplyDiscount(discountType string, value decimal.Decimal) error {
	switch discountType {
	case domain.DiscountPercentage:
		if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: percentage must be between 0 and 100", ErrValidation)
		}
	case domain.DiscountFixed:
		if value.IsNegative() {
			return fmt.Errorf("%w: fixed discount must not be negative", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown discount type %q", ErrValidation, discountType)
	}

	c.discountType = discountType
	c.discountValue = value
	c.recompute()
	return nil
}

func (c *Cart) ClearDiscount() {
	c.discountType = ""
	c.discountValue = decimal.Zero
	c.recompute()
}

// recompute runs after every mutation:
//
//	subtotal = sum(price * qty)
//	tax      = sum(price * qty * taxRate)
//	total    = subtotal + tax - discount
func (c *Cart) recompute() {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for _, line := range c.lines {
		qty := decimal.NewFromInt(int64(line.Quantity))
		lineTotal := line.Price.Mul(qty)
		subtotal = subtotal.Add(lineTotal)
		tax = tax.Add(lineTotal.Mul(line.Tax))
	}

	discount := decimal.Zero
	switch c.discountType {
	case domain.DiscountPercentage:
		discount = subtotal.Mul(c.discountValue).Div(decimal.NewFromInt(100))
	case domain.DiscountFixed:
		discount = c.discountValue
		if discount.GreaterThan(subtotal) {
			discount = subtotal
		}
	}

	c.totals = domain.CartTotals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    subtotal.Add(tax).Sub(discount),
	}
}

func (c *Cart) Totals() domain.CartTotals {
	return c.totals
}

func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Empty() bool {
	return len(c.lines) == 0
}

func (c *Cart) Discount() (string, decimal.Decimal) {
	return c.discountType, c.discountValue
}

func (c *Cart) State() domain.CartState {
	return domain.CartState{Items: c.Lines(), Totals: c.totals}
}

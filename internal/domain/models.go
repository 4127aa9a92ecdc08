package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CustomerTypeRetail    = "retail"
	CustomerTypeWholesale = "wholesale"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	AdjustmentIn  = "in"
	AdjustmentOut = "out"
)

const (
	InvoiceStatusPaid    = "paid"
	InvoiceStatusPartial = "partial"
	InvoiceStatusVoid    = "void"
)

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentMultiple = "multiple"
)

// PermissionAll is the wildcard permission granted to admins.
const PermissionAll = "*"

type Product struct {
	ID          string          `json:"id"`
	Rev         string          `json:"rev,omitempty"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	Stock       int             `json:"stock"`
	MinStock    int             `json:"minStock"`
	Tax         decimal.Decimal `json:"tax"`
	Category    string          `json:"category"`
	Barcode     string          `json:"barcode,omitempty"`
	Unit        string          `json:"unit"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Customer struct {
	ID            string          `json:"id"`
	Rev           string          `json:"rev,omitempty"`
	Name          string          `json:"name"`
	Phone         string          `json:"phone"`
	Email         string          `json:"email,omitempty"`
	Address       string          `json:"address,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	LoyaltyPoints int64           `json:"loyaltyPoints"`
	Type          string          `json:"type"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// StockAdjustment is immutable once created. Derived product stock is the
// signed fold of all adjustments for a product, never a directly written
// counter.
type StockAdjustment struct {
	ID        string    `json:"id"`
	Rev       string    `json:"rev,omitempty"`
	ProductID string    `json:"productId"`
	Direction string    `json:"direction"`
	Quantity  int       `json:"quantity"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// InvoiceItem snapshots the product's price and tax at finalize time.
// Later catalog edits never change historical invoices.
type InvoiceItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Tax       decimal.Decimal `json:"tax"`
	Discount  decimal.Decimal `json:"discount"`
}

type Invoice struct {
	ID            string          `json:"id"`
	Rev           string          `json:"rev,omitempty"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customerId,omitempty"`
	Items         []InvoiceItem   `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	DiscountType  string          `json:"discountType,omitempty"`
	DiscountValue decimal.Decimal `json:"discountValue"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	Paid          decimal.Decimal `json:"paid"`
	Change        decimal.Decimal `json:"change"`
	PaymentMethod string          `json:"paymentMethod"`
	Status        string          `json:"status"`
	Synced        bool            `json:"synced"`
	UpdatedBy     string          `json:"updatedBy"`
	VoidReason    string          `json:"voidReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type User struct {
	ID           string     `json:"id"`
	Rev          string     `json:"rev,omitempty"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	Permissions  []string   `json:"permissions"`
	Active       bool       `json:"active"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// UserView is the safe projection of a User handed to callers after login.
// It never carries the password hash.
type UserView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	Permissions []string   `json:"permissions"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
}

type Payment struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// CartLine is one line of the ephemeral cart working set.
type CartLine struct {
	ProductID  string          `json:"productId"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Tax        decimal.Decimal `json:"tax"`
	ProductRev string          `json:"-"`
}

type CartTotals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

type CartState struct {
	Items  []CartLine `json:"items"`
	Totals CartTotals `json:"totals"`
}

// BusinessProfile carries the fields the external receipt renderer needs
// alongside a finalized invoice.
type BusinessProfile struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

func DefaultPermissions(role string) []string {
	if role == RoleAdmin {
		return []string{PermissionAll}
	}
	return []string{"pos.access", "products.view", "customers.view"}
}

func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleCashier
}

func ValidCustomerType(t string) bool {
	return t == CustomerTypeRetail || t == CustomerTypeWholesale
}

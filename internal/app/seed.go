package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"matjarpos/internal/auth"
	"matjarpos/internal/docstore"
	"matjarpos/internal/domain"
	"matjarpos/internal/ledger"
)

// SeedUsers ensures the admin and cashier accounts exist. Credentials are
// read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if unset,
// hardcoded dev defaults are used with a warning. Re-running against a store
// that already has the accounts is a no-op.
func (a *App) SeedUsers(ctx context.Context) error {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[seed] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	for _, u := range []struct {
		username string
		password string
		name     string
		role     string
	}{
		{"admin", adminPwd, "Administrator", domain.RoleAdmin},
		{"cashier", cashierPwd, "Cashier", domain.RoleCashier},
	} {
		_, err := a.Auth.Register(ctx, u.username, u.password, u.name, u.role)
		if errors.Is(err, auth.ErrDuplicateUsername) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.username, err)
		}
		log.Printf("[seed] created user %s (%s)", u.username, u.role)
	}
	return nil
}

// SeedDemoData loads a small demo catalog with opening stock, plus a couple
// of customers. Document ids and opening-stock adjustment ids are
// deterministic, so reseeding an existing store changes nothing.
func (a *App) SeedDemoData(ctx context.Context) error {
	products := []domain.Product{
		{SKU: "SKU-RICE-5KG", Name: "Basmati Rice 5kg", Price: dec("18.50"), Cost: dec("14.20"), MinStock: 10, Tax: dec("0.05"), Category: "grocery", Barcode: "6281000000015", Unit: "bag", Active: true},
		{SKU: "SKU-OIL-1L", Name: "Sunflower Oil 1L", Price: dec("7.25"), Cost: dec("5.40"), MinStock: 15, Tax: dec("0.05"), Category: "grocery", Barcode: "6281000000022", Unit: "bottle", Active: true},
		{SKU: "SKU-MILK-1L", Name: "Fresh Milk 1L", Price: dec("5.00"), Cost: dec("3.80"), MinStock: 20, Tax: decimal.Zero, Category: "dairy", Barcode: "6281000000039", Unit: "carton", Active: true},
		{SKU: "SKU-WATER-6PK", Name: "Mineral Water 6-pack", Price: dec("6.00"), Cost: dec("4.10"), MinStock: 25, Tax: dec("0.05"), Category: "beverage", Barcode: "6281000000046", Unit: "pack", Active: true},
		{SKU: "SKU-TEA-100", Name: "Black Tea 100 bags", Price: dec("9.75"), Cost: dec("6.90"), MinStock: 8, Tax: dec("0.05"), Category: "beverage", Barcode: "6281000000053", Unit: "box", Active: true},
		{SKU: "SKU-SUGAR-2KG", Name: "White Sugar 2kg", Price: dec("4.50"), Cost: dec("3.30"), MinStock: 12, Tax: dec("0.05"), Category: "grocery", Barcode: "6281000000060", Unit: "bag", Active: true},
		{SKU: "SKU-DATES-1KG", Name: "Khalas Dates 1kg", Price: dec("22.00"), Cost: dec("16.50"), MinStock: 5, Tax: decimal.Zero, Category: "snack", Barcode: "6281000000077", Unit: "box", Active: true},
		{SKU: "SKU-SOAP-4PK", Name: "Bar Soap 4-pack", Price: dec("8.25"), Cost: dec("5.60"), MinStock: 10, Tax: dec("0.05"), Category: "household", Barcode: "6281000000084", Unit: "pack", Active: true},
	}
	const openingStock = 120

	for _, p := range products {
		id := "seed-product-" + p.SKU
		fields, err := domain.Fields(p)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
		_, err = a.Collections.Products.Put(ctx, docstore.Document{ID: id, Data: fields})
		if err != nil && !errors.Is(err, docstore.ErrConflict) {
			return fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		_, err = a.Ledger.Post(ctx, ledger.PostRequest{
			ID:        "seed-stock-" + id,
			ProductID: id,
			Direction: domain.AdjustmentIn,
			Quantity:  openingStock,
			Reason:    "opening stock",
			Actor:     "seed",
		})
		if err != nil {
			return fmt.Errorf("seed opening stock for %s: %w", p.SKU, err)
		}
	}

	customers := []domain.Customer{
		{Name: "Walk-in Counter", Phone: "000000000", Type: domain.CustomerTypeRetail, Balance: decimal.Zero},
		{Name: "Al Noor Trading", Phone: "0501234567", Type: domain.CustomerTypeWholesale, Balance: decimal.Zero},
		{Name: "Fatima Hassan", Phone: "0559876543", Type: domain.CustomerTypeRetail, Balance: decimal.Zero},
	}
	for _, c := range customers {
		id := "seed-customer-" + c.Phone
		fields, err := domain.Fields(c)
		if err != nil {
			return fmt.Errorf("seed customer %s: %w", c.Name, err)
		}
		_, err = a.Collections.Customers.Put(ctx, docstore.Document{ID: id, Data: fields})
		if err != nil && !errors.Is(err, docstore.ErrConflict) {
			return fmt.Errorf("seed customer %s: %w", c.Name, err)
		}
	}

	log.Printf("[seed] demo catalog ready: %d products, %d customers", len(products), len(customers))
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

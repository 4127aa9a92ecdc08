// Package app assembles the document store, services, and replication into
// one runnable unit shared by the register and hub binaries.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"matjarpos/internal/auth"
	"matjarpos/internal/cache"
	"matjarpos/internal/config"
	"matjarpos/internal/docstore"
	pgbackend "matjarpos/internal/docstore/postgres"
	"matjarpos/internal/docstore/sqlite"
	"matjarpos/internal/domain"
	"matjarpos/internal/invoice"
	"matjarpos/internal/ledger"
	"matjarpos/internal/replication"
)

// Collection names shared by the app, the replication peer surface, and the
// seed data. Replicas must agree on these.
const (
	CollProducts    = "products"
	CollCustomers   = "customers"
	CollInvoices    = "invoices"
	CollUsers       = "users"
	CollAdjustments = "stock_adjustments"
)

type Collections struct {
	Products    *docstore.Collection
	Customers   *docstore.Collection
	Invoices    *docstore.Collection
	Users       *docstore.Collection
	Adjustments *docstore.Collection
}

// All returns the replicated collections keyed by wire name. Every
// collection replicates, users included; registers need offline logins.
func (c Collections) All() map[string]*docstore.Collection {
	return map[string]*docstore.Collection{
		CollProducts:    c.Products,
		CollCustomers:   c.Customers,
		CollInvoices:    c.Invoices,
		CollUsers:       c.Users,
		CollAdjustments: c.Adjustments,
	}
}

type App struct {
	Cfg         config.Config
	Store       *docstore.Store
	Collections Collections
	Cache       cache.StockCache
	Ledger      *ledger.Service
	Invoices    *invoice.Engine
	Auth        *auth.Service
	Sync        *replication.Manager

	closers []func() error
}

// New opens the configured backend, registers the collections with their
// indexes, and wires the services. Replication starts later via Start so
// tests can exercise an App without a peer.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	backend, name, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[app] backend: %s", name)

	store, err := docstore.Open(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{Cfg: cfg, Store: store}
	a.closers = append(a.closers, store.Close)

	a.Collections = Collections{
		Products: store.Collection(CollProducts,
			docstore.IndexDef{Name: "by-sku", Fields: []string{"sku"}},
			docstore.IndexDef{Name: "by-barcode", Fields: []string{"barcode"}},
			docstore.IndexDef{Name: "by-name", Fields: []string{"name"}},
			docstore.IndexDef{Name: "by-active-category", Fields: []string{"active", "category"}},
		),
		Customers: store.Collection(CollCustomers,
			docstore.IndexDef{Name: "by-phone", Fields: []string{"phone"}},
			docstore.IndexDef{Name: "by-name", Fields: []string{"name"}},
		),
		Invoices: store.Collection(CollInvoices,
			docstore.IndexDef{Name: "by-created", Fields: []string{"createdAt"}},
			docstore.IndexDef{Name: "by-status-created", Fields: []string{"status", "createdAt"}},
			docstore.IndexDef{Name: "by-customer", Fields: []string{"customerId"}},
		),
		Users: store.Collection(CollUsers,
			docstore.IndexDef{Name: "by-username", Fields: []string{"username"}},
		),
		Adjustments: store.Collection(CollAdjustments,
			docstore.IndexDef{Name: "by-product", Fields: []string{"productId"}},
			docstore.IndexDef{Name: "by-reference", Fields: []string{"reference"}},
		),
	}

	a.Cache = cache.StockCache(cache.NoopStockCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("[app] redis unavailable (%v), using noop cache", err)
		} else {
			a.Cache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			log.Println("[app] cache: redis")
		}
	} else {
		log.Println("[app] cache: noop")
	}

	a.Ledger = ledger.New(a.Collections.Products, a.Collections.Adjustments, a.Cache, cfg.AllowNegativeStock)
	a.Invoices = invoice.New(a.Collections.Invoices, a.Collections.Products, a.Collections.Customers, a.Ledger)
	a.Auth = auth.New(a.Collections.Users, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute)

	if cfg.HubURL != "" {
		a.Sync = replication.NewManager(cfg.HubURL,
			time.Duration(cfg.SyncIntervalSeconds)*time.Second,
			a.Collections.All(), nil)
		// Flag invoices once the hub has a copy, so receipts can show
		// whether the sale has left the register.
		a.Sync.OnPushed(CollInvoices, a.Invoices.MarkSynced)
	}

	return a, nil
}

func openBackend(ctx context.Context, cfg config.Config) (docstore.Backend, string, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgbackend.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start without persistence", err)
		}
		return pg, "postgres", nil
	case cfg.SQLitePath != "":
		sq, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite at %s: %w", cfg.SQLitePath, err)
		}
		return sq, "sqlite", nil
	default:
		return docstore.NullBackend{}, "memory", nil
	}
}

// Start launches background replication when a hub is configured.
func (a *App) Start(ctx context.Context) {
	if a.Sync != nil {
		a.Sync.Start(ctx)
		log.Printf("[app] replicating with %s every %ds", a.Cfg.HubURL, a.Cfg.SyncIntervalSeconds)
	}
}

// Stop halts replication and closes every owned resource, newest first.
func (a *App) Stop() {
	if a.Sync != nil {
		a.Sync.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[app] close error: %v", err)
		}
	}
}

// Profile returns the business identity printed on receipts.
func (a *App) Profile() domain.BusinessProfile {
	return domain.BusinessProfile{
		Name:    a.Cfg.BusinessName,
		Address: a.Cfg.BusinessAddress,
		Phone:   a.Cfg.BusinessPhone,
	}
}

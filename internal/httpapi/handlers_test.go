package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"matjarpos/internal/app"
	"matjarpos/internal/config"
	"matjarpos/internal/domain"
)

// newTestAPI builds a full API over an in-memory app with a seeded admin and
// cashier, so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	a, err := app.New(context.Background(), config.Config{
		AuthSecret:   "test-secret-key-test-secret-key!",
		BusinessName: "Test Store",
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(a.Stop)

	ctx := context.Background()
	if _, err := a.Auth.Register(ctx, "admin", "admin123", "Admin", domain.RoleAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if _, err := a.Auth.Register(ctx, "cashier", "cashier123", "Cashier", domain.RoleCashier); err != nil {
		t.Fatalf("seed cashier: %v", err)
	}

	return New(a, "*")
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if body.Token == "" {
		t.Fatal("expected token in login response")
	}
	return body.Token
}

// doJSON fires an authenticated JSON request and decodes the response body.
func doJSON(t *testing.T, api *API, method, path, token string, payload any, out any) int {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	code := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "wrongpassword"}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProductCreate_CashierForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	code := doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"sku": "SKU-1", "name": "Beans", "price": "100", "cost": "60",
		"tax": "0", "unit": "pc", "category": "grocery", "active": true,
	}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier product create, got %d", code)
	}
}

func TestRegister_CashierForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	code := doJSON(t, api, http.MethodPost, "/api/v1/auth/register", token,
		map[string]string{"username": "newuser", "password": "secret99"}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier register, got %d", code)
	}
}

func TestCheckoutFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	var created struct {
		Product domain.Product `json:"product"`
	}
	code := doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"sku": "SKU-1", "name": "Beans", "price": "100", "cost": "60",
		"tax": "0.15", "unit": "pc", "category": "grocery", "active": true,
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create product: expected 201, got %d", code)
	}
	productID := created.Product.ID
	if productID == "" {
		t.Fatal("expected product id")
	}

	code = doJSON(t, api, http.MethodPost, "/api/v1/stock/adjustments", token, map[string]any{
		"productId": productID, "direction": "in", "quantity": 10, "reason": "opening stock",
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("post opening stock: expected 201, got %d", code)
	}

	var cartResp struct {
		Cart domain.CartState `json:"cart"`
	}
	code = doJSON(t, api, http.MethodPost, "/api/v1/cart/items", token, map[string]any{
		"productId": productID, "quantity": 2,
	}, &cartResp)
	if code != http.StatusOK {
		t.Fatalf("add cart item: expected 200, got %d", code)
	}
	if len(cartResp.Cart.Items) != 1 || cartResp.Cart.Items[0].Quantity != 2 {
		t.Fatalf("unexpected cart state: %+v", cartResp.Cart)
	}
	if got := cartResp.Cart.Totals.Total.String(); got != "230" {
		t.Fatalf("expected cart total 230, got %s", got)
	}

	var checkout struct {
		Invoice  domain.Invoice         `json:"invoice"`
		Business domain.BusinessProfile `json:"business"`
		Warning  string                 `json:"warning"`
	}
	code = doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"payment": map[string]any{"method": "cash", "amount": "250"},
	}, &checkout)
	if code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d", code)
	}
	if checkout.Warning != "" {
		t.Fatalf("expected clean checkout, got warning %q", checkout.Warning)
	}
	if checkout.Invoice.Number != "INV-000001" {
		t.Fatalf("expected invoice number INV-000001, got %s", checkout.Invoice.Number)
	}
	if got := checkout.Invoice.Change.String(); got != "20" {
		t.Fatalf("expected change 20, got %s", got)
	}
	if checkout.Business.Name != "Test Store" {
		t.Fatalf("expected business profile on receipt payload, got %+v", checkout.Business)
	}

	var stock struct {
		Stock int `json:"stock"`
	}
	code = doJSON(t, api, http.MethodGet, "/api/v1/products/"+productID+"/stock", token, nil, &stock)
	if code != http.StatusOK {
		t.Fatalf("stock: expected 200, got %d", code)
	}
	if stock.Stock != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", stock.Stock)
	}

	cartResp.Cart = domain.CartState{}
	code = doJSON(t, api, http.MethodGet, "/api/v1/cart", token, nil, &cartResp)
	if code != http.StatusOK {
		t.Fatalf("cart after checkout: expected 200, got %d", code)
	}
	if len(cartResp.Cart.Items) != 0 {
		t.Fatalf("expected empty cart after checkout, got %+v", cartResp.Cart.Items)
	}

	var listed struct {
		Invoices []domain.Invoice `json:"invoices"`
	}
	code = doJSON(t, api, http.MethodGet, "/api/v1/invoices?status=paid", token, nil, &listed)
	if code != http.StatusOK {
		t.Fatalf("list invoices: expected 200, got %d", code)
	}
	if len(listed.Invoices) != 1 || listed.Invoices[0].ID != checkout.Invoice.ID {
		t.Fatalf("expected the finalized invoice in the paid list, got %+v", listed.Invoices)
	}
}

func TestCheckout_InsufficientStockConflicts(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	var created struct {
		Product domain.Product `json:"product"`
	}
	code := doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"sku": "SKU-2", "name": "Rice", "price": "50", "cost": "30",
		"tax": "0", "unit": "kg", "category": "grocery", "active": true,
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create product: expected 201, got %d", code)
	}

	code = doJSON(t, api, http.MethodPost, "/api/v1/cart/items", token, map[string]any{
		"productId": created.Product.ID, "quantity": 3,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("add cart item: expected 200, got %d", code)
	}

	code = doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"payment": map[string]any{"method": "cash", "amount": "150"},
	}, nil)
	if code != http.StatusConflict {
		t.Fatalf("oversold checkout: expected 409, got %d", code)
	}

	// Nothing durable came out of the rejection.
	var invoices struct {
		Invoices []domain.Invoice `json:"invoices"`
	}
	code = doJSON(t, api, http.MethodGet, "/api/v1/invoices", token, nil, &invoices)
	if code != http.StatusOK {
		t.Fatalf("list invoices: expected 200, got %d", code)
	}
	if len(invoices.Invoices) != 0 {
		t.Fatalf("rejected checkout must not write an invoice, got %d", len(invoices.Invoices))
	}

	// The cart keeps its lines so the cashier can adjust and retry.
	var cartResp struct {
		Cart domain.CartState `json:"cart"`
	}
	code = doJSON(t, api, http.MethodGet, "/api/v1/cart", token, nil, &cartResp)
	if code != http.StatusOK {
		t.Fatalf("get cart: expected 200, got %d", code)
	}
	if len(cartResp.Cart.Items) != 1 {
		t.Fatalf("cart must survive a rejected checkout, got %d lines", len(cartResp.Cart.Items))
	}
}

func TestInvoiceVoid_RequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	code := doJSON(t, api, http.MethodPost, "/api/v1/invoices/some-id/void", token,
		map[string]string{"reason": "test"}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier void, got %d", code)
	}
}

func TestSyncStatus_DisabledWithoutHub(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	code := doJSON(t, api, http.MethodGet, "/api/v1/sync/status", token, nil, &body)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Enabled {
		t.Fatal("expected sync to be disabled without a hub")
	}
}

func TestUnknownProductInCartIs404(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	code := doJSON(t, api, http.MethodPost, "/api/v1/cart/items", token,
		map[string]any{"productId": "no-such-product"}, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

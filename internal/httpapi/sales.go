package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"matjarpos/internal/cart"
	"matjarpos/internal/domain"
	"matjarpos/internal/ledger"
)

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	a.cartMu.Lock()
	state := a.activeCart.State()
	a.cartMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"cart": state})
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, errors.New("productId required"))
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	doc, err := a.app.Collections.Products.Get(r.Context(), req.ProductID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	product, err := productFromDoc(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !product.Active {
		writeError(w, http.StatusUnprocessableEntity, errors.New("product is inactive"))
		return
	}

	a.cartMu.Lock()
	defer a.cartMu.Unlock()
	if err := a.activeCart.AddItem(product, req.Quantity); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": a.activeCart.State()})
}

func (a *API) handleCartItemActions(w http.ResponseWriter, r *http.Request) {
	productID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/cart/items/"), "/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	a.cartMu.Lock()
	defer a.cartMu.Unlock()

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Quantity int `json:"quantity"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.activeCart.SetQuantity(productID, req.Quantity); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
	case http.MethodDelete:
		if err := a.activeCart.RemoveItem(productID); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
	default:
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": a.activeCart.State()})
}

func (a *API) handleCartDiscount(w http.ResponseWriter, r *http.Request) {
	a.cartMu.Lock()
	defer a.cartMu.Unlock()

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Type  string          `json:"type"`
			Value decimal.Decimal `json:"value"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.activeCart.ApplyDiscount(req.Type, req.Value); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
	case http.MethodDelete:
		a.activeCart.ClearDiscount()
	default:
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": a.activeCart.State()})
}

func (a *API) handleCartClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	a.cartMu.Lock()
	a.activeCart = cart.New()
	state := a.activeCart.State()
	a.cartMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"cart": state})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := actorFromContext(r.Context())

	var req struct {
		CustomerID string         `json:"customerId"`
		Payment    domain.Payment `json:"payment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a.cartMu.Lock()
	defer a.cartMu.Unlock()

	inv, err := a.app.Invoices.Finalize(r.Context(), a.activeCart, req.CustomerID, req.Payment, actor.Username)
	if err != nil {
		if inv.ID != "" {
			// The invoice is durable; only its ledger postings are behind.
			// The cart is spent either way. CompletePostings recovers.
			a.activeCart = cart.New()
			writeJSON(w, http.StatusCreated, map[string]any{
				"invoice":  inv,
				"business": a.app.Profile(),
				"warning":  err.Error(),
			})
			return
		}
		writeError(w, statusForError(err), err)
		return
	}

	a.activeCart = cart.New()
	writeJSON(w, http.StatusCreated, map[string]any{
		"invoice":  inv,
		"business": a.app.Profile(),
	})
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)

	invoices, err := a.app.Invoices.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (a *API) handleInvoiceActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/invoices/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("invoice id required"))
		return
	}

	if id, ok := strings.CutSuffix(tail, "/void"); ok {
		a.handleInvoiceVoid(w, r, strings.Trim(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(tail, "/receipt"); ok {
		a.handleInvoiceReceipt(w, r, strings.Trim(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(tail, "/postings"); ok {
		a.handleInvoicePostings(w, r, strings.Trim(id, "/"))
		return
	}

	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	inv, err := a.app.Invoices.Get(r.Context(), tail)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleInvoiceVoid(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	actor, ok := actorFromContext(r.Context())
	if !ok || actor.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	inv, err := a.app.Invoices.Void(r.Context(), id, req.Reason, actor.Username)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleInvoiceReceipt(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	inv, err := a.app.Invoices.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoice":  inv,
		"business": a.app.Profile(),
	})
}

// handleInvoicePostings replays any ledger postings an interrupted checkout
// left behind. Safe to call repeatedly.
func (a *API) handleInvoicePostings(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	if err := a.app.Invoices.CompletePostings(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		reference := strings.TrimSpace(r.URL.Query().Get("reference"))
		if reference == "" {
			writeError(w, http.StatusBadRequest, errors.New("reference required"))
			return
		}
		adjustments, err := a.app.Ledger.Adjustments(r.Context(), reference)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"adjustments": adjustments})
	case http.MethodPost:
		actor, _ := actorFromContext(r.Context())

		var req struct {
			ProductID string `json:"productId"`
			Direction string `json:"direction"`
			Quantity  int    `json:"quantity"`
			Reason    string `json:"reason"`
			Reference string `json:"reference"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		adj, err := a.app.Ledger.Post(r.Context(), ledger.PostRequest{
			ProductID: req.ProductID,
			Direction: req.Direction,
			Quantity:  req.Quantity,
			Reason:    req.Reason,
			Reference: req.Reference,
			Actor:     actor.Username,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"adjustment": adj})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	products, err := a.app.Ledger.LowStock(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

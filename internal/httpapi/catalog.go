package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"matjarpos/internal/docstore"
	"matjarpos/internal/domain"
)

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sel := docstore.Selector{
			Equals: map[string]any{},
			Prefix: map[string]string{},
			Limit:  parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500),
		}
		if sku := strings.TrimSpace(r.URL.Query().Get("sku")); sku != "" {
			sel.Equals["sku"] = sku
		}
		if barcode := strings.TrimSpace(r.URL.Query().Get("barcode")); barcode != "" {
			sel.Equals["barcode"] = barcode
		}
		if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
			sel.Equals["active"] = true
			sel.Equals["category"] = category
		}
		if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
			sel.Prefix["name"] = name
		}

		docs, err := a.app.Collections.Products.Query(r.Context(), sel)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		products := make([]domain.Product, 0, len(docs))
		for _, doc := range docs {
			p, err := productFromDoc(doc)
			if err != nil {
				continue
			}
			products = append(products, p)
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		actor, ok := actorFromContext(r.Context())
		if !ok || actor.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		var req domain.Product
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateProduct(req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		fields, err := domain.Fields(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		doc, err := a.app.Collections.Products.Put(r.Context(), docstore.Document{
			ID:   uuid.NewString(),
			Data: fields,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		p, _ := productFromDoc(doc)
		writeJSON(w, http.StatusCreated, map[string]any{"product": p})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/products/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	if id, ok := strings.CutSuffix(tail, "/stock"); ok {
		a.handleProductStock(w, r, strings.Trim(id, "/"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := a.app.Collections.Products.Get(r.Context(), tail)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		p, err := productFromDoc(doc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": p})
	case http.MethodPatch:
		a.updateDocument(w, r, a.app.Collections.Products, tail, "product")
	case http.MethodDelete:
		a.deleteDocument(w, r, a.app.Collections.Products, tail)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductStock(w http.ResponseWriter, r *http.Request, productID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	stock, err := a.app.Ledger.Stock(r.Context(), productID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"productId": productID, "stock": stock})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sel := docstore.Selector{
			Equals: map[string]any{},
			Prefix: map[string]string{},
			Limit:  parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500),
		}
		if phone := strings.TrimSpace(r.URL.Query().Get("phone")); phone != "" {
			sel.Equals["phone"] = phone
		}
		if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
			sel.Prefix["name"] = name
		}

		docs, err := a.app.Collections.Customers.Query(r.Context(), sel)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		customers := make([]domain.Customer, 0, len(docs))
		for _, doc := range docs {
			c, err := customerFromDoc(doc)
			if err != nil {
				continue
			}
			customers = append(customers, c)
		}
		writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
	case http.MethodPost:
		var req domain.Customer
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Type == "" {
			req.Type = domain.CustomerTypeRetail
		}
		if err := validateCustomer(req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		fields, err := domain.Fields(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		doc, err := a.app.Collections.Customers.Put(r.Context(), docstore.Document{
			ID:   uuid.NewString(),
			Data: fields,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		c, _ := customerFromDoc(doc)
		writeJSON(w, http.StatusCreated, map[string]any{"customer": c})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/customers/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := a.app.Collections.Customers.Get(r.Context(), id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		c, err := customerFromDoc(doc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": c})
	case http.MethodPatch:
		a.updateDocument(w, r, a.app.Collections.Customers, id, "customer")
	case http.MethodDelete:
		a.deleteDocument(w, r, a.app.Collections.Customers, id)
	default:
		writeMethodNotAllowed(w)
	}
}

// updateDocument applies a partial field update carrying the caller's
// observed revision. A nil field value removes the field.
func (a *API) updateDocument(w http.ResponseWriter, r *http.Request, coll *docstore.Collection, id, label string) {
	var req struct {
		Rev    string         `json:"rev"`
		Fields map[string]any `json:"fields"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Rev == "" {
		writeError(w, http.StatusBadRequest, errors.New("rev required"))
		return
	}
	if len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("fields required"))
		return
	}
	for _, protected := range []string{"id", "rev", "createdAt", "updatedAt"} {
		delete(req.Fields, protected)
	}

	doc, err := coll.Update(r.Context(), id, req.Rev, req.Fields)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{label: doc})
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request, coll *docstore.Collection, id string) {
	rev := strings.TrimSpace(r.URL.Query().Get("rev"))
	if rev == "" {
		writeError(w, http.StatusBadRequest, errors.New("rev required"))
		return
	}

	doc, err := coll.Delete(r.Context(), id, rev)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": doc.ID, "rev": doc.Rev, "deleted": true})
}

func validateProduct(p domain.Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return errors.New("sku required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name required")
	}
	if p.Price.IsNegative() || p.Cost.IsNegative() {
		return errors.New("price and cost must not be negative")
	}
	if p.Tax.IsNegative() {
		return errors.New("tax rate must not be negative")
	}
	return nil
}

func validateCustomer(c domain.Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name required")
	}
	if !domain.ValidCustomerType(c.Type) {
		return errors.New("unknown customer type")
	}
	return nil
}

func productFromDoc(doc docstore.Document) (domain.Product, error) {
	var p domain.Product
	if err := domain.Decode(doc.Data, &p); err != nil {
		return domain.Product{}, err
	}
	p.ID, p.Rev = doc.ID, doc.Rev
	p.CreatedAt, p.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return p, nil
}

func customerFromDoc(doc docstore.Document) (domain.Customer, error) {
	var c domain.Customer
	if err := domain.Decode(doc.Data, &c); err != nil {
		return domain.Customer{}, err
	}
	c.ID, c.Rev = doc.ID, doc.Rev
	c.CreatedAt, c.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return c, nil
}

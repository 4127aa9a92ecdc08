package replication

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"matjarpos/internal/docstore"
)

// PeerHandler serves the replication wire contract over HTTP for a set of
// collections. The hub mounts it so registers can push and pull; any other
// implementation of the same exchange interoperates.
type PeerHandler struct {
	colls map[string]*docstore.Collection
}

func NewPeerHandler(colls map[string]*docstore.Collection) *PeerHandler {
	return &PeerHandler{colls: colls}
}

func (p *PeerHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /replicate/{collection}/_changes", p.handleChanges)
	mux.HandleFunc("POST /replicate/{collection}/_revs_diff", p.handleRevsDiff)
	mux.HandleFunc("POST /replicate/{collection}/_bulk_docs", p.handleBulkDocs)
	mux.HandleFunc("GET /replicate/{collection}/doc/{id}", p.handleGetRev)
	return mux
}

func (p *PeerHandler) collection(w http.ResponseWriter, r *http.Request) *docstore.Collection {
	coll, ok := p.colls[r.PathValue("collection")]
	if !ok {
		writePeerError(w, http.StatusNotFound, errors.New("unknown collection"))
		return nil
	}
	return coll
}

func (p *PeerHandler) handleChanges(w http.ResponseWriter, r *http.Request) {
	coll := p.collection(w, r)
	if coll == nil {
		return
	}
	since := parseSince(r.URL.Query().Get("since"))
	results := coll.Changes(since)
	last := since
	for _, ch := range results {
		if ch.Seq > last {
			last = ch.Seq
		}
	}
	writePeerJSON(w, http.StatusOK, ChangesPage{LastSeq: last, Results: results})
}

func (p *PeerHandler) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	coll := p.collection(w, r)
	if coll == nil {
		return
	}
	offered := map[string][]string{}
	if err := json.NewDecoder(r.Body).Decode(&offered); err != nil {
		writePeerError(w, http.StatusBadRequest, err)
		return
	}
	writePeerJSON(w, http.StatusOK, coll.RevsDiff(offered))
}

func (p *PeerHandler) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	coll := p.collection(w, r)
	if coll == nil {
		return
	}
	var docs []ReplicatedDoc
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		writePeerError(w, http.StatusBadRequest, err)
		return
	}
	for _, rd := range docs {
		if err := coll.ForceInsert(r.Context(), rd.Document, rd.Lineage); err != nil {
			log.Printf("[peer] force insert %s/%s failed: %v", coll.Name(), rd.Document.ID, err)
			writePeerError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writePeerJSON(w, http.StatusCreated, map[string]any{"accepted": len(docs)})
}

func (p *PeerHandler) handleGetRev(w http.ResponseWriter, r *http.Request) {
	coll := p.collection(w, r)
	if coll == nil {
		return
	}
	doc, lineage, err := coll.GetRev(r.Context(), r.PathValue("id"), r.URL.Query().Get("rev"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, docstore.ErrNotFound) {
			status = http.StatusNotFound
		}
		writePeerError(w, status, err)
		return
	}
	writePeerJSON(w, http.StatusOK, ReplicatedDoc{Document: doc, Lineage: lineage})
}

func writePeerJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[peer] write response: %v", err)
	}
}

func writePeerError(w http.ResponseWriter, status int, err error) {
	writePeerJSON(w, status, map[string]string{"error": err.Error()})
}

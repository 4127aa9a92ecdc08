package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Store is the local document store: a fixed set of named collections with
// optimistic revisioning, secondary indexes and an ordered change log per
// collection. All reads and writes complete locally; replication runs on top
// of the change log and never gates writes.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	colls   map[string]*collState

	indexedQueries atomic.Uint64
	scanFallbacks  atomic.Uint64
}

type collState struct {
	name    string
	docs    map[string]*docState
	seq     uint64
	changes []Change
	indexes []*index
	subs    map[int]chan Change
	nextSub int
	locals  map[string]map[string]any
}

// Stats reports query-planner behavior. A full scan is a tracked cost, not
// an error.
type Stats struct {
	IndexedQueries uint64
	ScanFallbacks  uint64
}

// Open loads all persisted revisions from the backend and rebuilds revision
// trees, change logs and local checkpoint docs.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	if backend == nil {
		backend = NullBackend{}
	}
	s := &Store{backend: backend, colls: make(map[string]*collState)}

	records, locals, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load backend: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	for _, rec := range records {
		cs := s.coll(rec.Collection)
		ds := cs.doc(rec.ID)
		registerLineage(ds, rec.Lineage)
		body, err := decodeBody(rec.Body, rec.Deleted)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s@%s: %w", rec.Collection, rec.ID, rec.Rev, err)
		}
		ds.bodies[rec.Rev] = body
		if rec.Seq > cs.seq {
			cs.seq = rec.Seq
		}
		cs.changes = append(cs.changes, Change{Seq: rec.Seq, ID: rec.ID, Rev: rec.Rev, Deleted: rec.Deleted})
	}
	for _, loc := range locals {
		cs := s.coll(loc.Collection)
		data := map[string]any{}
		if err := json.Unmarshal(loc.Body, &data); err != nil {
			return nil, fmt.Errorf("decode local %s/%s: %w", loc.Collection, loc.ID, err)
		}
		cs.locals[loc.ID] = data
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) Stats() Stats {
	return Stats{
		IndexedQueries: s.indexedQueries.Load(),
		ScanFallbacks:  s.scanFallbacks.Load(),
	}
}

func (s *Store) coll(name string) *collState {
	cs, ok := s.colls[name]
	if !ok {
		cs = &collState{
			name:   name,
			docs:   make(map[string]*docState),
			subs:   make(map[int]chan Change),
			locals: make(map[string]map[string]any),
		}
		s.colls[name] = cs
	}
	return cs
}

func (cs *collState) doc(id string) *docState {
	ds, ok := cs.docs[id]
	if !ok {
		ds = newDocState()
		cs.docs[id] = ds
	}
	return ds
}

func registerLineage(ds *docState, lineage []string) {
	// Lineage is newest first; register edges root-up so parents exist.
	for i := len(lineage) - 1; i >= 0; i-- {
		parent := ""
		if i+1 < len(lineage) {
			parent = lineage[i+1]
		}
		ds.addEdge(lineage[i], parent)
	}
}

// Collection declares a named collection and its secondary indexes. Existing
// documents loaded from the backend are backfilled into the indexes.
func (s *Store) Collection(name string, defs ...IndexDef) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.coll(name)
	for _, def := range defs {
		ix := newIndex(def)
		for id, ds := range cs.docs {
			if _, body := ds.winner(); body != nil && !body.deleted {
				ix.update(id, indexable(body))
			}
		}
		cs.indexes = append(cs.indexes, ix)
	}
	return &Collection{store: s, state: cs}
}

// Collection is a typed handle on one named collection.
type Collection struct {
	store *Store
	state *collState
}

func (c *Collection) Name() string { return c.state.name }

// Put creates the document when its id is unseen, or replaces the winning
// revision when doc.Rev matches the current head. A stale or missing rev on
// an existing document fails with ErrConflict.
func (c *Collection) Put(ctx context.Context, doc Document) (Document, error) {
	if doc.Data == nil {
		return Document{}, fmt.Errorf("%w: missing data", ErrValidation)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	now := time.Now().UTC()
	created := now
	parent := ""

	if ds, ok := c.state.docs[doc.ID]; ok {
		winRev, winBody := ds.winner()
		if winBody != nil && !winBody.deleted {
			if doc.Rev != winRev {
				return Document{}, fmt.Errorf("%w: %s has rev %s", ErrConflict, doc.ID, winRev)
			}
			parent = winRev
			created = winBody.createdAt
		} else if winBody != nil {
			// Recreating a tombstoned document extends the tombstone branch.
			parent = winRev
		}
	} else if doc.Rev != "" {
		return Document{}, fmt.Errorf("%w: %s does not exist", ErrConflict, doc.ID)
	}

	body := &version{deleted: false, data: cloneData(doc.Data), createdAt: created, updatedAt: now}
	return c.commit(ctx, doc.ID, parent, body)
}

// Get returns the winning non-deleted revision.
func (c *Collection) Get(ctx context.Context, id string) (Document, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.getLocked(id)
}

func (c *Collection) getLocked(id string) (Document, error) {
	ds, ok := c.state.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rev, body := ds.winner()
	if body == nil || body.deleted {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.toDocument(id, rev, body), nil
}

// GetRev returns a specific revision along with its ancestor lineage
// (newest first). Used to read conflict branches and by replication.
func (c *Collection) GetRev(ctx context.Context, id, rev string) (Document, []string, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	ds, ok := c.state.docs[id]
	if !ok {
		return Document{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	body := ds.bodies[rev]
	if body == nil {
		return Document{}, nil, fmt.Errorf("%w: %s@%s", ErrNotFound, id, rev)
	}
	return c.toDocument(id, rev, body), ds.lineage(rev), nil
}

// Update merges partial fields into the winning revision. The caller must
// supply the rev it last observed; a mismatch fails with ErrConflict.
func (c *Collection) Update(ctx context.Context, id, rev string, fields map[string]any) (Document, error) {
	if len(fields) == 0 {
		return Document{}, fmt.Errorf("%w: no fields to update", ErrValidation)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	ds, ok := c.state.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	winRev, winBody := ds.winner()
	if winBody == nil || winBody.deleted {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rev != winRev {
		return Document{}, fmt.Errorf("%w: %s has rev %s", ErrConflict, id, winRev)
	}

	merged := cloneData(winBody.data)
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	body := &version{deleted: false, data: merged, createdAt: winBody.createdAt, updatedAt: time.Now().UTC()}
	return c.commit(ctx, id, winRev, body)
}

// Delete writes a tombstone so replication propagates the deletion.
func (c *Collection) Delete(ctx context.Context, id, rev string) (Document, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	ds, ok := c.state.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	winRev, winBody := ds.winner()
	if winBody == nil || winBody.deleted {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rev != winRev {
		return Document{}, fmt.Errorf("%w: %s has rev %s", ErrConflict, id, winRev)
	}

	body := &version{deleted: true, data: map[string]any{}, createdAt: winBody.createdAt, updatedAt: time.Now().UTC()}
	return c.commit(ctx, id, winRev, body)
}

// commit computes the child revision, persists it, applies it to the tree,
// refreshes indexes and publishes the change. Callers hold the write lock.
func (c *Collection) commit(ctx context.Context, id, parent string, body *version) (Document, error) {
	rev := makeRev(parent, body.deleted, body.data)
	ds := c.state.doc(id)
	if ds.hasRev(rev) {
		// Identical edit already applied (replayed write); nothing to do.
		return c.toDocument(id, rev, ds.bodies[rev]), nil
	}

	lineage := append([]string{rev}, ds.lineage(parent)...)
	rec := Record{
		Collection: c.state.name,
		Seq:        c.state.seq + 1,
		ID:         id,
		Rev:        rev,
		Deleted:    body.deleted,
		Lineage:    lineage,
		Body:       encodeBody(body),
	}
	if err := c.store.backend.SaveRevision(ctx, rec); err != nil {
		return Document{}, fmt.Errorf("persist %s/%s: %w", c.state.name, id, err)
	}

	ds.addEdge(rev, parent)
	ds.bodies[rev] = body
	c.state.seq = rec.Seq
	c.applyWrite(Change{Seq: rec.Seq, ID: id, Rev: rev, Deleted: body.deleted}, ds)
	return c.toDocument(id, rev, body), nil
}

// ForceInsert grafts a replicated revision and its lineage onto the local
// tree. It never fails with ErrConflict; divergent branches are retained and
// the winner is recomputed from the tree.
func (c *Collection) ForceInsert(ctx context.Context, doc Document, lineage []string) error {
	if doc.Rev == "" || len(lineage) == 0 || lineage[0] != doc.Rev {
		return fmt.Errorf("%w: force insert requires rev lineage", ErrValidation)
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	ds := c.state.doc(doc.ID)
	if ds.hasRev(doc.Rev) && ds.bodies[doc.Rev] != nil {
		return nil
	}

	rec := Record{
		Collection: c.state.name,
		Seq:        c.state.seq + 1,
		ID:         doc.ID,
		Rev:        doc.Rev,
		Deleted:    doc.Deleted,
		Lineage:    lineage,
		Body: encodeBody(&version{
			deleted:   doc.Deleted,
			data:      doc.Data,
			createdAt: doc.CreatedAt,
			updatedAt: doc.UpdatedAt,
		}),
	}
	if err := c.store.backend.SaveRevision(ctx, rec); err != nil {
		return fmt.Errorf("persist replicated %s/%s: %w", c.state.name, doc.ID, err)
	}

	registerLineage(ds, lineage)
	ds.bodies[doc.Rev] = &version{
		deleted:   doc.Deleted,
		data:      cloneData(doc.Data),
		createdAt: doc.CreatedAt,
		updatedAt: doc.UpdatedAt,
	}
	c.state.seq = rec.Seq
	c.applyWrite(Change{Seq: rec.Seq, ID: doc.ID, Rev: doc.Rev, Deleted: doc.Deleted}, ds)
	return nil
}

func (c *Collection) applyWrite(ch Change, ds *docState) {
	_, winBody := ds.winner()
	for _, ix := range c.state.indexes {
		if winBody == nil || winBody.deleted {
			ix.remove(ch.ID)
		} else {
			ix.update(ch.ID, indexable(winBody))
		}
	}
	c.state.changes = append(c.state.changes, ch)
	for _, sub := range c.state.subs {
		select {
		case sub <- ch:
		default:
			// Subscriber is behind; it will catch up from the change log.
		}
	}
}

// Conflicts returns the losing non-deleted heads for a document, so callers
// can reconcile divergent branches instead of silently losing data.
func (c *Collection) Conflicts(ctx context.Context, id string) ([]Document, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	ds, ok := c.state.docs[id]
	if !ok {
		return nil, nil
	}
	var out []Document
	for _, rev := range ds.conflicts() {
		out = append(out, c.toDocument(id, rev, ds.bodies[rev]))
	}
	return out, nil
}

// Changes returns change-log entries with Seq greater than since.
func (c *Collection) Changes(since uint64) []Change {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	at := sort.Search(len(c.state.changes), func(i int) bool {
		return c.state.changes[i].Seq > since
	})
	out := make([]Change, len(c.state.changes)-at)
	copy(out, c.state.changes[at:])
	return out
}

func (c *Collection) Seq() uint64 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.state.seq
}

// Subscribe returns a channel carrying every committed change and a cancel
// function. The channel is best-effort: a slow consumer misses signals and
// must resynchronize from Changes.
func (c *Collection) Subscribe() (<-chan Change, func()) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	id := c.state.nextSub
	c.state.nextSub++
	ch := make(chan Change, 64)
	c.state.subs[id] = ch

	return ch, func() {
		c.store.mu.Lock()
		defer c.store.mu.Unlock()
		if _, ok := c.state.subs[id]; ok {
			delete(c.state.subs, id)
			close(ch)
		}
	}
}

// HasRev reports whether this revision is already known locally (body or
// bare lineage edge).
func (c *Collection) HasRev(id, rev string) bool {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	ds, ok := c.state.docs[id]
	if !ok {
		return false
	}
	return ds.hasRev(rev) && ds.bodies[rev] != nil
}

// RevsDiff reports which of the offered revisions are missing locally.
func (c *Collection) RevsDiff(offered map[string][]string) map[string][]string {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	missing := make(map[string][]string)
	for id, revs := range offered {
		ds := c.state.docs[id]
		for _, rev := range revs {
			if ds != nil && ds.hasRev(rev) && ds.bodies[rev] != nil {
				continue
			}
			missing[id] = append(missing[id], rev)
		}
	}
	return missing
}

// LocalPut stores a non-replicated document (replication checkpoints).
func (c *Collection) LocalPut(ctx context.Context, id string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.store.backend.SaveLocal(ctx, LocalRecord{Collection: c.state.name, ID: id, Body: raw}); err != nil {
		return fmt.Errorf("persist local %s/%s: %w", c.state.name, id, err)
	}
	c.state.locals[id] = cloneData(data)
	return nil
}

func (c *Collection) LocalGet(ctx context.Context, id string) (map[string]any, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	data, ok := c.state.locals[id]
	if !ok {
		return nil, fmt.Errorf("%w: local %s", ErrNotFound, id)
	}
	return cloneData(data), nil
}

// indexable exposes the envelope timestamps as virtual fields so indexes
// and selectors can use them (e.g. invoices by createdAt).
func indexable(body *version) map[string]any {
	out := cloneData(body.data)
	out["createdAt"] = body.createdAt.Format(time.RFC3339Nano)
	out["updatedAt"] = body.updatedAt.Format(time.RFC3339Nano)
	return out
}

func (c *Collection) toDocument(id, rev string, body *version) Document {
	return Document{
		ID:        id,
		Rev:       rev,
		Deleted:   body.deleted,
		CreatedAt: body.createdAt,
		UpdatedAt: body.updatedAt,
		Data:      cloneData(body.data),
	}
}

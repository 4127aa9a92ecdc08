package replication

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"matjarpos/internal/docstore"
)

func newTestCollection(t *testing.T) *docstore.Collection {
	t.Helper()
	store, err := docstore.Open(context.Background(), docstore.NullBackend{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store.Collection("products")
}

func newPeerServer(t *testing.T) (*httptest.Server, *docstore.Collection) {
	t.Helper()
	coll := newTestCollection(t)
	peer := NewPeerHandler(map[string]*docstore.Collection{"products": coll})
	srv := httptest.NewServer(peer.Handler())
	t.Cleanup(srv.Close)
	return srv, coll
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientWireRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)

	doc, err := hub.Put(ctx, docstore.Document{ID: "p1", Data: map[string]any{"name": "Rice"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	client := NewClient(srv.URL, "products", srv.Client())

	page, err := client.Changes(ctx, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page.Results) != 1 || page.Results[0].Rev != doc.Rev {
		t.Fatalf("unexpected changes page: %+v", page)
	}
	if page.LastSeq == 0 {
		t.Fatalf("last seq must advance")
	}

	missing, err := client.RevsDiff(ctx, map[string][]string{
		"p1": {doc.Rev, "9-0123456789abcdef0123456789abcdef"},
	})
	if err != nil {
		t.Fatalf("revs diff: %v", err)
	}
	if len(missing["p1"]) != 1 {
		t.Fatalf("expected one missing rev, got %v", missing["p1"])
	}

	rd, err := client.GetRev(ctx, "p1", doc.Rev)
	if err != nil {
		t.Fatalf("get rev: %v", err)
	}
	if rd.Document.Data["name"] != "Rice" {
		t.Fatalf("unexpected replicated body: %+v", rd.Document.Data)
	}
	if len(rd.Lineage) == 0 || rd.Lineage[0] != doc.Rev {
		t.Fatalf("lineage must start at the requested rev: %v", rd.Lineage)
	}

	local := newTestCollection(t)
	other, err := local.Put(ctx, docstore.Document{ID: "p2", Data: map[string]any{"name": "Tea"}})
	if err != nil {
		t.Fatalf("local put: %v", err)
	}
	full, lineage, err := local.GetRev(ctx, "p2", other.Rev)
	if err != nil {
		t.Fatalf("local get rev: %v", err)
	}
	if err := client.BulkDocs(ctx, []ReplicatedDoc{{Document: full, Lineage: lineage}}); err != nil {
		t.Fatalf("bulk docs: %v", err)
	}
	if _, err := hub.Get(ctx, "p2"); err != nil {
		t.Fatalf("hub must hold the pushed doc: %v", err)
	}
}

func TestManagerConvergesBothDirections(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)
	local := newTestCollection(t)

	if _, err := local.Put(ctx, docstore.Document{ID: "local-1", Data: map[string]any{"name": "Sugar"}}); err != nil {
		t.Fatalf("local put: %v", err)
	}
	if _, err := hub.Put(ctx, docstore.Document{ID: "hub-1", Data: map[string]any{"name": "Dates"}}); err != nil {
		t.Fatalf("hub put: %v", err)
	}

	m := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, "push to hub", func() bool {
		_, err := hub.Get(ctx, "local-1")
		return err == nil
	})
	waitFor(t, "pull from hub", func() bool {
		_, err := local.Get(ctx, "hub-1")
		return err == nil
	})
	if !m.Online() {
		t.Fatalf("manager must report online after a successful cycle")
	}

	// A later hub write flows down on a subsequent tick.
	if _, err := hub.Put(ctx, docstore.Document{ID: "hub-2", Data: map[string]any{"name": "Soap"}}); err != nil {
		t.Fatalf("hub put 2: %v", err)
	}
	waitFor(t, "incremental pull", func() bool {
		_, err := local.Get(ctx, "hub-2")
		return err == nil
	})
}

func TestConcurrentEditsConvergeWithConflictRetained(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)
	local := newTestCollection(t)

	base, err := local.Put(ctx, docstore.Document{ID: "p1", Data: map[string]any{"price": "10"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	full, lineage, err := local.GetRev(ctx, "p1", base.Rev)
	if err != nil {
		t.Fatalf("get rev: %v", err)
	}
	if err := hub.ForceInsert(ctx, full, lineage); err != nil {
		t.Fatalf("seed hub: %v", err)
	}

	// Diverge while disconnected.
	if _, err := local.Update(ctx, "p1", base.Rev, map[string]any{"price": "11"}); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if _, err := hub.Update(ctx, "p1", base.Rev, map[string]any{"price": "12"}); err != nil {
		t.Fatalf("hub edit: %v", err)
	}

	m := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, "convergence on a winner", func() bool {
		l, errL := local.Get(ctx, "p1")
		h, errH := hub.Get(ctx, "p1")
		return errL == nil && errH == nil && l.Rev == h.Rev
	})

	losers, err := local.Conflicts(ctx, "p1")
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(losers) != 1 {
		t.Fatalf("losing branch must be retained, got %d", len(losers))
	}
}

func TestManagerGoesOfflineWhenPeerUnreachable(t *testing.T) {
	ctx := context.Background()
	srv, _ := newPeerServer(t)
	local := newTestCollection(t)

	m := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, "initial online", func() bool { return m.Online() })

	srv.Close()
	if _, err := local.Put(ctx, docstore.Document{ID: "offline-1", Data: map[string]any{"name": "Oil"}}); err != nil {
		t.Fatalf("local writes must succeed while offline: %v", err)
	}

	waitFor(t, "offline detection", func() bool { return !m.Online() })

	status := m.Status()
	if len(status) != 1 || status[0].LastError == "" {
		t.Fatalf("status must surface the transport error: %+v", status)
	}
}

func TestCheckpointsResumeAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)
	local := newTestCollection(t)

	if _, err := hub.Put(ctx, docstore.Document{ID: "hub-1", Data: map[string]any{"n": "1"}}); err != nil {
		t.Fatalf("hub put: %v", err)
	}

	m1 := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m1.Start(ctx)
	waitFor(t, "first sync", func() bool {
		_, err := local.Get(ctx, "hub-1")
		return err == nil
	})
	m1.Stop()

	cp, err := local.LocalGet(ctx, "checkpoint-pull")
	if err != nil {
		t.Fatalf("pull checkpoint must be persisted: %v", err)
	}
	if seq, ok := cp["seq"].(uint64); !ok || seq == 0 {
		t.Fatalf("checkpoint seq must advance, got %v", cp["seq"])
	}

	if _, err := hub.Put(ctx, docstore.Document{ID: "hub-2", Data: map[string]any{"n": "2"}}); err != nil {
		t.Fatalf("hub put 2: %v", err)
	}

	m2 := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m2.Start(ctx)
	defer m2.Stop()
	waitFor(t, "resumed sync", func() bool {
		_, err := local.Get(ctx, "hub-2")
		return err == nil
	})
}

func TestDeletePropagatesAsTombstone(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)
	local := newTestCollection(t)

	doc, err := hub.Put(ctx, docstore.Document{ID: "p1", Data: map[string]any{"name": "Rice"}})
	if err != nil {
		t.Fatalf("hub put: %v", err)
	}

	m := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, "initial pull", func() bool {
		_, err := local.Get(ctx, "p1")
		return err == nil
	})

	if _, err := hub.Delete(ctx, "p1", doc.Rev); err != nil {
		t.Fatalf("hub delete: %v", err)
	}

	waitFor(t, "tombstone pull", func() bool {
		_, err := local.Get(ctx, "p1")
		return errors.Is(err, docstore.ErrNotFound)
	})
}

func TestOnPushedReportsAcceptedDocs(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)
	local := newTestCollection(t)

	if _, err := local.Put(ctx, docstore.Document{ID: "inv-1", Data: map[string]any{"status": "paid"}}); err != nil {
		t.Fatalf("local put: %v", err)
	}
	doc2, err := local.Put(ctx, docstore.Document{ID: "inv-2", Data: map[string]any{"status": "paid"}})
	if err != nil {
		t.Fatalf("local put 2: %v", err)
	}
	if _, err := local.Delete(ctx, "inv-2", doc2.Rev); err != nil {
		t.Fatalf("local delete: %v", err)
	}

	var mu sync.Mutex
	pushed := map[string]bool{}
	m := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": local}, srv.Client())
	m.OnPushed("products", func(_ context.Context, ids []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			pushed[id] = true
		}
	})
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, "push acknowledgement", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pushed["inv-1"]
	})
	if _, err := hub.Get(ctx, "inv-1"); err != nil {
		t.Fatalf("hub must hold the pushed doc: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if pushed["inv-2"] {
		t.Fatalf("tombstoned docs must not be reported as pushed")
	}
}

func TestThirdReplicaConvergesThroughHub(t *testing.T) {
	ctx := context.Background()
	srv, hub := newPeerServer(t)
	first := newTestCollection(t)
	second := newTestCollection(t)

	base, err := first.Put(ctx, docstore.Document{ID: "p1", Data: map[string]any{"price": "10"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := first.Update(ctx, "p1", base.Rev, map[string]any{"price": "11"}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	m1 := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": first}, srv.Client())
	m1.Start(ctx)
	defer m1.Stop()
	m2 := NewManager(srv.URL, 20*time.Millisecond, map[string]*docstore.Collection{"products": second}, srv.Client())
	m2.Start(ctx)
	defer m2.Stop()

	waitFor(t, "three-way convergence", func() bool {
		a, errA := first.Get(ctx, "p1")
		b, errB := hub.Get(ctx, "p1")
		c, errC := second.Get(ctx, "p1")
		return errA == nil && errB == nil && errC == nil &&
			a.Rev == b.Rev && b.Rev == c.Rev
	})

	got, err := second.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("third replica get: %v", err)
	}
	if got.Data["price"] != "11" {
		t.Fatalf("expected replicated edit on third replica, got %+v", got.Data)
	}
}

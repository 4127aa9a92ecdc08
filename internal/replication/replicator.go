package replication

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"matjarpos/internal/docstore"
)

const (
	pullCheckpointDoc = "checkpoint-pull"
	pushCheckpointDoc = "checkpoint-push"
)

// Replicator runs the continuous push/pull loop for one collection. It is
// expected to live for the whole process; transport failures only delay the
// next cycle.
type Replicator struct {
	coll     *docstore.Collection
	client   *Client
	interval time.Duration
	online   *atomic.Bool

	// onPushed, when set, runs after the peer accepts a push batch, with
	// the ids of the live documents in it. Set before Run starts.
	onPushed func(context.Context, []string)

	mu       sync.Mutex
	lastSync time.Time
	lastErr  string
}

// Status is a point-in-time view of one replicator, consumed by the UI
// layer only. It never gates writes.
type Status struct {
	Collection string    `json:"collection"`
	LastSync   time.Time `json:"lastSync,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
}

func newReplicator(coll *docstore.Collection, client *Client, interval time.Duration, online *atomic.Bool) *Replicator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Replicator{coll: coll, client: client, interval: interval, online: online}
}

// Run loops until the context is canceled. Each cycle pulls then pushes;
// failures back off exponentially with an unbounded retry horizon since the
// connection is expected to be eventually restored.
func (r *Replicator) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	localChanges, cancel := r.coll.Subscribe()
	defer cancel()

	for {
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.online.Store(false)
			r.setStatus(err)
			wait := bo.NextBackOff()
			log.Printf("[replicator] %s: sync failed (%v), retrying in %s", r.coll.Name(), err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		r.online.Store(true)
		r.setStatus(nil)
		bo.Reset()

		select {
		case <-ctx.Done():
			return
		case <-localChanges:
			// A local commit; push promptly instead of waiting a full tick.
		case <-time.After(r.interval):
		}
	}
}

func (r *Replicator) cycle(ctx context.Context) error {
	if err := r.pull(ctx); err != nil {
		return err
	}
	return r.push(ctx)
}

func (r *Replicator) pull(ctx context.Context) error {
	since := r.checkpoint(ctx, pullCheckpointDoc)
	page, err := r.client.Changes(ctx, since)
	if err != nil {
		return err
	}
	if len(page.Results) == 0 {
		return nil
	}

	offered := map[string][]string{}
	for _, ch := range page.Results {
		offered[ch.ID] = append(offered[ch.ID], ch.Rev)
	}
	missing := r.coll.RevsDiff(offered)

	for id, revs := range missing {
		for _, rev := range revs {
			rd, err := r.client.GetRev(ctx, id, rev)
			if err != nil {
				return err
			}
			if err := r.coll.ForceInsert(ctx, rd.Document, rd.Lineage); err != nil {
				return err
			}
		}
	}
	return r.saveCheckpoint(ctx, pullCheckpointDoc, page.LastSeq)
}

func (r *Replicator) push(ctx context.Context) error {
	since := r.checkpoint(ctx, pushCheckpointDoc)
	changes := r.coll.Changes(since)
	if len(changes) == 0 {
		return nil
	}

	offered := map[string][]string{}
	last := since
	for _, ch := range changes {
		offered[ch.ID] = append(offered[ch.ID], ch.Rev)
		if ch.Seq > last {
			last = ch.Seq
		}
	}
	missing, err := r.client.RevsDiff(ctx, offered)
	if err != nil {
		return err
	}

	var batch []ReplicatedDoc
	for id, revs := range missing {
		for _, rev := range revs {
			doc, lineage, err := r.coll.GetRev(ctx, id, rev)
			if err != nil {
				// The revision may have been compacted away; the peer will
				// pick up descendants from a later change.
				log.Printf("[replicator] %s: skip %s@%s: %v", r.coll.Name(), id, rev, err)
				continue
			}
			batch = append(batch, ReplicatedDoc{Document: doc, Lineage: lineage})
		}
	}
	if len(batch) > 0 {
		if err := r.client.BulkDocs(ctx, batch); err != nil {
			return err
		}
		r.notifyPushed(ctx, batch)
	}
	return r.saveCheckpoint(ctx, pushCheckpointDoc, last)
}

func (r *Replicator) notifyPushed(ctx context.Context, batch []ReplicatedDoc) {
	if r.onPushed == nil {
		return
	}
	seen := map[string]bool{}
	ids := make([]string, 0, len(batch))
	for _, rd := range batch {
		if rd.Document.Deleted || seen[rd.Document.ID] {
			continue
		}
		seen[rd.Document.ID] = true
		ids = append(ids, rd.Document.ID)
	}
	if len(ids) > 0 {
		r.onPushed(ctx, ids)
	}
}

func (r *Replicator) checkpoint(ctx context.Context, name string) uint64 {
	data, err := r.coll.LocalGet(ctx, name)
	if err != nil {
		return 0
	}
	switch v := data["seq"].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	default:
		return 0
	}
}

func (r *Replicator) saveCheckpoint(ctx context.Context, name string, seq uint64) error {
	return r.coll.LocalPut(ctx, name, map[string]any{"seq": seq})
}

func (r *Replicator) setStatus(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err.Error()
		return
	}
	r.lastErr = ""
	r.lastSync = time.Now().UTC()
}

func (r *Replicator) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Collection: r.coll.Name(), LastSync: r.lastSync, LastError: r.lastErr}
}

// Manager owns one replicator per collection. Its lifetime is tied to
// application start and stop; there is no per-replication cancellation.
type Manager struct {
	replicators []*Replicator
	online      atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewManager(baseURL string, interval time.Duration, colls map[string]*docstore.Collection, httpClient *http.Client) *Manager {
	m := &Manager{}
	for name, coll := range colls {
		client := NewClient(baseURL, name, httpClient)
		m.replicators = append(m.replicators, newReplicator(coll, client, interval, &m.online))
	}
	return m
}

// OnPushed registers fn to run whenever the peer accepts a push batch for
// the named collection. fn receives the ids of the live documents in the
// batch. Register before Start.
func (m *Manager) OnPushed(collection string, fn func(context.Context, []string)) {
	for _, r := range m.replicators {
		if r.coll.Name() == collection {
			r.onPushed = fn
		}
	}
}

func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, r := range m.replicators {
		m.wg.Add(1)
		go func(rep *Replicator) {
			defer m.wg.Done()
			rep.Run(runCtx)
		}(r)
	}
	log.Printf("[replication] started %d collection channels", len(m.replicators))
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Println("[replication] stopped")
}

// Online reports whether the most recent exchange with the peer succeeded.
// Consumed by the UI layer only; local writes never consult it.
func (m *Manager) Online() bool {
	return m.online.Load()
}

func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.replicators))
	for _, r := range m.replicators {
		out = append(out, r.status())
	}
	return out
}

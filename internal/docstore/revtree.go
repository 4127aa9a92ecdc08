package docstore

import "time"

// version is the stored body for one revision of a document. Replication can
// hand us bare ancestor revision ids without bodies, so not every known rev
// has a version.
type version struct {
	deleted   bool
	data      map[string]any
	createdAt time.Time
	updatedAt time.Time
}

// docState is the revision tree for one document id: a DAG of parent links
// plus the bodies we hold. Leaves with no children are the live heads;
// concurrent edits leave multiple heads and the winner is chosen by
// compareRevs.
type docState struct {
	parents  map[string]string // rev -> parent rev ("" for a root)
	children map[string]int    // rev -> number of child revs
	bodies   map[string]*version
}

func newDocState() *docState {
	return &docState{
		parents:  make(map[string]string),
		children: make(map[string]int),
		bodies:   make(map[string]*version),
	}
}

func (d *docState) hasRev(rev string) bool {
	_, ok := d.parents[rev]
	return ok
}

// addEdge registers rev with the given parent. Existing registrations are
// left untouched so replays are idempotent.
func (d *docState) addEdge(rev, parent string) {
	if d.hasRev(rev) {
		return
	}
	d.parents[rev] = parent
	if parent != "" {
		d.children[parent]++
	}
}

func (d *docState) leaves() []string {
	var out []string
	for rev := range d.parents {
		if d.children[rev] == 0 {
			out = append(out, rev)
		}
	}
	return out
}

// winner returns the winning head: the greatest non-deleted leaf, or the
// greatest deleted leaf when every branch ends in a tombstone.
func (d *docState) winner() (string, *version) {
	var bestLive, bestDead string
	for _, rev := range d.leaves() {
		body := d.bodies[rev]
		if body == nil {
			continue
		}
		if body.deleted {
			if bestDead == "" || compareRevs(rev, bestDead) > 0 {
				bestDead = rev
			}
			continue
		}
		if bestLive == "" || compareRevs(rev, bestLive) > 0 {
			bestLive = rev
		}
	}
	if bestLive != "" {
		return bestLive, d.bodies[bestLive]
	}
	if bestDead != "" {
		return bestDead, d.bodies[bestDead]
	}
	return "", nil
}

// conflicts returns the non-deleted losing heads.
func (d *docState) conflicts() []string {
	win, _ := d.winner()
	var out []string
	for _, rev := range d.leaves() {
		if rev == win {
			continue
		}
		body := d.bodies[rev]
		if body == nil || body.deleted {
			continue
		}
		out = append(out, rev)
	}
	return out
}

// lineage walks the ancestor chain from rev to the root, newest first.
func (d *docState) lineage(rev string) []string {
	var out []string
	for rev != "" {
		out = append(out, rev)
		rev = d.parents[rev]
	}
	return out
}

package docstore

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Selector describes an indexed lookup: equality on fields plus optional
// prefix matches on string fields. This is deliberately not a general query
// language; it covers exactly the lookups the application needs.
type Selector struct {
	Equals map[string]any
	Prefix map[string]string
	Limit  int
}

func (sel Selector) matches(doc Document) bool {
	for f, want := range sel.Equals {
		if encodeKey(selectorValue(doc, f)) != encodeKey(want) {
			return false
		}
	}
	for f, p := range sel.Prefix {
		s, ok := selectorValue(doc, f).(string)
		if !ok || !strings.HasPrefix(s, p) {
			return false
		}
	}
	return true
}

// selectorValue resolves a field against the data map, treating the
// envelope timestamps as virtual fields like the indexes do.
func selectorValue(doc Document, field string) any {
	switch field {
	case "createdAt":
		return doc.CreatedAt.Format(time.RFC3339Nano)
	case "updatedAt":
		return doc.UpdatedAt.Format(time.RFC3339Nano)
	default:
		return doc.Data[field]
	}
}

// Query returns the winning revisions matching the selector. The planner
// picks the index binding the most leading selector fields; with no usable
// index it falls back to a full scan, counted in Stats.
func (c *Collection) Query(ctx context.Context, sel Selector) ([]Document, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	var best *index
	var bestPrefix string
	bestScore := 0
	for _, ix := range c.state.indexes {
		prefix, score := ix.plan(sel)
		if score > bestScore {
			best, bestPrefix, bestScore = ix, prefix, score
		}
	}

	var out []Document
	if best != nil {
		c.store.indexedQueries.Add(1)
		for _, id := range best.scan(bestPrefix, 0) {
			doc, err := c.getLocked(id)
			if err != nil {
				continue
			}
			if !sel.matches(doc) {
				continue
			}
			out = append(out, doc)
			if sel.Limit > 0 && len(out) >= sel.Limit {
				break
			}
		}
		return out, nil
	}

	c.store.scanFallbacks.Add(1)
	for id := range c.state.docs {
		doc, err := c.getLocked(id)
		if err != nil {
			continue
		}
		if sel.matches(doc) {
			out = append(out, doc)
		}
	}
	// Full scans iterate a map; give callers a stable order anyway.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

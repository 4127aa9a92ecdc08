package docstore

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// IndexDef declares a field tuple a collection must support lookups on.
// Equality lookups bind leading fields; the next unbound field may be
// matched by prefix.
type IndexDef struct {
	Name   string
	Fields []string
}

const keySep = "\x00"

type indexEntry struct {
	key string
	id  string
}

// index keeps a sorted entry list over the winning revision of every live
// document. Tombstoned and conflict-losing revisions are not indexed.
type index struct {
	def     IndexDef
	entries []indexEntry
	keys    map[string]string // doc id -> current key
}

func newIndex(def IndexDef) *index {
	return &index{def: def, keys: make(map[string]string)}
}

func (ix *index) keyFor(data map[string]any) string {
	parts := make([]string, 0, len(ix.def.Fields))
	for _, f := range ix.def.Fields {
		parts = append(parts, encodeKey(data[f]))
	}
	return strings.Join(parts, keySep) + keySep
}

func (ix *index) update(id string, data map[string]any) {
	ix.remove(id)
	if data == nil {
		return
	}
	key := ix.keyFor(data)
	ix.keys[id] = key
	at := sort.Search(len(ix.entries), func(i int) bool {
		if ix.entries[i].key != key {
			return ix.entries[i].key > key
		}
		return ix.entries[i].id >= id
	})
	ix.entries = append(ix.entries, indexEntry{})
	copy(ix.entries[at+1:], ix.entries[at:])
	ix.entries[at] = indexEntry{key: key, id: id}
}

func (ix *index) remove(id string) {
	key, ok := ix.keys[id]
	if !ok {
		return
	}
	delete(ix.keys, id)
	at := sort.Search(len(ix.entries), func(i int) bool {
		if ix.entries[i].key != key {
			return ix.entries[i].key > key
		}
		return ix.entries[i].id >= id
	})
	if at < len(ix.entries) && ix.entries[at].id == id {
		ix.entries = append(ix.entries[:at], ix.entries[at+1:]...)
	}
}

// scan returns ids whose key starts with prefix, in key order.
func (ix *index) scan(prefix string, limit int) []string {
	at := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].key >= prefix
	})
	var out []string
	for ; at < len(ix.entries); at++ {
		if !strings.HasPrefix(ix.entries[at].key, prefix) {
			break
		}
		out = append(out, ix.entries[at].id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// plan scores how much of the selector this index can bind: one point per
// leading field bound by equality, plus one for a prefix match on the next
// field. A zero score means the index is unusable for the selector.
func (ix *index) plan(sel Selector) (prefix string, score int) {
	var b strings.Builder
	for _, f := range ix.def.Fields {
		if v, ok := sel.Equals[f]; ok {
			b.WriteString(encodeKey(v))
			b.WriteString(keySep)
			score++
			continue
		}
		if p, ok := sel.Prefix[f]; ok {
			b.WriteString(p)
			score++
		}
		break
	}
	return b.String(), score
}

// encodeKey normalizes a stored value into an index key segment. Data maps
// come from JSON round trips, so numbers arrive as float64 and decimals as
// strings.
func encodeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		raw, _ := json.Marshal(t)
		return strings.Trim(string(raw), "\"")
	}
}

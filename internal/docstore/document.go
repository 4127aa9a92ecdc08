package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("document not found")
	ErrConflict   = errors.New("revision conflict")
	ErrValidation = errors.New("invalid document")
)

// Document is the envelope every persisted entity shares. Rev is an opaque
// token proving write lineage; callers must hand back the rev they last
// observed for updates and deletes.
type Document struct {
	ID        string         `json:"id"`
	Rev       string         `json:"rev"`
	Deleted   bool           `json:"deleted,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Data      map[string]any `json:"data"`
}

// Change is one entry of a collection's ordered change log.
type Change struct {
	Seq     uint64 `json:"seq"`
	ID      string `json:"id"`
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted,omitempty"`
}

// makeRev derives the next revision token from the parent revision and the
// new content. The token is "generation-hash"; the hash is deterministic so
// two replicas making the same edit from the same parent produce the same
// revision.
func makeRev(parent string, deleted bool, data map[string]any) string {
	gen := revGeneration(parent) + 1
	payload, _ := json.Marshal(data)
	h := sha256.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(payload)
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(h.Sum(nil))[:32])
}

func revGeneration(rev string) int {
	if rev == "" {
		return 0
	}
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 {
		return 0
	}
	gen, err := strconv.Atoi(rev[:idx])
	if err != nil {
		return 0
	}
	return gen
}

// compareRevs orders two revision tokens: higher generation wins, ties break
// on the lexicographically greater token. This is the deterministic,
// content-independent tie-break used to pick a winning head among
// conflicting branches.
func compareRevs(a, b string) int {
	ga, gb := revGeneration(a), revGeneration(b)
	if ga != gb {
		if ga < gb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

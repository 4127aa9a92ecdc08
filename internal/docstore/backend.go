package docstore

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one persisted revision. Lineage is the full ancestor chain
// (newest first, Lineage[0] == Rev) so a reopened store can rebuild the
// revision tree even for revisions received through replication.
type Record struct {
	Collection string
	Seq        uint64
	ID         string
	Rev        string
	Deleted    bool
	Lineage    []string
	Body       []byte
}

// LocalRecord is a non-replicated per-collection document, used for
// replication checkpoints. Local docs never appear in the change log.
type LocalRecord struct {
	Collection string
	ID         string
	Body       []byte
}

// Backend persists revision records. The engine owns all revision-tree and
// index logic; backends only store and reload flat records.
type Backend interface {
	Load(ctx context.Context) ([]Record, []LocalRecord, error)
	SaveRevision(ctx context.Context, rec Record) error
	SaveLocal(ctx context.Context, rec LocalRecord) error
	Close() error
}

type recordBody struct {
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Data      map[string]any `json:"data"`
}

func encodeBody(v *version) []byte {
	raw, _ := json.Marshal(recordBody{CreatedAt: v.createdAt, UpdatedAt: v.updatedAt, Data: v.data})
	return raw
}

func decodeBody(raw []byte, deleted bool) (*version, error) {
	var body recordBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	if body.Data == nil {
		body.Data = map[string]any{}
	}
	return &version{deleted: deleted, data: body.Data, createdAt: body.CreatedAt, updatedAt: body.UpdatedAt}, nil
}

// NullBackend keeps everything in memory only. Used by tests and by
// deployments that accept losing local state on restart.
type NullBackend struct{}

func (NullBackend) Load(context.Context) ([]Record, []LocalRecord, error) { return nil, nil, nil }
func (NullBackend) SaveRevision(context.Context, Record) error            { return nil }
func (NullBackend) SaveLocal(context.Context, LocalRecord) error          { return nil }
func (NullBackend) Close() error                                          { return nil }

// Package replication keeps one continuous, bidirectional channel per
// collection between the local document store and a remote peer. Writes
// always commit locally first; replication is asynchronous and survives
// disconnects with exponential backoff.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"matjarpos/internal/docstore"
)

// ErrNetwork wraps transport failures. They are logged and retried
// internally, never surfaced to UI flows.
var ErrNetwork = errors.New("network error")

// ReplicatedDoc is a document revision plus its full ancestor lineage
// (newest first), the unit of exchange between peers. Any peer speaking
// this revision-tree exchange is interoperable.
type ReplicatedDoc struct {
	Document docstore.Document `json:"document"`
	Lineage  []string          `json:"lineage"`
}

// ChangesPage is one page of a peer's change log.
type ChangesPage struct {
	LastSeq uint64            `json:"lastSeq"`
	Results []docstore.Change `json:"results"`
}

// Client speaks the replication wire contract against a remote peer.
type Client struct {
	base       string
	collection string
	http       *http.Client
}

func NewClient(baseURL, collection string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: baseURL, collection: collection, http: httpClient}
}

func (c *Client) Changes(ctx context.Context, since uint64) (ChangesPage, error) {
	var page ChangesPage
	endpoint := fmt.Sprintf("%s/replicate/%s/_changes?since=%d", c.base, url.PathEscape(c.collection), since)
	if err := c.get(ctx, endpoint, &page); err != nil {
		return ChangesPage{}, err
	}
	return page, nil
}

// RevsDiff asks the peer which of the offered revisions it is missing.
func (c *Client) RevsDiff(ctx context.Context, offered map[string][]string) (map[string][]string, error) {
	missing := map[string][]string{}
	endpoint := fmt.Sprintf("%s/replicate/%s/_revs_diff", c.base, url.PathEscape(c.collection))
	if err := c.post(ctx, endpoint, offered, &missing); err != nil {
		return nil, err
	}
	return missing, nil
}

// BulkDocs delivers revisions with lineage; the peer grafts them onto its
// trees without conflict checks, retaining divergent branches.
func (c *Client) BulkDocs(ctx context.Context, docs []ReplicatedDoc) error {
	endpoint := fmt.Sprintf("%s/replicate/%s/_bulk_docs", c.base, url.PathEscape(c.collection))
	return c.post(ctx, endpoint, docs, nil)
}

func (c *Client) GetRev(ctx context.Context, id, rev string) (ReplicatedDoc, error) {
	var doc ReplicatedDoc
	endpoint := fmt.Sprintf("%s/replicate/%s/doc/%s?rev=%s",
		c.base, url.PathEscape(c.collection), url.PathEscape(id), url.QueryEscape(rev))
	if err := c.get(ctx, endpoint, &doc); err != nil {
		return ReplicatedDoc{}, err
	}
	return doc, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: peer returned %d: %s", ErrNetwork, resp.StatusCode, truncate(body, 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode peer response: %v", ErrNetwork, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func parseSince(raw string) uint64 {
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return since
}

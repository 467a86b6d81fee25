// Package esclient wraps github.com/elastic/go-elasticsearch/v8: index
// resolution (including strftime expansion), scroll handles, and
// backend error shaping. The teacher never talks to a search backend at
// all (it receives already-fired alerts), so this package is shaped
// like the request/response idiom of the pack's own go-elasticsearch
// consumers (functional-option request builders, typed response
// structs decoded straight off the response body) rather than anything
// in alertmanager itself.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/lestrrat-go/strftime"

	"github.com/chronowatch/chronowatch/esquery"
	"github.com/chronowatch/chronowatch/types"
)

// maxErrorBytes bounds how much of a backend error body gets persisted,
// per spec.md §4.C step 8.
const maxErrorBytes = 1024

// Client is a thin, rule-aware wrapper around the search backend.
type Client struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

// New dials the search backend with cfg and returns a Client scoped
// under logger.
func New(cfg elasticsearch.Config, logger *slog.Logger) (*Client, error) {
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("esclient: connecting: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{es: es, logger: logger.With("component", "esclient")}, nil
}

// Ping implements the readiness check cmd/chronowatchd polls during
// startup (spec.md §4.J "Readiness"): it succeeds once the backend
// answers, regardless of cluster health color.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("esclient: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("esclient: ping: backend returned %s", resp.Status())
	}
	return nil
}

// ResolveIndex implements spec.md §4.C step 2: when use_strftime_index
// is set and the window is known, format tokens are expanded across
// every day boundary in [start, end] and comma-joined; when the window
// is unknown, the formatted substring is replaced with a single `*`.
func ResolveIndex(rule *types.Rule, start, end time.Time, windowKnown bool) (string, error) {
	if !rule.UseStrftimeIndex {
		return rule.IndexTemplate, nil
	}
	if !windowKnown {
		return wildcardIndex(rule.IndexTemplate), nil
	}
	return formatIndexRange(rule.IndexTemplate, start, end)
}

func wildcardIndex(template string) string {
	start := strings.IndexByte(template, '%')
	if start < 0 {
		return template
	}
	end := strings.LastIndexByte(template, '%') + 2
	if end > len(template) {
		end = len(template)
	}
	return template[:start] + "*" + template[end:]
}

func formatIndexRange(template string, start, end time.Time) (string, error) {
	f, err := strftime.New(template)
	if err != nil {
		return "", fmt.Errorf("esclient: invalid strftime index template %q: %w", template, err)
	}

	seen := make(map[string]struct{})
	var parts []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		idx := f.FormatString(d.UTC())
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		parts = append(parts, idx)
	}
	last := f.FormatString(end.UTC())
	if _, ok := seen[last]; !ok {
		parts = append(parts, last)
	}
	return strings.Join(parts, ","), nil
}

// SearchResult is the subset of a search-engine response chronowatch's
// callers need: hit documents (with _id/_index folded into _source per
// spec.md §4.C step 5), a scroll handle when one was requested, and any
// aggregation tree.
type SearchResult struct {
	TotalHits    int
	Hits         []map[string]any
	Aggregations map[string]any
	ScrollID     string
}

type rawHit struct {
	ID     string         `json:"_id"`
	Index  string         `json:"_index"`
	Source map[string]any `json:"_source"`
	Fields map[string]any `json:"fields"`
}

type rawResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []rawHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]any `json:"aggregations"`
}

// Search executes body against index. When scroll is non-zero, the
// search is opened with a scroll cursor the caller must continue via
// Scroll and eventually release via ClearScroll.
func (c *Client) Search(ctx context.Context, index string, body esquery.Body, size int, scroll time.Duration) (*SearchResult, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("esclient: encoding query: %w", err)
	}

	opts := []func(*esapi.SearchRequest){
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(buf)),
		c.es.Search.WithIgnoreUnavailable(true),
	}
	if size > 0 {
		opts = append(opts, c.es.Search.WithSize(size))
	}
	if scroll > 0 {
		opts = append(opts, c.es.Search.WithScroll(scroll))
	}

	resp, err := c.es.Search(opts...)
	if err != nil {
		return nil, fmt.Errorf("esclient: search request: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp.StatusCode, resp.IsError(), resp.Body)
}

// Scroll continues a previously opened scroll.
func (c *Client) Scroll(ctx context.Context, scrollID string, keepalive time.Duration) (*SearchResult, error) {
	resp, err := c.es.Scroll(
		c.es.Scroll.WithContext(ctx),
		c.es.Scroll.WithScrollID(scrollID),
		c.es.Scroll.WithScroll(keepalive),
	)
	if err != nil {
		return nil, fmt.Errorf("esclient: scroll request: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp.StatusCode, resp.IsError(), resp.Body)
}

// Index writes doc to index, using a backend-assigned id if id is empty,
// and returns the id the document was stored under. It is the write side
// writeback uses for all four document kinds.
func (c *Client) Index(ctx context.Context, index, id string, doc any) (string, error) {
	buf, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("esclient: encoding document: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(buf),
		Refresh:    "false",
	}
	resp, err := req.Do(ctx, c.es)
	if err != nil {
		return "", fmt.Errorf("esclient: index request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return "", ShapeError(fmt.Errorf("esclient: index returned status %d", resp.StatusCode), raw)
	}
	var parsed struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("esclient: decoding index response: %w", err)
	}
	return parsed.ID, nil
}

// Update applies a partial document update (ES's {"doc": ...} merge) to
// the document id in index.
func (c *Client) Update(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(map[string]any{"doc": doc})
	if err != nil {
		return fmt.Errorf("esclient: encoding update: %w", err)
	}
	req := esapi.UpdateRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	resp, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("esclient: update request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return ShapeError(fmt.Errorf("esclient: update returned status %d", resp.StatusCode), raw)
	}
	return nil
}

// Delete removes a document by id from index. A missing document is not
// treated as an error: the caller's invariant ("exactly one pending
// elastalert document") is already satisfied either way.
func (c *Client) Delete(ctx context.Context, index, id string) error {
	req := esapi.DeleteRequest{Index: index, DocumentID: id}
	resp, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("esclient: delete request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() && resp.StatusCode != 404 {
		raw, _ := io.ReadAll(resp.Body)
		return ShapeError(fmt.Errorf("esclient: delete returned status %d", resp.StatusCode), raw)
	}
	return nil
}

// ClearScroll releases a scroll handle. Callers defer this on every exit
// path of a scrolling search per spec.md §4.C step 3 ("always clear the
// scroll on any exit path"); failures are logged, not propagated, since
// the scroll will expire on its own via keepalive.
func (c *Client) ClearScroll(ctx context.Context, scrollID string) {
	if scrollID == "" {
		return
	}
	resp, err := c.es.ClearScroll(
		c.es.ClearScroll.WithContext(ctx),
		c.es.ClearScroll.WithScrollID(scrollID),
	)
	if err != nil {
		c.logger.Warn("clear scroll failed", "err", err)
		return
	}
	defer resp.Body.Close()
}

func decodeResponse(statusCode int, isError bool, body io.Reader) (*SearchResult, error) {
	raw, readErr := io.ReadAll(body)
	if isError {
		return nil, ShapeError(fmt.Errorf("esclient: backend returned status %d", statusCode), raw)
	}
	if readErr != nil {
		return nil, fmt.Errorf("esclient: reading response: %w", readErr)
	}

	var parsed rawResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("esclient: decoding response: %w", err)
	}

	hits := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		src := h.Source
		if src == nil {
			src = map[string]any{}
		}
		for k, v := range h.Fields {
			src[k] = unwrapSingleton(v)
		}
		src["_id"] = h.ID
		src["_index"] = h.Index
		hits = append(hits, src)
	}

	return &SearchResult{
		TotalHits:    parsed.Hits.Total.Value,
		Hits:         hits,
		Aggregations: parsed.Aggregations,
		ScrollID:     parsed.ScrollID,
	}, nil
}

// unwrapSingleton implements spec.md §4.C step 5: a length-1 list from
// the "fields" projection unwraps to its scalar.
func unwrapSingleton(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) != 1 {
		return v
	}
	return list[0]
}

// ShapeError truncates a raw backend error body to maxErrorBytes, per
// spec.md §4.C step 8, and wraps it alongside err so callers can persist
// a bounded message via error writeback.
func ShapeError(err error, raw []byte) error {
	msg := string(raw)
	if len(msg) > maxErrorBytes {
		msg = msg[:maxErrorBytes]
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}

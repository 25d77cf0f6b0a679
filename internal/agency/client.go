package agency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client speaks the agency's HTTP+JSON protocol. All consistency
// guarantees live server-side; the client is a thin typed wrapper.
type Client struct {
	endpoint string
	http     *http.Client
	log      *slog.Logger
}

// NewClient returns a client for the agency at endpoint, for example
// "http://127.0.0.1:4001".
func NewClient(endpoint string, log *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log.With("topic", "agency"),
	}
}

// postJSON posts body to path and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agency: http %s: %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) read(ctx context.Context, path, prefix string) (*Node, error) {
	var results []any
	if err := c.postJSON(ctx, path, []any{[]string{prefix}}, &results); err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("agency: read returned %d results, want 1", len(results))
	}
	return NewNode(results[0]), nil
}

// ReadTree implements Agency.
func (c *Client) ReadTree(ctx context.Context, prefix string) (*Node, error) {
	return c.read(ctx, "/_api/agency/read", prefix)
}

// ReadTransient implements Agency.
func (c *Client) ReadTransient(ctx context.Context, prefix string) (*Node, error) {
	return c.read(ctx, "/_api/agency/read-transient", prefix)
}

type writeResponse struct {
	Results []uint64 `json:"results"`
}

func (c *Client) write(ctx context.Context, path string, trxs []Transaction) (WriteResult, error) {
	body := make([]any, len(trxs))
	for i, trx := range trxs {
		body[i] = encodeTransaction(trx)
	}
	var resp writeResponse
	if err := c.postJSON(ctx, path, body, &resp); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Accepted: true, Indices: resp.Results}, nil
}

// Transact implements Agency.
func (c *Client) Transact(ctx context.Context, trx Transaction) (WriteResult, error) {
	res, err := c.write(ctx, "/_api/agency/write", []Transaction{trx})
	if err != nil {
		c.log.Warn("write failed", "error", err)
		return res, err
	}
	return res, nil
}

// Transient implements Agency.
func (c *Client) Transient(ctx context.Context, trx Transaction) (WriteResult, error) {
	return c.write(ctx, "/_api/agency/transient", []Transaction{trx})
}

// GeneralTransaction implements Agency.
func (c *Client) GeneralTransaction(ctx context.Context, trxs []Transaction) (WriteResult, error) {
	return c.write(ctx, "/_api/agency/write", trxs)
}

type configResponse struct {
	Leading     bool      `json:"leading"`
	LeaderSince time.Time `json:"leaderSince"`
}

// Leadership returns a Leadership view that polls the agency's config
// endpoint. Failures report non-leading, which only ever delays
// supervision work.
func (c *Client) Leadership() Leadership {
	return &remoteLeadership{client: c}
}

type remoteLeadership struct {
	client *Client
}

func (r *remoteLeadership) config() (configResponse, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var resp configResponse
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, r.client.endpoint+"/_api/agency/config", nil)
	if err != nil {
		return resp, false
	}
	httpResp, err := r.client.http.Do(req)
	if err != nil {
		return resp, false
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 300 {
		return resp, false
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, false
	}
	return resp, true
}

func (r *remoteLeadership) Leading() bool {
	resp, ok := r.config()
	return ok && resp.Leading
}

func (r *remoteLeadership) LeaderSince() time.Time {
	resp, ok := r.config()
	if !ok {
		return time.Time{}
	}
	return resp.LeaderSince
}

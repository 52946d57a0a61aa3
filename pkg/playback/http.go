package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPClient talks to the playback-loader HTTP API.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient creates a client for the API at addr, e.g.
// "http://localhost:8080". A nil hc uses http.DefaultClient.
func NewHTTPClient(addr string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{base: strings.TrimRight(addr, "/"), hc: hc}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, req, resp any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("playback: encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("playback: %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("playback: reading response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		if err := decodeReply(data, nil); err != nil {
			return err
		}
		return fmt.Errorf("playback: %s %s: HTTP %d", method, path, httpResp.StatusCode)
	}
	return decodeReply(data, resp)
}

// Status returns the server status.
func (c *HTTPClient) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Progress returns the loaded fraction ranges.
func (c *HTTPClient) Progress(ctx context.Context) (*Progress, error) {
	var p Progress
	if err := c.do(ctx, http.MethodGet, "/v1/progress", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Seek queues a load around t and returns the clamped seek time.
func (c *HTTPClient) Seek(ctx context.Context, t Time) (Time, error) {
	var resp SeekResponse
	if err := c.do(ctx, http.MethodPost, "/v1/seek", SeekRequest{Time: t}, &resp); err != nil {
		return Time{}, err
	}
	return resp.Time, nil
}

// Topics returns the subscribed and available topics.
func (c *HTTPClient) Topics(ctx context.Context) (*TopicsResponse, error) {
	var resp TopicsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/topics", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetTopics replaces the subscribed topics.
func (c *HTTPClient) SetTopics(ctx context.Context, topics []string) (*TopicsResponse, error) {
	if topics == nil {
		topics = []string{}
	}
	var resp TopicsResponse
	if err := c.do(ctx, http.MethodPut, "/v1/topics", TopicsRequest{Topics: topics}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Blocks lists the cache slots.
func (c *HTTPClient) Blocks(ctx context.Context) ([]BlockSummary, error) {
	var blocks []BlockSummary
	if err := c.do(ctx, http.MethodGet, "/v1/blocks", nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Block returns the content of one cache slot.
func (c *HTTPClient) Block(ctx context.Context, id int) (*Block, error) {
	var blk Block
	if err := c.do(ctx, http.MethodGet, "/v1/blocks/"+strconv.Itoa(id), nil, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

// Backfill returns the latest message per subscribed topic at or before t.
func (c *HTTPClient) Backfill(ctx context.Context, t Time) ([]Message, error) {
	q := url.Values{}
	q.Set("sec", strconv.FormatInt(t.Sec, 10))
	q.Set("nsec", strconv.FormatInt(t.Nsec, 10))
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, "/v1/backfill?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Problems lists recorded problems, most recent first.
func (c *HTTPClient) Problems(ctx context.Context) ([]Problem, error) {
	var problems []Problem
	if err := c.do(ctx, http.MethodGet, "/v1/problems", nil, &problems); err != nil {
		return nil, err
	}
	return problems, nil
}

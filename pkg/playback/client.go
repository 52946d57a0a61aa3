package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the NATS client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix of the responder subjects.
	// Defaults to "playback".
	SubjectPrefix string

	// Timeout for requests without a context deadline. Defaults to 5s.
	Timeout time.Duration
}

// Client talks to the playback-loader NATS responder.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a new NATS client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("playback: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "playback"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:      cfg.NC,
		prefix:  prefix,
		timeout: timeout,
	}, nil
}

func (c *Client) request(ctx context.Context, op string, req, resp any) error {
	var data []byte
	if req != nil {
		var err error
		if data, err = json.Marshal(req); err != nil {
			return fmt.Errorf("playback: encoding %s request: %w", op, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	subject := c.prefix + "." + op
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if isNoResponders(err) {
			return fmt.Errorf("playback: no responder on %s: %w", subject, err)
		}
		return fmt.Errorf("playback: %s request: %w", op, err)
	}
	return decodeReply(msg.Data, resp)
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.request(ctx, "status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Progress returns the loaded fraction ranges.
func (c *Client) Progress(ctx context.Context) (*Progress, error) {
	var p Progress
	if err := c.request(ctx, "progress", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Seek queues a load around t and returns the clamped seek time.
func (c *Client) Seek(ctx context.Context, t Time) (Time, error) {
	var resp SeekResponse
	if err := c.request(ctx, "seek", SeekRequest{Time: t}, &resp); err != nil {
		return Time{}, err
	}
	return resp.Time, nil
}

// Topics returns the subscribed and available topics.
func (c *Client) Topics(ctx context.Context) (*TopicsResponse, error) {
	var resp TopicsResponse
	if err := c.request(ctx, "topics", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetTopics replaces the subscribed topics.
func (c *Client) SetTopics(ctx context.Context, topics []string) (*TopicsResponse, error) {
	if topics == nil {
		topics = []string{}
	}
	var resp TopicsResponse
	if err := c.request(ctx, "topics", TopicsRequest{Topics: topics}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

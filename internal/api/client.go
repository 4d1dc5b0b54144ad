package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"streamvisor/internal/supervisor"
)

const DefaultClientTimeout = 30 * time.Second

// Client calls a remote supervisor's control API. It satisfies the
// restarter's Controller, so the auto-restart loop can run out of process.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse supervisor url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("supervisor url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		http:    &http.Client{Timeout: DefaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Start(ctx context.Context, spec supervisor.JobSpec, opts supervisor.StartOptions) (supervisor.StartResult, error) {
	path := "/v1/streams"
	if opts.Restart {
		path += "?restart=true"
	}
	var out supervisor.StartResult
	err := c.do(ctx, http.MethodPost, path, spec, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *Client) Status(ctx context.Context, id string) (supervisor.Job, error) {
	var out supervisor.Job
	err := c.do(ctx, http.MethodGet, "/v1/streams/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]supervisor.Job, error) {
	var out []supervisor.Job
	err := c.do(ctx, http.MethodGet, "/v1/streams", nil, &out)
	return out, err
}

// Health returns the number of live streams reported by /healthz.
func (c *Client) Health(ctx context.Context) (int, error) {
	var out healthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return 0, err
	}
	return out.ActiveStreams, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var failure errorBody
		_ = json.Unmarshal(raw, &failure)
		return errorFromResponse(resp.StatusCode, failure.Error)
	}
	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

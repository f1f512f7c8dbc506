// Package client talks to a running counter-api.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d, error=%s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

type options struct {
	hc *http.Client
}

type Option func(o *options)

func WithHTTPClient(hc *http.Client) Option {
	return Option(func(o *options) {
		o.hc = hc
	})
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	options := options{
		hc: &http.Client{Timeout: 10 * time.Second},
	}
	for _, e := range opts {
		e(&options)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      options.hc,
	}
}

type valueBody struct {
	Value int64  `json:"value"`
	Error string `json:"error"`
}

func (c *Client) Read(ctx context.Context) (int64, error) {
	return c.value(ctx, http.MethodGet, "/read")
}

func (c *Client) Write(ctx context.Context) (int64, error) {
	return c.value(ctx, http.MethodPost, "/write")
}

func (c *Client) Reset(ctx context.Context) error {
	_, err := c.value(ctx, http.MethodPost, "/reset")
	return err
}

// Healthy reports whether /health answered 200.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	res, err := c.do(ctx, http.MethodGet, "/health")
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK, nil
}

func (c *Client) value(ctx context.Context, method, path string) (int64, error) {
	res, err := c.do(ctx, method, path)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	var b valueBody
	if err := json.NewDecoder(res.Body).Decode(&b); err != nil {
		return 0, fmt.Errorf("json.Decode: %s %s, status=%d, %w", method, path, res.StatusCode, err)
	}
	if res.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: res.StatusCode, Message: b.Error}
	}
	return b.Value, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("http.NewRequest: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hc.Do: %s %s, %w", method, path, err)
	}
	return res, nil
}

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps a stdlib client and classifies provider failures into
// AdapterError kinds. Retry policy is owned by the collector, so each call
// is a single attempt.
type HTTPClient struct {
	adapter string
	client  *http.Client
}

func NewHTTPClient(adapter string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{adapter: adapter, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return NewAdapterError(c.adapter, ParseFailure, "marshal request", err)
		}
		bodyReader = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return NewAdapterError(c.adapter, ParseFailure, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return NewAdapterError(c.adapter, Timeout, "request timed out", err)
		}
		return NewAdapterError(c.adapter, Timeout, "transport failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewAdapterError(c.adapter, ParseFailure, "decode response", err)
		}
		return nil
	}

	// read response body (best-effort) to include in error detail
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := resp.Status + ": " + string(b)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewAdapterError(c.adapter, RateLimited, detail, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewAdapterError(c.adapter, AuthFailure, detail, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return NewAdapterError(c.adapter, Timeout, detail, nil)
	default:
		return NewAdapterError(c.adapter, ParseFailure, detail, nil)
	}
}

// Get fetches a URL and returns the raw body, capped at maxBytes.
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewAdapterError(c.adapter, ParseFailure, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, NewAdapterError(c.adapter, Timeout, "request timed out", err)
		}
		return nil, NewAdapterError(c.adapter, Timeout, "transport failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, NewAdapterError(c.adapter, RateLimited, resp.Status, nil)
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, NewAdapterError(c.adapter, AuthFailure, resp.Status, nil)
		default:
			return nil, NewAdapterError(c.adapter, ParseFailure, resp.Status, nil)
		}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, NewAdapterError(c.adapter, ParseFailure, "read body", err)
	}
	return b, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Package httpx provides the shared HTTP client used by all backend
// clients: bounded retry with exponential backoff on transient status codes.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultTimeout = 30 * time.Second

// transientStatus are the response codes worth retrying.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client is a retrying HTTP client. Safe for concurrent use.
type Client struct {
	http    *http.Client
	retries uint64
}

func NewClient(retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		retries: uint64(retries),
	}
}

// Request describes a single call. Body is replayed on every retry attempt.
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Do performs the request, retrying transient failures with exponential
// backoff. The final response is returned as-is; non-2xx terminal statuses
// are not errors here, callers decide what they mean.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for name, value := range req.Headers {
			httpReq.Header.Set(name, value)
		}
		if req.ContentType != "" {
			httpReq.Header.Set("Content-Type", req.ContentType)
		}

		resp, err = c.http.Do(httpReq) //nolint:bodyclose // closed by caller or on retry below
		if err != nil {
			return err
		}
		if transientStatus[resp.StatusCode] {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			slog.Debug("Transient backend response, retrying",
				"url", req.URL,
				"status", resp.StatusCode,
				"body", string(body))
			return fmt.Errorf("transient status %d from %s", resp.StatusCode, req.URL)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadBody drains and closes the response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

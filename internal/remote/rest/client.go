// Package rest provides the JSON-over-HTTP plumbing shared by the OAuth
// based adapters: request construction, bearer auth and status
// classification into the storage error taxonomy.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"clouddav/internal/storage"
)

const userAgent = "clouddav/1.0"

// Client issues requests against one provider API.
type Client struct {
	provider   string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. baseURL is prefixed to relative request URLs.
func New(provider, baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// HTTPClient returns the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Request describes one call.
type Request struct {
	Op     string // used in error messages
	Method string
	URL    string // absolute, or relative to the base URL
	Query  url.Values
	Header http.Header
	Bearer string
	JSON   any       // marshaled as the body when non-nil
	Body   io.Reader // raw body when JSON is nil
	Bytes  []byte    // like Body, but re-read on every attempt
	Form   url.Values
	// Accept lists non-2xx statuses that are not errors (e.g. 308).
	Accept []int
}

// Do executes r. On success the caller must close the response body. Error
// statuses are read, closed and converted into *storage.ProviderError.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	req, err := c.build(ctx, r)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %s: request canceled: %w", c.provider, r.Op, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %s: %w", c.provider, r.Op, err)
	}

	if Success(resp.StatusCode) || slices.Contains(r.Accept, resp.StatusCode) {
		c.logger.Debug("request succeeded",
			slog.String("provider", c.provider),
			slog.String("op", r.Op),
			slog.String("method", req.Method),
			slog.Int("status", resp.StatusCode),
		)
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	c.logger.Debug("request failed",
		slog.String("provider", c.provider),
		slog.String("op", r.Op),
		slog.String("method", req.Method),
		slog.Int("status", resp.StatusCode),
	)
	return nil, storage.NewProviderError(c.provider, r.Op, resp.StatusCode, body, Classify(resp.StatusCode))
}

// JSON executes r and decodes a JSON response into out (which may be nil).
func (c *Client) JSON(ctx context.Context, r Request, out any) (int, error) {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: %s: reading response: %w", c.provider, r.Op, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, storage.NewProviderError(c.provider, r.Op, resp.StatusCode, raw,
			fmt.Errorf("%w: %v", storage.ErrProtocol, err))
	}
	return resp.StatusCode, nil
}

func (c *Client) build(ctx context.Context, r Request) (*http.Request, error) {
	target := r.URL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + r.Query.Encode()
	}

	body := r.Body
	contentType := ""
	switch {
	case r.JSON != nil:
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: encoding request: %w", c.provider, r.Op, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case r.Form != nil:
		body = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.Bytes != nil:
		body = bytes.NewReader(r.Bytes)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: creating request: %w", c.provider, r.Op, err)
	}

	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range r.Header {
		req.Header[http.CanonicalHeaderKey(k)] = vs
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	return req, nil
}

// Success reports whether code is 2xx.
func Success(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// Classify maps an HTTP status to a storage sentinel. Statuses without a
// dedicated sentinel return storage.ErrProtocol.
func Classify(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return storage.ErrAuthExpired
	case http.StatusNotFound:
		return storage.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return storage.ErrConflict
	default:
		return storage.ErrProtocol
	}
}

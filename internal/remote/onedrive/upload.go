package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"clouddav/internal/pathutil"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

type session struct {
	Provider  string `json:"provider"`
	Key       string `json:"key"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
}

func (c *Client) session(key, tok string) (*session, error) {
	var s session
	if err := c.codec.Unmarshal(tok, &s); err != nil {
		return nil, err
	}
	if s.Provider != provider || s.Key != pathutil.Trim(key) || s.URL == "" {
		return nil, fmt.Errorf("%w: upload token does not belong to %q", token.ErrDecode, key)
	}
	return &s, nil
}

// InitiateMultipartUpload creates a Graph upload session that replaces any
// existing item.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, _ string, opts storage.MultipartOptions) (string, error) {
	driveID, parent, name, err := c.parentFolder(ctx, key)
	if err != nil {
		return "", err
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = c.chunkSize
	}
	u := childPath(driveID, parent.ID, name) + "/createUploadSession"

	var out struct {
		UploadURL string `json:"uploadUrl"`
	}
	err = c.call(ctx, rest.Request{
		Op:     "create upload session",
		Method: http.MethodPost,
		URL:    u,
		JSON: map[string]any{
			"item": map[string]any{"@microsoft.graph.conflictBehavior": "replace"},
		},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", storage.NewProviderError(provider, "create upload session", http.StatusOK,
			[]byte("missing uploadUrl"), storage.ErrProtocol)
	}

	c.logger.Debug("upload session created", slog.String("key", key), slog.Int64("size", opts.Size))
	return c.codec.Marshal(session{
		Provider:  provider,
		Key:       pathutil.Trim(key),
		URL:       out.UploadURL,
		Size:      opts.Size,
		ChunkSize: chunk,
	})
}

// UploadPart PUTs one fragment to the session URL. The URL is
// pre-authenticated, so no bearer is sent; 202 means more fragments are
// expected, 200/201 carries the finished item.
func (c *Client) UploadPart(ctx context.Context, key, tok string, partNumber int, data []byte) (string, error) {
	s, err := c.session(key, tok)
	if err != nil {
		return "", err
	}
	contentRange, err := storage.ContentRange(partNumber, s.ChunkSize, len(data), s.Size)
	if err != nil {
		return "", fmt.Errorf("onedrive: upload part: %w", err)
	}

	resp, err := c.api.Do(ctx, rest.Request{
		Op:     "upload part",
		Method: http.MethodPut,
		URL:    s.URL,
		Header: http.Header{"Content-Range": {contentRange}},
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return strconv.Itoa(partNumber), nil
	}
	var it item
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		return "", storage.NewProviderError(provider, "upload part", resp.StatusCode, nil,
			fmt.Errorf("%w: %v", storage.ErrProtocol, err))
	}
	return it.ETag, nil
}

// CompleteMultipartUpload is a no-op: the last fragment commits the item.
func (c *Client) CompleteMultipartUpload(_ context.Context, key, tok string, _ []storage.CompletedPart) error {
	_, err := c.session(key, tok)
	return err
}

// AbortMultipartUpload cancels the session.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, tok string) error {
	s, err := c.session(key, tok)
	if err != nil {
		return err
	}
	_, err = c.api.JSON(ctx, rest.Request{Op: "abort upload", Method: http.MethodDelete, URL: s.URL}, nil)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

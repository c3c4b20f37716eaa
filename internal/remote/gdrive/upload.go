package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"clouddav/internal/pathutil"
	"clouddav/internal/remote/oauth"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

// session is the state carried in a resumable upload token.
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

// InitiateMultipartUpload opens a resumable upload session. An existing file
// with the same name is overwritten in place.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, contentType string, opts storage.MultipartOptions) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = c.chunkSize
	}

	parentKey, name := pathutil.Split(key)
	parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return "", err
	}
	existing, err := c.child(ctx, parent.Id, name)
	if err != nil && !storage.IsNotFound(err) {
		return "", err
	}

	req := rest.Request{
		Op:     "create upload session",
		Method: http.MethodPost,
		URL:    c.uploadURL,
		Query:  url.Values{"uploadType": {"resumable"}},
		Header: http.Header{
			"X-Upload-Content-Type":   {contentType},
			"X-Upload-Content-Length": {strconv.FormatInt(opts.Size, 10)},
		},
		JSON: map[string]any{"name": name, "parents": []string{parent.Id}},
	}
	if existing != nil {
		req.Method = http.MethodPatch
		req.URL = c.uploadURL + "/" + existing.Id
		req.JSON = map[string]any{}
	}

	location, err := oauth.Call(ctx, c.mgr, func(string) (string, error) {
		resp, err := c.rest.Do(ctx, req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header.Get("Location"), nil
	})
	if err != nil {
		return "", err
	}
	if location == "" {
		return "", storage.NewProviderError(provider, "create upload session", http.StatusOK,
			[]byte("missing Location header"), storage.ErrProtocol)
	}

	c.logger.Debug("upload session created",
		slog.String("key", key),
		slog.Int64("size", opts.Size),
		slog.Int64("chunk_size", chunk),
	)
	return c.codec.Marshal(session{
		Provider:  provider,
		Key:       pathutil.Trim(key),
		URL:       location,
		Size:      opts.Size,
		ChunkSize: chunk,
	})
}

// UploadPart sends one chunk. Drive answers 308 until the last byte arrives;
// the final part returns the file id.
func (c *Client) UploadPart(ctx context.Context, key, tok string, partNumber int, data []byte) (string, error) {
	s, err := c.session(key, tok)
	if err != nil {
		return "", err
	}
	contentRange, err := storage.ContentRange(partNumber, s.ChunkSize, len(data), s.Size)
	if err != nil {
		return "", fmt.Errorf("gdrive: upload part: %w", err)
	}

	return oauth.Call(ctx, c.mgr, func(string) (string, error) {
		resp, err := c.rest.Do(ctx, rest.Request{
			Op:     "upload part",
			Method: http.MethodPut,
			URL:    s.URL,
			Header: http.Header{"Content-Range": {contentRange}},
			Body:   bytes.NewReader(data),
			Accept: []int{http.StatusPermanentRedirect},
		})
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusPermanentRedirect {
			_, _ = io.Copy(io.Discard, resp.Body)
			return strconv.Itoa(partNumber), nil
		}
		var f struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return "", storage.NewProviderError(provider, "upload part", resp.StatusCode, nil,
				fmt.Errorf("%w: %v", storage.ErrProtocol, err))
		}
		return f.ID, nil
	})
}

// CompleteMultipartUpload is a no-op: the last part commits the file.
func (c *Client) CompleteMultipartUpload(_ context.Context, key, tok string, _ []storage.CompletedPart) error {
	_, err := c.session(key, tok)
	return err
}

// AbortMultipartUpload is a no-op: Drive expires unfinished sessions.
func (c *Client) AbortMultipartUpload(_ context.Context, key, tok string) error {
	_, err := c.session(key, tok)
	return err
}

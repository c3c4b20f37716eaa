package aliyun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"clouddav/internal/pathutil"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

type partURL struct {
	Number int    `json:"n"`
	URL    string `json:"u"`
}

// session is the state carried in an upload token: the file being created,
// the upload id, one pre-signed URL per declared part, and the id of the file
// it replaces.
type session struct {
	Provider string    `json:"provider"`
	Key      string    `json:"key"`
	DriveID  string    `json:"drive_id"`
	FileID   string    `json:"file_id"`
	UploadID string    `json:"upload_id"`
	Parts    []partURL `json:"parts"`
	Replaces string    `json:"replaces,omitempty"`
}

func (c *Client) session(key, tok string) (*session, error) {
	var s session
	if err := c.codec.Unmarshal(tok, &s); err != nil {
		return nil, err
	}
	if s.Provider != provider || s.Key != pathutil.Trim(key) || s.FileID == "" || s.UploadID == "" {
		return nil, fmt.Errorf("%w: upload token does not belong to %q", token.ErrDecode, key)
	}
	return &s, nil
}

// InitiateMultipartUpload declares every part up front; the response holds
// one upload URL per part. An existing file of the same name is removed only
// after the new one completes.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, _ string, opts storage.MultipartOptions) (string, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = c.chunkSize
	}
	parentKey, name := pathutil.Split(key)
	driveID, parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return "", err
	}
	replaces := ""
	existing, err := c.child(ctx, driveID, parent.FileID, name)
	switch {
	case err == nil && existing.isFolder():
		return "", fmt.Errorf("aliyun: %q is a folder: %w", key, storage.ErrConflict)
	case err == nil:
		replaces = existing.FileID
	case !storage.IsNotFound(err):
		return "", err
	}

	n := storage.PartCount(opts.Size, chunk)
	declared := make([]map[string]int, n)
	for i := range declared {
		declared[i] = map[string]int{"part_number": i + 1}
	}

	var out struct {
		FileID    string `json:"file_id"`
		UploadID  string `json:"upload_id"`
		PartInfos []struct {
			PartNumber int    `json:"part_number"`
			UploadURL  string `json:"upload_url"`
		} `json:"part_info_list"`
	}
	err = c.post(ctx, "create", "/adrive/v1.0/openFile/create", map[string]any{
		"drive_id":        driveID,
		"parent_file_id":  parent.FileID,
		"name":            name,
		"type":            "file",
		"check_name_mode": "ignore",
		"size":            opts.Size,
		"part_info_list":  declared,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.FileID == "" || out.UploadID == "" || len(out.PartInfos) != n {
		return "", storage.NewProviderError(provider, "create", http.StatusOK,
			[]byte(fmt.Sprintf("expected %d part urls, got %d", n, len(out.PartInfos))), storage.ErrProtocol)
	}

	parts := make([]partURL, 0, n)
	for _, p := range out.PartInfos {
		parts = append(parts, partURL{Number: p.PartNumber, URL: p.UploadURL})
	}
	c.logger.Debug("upload created", slog.String("key", key), slog.Int("parts", n))
	return c.codec.Marshal(session{
		Provider: provider,
		Key:      pathutil.Trim(key),
		DriveID:  driveID,
		FileID:   out.FileID,
		UploadID: out.UploadID,
		Parts:    parts,
		Replaces: replaces,
	})
}

// UploadPart PUTs data to the pre-signed URL declared for partNumber.
func (c *Client) UploadPart(ctx context.Context, key, tok string, partNumber int, data []byte) (string, error) {
	s, err := c.session(key, tok)
	if err != nil {
		return "", err
	}
	i := slices.IndexFunc(s.Parts, func(p partURL) bool { return p.Number == partNumber })
	if i < 0 {
		return "", fmt.Errorf("aliyun: part %d was not declared for %q: %w", partNumber, key, storage.ErrConflict)
	}

	// Pre-signed: no bearer and no Content-Type, or the signature breaks.
	resp, err := c.api.Do(ctx, rest.Request{
		Op:     "upload part",
		Method: http.MethodPut,
		URL:    s.Parts[i].URL,
		Bytes:  data,
	})
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return strconv.Itoa(partNumber), nil
}

// CompleteMultipartUpload finalizes the file, then removes the file it
// replaces.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, tok string, _ []storage.CompletedPart) error {
	s, err := c.session(key, tok)
	if err != nil {
		return err
	}
	err = c.post(ctx, "complete", "/adrive/v1.0/openFile/complete", map[string]any{
		"drive_id":  s.DriveID,
		"file_id":   s.FileID,
		"upload_id": s.UploadID,
	}, nil)
	if err != nil {
		return err
	}
	if s.Replaces != "" && s.Replaces != s.FileID {
		if err := c.deleteFile(ctx, s.DriveID, s.Replaces); err != nil {
			c.logger.Warn("failed to remove replaced file",
				slog.String("key", key),
				slog.String("file_id", s.Replaces),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// AbortMultipartUpload removes the unfinished file.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, tok string) error {
	s, err := c.session(key, tok)
	if err != nil {
		return err
	}
	err = c.deleteFile(ctx, s.DriveID, s.FileID)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

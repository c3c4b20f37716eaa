// Package aliyun implements the storage contract on the Aliyun Drive
// (alipan) OpenAPI. Every endpoint is a JSON POST; items are addressed by
// file_id, resolved by listing each folder along the path.
package aliyun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"clouddav/internal/pathutil"
	"clouddav/internal/remote/oauth"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

const (
	provider = "aliyun"

	defaultBaseURL   = "https://openapi.alipan.com"
	defaultChunkSize = 10 * 1024 * 1024
	listLimit        = 100
	maxURLExpiry     = 4 * time.Hour

	rootFileID = "root"
	typeFolder = "folder"

	keyDriveID   = "drive_id"
	keyDriveType = "drive_type"
)

// Options holds runtime dependencies. BaseURL overrides the OpenAPI host in
// tests.
type Options struct {
	HTTPClient *http.Client
	Codec      *token.Codec
	Logger     *slog.Logger
	BaseURL    string
}

// Client is an Aliyun Drive adapter.
type Client struct {
	mgr       *oauth.Manager
	api       *rest.Client
	root      string
	chunkSize int64
	codec     *token.Codec
	logger    *slog.Logger
}

var _ storage.StorageClient = (*Client)(nil)

// New builds a client from a backend's config and saving records.
func New(config, saving storage.Settings, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	api := rest.New(provider, base, opts.HTTPClient, logger)

	mgr := oauth.NewManager(config, saving, oauth.Options{
		Provider:    provider,
		TrackExpiry: true,
		Refresher: &Refresher{
			API:          api,
			ClientID:     config.String(oauth.KeyClientID),
			ClientSecret: config.String(oauth.KeyClientSecret),
		},
		Logger: logger,
	})

	chunk := config.Int64("chunk_size", 0) * 1024 * 1024
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	return &Client{
		mgr:       mgr,
		api:       api,
		root:      pathutil.NormalizeRoot(config.String("root_path")),
		chunkSize: chunk,
		codec:     opts.Codec,
		logger:    logger.With(slog.String("provider", provider)),
	}
}

// Refresher exchanges refresh tokens at /oauth/access_token, which takes a
// JSON body rather than a form.
type Refresher struct {
	API          *rest.Client
	ClientID     string
	ClientSecret string
}

func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	_, err := r.API.JSON(ctx, rest.Request{
		Op:     "refresh token",
		Method: http.MethodPost,
		URL:    "/oauth/access_token",
		JSON: map[string]string{
			"client_id":     r.ClientID,
			"client_secret": r.ClientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &oauth.Token{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, ExpiresIn: out.ExpiresIn}, nil
}

// post calls one OpenAPI endpoint, retrying once after a 401.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	return c.mgr.Do(ctx, func(tok string) error {
		_, err := c.api.JSON(ctx, rest.Request{
			Op:     op,
			Method: http.MethodPost,
			URL:    path,
			Bearer: tok,
			JSON:   body,
		}, out)
		return err
	})
}

// driveID returns the configured or cached drive id, fetching it once.
// drive_type "resource" selects the resource drive.
func (c *Client) driveID(ctx context.Context) (string, error) {
	cfg := c.mgr.Config()
	if id := cfg.String(keyDriveID); id != "" {
		return id, nil
	}
	if id := c.mgr.SavingString(keyDriveID); id != "" {
		return id, nil
	}
	var info struct {
		DefaultDriveID  string `json:"default_drive_id"`
		ResourceDriveID string `json:"resource_drive_id"`
	}
	if err := c.post(ctx, "get drive info", "/adrive/v1.0/user/getDriveInfo", map[string]any{}, &info); err != nil {
		return "", err
	}
	id := info.DefaultDriveID
	if cfg.String(keyDriveType) == "resource" && info.ResourceDriveID != "" {
		id = info.ResourceDriveID
	}
	if id == "" {
		return "", storage.NewProviderError(provider, "get drive info", http.StatusOK, []byte("empty drive id"), storage.ErrProtocol)
	}
	c.mgr.SetSaving(keyDriveID, id)
	return id, nil
}

type file struct {
	DriveID     string    `json:"drive_id"`
	FileID      string    `json:"file_id"`
	ParentID    string    `json:"parent_file_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Type        string    `json:"type"`
	UpdatedAt   time.Time `json:"updated_at"`
	ContentHash string    `json:"content_hash"`
	MimeType    string    `json:"mime_type"`
}

func (f *file) isFolder() bool {
	return f.Type == typeFolder
}

func (f *file) toObject(key string) storage.DriveObject {
	if f.isFolder() {
		return storage.Directory(key, storage.FormatTime(f.UpdatedAt))
	}
	return storage.File(key, f.Size, storage.FormatTime(f.UpdatedAt), f.ContentHash)
}

type listResult struct {
	Items      []file `json:"items"`
	NextMarker string `json:"next_marker"`
}

func (c *Client) list(ctx context.Context, driveID, parentID, marker string, limit int) (*listResult, error) {
	var out listResult
	err := c.post(ctx, "list", "/adrive/v1.0/openFile/list", map[string]any{
		"drive_id":        driveID,
		"parent_file_id":  parentID,
		"limit":           limit,
		"marker":          marker,
		"order_by":        "name",
		"order_direction": "ASC",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// child finds name inside parentID, paging through the folder.
func (c *Client) child(ctx context.Context, driveID, parentID, name string) (*file, error) {
	marker := ""
	for {
		page, err := c.list(ctx, driveID, parentID, marker, listLimit)
		if err != nil {
			return nil, err
		}
		for i := range page.Items {
			if page.Items[i].Name == name {
				return &page.Items[i], nil
			}
		}
		if page.NextMarker == "" {
			return nil, storage.NotFound(provider, name)
		}
		marker = page.NextMarker
	}
}

// resolve walks root_path and key from the drive root.
func (c *Client) resolve(ctx context.Context, key string) (string, *file, error) {
	driveID, err := c.driveID(ctx)
	if err != nil {
		return "", nil, err
	}
	cur := &file{DriveID: driveID, FileID: rootFileID, Type: typeFolder}
	for _, seg := range pathutil.Segments(pathutil.JoinRoot(c.root, key)) {
		next, err := c.child(ctx, driveID, cur.FileID, seg)
		if err != nil {
			if storage.IsNotFound(err) {
				return "", nil, storage.NotFound(provider, key)
			}
			return "", nil, err
		}
		cur = next
	}
	return driveID, cur, nil
}

func (c *Client) resolveFolder(ctx context.Context, key string) (string, *file, error) {
	driveID, f, err := c.resolve(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if !f.isFolder() {
		return "", nil, fmt.Errorf("aliyun: %q is not a folder: %w", key, storage.ErrConflict)
	}
	return driveID, f, nil
}

func (c *Client) ListObjects(ctx context.Context, prefix, _ string, maxKeys int, continuationToken string) (*storage.ListObjectsResult, error) {
	if maxKeys <= 0 || maxKeys > listLimit {
		maxKeys = listLimit
	}
	driveID, dir, err := c.resolveFolder(ctx, prefix)
	if err != nil {
		return nil, err
	}
	page, err := c.list(ctx, driveID, dir.FileID, continuationToken, maxKeys)
	if err != nil {
		return nil, err
	}

	base := pathutil.Trim(prefix)
	objs := make([]storage.DriveObject, 0, len(page.Items))
	for i := range page.Items {
		f := &page.Items[i]
		objs = append(objs, f.toObject(storage.ChildKey(base, f.Name, f.isFolder())))
	}
	return storage.NewListResult(objs, page.NextMarker != "", page.NextMarker), nil
}

func (c *Client) downloadURL(ctx context.Context, driveID, fileID string, expires time.Duration) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.post(ctx, "get download url", "/adrive/v1.0/openFile/getDownloadUrl", map[string]any{
		"drive_id":   driveID,
		"file_id":    fileID,
		"expire_sec": int64(expires / time.Second),
	}, &out)
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", storage.NewProviderError(provider, "get download url", http.StatusOK, []byte("empty url"), storage.ErrProtocol)
	}
	return out.URL, nil
}

func (c *Client) GetObject(ctx context.Context, key string) (*storage.ObjectStream, error) {
	driveID, f, err := c.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.isFolder() {
		return nil, fmt.Errorf("aliyun: get %q: is a folder: %w", key, storage.ErrConflict)
	}
	u, err := c.downloadURL(ctx, driveID, f.FileID, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Do(ctx, rest.Request{Op: "download", URL: u})
	if err != nil {
		return nil, err
	}
	ct := f.MimeType
	if ct == "" {
		ct = resp.Header.Get("Content-Type")
	}
	return &storage.ObjectStream{
		Body:          resp.Body,
		ContentType:   ct,
		ContentLength: f.Size,
		ETag:          f.ContentHash,
		LastModified:  storage.FormatTime(f.UpdatedAt),
	}, nil
}

// GetSignedURL returns a download URL valid for expiresIn (default 15m,
// at most 4h).
func (c *Client) GetSignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}
	expiresIn = min(expiresIn, maxURLExpiry)
	driveID, f, err := c.resolve(ctx, key)
	if err != nil {
		return "", err
	}
	if f.isFolder() {
		return "", storage.Unsupported(provider, "signed url for folders")
	}
	return c.downloadURL(ctx, driveID, f.FileID, expiresIn)
}

func (c *Client) HeadObject(ctx context.Context, key string) (*storage.DriveObject, error) {
	_, f, err := c.resolve(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	obj := f.toObject(pathutil.Trim(key))
	return &obj, nil
}

func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	return storage.UploadChunked(ctx, c, key, data, contentType, c.chunkSize)
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if pathutil.Trim(key) == "" {
		return fmt.Errorf("aliyun: refusing to delete the root: %w", storage.ErrConflict)
	}
	driveID, f, err := c.resolve(ctx, key)
	if err != nil {
		return err
	}
	return c.deleteFile(ctx, driveID, f.FileID)
}

func (c *Client) deleteFile(ctx context.Context, driveID, fileID string) error {
	return c.post(ctx, "delete", "/adrive/v1.0/openFile/delete", map[string]any{
		"drive_id": driveID,
		"file_id":  fileID,
	}, nil)
}

// CreateFolder creates every missing folder along path.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	driveID, cur, err := c.resolve(ctx, "")
	if err != nil {
		return err
	}
	for _, seg := range pathutil.Segments(path) {
		next, err := c.child(ctx, driveID, cur.FileID, seg)
		if storage.IsNotFound(err) {
			var out struct {
				FileID string `json:"file_id"`
			}
			err = c.post(ctx, "mkdir", "/adrive/v1.0/openFile/create", map[string]any{
				"drive_id":        driveID,
				"parent_file_id":  cur.FileID,
				"name":            seg,
				"type":            typeFolder,
				"check_name_mode": "refuse",
			}, &out)
			next = &file{DriveID: driveID, FileID: out.FileID, Name: seg, Type: typeFolder}
		}
		if err != nil {
			return err
		}
		if !next.isFolder() {
			return fmt.Errorf("aliyun: %q exists and is not a folder: %w", seg, storage.ErrConflict)
		}
		cur = next
	}
	return nil
}

// CopyObject copies into the destination folder, then renames the copy when
// the destination name differs.
func (c *Client) CopyObject(ctx context.Context, src, dst string) error {
	driveID, f, err := c.resolve(ctx, src)
	if err != nil {
		return err
	}
	parentKey, name := pathutil.Split(dst)
	_, parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return err
	}

	var out struct {
		FileID string `json:"file_id"`
	}
	err = c.post(ctx, "copy", "/adrive/v1.0/openFile/copy", map[string]any{
		"drive_id":          driveID,
		"file_id":           f.FileID,
		"to_parent_file_id": parent.FileID,
		"auto_rename":       true,
	}, &out)
	if err != nil {
		return err
	}
	if name == f.Name && parent.FileID != f.ParentID {
		return nil
	}
	return c.update(ctx, driveID, out.FileID, name)
}

func (c *Client) update(ctx context.Context, driveID, fileID, name string) error {
	return c.post(ctx, "rename", "/adrive/v1.0/openFile/update", map[string]any{
		"drive_id":        driveID,
		"file_id":         fileID,
		"name":            name,
		"check_name_mode": "refuse",
	}, nil)
}

func (c *Client) RenameObject(ctx context.Context, path, newName string) error {
	driveID, f, err := c.resolve(ctx, path)
	if err != nil {
		return err
	}
	return c.update(ctx, driveID, f.FileID, newName)
}

func (c *Client) MoveObject(ctx context.Context, path, destPath string) error {
	driveID, f, err := c.resolve(ctx, path)
	if err != nil {
		return err
	}
	parentKey, name := pathutil.Split(destPath)
	_, parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return err
	}
	return c.post(ctx, "move", "/adrive/v1.0/openFile/move", map[string]any{
		"drive_id":          driveID,
		"file_id":           f.FileID,
		"to_parent_file_id": parent.FileID,
		"new_name":          name,
		"check_name_mode":   "refuse",
	}, nil)
}

func (c *Client) MultipartSupport() storage.MultipartSupport {
	return storage.MultipartFull
}

func (c *Client) TakeDelta() storage.StateDelta {
	return c.mgr.TakeDelta()
}

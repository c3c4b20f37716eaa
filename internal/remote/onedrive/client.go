// Package onedrive implements the storage contract on Microsoft Graph.
//
// Paths are resolved one segment at a time from the drive root through
// items/{parent-id}:/{name}; every other call addresses the resulting item id.
// The drive id is resolved once through /me/drive and kept in the saving
// record.
package onedrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"clouddav/internal/pathutil"
	"clouddav/internal/remote/oauth"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

const (
	provider = "onedrive"

	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	chunkAlignment   = 320 * 1024
	defaultChunkSize = 10 * 1024 * 1024
	singleShotLimit  = 4 * 1024 * 1024
	defaultPageSize  = 200

	keyDriveID = "drive_id"
)

// Options holds runtime dependencies. BaseURL and TokenURL override the
// Graph and Azure AD endpoints in tests.
type Options struct {
	HTTPClient   *http.Client
	Codec        *token.Codec
	Logger       *slog.Logger
	BaseURL      string
	TokenURL     string
	PollInterval time.Duration
}

// Client is a OneDrive adapter.
type Client struct {
	mgr       *oauth.Manager
	api       *rest.Client
	base      string
	root      string
	chunkSize int64
	codec     *token.Codec
	logger    *slog.Logger
	poll      time.Duration
}

var _ storage.StorageClient = (*Client)(nil)

// New builds a client from a backend's config and saving records. No network
// calls are made.
func New(config, saving storage.Settings, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	endpoint := microsoft.AzureADEndpoint(config.StringOr("tenant", "common"))
	if opts.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: opts.TokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	mgr := oauth.NewManager(config, saving, oauth.Options{
		Provider:    provider,
		TrackExpiry: true,
		Refresher: &oauth.OAuth2Refresher{
			Config: oauth.NewOAuth2Config(config.String(oauth.KeyClientID), config.String(oauth.KeyClientSecret),
				endpoint, "Files.ReadWrite.All", "offline_access"),
			HTTPClient: opts.HTTPClient,
		},
		Logger: logger,
	})

	chunk := config.Int64("chunk_size", 0) * 1024 * 1024
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	chunk = max(chunk/chunkAlignment*chunkAlignment, chunkAlignment)

	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Client{
		mgr:       mgr,
		api:       rest.New(provider, base, opts.HTTPClient, logger),
		base:      strings.TrimRight(base, "/"),
		root:      pathutil.NormalizeRoot(config.String("root_path")),
		chunkSize: chunk,
		codec:     opts.Codec,
		logger:    logger.With(slog.String("provider", provider)),
		poll:      poll,
	}
}

type item struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"eTag"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	DownloadURL  string    `json:"@microsoft.graph.downloadUrl"`
	Folder       *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

func (it *item) isFolder() bool {
	return it.Folder != nil
}

func (it *item) toObject(key string) storage.DriveObject {
	if it.isFolder() {
		return storage.Directory(key, storage.FormatTime(it.LastModified))
	}
	return storage.File(key, it.Size, storage.FormatTime(it.LastModified), it.ETag)
}

// call runs one authorized request, retrying once after a 401.
func (c *Client) call(ctx context.Context, r rest.Request, out any) error {
	return c.mgr.Do(ctx, func(tok string) error {
		r.Bearer = tok
		_, err := c.api.JSON(ctx, r, out)
		return err
	})
}

// driveID returns the configured or cached drive id, fetching it once.
func (c *Client) driveID(ctx context.Context) (string, error) {
	if id := c.mgr.Config().String(keyDriveID); id != "" {
		return id, nil
	}
	if id := c.mgr.SavingString(keyDriveID); id != "" {
		return id, nil
	}
	var d struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, rest.Request{Op: "get drive", URL: "/me/drive"}, &d); err != nil {
		return "", err
	}
	if d.ID == "" {
		return "", storage.NewProviderError(provider, "get drive", http.StatusOK, []byte("empty drive id"), storage.ErrProtocol)
	}
	c.mgr.SetSaving(keyDriveID, d.ID)
	return d.ID, nil
}

func itemPath(driveID, id string) string {
	return "/drives/" + url.PathEscape(driveID) + "/items/" + url.PathEscape(id)
}

// childPath addresses name inside the folder parentID; suffixes such as
// "/content" follow the closing colon.
func childPath(driveID, parentID, name string) string {
	return itemPath(driveID, parentID) + ":/" + url.PathEscape(name) + ":"
}

func (c *Client) fetch(ctx context.Context, u string) (*item, error) {
	var it item
	if err := c.call(ctx, rest.Request{Op: "get item", URL: u}, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// resolve walks root_path and key from the drive root.
func (c *Client) resolve(ctx context.Context, key string) (string, *item, error) {
	driveID, err := c.driveID(ctx)
	if err != nil {
		return "", nil, err
	}
	cur, err := c.fetch(ctx, "/drives/"+url.PathEscape(driveID)+"/root")
	if err != nil {
		return "", nil, err
	}
	for _, seg := range pathutil.Segments(pathutil.JoinRoot(c.root, key)) {
		cur, err = c.fetch(ctx, childPath(driveID, cur.ID, seg))
		if err != nil {
			if storage.IsNotFound(err) {
				return "", nil, storage.NotFound(provider, key)
			}
			return "", nil, err
		}
	}
	return driveID, cur, nil
}

func (c *Client) getItem(ctx context.Context, key string) (*item, error) {
	_, it, err := c.resolve(ctx, key)
	return it, err
}

// resolveFolder resolves key and requires a folder.
func (c *Client) resolveFolder(ctx context.Context, key string) (string, *item, error) {
	driveID, it, err := c.resolve(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if !it.isFolder() {
		return "", nil, fmt.Errorf("onedrive: %q is not a folder: %w", key, storage.ErrConflict)
	}
	return driveID, it, nil
}

type page struct {
	Next string `json:"next"`
}

func (c *Client) ListObjects(ctx context.Context, prefix, _ string, maxKeys int, continuationToken string) (*storage.ListObjectsResult, error) {
	if maxKeys <= 0 || maxKeys > defaultPageSize {
		maxKeys = defaultPageSize
	}

	var target string
	var query url.Values
	if continuationToken != "" {
		var p page
		if err := c.codec.Unmarshal(continuationToken, &p); err != nil {
			return nil, err
		}
		// The bearer token follows the link, so it must point back at Graph.
		if !strings.HasPrefix(p.Next, c.base+"/") {
			return nil, fmt.Errorf("%w: foreign next link", token.ErrDecode)
		}
		target = p.Next
	} else {
		driveID, dir, err := c.resolveFolder(ctx, prefix)
		if err != nil {
			return nil, err
		}
		target = itemPath(driveID, dir.ID) + "/children"
		query = url.Values{"$top": {fmt.Sprint(maxKeys)}}
	}

	var resp struct {
		Value    []item `json:"value"`
		NextLink string `json:"@odata.nextLink"`
	}
	if err := c.call(ctx, rest.Request{Op: "list", URL: target, Query: query}, &resp); err != nil {
		return nil, err
	}

	base := pathutil.Trim(prefix)
	objs := make([]storage.DriveObject, 0, len(resp.Value))
	for i := range resp.Value {
		it := &resp.Value[i]
		objs = append(objs, it.toObject(storage.ChildKey(base, it.Name, it.isFolder())))
	}

	next := ""
	if resp.NextLink != "" {
		var err error
		if next, err = c.codec.Marshal(page{Next: resp.NextLink}); err != nil {
			return nil, err
		}
	}
	return storage.NewListResult(objs, next != "", next), nil
}

func (c *Client) GetObject(ctx context.Context, key string) (*storage.ObjectStream, error) {
	it, err := c.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	if it.isFolder() {
		return nil, fmt.Errorf("onedrive: get %q: is a folder: %w", key, storage.ErrConflict)
	}
	if it.DownloadURL == "" {
		return nil, storage.NewProviderError(provider, "download", http.StatusOK, []byte("missing download url"), storage.ErrProtocol)
	}

	// The download URL is pre-authenticated; no bearer token.
	resp, err := c.api.Do(ctx, rest.Request{Op: "download", URL: it.DownloadURL})
	if err != nil {
		return nil, err
	}
	ct := resp.Header.Get("Content-Type")
	if it.File != nil && it.File.MimeType != "" {
		ct = it.File.MimeType
	}
	return &storage.ObjectStream{
		Body:          resp.Body,
		ContentType:   ct,
		ContentLength: it.Size,
		ETag:          it.ETag,
		LastModified:  storage.FormatTime(it.LastModified),
	}, nil
}

// GetSignedURL returns Graph's short-lived pre-authenticated download URL.
// Graph picks the lifetime; expiresIn is not honoured.
func (c *Client) GetSignedURL(ctx context.Context, key string, _ time.Duration) (string, error) {
	it, err := c.getItem(ctx, key)
	if err != nil {
		return "", err
	}
	if it.DownloadURL == "" {
		return "", storage.Unsupported(provider, "signed url for folders")
	}
	return it.DownloadURL, nil
}

func (c *Client) HeadObject(ctx context.Context, key string) (*storage.DriveObject, error) {
	it, err := c.getItem(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	obj := it.toObject(pathutil.Trim(key))
	return &obj, nil
}

// parentFolder resolves the folder that holds key. It never creates
// intermediate folders.
func (c *Client) parentFolder(ctx context.Context, key string) (driveID string, parent *item, name string, err error) {
	parentKey, name := pathutil.Split(key)
	driveID, parent, err = c.resolveFolder(ctx, parentKey)
	return driveID, parent, name, err
}

func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if len(data) > singleShotLimit {
		return storage.UploadChunked(ctx, c, key, data, contentType, c.chunkSize)
	}
	driveID, parent, name, err := c.parentFolder(ctx, key)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	u := childPath(driveID, parent.ID, name) + "/content"
	return c.mgr.Do(ctx, func(tok string) error {
		_, err := c.api.JSON(ctx, rest.Request{
			Op:     "upload",
			Method: http.MethodPut,
			URL:    u,
			Bearer: tok,
			Header: http.Header{"Content-Type": {contentType}},
			Body:   bytes.NewReader(data),
		}, nil)
		return err
	})
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if pathutil.Trim(key) == "" {
		return fmt.Errorf("onedrive: refusing to delete the root: %w", storage.ErrConflict)
	}
	driveID, it, err := c.resolve(ctx, key)
	if err != nil {
		return err
	}
	return c.call(ctx, rest.Request{Op: "delete", Method: http.MethodDelete, URL: itemPath(driveID, it.ID)}, nil)
}

// CreateFolder creates every missing folder along path.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	driveID, cur, err := c.resolve(ctx, "")
	if err != nil {
		return err
	}
	for _, seg := range pathutil.Segments(path) {
		next, err := c.fetch(ctx, childPath(driveID, cur.ID, seg))
		if storage.IsNotFound(err) {
			next, err = c.mkdir(ctx, driveID, cur.ID, seg)
		}
		if err != nil {
			return err
		}
		if !next.isFolder() {
			return fmt.Errorf("onedrive: %q exists and is not a folder: %w", seg, storage.ErrConflict)
		}
		cur = next
	}
	return nil
}

func (c *Client) mkdir(ctx context.Context, driveID, parentID, name string) (*item, error) {
	var it item
	err := c.call(ctx, rest.Request{
		Op:     "mkdir",
		Method: http.MethodPost,
		URL:    itemPath(driveID, parentID) + "/children",
		JSON: map[string]any{
			"name":                              name,
			"folder":                            map[string]any{},
			"@microsoft.graph.conflictBehavior": "fail",
		},
	}, &it)
	if errors.Is(err, storage.ErrConflict) {
		// Created concurrently.
		return c.fetch(ctx, childPath(driveID, parentID, name))
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// parentRef resolves the destination folder of dst.
func (c *Client) parentRef(ctx context.Context, dst string) (map[string]any, string, error) {
	driveID, parent, name, err := c.parentFolder(ctx, dst)
	if err != nil {
		return nil, "", err
	}
	return map[string]any{"driveId": driveID, "id": parent.ID}, name, nil
}

// CopyObject starts a server-side copy and waits for the monitor to finish.
func (c *Client) CopyObject(ctx context.Context, src, dst string) error {
	ref, name, err := c.parentRef(ctx, dst)
	if err != nil {
		return err
	}
	driveID, it, err := c.resolve(ctx, src)
	if err != nil {
		return err
	}
	u := itemPath(driveID, it.ID) + "/copy"

	monitor, err := oauth.Call(ctx, c.mgr, func(tok string) (string, error) {
		resp, err := c.api.Do(ctx, rest.Request{
			Op:     "copy",
			Method: http.MethodPost,
			URL:    u,
			Bearer: tok,
			JSON: map[string]any{
				"parentReference":                   ref,
				"name":                              name,
				"@microsoft.graph.conflictBehavior": "replace",
			},
		})
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header.Get("Location"), nil
	})
	if err != nil || monitor == "" {
		return err
	}
	return c.waitCopy(ctx, monitor)
}

func (c *Client) waitCopy(ctx context.Context, monitor string) error {
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		var status struct {
			Status string `json:"status"`
		}
		// Monitor URLs are pre-authenticated.
		if _, err := c.api.JSON(ctx, rest.Request{Op: "copy status", URL: monitor}, &status); err != nil {
			return err
		}
		switch status.Status {
		case "", "completed":
			return nil
		case "failed":
			return storage.NewProviderError(provider, "copy", http.StatusOK, []byte("copy failed"), storage.ErrProtocol)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("onedrive: waiting for copy: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func (c *Client) RenameObject(ctx context.Context, path, newName string) error {
	driveID, it, err := c.resolve(ctx, path)
	if err != nil {
		return err
	}
	return c.call(ctx, rest.Request{
		Op:     "rename",
		Method: http.MethodPatch,
		URL:    itemPath(driveID, it.ID),
		JSON:   map[string]any{"name": newName},
	}, nil)
}

func (c *Client) MoveObject(ctx context.Context, path, destPath string) error {
	ref, name, err := c.parentRef(ctx, destPath)
	if err != nil {
		return err
	}
	driveID, it, err := c.resolve(ctx, path)
	if err != nil {
		return err
	}
	return c.call(ctx, rest.Request{
		Op:     "move",
		Method: http.MethodPatch,
		URL:    itemPath(driveID, it.ID),
		JSON:   map[string]any{"parentReference": ref, "name": name},
	}, nil)
}

func (c *Client) MultipartSupport() storage.MultipartSupport {
	return storage.MultipartSession
}

func (c *Client) TakeDelta() storage.StateDelta {
	return c.mgr.TakeDelta()
}

// Package gdrive implements the storage contract on the Google Drive v3 API.
//
// Drive addresses items by id, so every path is resolved by walking its
// segments from the configured root folder, one files.list call per segment.
package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"clouddav/internal/pathutil"
	"clouddav/internal/remote/oauth"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

const (
	provider = "gdrive"

	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "id, name, mimeType, size, modifiedTime, md5Checksum, parents"
	listFields     = googleapi.Field("nextPageToken, files(" + fileFields + ")")

	chunkAlignment   = 256 * 1024
	defaultChunkSize = 4 * 1024 * 1024
	singleShotLimit  = 5 * 1024 * 1024
	defaultPageSize  = 1000

	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
)

// Options holds runtime dependencies. Endpoint, UploadURL and TokenURL
// override the Google endpoints in tests.
type Options struct {
	HTTPClient *http.Client
	Codec      *token.Codec
	Logger     *slog.Logger
	Endpoint   string
	UploadURL  string
	TokenURL   string
}

// Client is a Google Drive adapter.
type Client struct {
	mgr       *oauth.Manager
	svc       *drive.Service
	rest      *rest.Client
	uploadURL string
	rootID    string
	root      string
	chunkSize int64
	codec     *token.Codec
	logger    *slog.Logger
}

var _ storage.StorageClient = (*Client)(nil)

// New builds a client from a backend's config and saving records.
func New(ctx context.Context, config, saving storage.Settings, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}

	endpoint := google.Endpoint
	if opts.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: opts.TokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	mgr := oauth.NewManager(config, saving, oauth.Options{
		Provider:    provider,
		TrackExpiry: true,
		Refresher: &oauth.OAuth2Refresher{
			Config: oauth.NewOAuth2Config(config.String(oauth.KeyClientID), config.String(oauth.KeyClientSecret),
				endpoint, drive.DriveScope),
			HTTPClient: base,
		},
		Logger: logger,
	})

	authed := &http.Client{
		Transport: &oauth2.Transport{Source: mgr.CachedSource(), Base: base.Transport},
		Timeout:   base.Timeout,
	}
	svcOpts := []option.ClientOption{option.WithHTTPClient(authed)}
	if opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := drive.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating service: %w", err)
	}

	uploadURL := opts.UploadURL
	if uploadURL == "" {
		uploadURL = defaultUploadURL
	}

	chunk := config.Int64("chunk_size", 0) * 1024 * 1024
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	chunk = max(chunk/chunkAlignment*chunkAlignment, chunkAlignment)

	return &Client{
		mgr:       mgr,
		svc:       svc,
		rest:      rest.New(provider, uploadURL, authed, logger),
		uploadURL: uploadURL,
		rootID:    config.StringOr("root_folder_id", "root"),
		root:      pathutil.NormalizeRoot(config.String("root_path")),
		chunkSize: chunk,
		codec:     opts.Codec,
		logger:    logger.With(slog.String("provider", provider)),
	}, nil
}

// do runs one Drive call under the token manager, retrying once on 401.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	return c.mgr.Do(ctx, func(string) error {
		return classify(op, fn())
	})
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	body := gerr.Body
	if body == "" {
		body = gerr.Message
	}
	return storage.NewProviderError(provider, op, gerr.Code, []byte(body), rest.Classify(gerr.Code))
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// child looks up one named item under parent.
func (c *Client) child(ctx context.Context, parentID, name string) (*drive.File, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		queryEscaper.Replace(parentID), queryEscaper.Replace(name))

	var list *drive.FileList
	err := c.do(ctx, "resolve", func() error {
		var err error
		list, err = c.svc.Files.List().Q(q).Fields(listFields).PageSize(10).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, storage.NotFound(provider, name)
	}
	return list.Files[0], nil
}

// resolve walks root_path and key segment by segment.
func (c *Client) resolve(ctx context.Context, key string) (*drive.File, error) {
	cur := &drive.File{Id: c.rootID, MimeType: folderMimeType}
	segments := append(pathutil.Segments(c.root), pathutil.Segments(key)...)
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := c.child(ctx, cur.Id, seg)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, storage.NotFound(provider, key)
			}
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func (c *Client) resolveFolder(ctx context.Context, key string) (*drive.File, error) {
	f, err := c.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.MimeType != folderMimeType {
		return nil, fmt.Errorf("gdrive: %q is not a folder: %w", key, storage.ErrConflict)
	}
	return f, nil
}

func isFolder(f *drive.File) bool {
	return f.MimeType == folderMimeType
}

func (c *Client) toObject(key string, f *drive.File) storage.DriveObject {
	if isFolder(f) {
		return storage.Directory(key, f.ModifiedTime)
	}
	return storage.File(key, f.Size, f.ModifiedTime, f.Md5Checksum)
}

func (c *Client) ListObjects(ctx context.Context, prefix, _ string, maxKeys int, continuationToken string) (*storage.ListObjectsResult, error) {
	if maxKeys <= 0 || maxKeys > defaultPageSize {
		maxKeys = defaultPageSize
	}
	dir, err := c.resolveFolder(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var list *drive.FileList
	err = c.do(ctx, "list", func() error {
		call := c.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", queryEscaper.Replace(dir.Id))).
			Fields(listFields).
			OrderBy("folder,name").
			PageSize(int64(maxKeys))
		if continuationToken != "" {
			call = call.PageToken(continuationToken)
		}
		var err error
		list, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	base := pathutil.Trim(prefix)
	objs := make([]storage.DriveObject, 0, len(list.Files))
	for _, f := range list.Files {
		objs = append(objs, c.toObject(storage.ChildKey(base, f.Name, isFolder(f)), f))
	}
	return storage.NewListResult(objs, list.NextPageToken != "", list.NextPageToken), nil
}

func (c *Client) GetObject(ctx context.Context, key string) (*storage.ObjectStream, error) {
	f, err := c.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if isFolder(f) {
		return nil, fmt.Errorf("gdrive: get %q: is a folder: %w", key, storage.ErrConflict)
	}

	var resp *http.Response
	err = c.do(ctx, "download", func() error {
		var err error
		resp, err = c.svc.Files.Get(f.Id).Context(ctx).Download()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &storage.ObjectStream{
		Body:          resp.Body,
		ContentType:   f.MimeType,
		ContentLength: f.Size,
		ETag:          f.Md5Checksum,
		LastModified:  f.ModifiedTime,
	}, nil
}

// GetSignedURL Drive downloads always need the bearer token.
func (c *Client) GetSignedURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.Unsupported(provider, "signed url")
}

func (c *Client) HeadObject(ctx context.Context, key string) (*storage.DriveObject, error) {
	f, err := c.resolve(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	obj := c.toObject(pathutil.Trim(key), f)
	return &obj, nil
}

func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if len(data) > singleShotLimit {
		return storage.UploadChunked(ctx, c, key, data, contentType, c.chunkSize)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	parentKey, name := pathutil.Split(key)
	parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return err
	}
	existing, err := c.child(ctx, parent.Id, name)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}

	return c.do(ctx, "upload", func() error {
		media := googleapi.ContentType(contentType)
		if existing != nil {
			_, err := c.svc.Files.Update(existing.Id, &drive.File{}).
				Media(bytes.NewReader(data), media).Fields("id").Context(ctx).Do()
			return err
		}
		_, err := c.svc.Files.Create(&drive.File{Name: name, Parents: []string{parent.Id}}).
			Media(bytes.NewReader(data), media).Fields("id").Context(ctx).Do()
		return err
	})
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if pathutil.Trim(key) == "" {
		return fmt.Errorf("gdrive: refusing to delete the root: %w", storage.ErrConflict)
	}
	f, err := c.resolve(ctx, key)
	if err != nil {
		return err
	}
	return c.do(ctx, "delete", func() error {
		return c.svc.Files.Delete(f.Id).Context(ctx).Do()
	})
}

// CreateFolder creates every missing folder along path.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	parent, err := c.resolve(ctx, "")
	if err != nil {
		return err
	}
	for _, seg := range pathutil.Segments(path) {
		next, err := c.child(ctx, parent.Id, seg)
		if err == nil {
			parent = next
			continue
		}
		if !storage.IsNotFound(err) {
			return err
		}
		err = c.do(ctx, "mkdir", func() error {
			var err error
			next, err = c.svc.Files.Create(&drive.File{
				Name:     seg,
				MimeType: folderMimeType,
				Parents:  []string{parent.Id},
			}).Fields(googleapi.Field(fileFields)).Context(ctx).Do()
			return err
		})
		if err != nil {
			return err
		}
		parent = next
	}
	return nil
}

func (c *Client) CopyObject(ctx context.Context, src, dst string) error {
	f, err := c.resolve(ctx, src)
	if err != nil {
		return err
	}
	if isFolder(f) {
		return storage.Unsupported(provider, "folder copy")
	}
	parentKey, name := pathutil.Split(dst)
	parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return err
	}
	return c.do(ctx, "copy", func() error {
		_, err := c.svc.Files.Copy(f.Id, &drive.File{Name: name, Parents: []string{parent.Id}}).
			Fields("id").Context(ctx).Do()
		return err
	})
}

func (c *Client) RenameObject(ctx context.Context, path, newName string) error {
	f, err := c.resolve(ctx, path)
	if err != nil {
		return err
	}
	return c.do(ctx, "rename", func() error {
		_, err := c.svc.Files.Update(f.Id, &drive.File{Name: newName}).Fields("id").Context(ctx).Do()
		return err
	})
}

func (c *Client) MoveObject(ctx context.Context, path, destPath string) error {
	f, err := c.resolve(ctx, path)
	if err != nil {
		return err
	}
	parentKey, name := pathutil.Split(destPath)
	parent, err := c.resolveFolder(ctx, parentKey)
	if err != nil {
		return err
	}
	return c.do(ctx, "move", func() error {
		call := c.svc.Files.Update(f.Id, &drive.File{Name: name}).AddParents(parent.Id)
		if len(f.Parents) > 0 {
			call = call.RemoveParents(strings.Join(f.Parents, ","))
		}
		_, err := call.Fields("id").Context(ctx).Do()
		return err
	})
}

func (c *Client) MultipartSupport() storage.MultipartSupport {
	return storage.MultipartSession
}

func (c *Client) TakeDelta() storage.StateDelta {
	return c.mgr.TakeDelta()
}

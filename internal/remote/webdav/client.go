package webdav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"clouddav/internal/pathutil"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

const (
	provider       = "webdav"
	defaultMaxKeys = 1000
)

// WebDAVConfig WebDAV 客户端配置
type WebDAVConfig struct {
	URL      string
	User     string
	Pass     string
	RootPath string
}

// ConfigFromSettings 从后端 config 记录解析配置
func ConfigFromSettings(s storage.Settings) (WebDAVConfig, error) {
	cfg := WebDAVConfig{
		URL:      s.String("url"),
		User:     s.String("username"),
		Pass:     s.String("password"),
		RootPath: s.StringOr("root_path", "/"),
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("webdav: url is required: %w", storage.ErrAuthConfig)
	}
	return cfg, nil
}

// Options 运行时依赖
type Options struct {
	Transport http.RoundTripper
	Codec     *token.Codec
	Logger    *slog.Logger
}

// WebDAVClient 通用 WebDAV 后端适配器
type WebDAVClient struct {
	cfg       WebDAVConfig
	root      string
	transport http.RoundTripper
	codec     *token.Codec
	logger    *slog.Logger
}

var _ storage.StorageClient = (*WebDAVClient)(nil)

// NewClient 创建 WebDAV 客户端
func NewClient(cfg WebDAVConfig, opts Options) *WebDAVClient {
	t := opts.Transport
	if t == nil {
		t = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 10 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebDAVClient{
		cfg:       cfg,
		root:      pathutil.NormalizeRoot(cfg.RootPath),
		transport: t,
		codec:     opts.Codec,
		logger:    logger.With(slog.String("provider", provider)),
	}
}

// ctxTransport 把调用方的 context 绑定到 gowebdav 发出的每个请求上
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// dav gowebdav 不接受 context，因此每次调用创建一个绑定了 ctx 的客户端
func (c *WebDAVClient) dav(ctx context.Context) *gowebdav.Client {
	client := gowebdav.NewClient(c.cfg.URL, c.cfg.User, c.cfg.Pass)
	client.SetTransport(ctxTransport{ctx: ctx, base: c.transport})
	return client
}

func (c *WebDAVClient) remotePath(key string) string {
	return pathutil.JoinRoot(c.root, key)
}

func (c *WebDAVClient) ListObjects(ctx context.Context, prefix, delimiter string, maxKeys int, continuationToken string) (*storage.ListObjectsResult, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	offset := 0
	if continuationToken != "" {
		var page struct {
			Offset int `json:"offset"`
		}
		if err := c.codec.Unmarshal(continuationToken, &page); err != nil {
			return nil, err
		}
		offset = page.Offset
	}

	base := pathutil.Trim(prefix)
	all, err := c.readDir(ctx, c.dav(ctx), base, delimiter == "")
	if err != nil {
		return nil, c.wrap("list", prefix, err)
	}
	storage.SortObjects(all)

	offset = min(max(offset, 0), len(all))
	end := min(offset+maxKeys, len(all))
	next := ""
	if end < len(all) {
		next, err = c.codec.Marshal(map[string]int{"offset": end})
		if err != nil {
			return nil, err
		}
	}
	return storage.NewListResult(all[offset:end], next != "", next), nil
}

// readDir 读取目录；recursive 时逐层展开子目录
func (c *WebDAVClient) readDir(ctx context.Context, dav *gowebdav.Client, dir string, recursive bool) ([]storage.DriveObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := dav.ReadDir(c.remotePath(dir))
	if err != nil {
		return nil, err
	}

	objs := make([]storage.DriveObject, 0, len(infos))
	for _, fi := range infos {
		obj := c.toObject(dir, fi)
		objs = append(objs, obj)
		if recursive && obj.IsDirectory {
			children, err := c.readDir(ctx, dav, pathutil.Trim(obj.Key), true)
			if err != nil {
				return nil, err
			}
			objs = append(objs, children...)
		}
	}
	return objs, nil
}

func (c *WebDAVClient) toObject(dir string, fi os.FileInfo) storage.DriveObject {
	key := storage.ChildKey(dir, fi.Name(), fi.IsDir())
	if fi.IsDir() {
		return storage.Directory(key, storage.FormatTime(fi.ModTime()))
	}
	return storage.File(key, fi.Size(), storage.FormatTime(fi.ModTime()), etagOf(fi))
}

func (c *WebDAVClient) GetObject(ctx context.Context, key string) (*storage.ObjectStream, error) {
	dav := c.dav(ctx)
	p := c.remotePath(key)

	fi, err := dav.Stat(p)
	if err != nil {
		return nil, c.wrap("get", key, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("webdav: get %q: is a directory: %w", key, storage.ErrConflict)
	}
	body, err := dav.ReadStream(p)
	if err != nil {
		return nil, c.wrap("get", key, err)
	}
	return &storage.ObjectStream{
		Body:          body,
		ContentType:   contentTypeOf(fi),
		ContentLength: fi.Size(),
		ETag:          etagOf(fi),
		LastModified:  storage.FormatTime(fi.ModTime()),
	}, nil
}

// GetSignedURL WebDAV 没有直链
func (c *WebDAVClient) GetSignedURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.Unsupported(provider, "signed url")
}

func (c *WebDAVClient) HeadObject(ctx context.Context, key string) (*storage.DriveObject, error) {
	k := pathutil.Trim(key)
	if k == "" {
		d := storage.Directory("", "")
		return &d, nil
	}
	fi, err := c.dav(ctx).Stat(c.remotePath(key))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, c.wrap("head", key, err)
	}
	var obj storage.DriveObject
	if fi.IsDir() {
		obj = storage.Directory(k, storage.FormatTime(fi.ModTime()))
	} else {
		obj = storage.File(k, fi.Size(), storage.FormatTime(fi.ModTime()), etagOf(fi))
	}
	return &obj, nil
}

func (c *WebDAVClient) PutObject(ctx context.Context, key string, data []byte, _ string) error {
	p := c.remotePath(key)
	c.logger.Debug("uploading", slog.String("path", p), slog.Int("size", len(data)))
	if err := c.dav(ctx).Write(p, data, 0o644); err != nil {
		return c.wrap("put", key, err)
	}
	return nil
}

func (c *WebDAVClient) DeleteObject(ctx context.Context, key string) error {
	dav := c.dav(ctx)
	p := c.remotePath(key)
	if _, err := dav.Stat(p); err != nil {
		return c.wrap("delete", key, err)
	}
	if err := dav.RemoveAll(p); err != nil {
		return c.wrap("delete", key, err)
	}
	return nil
}

func (c *WebDAVClient) CreateFolder(ctx context.Context, path string) error {
	if err := c.dav(ctx).MkdirAll(c.remotePath(path), 0o755); err != nil {
		return c.wrap("mkdir", path, err)
	}
	return nil
}

func (c *WebDAVClient) CopyObject(ctx context.Context, src, dst string) error {
	if err := c.dav(ctx).Copy(c.remotePath(src), c.remotePath(dst), true); err != nil {
		return c.wrap("copy", src, err)
	}
	return nil
}

func (c *WebDAVClient) RenameObject(ctx context.Context, path, newName string) error {
	parent, _ := pathutil.Split(path)
	return c.MoveObject(ctx, path, pathutil.Join(parent, newName))
}

func (c *WebDAVClient) MoveObject(ctx context.Context, path, destPath string) error {
	if err := c.dav(ctx).Rename(c.remotePath(path), c.remotePath(destPath), true); err != nil {
		return c.wrap("move", path, err)
	}
	return nil
}

// 分片接口：WebDAV 只支持单次 PUT

func (c *WebDAVClient) InitiateMultipartUpload(context.Context, string, string, storage.MultipartOptions) (string, error) {
	return "", storage.Unsupported(provider, "multipart upload")
}

func (c *WebDAVClient) UploadPart(context.Context, string, string, int, []byte) (string, error) {
	return "", storage.Unsupported(provider, "multipart upload")
}

func (c *WebDAVClient) CompleteMultipartUpload(context.Context, string, string, []storage.CompletedPart) error {
	return storage.Unsupported(provider, "multipart upload")
}

func (c *WebDAVClient) AbortMultipartUpload(context.Context, string, string) error {
	return storage.Unsupported(provider, "multipart upload")
}

func (c *WebDAVClient) MultipartSupport() storage.MultipartSupport {
	return storage.MultipartSingleShot
}

func (c *WebDAVClient) TakeDelta() storage.StateDelta {
	return storage.StateDelta{}
}

func (c *WebDAVClient) wrap(op, key string, err error) error {
	switch {
	case gowebdav.IsErrNotFound(err):
		return fmt.Errorf("webdav: %s %q: %w", op, key, storage.ErrNotFound)
	case gowebdav.IsErrCode(err, http.StatusUnauthorized), gowebdav.IsErrCode(err, http.StatusForbidden):
		return fmt.Errorf("webdav: %s %q: %w: %v", op, key, storage.ErrAuthConfig, err)
	case gowebdav.IsErrCode(err, http.StatusConflict), gowebdav.IsErrCode(err, http.StatusPreconditionFailed):
		return fmt.Errorf("webdav: %s %q: %w: %v", op, key, storage.ErrConflict, err)
	}
	return fmt.Errorf("webdav: %s %q: %w", op, key, err)
}

func etagOf(fi os.FileInfo) string {
	if e, ok := fi.(interface{ ETag() string }); ok {
		return e.ETag()
	}
	return ""
}

func contentTypeOf(fi os.FileInfo) string {
	if e, ok := fi.(interface{ ContentType() string }); ok {
		return strings.TrimSpace(e.ContentType())
	}
	return ""
}

package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"clouddav/internal/pathutil"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

const (
	provider        = "s3"
	defaultRegion   = "us-east-1"
	defaultMaxKeys  = 1000
	defaultExpiry   = time.Hour
	maxPresignLimit = 7 * 24 * time.Hour
)

// S3Config S3 客户端配置
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RootPath        string
	UseSSL          bool
	PathStyle       bool
}

// ConfigFromSettings 从后端 config 记录解析并校验配置
func ConfigFromSettings(s storage.Settings) (S3Config, error) {
	cfg := S3Config{
		Endpoint:        s.String("endpoint"),
		Region:          s.StringOr("region", defaultRegion),
		Bucket:          s.String("bucket"),
		AccessKeyID:     s.String("access_key_id"),
		SecretAccessKey: s.String("secret_access_key"),
		RootPath:        s.StringOr("root_path", "/"),
		UseSSL:          s.Bool("use_ssl", true),
		PathStyle:       s.Bool("path_style", false),
	}
	switch {
	case cfg.Endpoint == "":
		return cfg, fmt.Errorf("s3: endpoint is required: %w", storage.ErrAuthConfig)
	case cfg.Bucket == "":
		return cfg, fmt.Errorf("s3: bucket is required: %w", storage.ErrAuthConfig)
	case cfg.AccessKeyID == "":
		return cfg, fmt.Errorf("s3: access_key_id is required: %w", storage.ErrAuthConfig)
	case cfg.SecretAccessKey == "":
		return cfg, fmt.Errorf("s3: secret_access_key is required: %w", storage.ErrAuthConfig)
	}
	return cfg, nil
}

// Options 运行时依赖
type Options struct {
	HTTPClient *http.Client
	Codec      *token.Codec
	Logger     *slog.Logger
}

// S3Client S3 兼容存储适配器
// 对象读写使用 minio.Client，列表与分片上传使用 minio.Core，直链由 aws-sdk-go-v2 预签名。
type S3Client struct {
	client  *minio.Client
	core    *minio.Core
	presign *awss3.PresignClient
	bucket  string
	root    string
	codec   *token.Codec
	logger  *slog.Logger
}

var _ storage.StorageClient = (*S3Client)(nil)

// NewClient 创建 S3 客户端（不做网络请求）
func NewClient(ctx context.Context, cfg S3Config, opts Options) (*S3Client, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	mopts := &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Region: cfg.Region,
		Secure: secure,
	}
	if cfg.PathStyle {
		mopts.BucketLookup = minio.BucketLookupPath
	}
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		mopts.Transport = opts.HTTPClient.Transport
	}
	core, err := minio.NewCore(host, mopts)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	}
	if opts.HTTPClient != nil {
		awsOpts = append(awsOpts, awsconfig.WithHTTPClient(opts.HTTPClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	presign := awss3.NewPresignClient(awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(scheme + host)
		o.UsePathStyle = cfg.PathStyle
	}))

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Client{
		client:  core.Client,
		core:    core,
		presign: presign,
		bucket:  cfg.Bucket,
		root:    pathutil.NormalizeRoot(cfg.RootPath),
		codec:   opts.Codec,
		logger:  logger.With(slog.String("provider", provider), slog.String("bucket", cfg.Bucket)),
	}, nil
}

// splitEndpoint 接受 "host:port" 或带协议的 URL
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("s3: invalid endpoint %q: %w", endpoint, storage.ErrAuthConfig)
	}
	return u.Host, u.Scheme == "https", nil
}

// objectKey 虚拟 key → 桶内对象名（无前导斜杠）
func (c *S3Client) objectKey(key string) string {
	return strings.TrimPrefix(pathutil.JoinRoot(c.root, key), "/")
}

// relKey 桶内对象名 → 虚拟 key
func (c *S3Client) relKey(object string) string {
	return pathutil.Rel(c.root, "/"+object)
}

func (c *S3Client) dirPrefix(key string) string {
	p := c.objectKey(key)
	if p == "" {
		return ""
	}
	return pathutil.EnsureTrailingSlash(p)
}

func (c *S3Client) ListObjects(ctx context.Context, prefix, delimiter string, maxKeys int, continuationToken string) (*storage.ListObjectsResult, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	p := c.dirPrefix(prefix)

	res, err := c.core.ListObjectsV2(c.bucket, p, "", continuationToken, delimiter, maxKeys)
	if err != nil {
		return nil, c.wrap("list", prefix, err)
	}

	objs := make([]storage.DriveObject, 0, len(res.CommonPrefixes)+len(res.Contents))
	for _, cp := range res.CommonPrefixes {
		objs = append(objs, storage.Directory(c.relKey(cp.Prefix), ""))
	}
	for _, o := range res.Contents {
		if o.Key == p {
			continue // 目录占位对象
		}
		if strings.HasSuffix(o.Key, "/") {
			objs = append(objs, storage.Directory(c.relKey(o.Key), storage.FormatTime(o.LastModified)))
			continue
		}
		objs = append(objs, storage.File(c.relKey(o.Key), o.Size, storage.FormatTime(o.LastModified), o.ETag))
	}
	return storage.NewListResult(objs, res.IsTruncated, res.NextContinuationToken), nil
}

func (c *S3Client) GetObject(ctx context.Context, key string) (*storage.ObjectStream, error) {
	name := c.objectKey(key)
	c.logger.Debug("downloading object", slog.String("object", name))

	obj, err := c.client.GetObject(ctx, c.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.wrap("get", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, c.wrap("get", key, err)
	}
	return &storage.ObjectStream{
		Body:          obj,
		ContentType:   info.ContentType,
		ContentLength: info.Size,
		ETag:          info.ETag,
		LastModified:  storage.FormatTime(info.LastModified),
	}, nil
}

func (c *S3Client) GetSignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = defaultExpiry
	}
	expiresIn = min(expiresIn, maxPresignLimit)

	req, err := c.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	}, awss3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("s3: presign %q: %w", key, err)
	}
	return req.URL, nil
}

func (c *S3Client) HeadObject(ctx context.Context, key string) (*storage.DriveObject, error) {
	if pathutil.Trim(key) == "" {
		d := storage.Directory("", "")
		return &d, nil
	}
	if !pathutil.IsDirKey(key) {
		info, err := c.client.StatObject(ctx, c.bucket, c.objectKey(key), minio.StatObjectOptions{})
		if err == nil {
			f := storage.File(pathutil.Trim(key), info.Size, storage.FormatTime(info.LastModified), info.ETag)
			return &f, nil
		}
		if !isNoSuchKey(err) {
			return nil, c.wrap("head", key, err)
		}
	}

	dir, err := c.isDir(ctx, key)
	if err != nil || !dir {
		return nil, err
	}
	d := storage.Directory(pathutil.Trim(key), "")
	return &d, nil
}

// isDir 前缀下存在任意对象即视为目录
func (c *S3Client) isDir(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := c.core.ListObjectsV2(c.bucket, c.dirPrefix(key), "", "", "", 1)
	if err != nil {
		return false, c.wrap("head", key, err)
	}
	return len(res.Contents) > 0 || len(res.CommonPrefixes) > 0, nil
}

func (c *S3Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	name := c.objectKey(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.logger.Debug("uploading object", slog.String("object", name), slog.Int("size", len(data)))

	_, err := c.client.PutObject(ctx, c.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return c.wrap("put", key, err)
	}
	return nil
}

func (c *S3Client) DeleteObject(ctx context.Context, key string) error {
	if !pathutil.IsDirKey(key) {
		_, err := c.client.StatObject(ctx, c.bucket, c.objectKey(key), minio.StatObjectOptions{})
		if err == nil {
			if err := c.client.RemoveObject(ctx, c.bucket, c.objectKey(key), minio.RemoveObjectOptions{}); err != nil {
				return c.wrap("delete", key, err)
			}
			return nil
		}
		if !isNoSuchKey(err) {
			return c.wrap("delete", key, err)
		}
	}

	names, err := c.tree(ctx, key)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return storage.NotFound(provider, key)
	}
	for _, name := range names {
		if err := c.client.RemoveObject(ctx, c.bucket, name, minio.RemoveObjectOptions{}); err != nil {
			return c.wrap("delete", key, err)
		}
	}
	return nil
}

// tree 递归列出目录下全部对象名
func (c *S3Client) tree(ctx context.Context, key string) ([]string, error) {
	var names []string
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.dirPrefix(key),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, c.wrap("list", key, obj.Err)
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

func (c *S3Client) CreateFolder(ctx context.Context, path string) error {
	name := c.dirPrefix(path)
	if name == "" {
		return nil
	}
	_, err := c.client.PutObject(ctx, c.bucket, name, bytes.NewReader(nil), 0, minio.PutObjectOptions{
		ContentType: "application/x-directory",
	})
	if err != nil {
		return c.wrap("mkdir", path, err)
	}
	return nil
}

func (c *S3Client) CopyObject(ctx context.Context, src, dst string) error {
	if !pathutil.IsDirKey(src) {
		err := c.copyOne(ctx, c.objectKey(src), c.objectKey(dst))
		if err == nil || !isNoSuchKey(err) {
			return c.wrapNil("copy", src, err)
		}
	}

	names, err := c.tree(ctx, src)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return storage.NotFound(provider, src)
	}
	srcPrefix, dstPrefix := c.dirPrefix(src), c.dirPrefix(dst)
	for _, name := range names {
		if err := c.copyOne(ctx, name, dstPrefix+strings.TrimPrefix(name, srcPrefix)); err != nil {
			return c.wrap("copy", src, err)
		}
	}
	return nil
}

func (c *S3Client) copyOne(ctx context.Context, from, to string) error {
	_, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: to},
		minio.CopySrcOptions{Bucket: c.bucket, Object: from},
	)
	return err
}

func (c *S3Client) RenameObject(ctx context.Context, path, newName string) error {
	parent, _ := pathutil.Split(path)
	dst := pathutil.Join(parent, newName)
	if pathutil.IsDirKey(path) {
		dst = pathutil.EnsureTrailingSlash(dst)
	}
	return c.MoveObject(ctx, path, dst)
}

// MoveObject S3 不支持原生重命名，使用 copy + delete
func (c *S3Client) MoveObject(ctx context.Context, path, destPath string) error {
	c.logger.Debug("moving object", slog.String("from", path), slog.String("to", destPath))
	if err := c.CopyObject(ctx, path, destPath); err != nil {
		return err
	}
	if err := c.DeleteObject(ctx, path); err != nil {
		// 新对象已存在，只记录警告
		c.logger.Warn("failed to delete source after move", slog.String("key", path), slog.String("error", err.Error()))
	}
	return nil
}

type session struct {
	Provider string `json:"provider"`
	UploadID string `json:"upload_id"`
	Object   string `json:"object"`
}

func (c *S3Client) InitiateMultipartUpload(ctx context.Context, key, contentType string, _ storage.MultipartOptions) (string, error) {
	name := c.objectKey(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id, err := c.core.NewMultipartUpload(ctx, c.bucket, name, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", c.wrap("initiate", key, err)
	}
	return c.codec.Marshal(session{Provider: provider, UploadID: id, Object: name})
}

func (c *S3Client) session(key, tok string) (session, error) {
	var s session
	if err := c.codec.Unmarshal(tok, &s); err != nil {
		return s, err
	}
	if s.Provider != provider || s.UploadID == "" || s.Object != c.objectKey(key) {
		return s, fmt.Errorf("%w: upload session does not match %q", token.ErrDecode, key)
	}
	return s, nil
}

func (c *S3Client) UploadPart(ctx context.Context, key, tok string, partNumber int, data []byte) (string, error) {
	s, err := c.session(key, tok)
	if err != nil {
		return "", err
	}
	part, err := c.core.PutObjectPart(ctx, c.bucket, s.Object, s.UploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", c.wrap("upload part", key, err)
	}
	return part.ETag, nil
}

func (c *S3Client) CompleteMultipartUpload(ctx context.Context, key, tok string, parts []storage.CompletedPart) error {
	s, err := c.session(key, tok)
	if err != nil {
		return err
	}
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	if _, err := c.core.CompleteMultipartUpload(ctx, c.bucket, s.Object, s.UploadID, complete, minio.PutObjectOptions{}); err != nil {
		return c.wrap("complete", key, err)
	}
	return nil
}

func (c *S3Client) AbortMultipartUpload(ctx context.Context, key, tok string) error {
	s, err := c.session(key, tok)
	if err != nil {
		return err
	}
	if err := c.core.AbortMultipartUpload(ctx, c.bucket, s.Object, s.UploadID); err != nil {
		return c.wrap("abort", key, err)
	}
	return nil
}

func (c *S3Client) MultipartSupport() storage.MultipartSupport {
	return storage.MultipartFull
}

// TakeDelta S3 使用静态凭据，没有可变状态
func (c *S3Client) TakeDelta() storage.StateDelta {
	return storage.StateDelta{}
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (c *S3Client) wrapNil(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return c.wrap(op, key, err)
}

func (c *S3Client) wrap(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("s3: %s %q: %w", op, key, err)
	}
	resp := minio.ToErrorResponse(err)
	var sentinel error
	switch {
	case isNoSuchKey(err) || resp.Code == "NoSuchUpload":
		sentinel = storage.ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId":
		sentinel = storage.ErrAuthConfig
	}
	if resp.StatusCode == 0 && sentinel == nil {
		return fmt.Errorf("s3: %s %q: %w", op, key, err)
	}
	return storage.NewProviderError(provider, op+" "+key, resp.StatusCode, []byte(resp.Code+": "+resp.Message), sentinel)
}

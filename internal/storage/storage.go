// Package storage 定义所有云存储适配器共享的统一对象存储契约。
package storage

import (
	"context"
	"io"
	"time"
)

// StorageClient 云存储适配器统一接口
// 支持的后端：S3 兼容存储、WebDAV、Google Drive、OneDrive、百度网盘、阿里云盘
//
// key 均为相对于后端 root_path 的路径，目录以 "/" 结尾。
// 适配器不做持久化：对 config / saving 的修改通过 TakeDelta 交给调用方。
type StorageClient interface {
	// ListObjects 列出 prefix 下的对象
	// delimiter 为 "/" 时只列出一层；maxKeys <= 0 使用适配器默认值
	// continuationToken 为空表示第一页
	ListObjects(ctx context.Context, prefix, delimiter string, maxKeys int, continuationToken string) (*ListObjectsResult, error)

	// GetObject 获取对象内容（调用者负责关闭 Body）
	GetObject(ctx context.Context, key string) (*ObjectStream, error)

	// GetSignedURL 生成直链；后端不支持时返回 ErrUnsupported
	GetSignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)

	// HeadObject 获取对象元数据；对象不存在时返回 nil, nil
	HeadObject(ctx context.Context, key string) (*DriveObject, error)

	// PutObject 单次写入对象（部分适配器内部会自动分片）
	PutObject(ctx context.Context, key string, data []byte, contentType string) error

	// DeleteObject 删除对象或目录
	DeleteObject(ctx context.Context, key string) error

	// CreateFolder 创建目录
	CreateFolder(ctx context.Context, path string) error

	// CopyObject 复制对象
	CopyObject(ctx context.Context, src, dst string) error

	// RenameObject 在同一目录内重命名
	RenameObject(ctx context.Context, path, newName string) error

	// MoveObject 移动对象到 destPath（完整目标 key）
	MoveObject(ctx context.Context, path, destPath string) error

	// InitiateMultipartUpload 开始分片上传，返回不透明的续传令牌
	InitiateMultipartUpload(ctx context.Context, key, contentType string, opts MultipartOptions) (string, error)

	// UploadPart 上传一个分片（partNumber 从 1 开始），返回分片标签
	UploadPart(ctx context.Context, key, token string, partNumber int, data []byte) (string, error)

	// CompleteMultipartUpload 完成分片上传
	CompleteMultipartUpload(ctx context.Context, key, token string, parts []CompletedPart) error

	// AbortMultipartUpload 放弃分片上传
	AbortMultipartUpload(ctx context.Context, key, token string) error

	// MultipartSupport 声明分片上传能力
	MultipartSupport() MultipartSupport

	// TakeDelta 取出并清空自上次调用以来累积的状态变更
	TakeDelta() StateDelta
}

// DriveObject 对象元数据
type DriveObject struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"` // RFC 3339，未知时为空
	IsDirectory  bool   `json:"is_directory"`
	ETag         string `json:"etag,omitempty"`
}

// ModTime 解析 LastModified，无法解析时返回零值
func (o DriveObject) ModTime() time.Time {
	if o.LastModified == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, o.LastModified)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ObjectStream GetObject 的返回值
type ObjectStream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 表示未知
	ETag          string
	LastModified  string
}

// CompletedPart 已上传的分片
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// MultipartOptions 分片上传参数
type MultipartOptions struct {
	Size      int64 // 总大小（字节）
	ChunkSize int64 // 0 使用适配器默认值
}

// MultipartSupport 分片上传能力
type MultipartSupport int

const (
	// MultipartUnsupported 分片接口全部返回 ErrUnsupported（百度网盘在 PutObject 内部分片）
	MultipartUnsupported MultipartSupport = iota
	// MultipartSingleShot 只支持单次写入
	MultipartSingleShot
	// MultipartSession 分片到达即提交，Complete/Abort 为轻量操作
	MultipartSession
	// MultipartFull 完整的 initiate/part/complete/abort 生命周期
	MultipartFull
)

func (m MultipartSupport) String() string {
	switch m {
	case MultipartSingleShot:
		return "single-shot"
	case MultipartSession:
		return "session"
	case MultipartFull:
		return "full"
	default:
		return "unsupported"
	}
}

// FormatTime 统一时间格式
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

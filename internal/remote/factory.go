// Package remote 根据后端记录创建对应的存储适配器
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"clouddav/internal/remote/aliyun"
	"clouddav/internal/remote/baidu"
	"clouddav/internal/remote/gdrive"
	"clouddav/internal/remote/oauth"
	"clouddav/internal/remote/onedrive"
	"clouddav/internal/remote/s3"
	"clouddav/internal/remote/webdav"
	"clouddav/internal/storage"
	"clouddav/internal/store"
	"clouddav/internal/token"
)

// 规范化后的存储类型
const (
	TypeS3       = "s3"
	TypeWebDAV   = "webdav"
	TypeGDrive   = "gdrive"
	TypeOneDrive = "onedrive"
	TypeBaidu    = "baidu"
	TypeAliyun   = "aliyun"
)

// Options 所有适配器共享的运行时依赖
type Options struct {
	HTTPClient *http.Client
	Codec      *token.Codec
	Logger     *slog.Logger
}

// NormalizeType 把类型名及其别名统一为规范名称，未知类型返回 ""
func NormalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "s3", "minio", "r2":
		return TypeS3
	case "webdav", "dav":
		return TypeWebDAV
	case "gdrive", "google", "googledrive", "google_drive":
		return TypeGDrive
	case "onedrive", "msgraph", "graph":
		return TypeOneDrive
	case "baidu", "baiduyun", "baidu_netdisk":
		return TypeBaidu
	case "aliyun", "alipan", "aliyundrive":
		return TypeAliyun
	default:
		return ""
	}
}

// NewClient 根据后端记录创建适配器（不做网络请求）
// 适配器拿到的是 config / saving 的副本，变更通过 TakeDelta 取回。
func NewClient(ctx context.Context, b store.Backend, opts Options) (storage.StorageClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.Int("backend", b.ID))

	typ := NormalizeType(b.Type)
	switch typ {
	case TypeS3:
		cfg, err := s3.ConfigFromSettings(b.Config)
		if err != nil {
			return nil, err
		}
		c, err := s3.NewClient(ctx, cfg, s3.Options{HTTPClient: opts.HTTPClient, Codec: opts.Codec, Logger: logger})
		if err != nil {
			return nil, err
		}
		return c, nil
	case TypeWebDAV:
		cfg, err := webdav.ConfigFromSettings(b.Config)
		if err != nil {
			return nil, err
		}
		wopts := webdav.Options{Codec: opts.Codec, Logger: logger}
		if opts.HTTPClient != nil {
			wopts.Transport = opts.HTTPClient.Transport
		}
		return webdav.NewClient(cfg, wopts), nil
	case TypeGDrive, TypeOneDrive, TypeBaidu, TypeAliyun:
		if err := checkOAuth(typ, b.Config, b.Saving); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %q (supported: s3, webdav, gdrive, onedrive, baidu, aliyun)", b.Type)
	}

	switch typ {
	case TypeGDrive:
		c, err := gdrive.New(ctx, b.Config, b.Saving, gdrive.Options{HTTPClient: opts.HTTPClient, Codec: opts.Codec, Logger: logger})
		if err != nil {
			return nil, err
		}
		return c, nil
	case TypeOneDrive:
		return onedrive.New(b.Config, b.Saving, onedrive.Options{HTTPClient: opts.HTTPClient, Codec: opts.Codec, Logger: logger}), nil
	case TypeBaidu:
		return baidu.New(b.Config, b.Saving, baidu.Options{HTTPClient: opts.HTTPClient, Codec: opts.Codec, Logger: logger}), nil
	default:
		return aliyun.New(b.Config, b.Saving, aliyun.Options{HTTPClient: opts.HTTPClient, Codec: opts.Codec, Logger: logger}), nil
	}
}

// checkOAuth 校验 OAuth 后端的必填项
// 没有 refresh_token 时必须已有 access_token；使用中继刷新时不需要 client 凭据。
func checkOAuth(typ string, config, saving storage.Settings) error {
	if config.String(oauth.KeyRefreshToken) == "" && saving.String(oauth.KeyAccessToken) == "" {
		return fmt.Errorf("%s: refresh_token is required: %w", typ, storage.ErrAuthConfig)
	}
	if config.String(oauth.KeyRelayURL) != "" {
		return nil
	}
	if config.String(oauth.KeyClientID) == "" {
		return fmt.Errorf("%s: client_id is required: %w", typ, storage.ErrAuthConfig)
	}
	return nil
}

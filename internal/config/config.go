// Package config loads the server configuration from a YAML or TOML file,
// then applies environment overrides.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"clouddav/internal/storage"
	"clouddav/internal/store"
)

const (
	DefaultListen        = "0.0.0.0:8080"
	DefaultBaseURL       = "/dav"
	DefaultMaxUploadSize = 1 << 30
	DefaultStoreType     = "file"
	DefaultStorePath     = "data/backends"
)

type Config struct {
	Server   ServerConfig    `yaml:"server" toml:"server" json:"server"`
	Admin    Auth            `yaml:"admin" toml:"admin" json:"admin"`
	Store    StoreConfig     `yaml:"store" toml:"store" json:"store"`
	Token    TokenConfig     `yaml:"token" toml:"token" json:"token"`
	Log      LogConfig       `yaml:"log" toml:"log" json:"log"`
	Backends []BackendConfig `yaml:"backends" toml:"backends" json:"backends"`
}

type ServerConfig struct {
	Listen  string `yaml:"listen" toml:"listen" json:"listen"`
	BaseURL string `yaml:"base_url" toml:"base_url" json:"base_url"`
	Auth    Auth   `yaml:"auth" toml:"auth" json:"auth"`
	// 单次 PUT 允许的最大字节数
	MaxUploadSize int64 `yaml:"max_upload_size" toml:"max_upload_size" json:"max_upload_size"`
}

type Auth struct {
	User string `yaml:"user" toml:"user" json:"user"`
	Pass string `yaml:"pass" toml:"pass" json:"pass"`
}

// Set 用户名和密码都已配置
func (a Auth) Set() bool {
	return a.User != "" && a.Pass != ""
}

type StoreConfig struct {
	Type string `yaml:"type" toml:"type" json:"type"` // "file" 或 "sqlite"
	Path string `yaml:"path" toml:"path" json:"path"`
}

type TokenConfig struct {
	// 非空时续传令牌会被加密
	Secret string `yaml:"secret" toml:"secret" json:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`   // debug / info / warn / error
	Format string `yaml:"format" toml:"format" json:"format"` // text / json / auto
}

// BackendConfig 配置文件中的后端定义，启动时写入 store（已存在的不覆盖）
type BackendConfig struct {
	ID      int            `yaml:"id" toml:"id" json:"id"`
	Name    string         `yaml:"name" toml:"name" json:"name"`
	Type    string         `yaml:"type" toml:"type" json:"type"`
	Enabled *bool          `yaml:"enabled" toml:"enabled" json:"enabled"`
	Config  map[string]any `yaml:"config" toml:"config" json:"config"`
	Saving  map[string]any `yaml:"saving" toml:"saving" json:"saving"`
}

// Backend 转换为 store 记录；enabled 缺省为 true
func (b BackendConfig) Backend() store.Backend {
	enabled := b.Enabled == nil || *b.Enabled
	return store.Backend{
		ID:      b.ID,
		Name:    b.Name,
		Type:    b.Type,
		Enabled: enabled,
		Config:  storage.Settings(b.Config).Clone(),
		Saving:  storage.Settings(b.Saving).Clone(),
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig 读取配置文件（.toml 按 TOML 解析，其余按 YAML），文件不存在不算错误
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if isTOML(path) {
			err = toml.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		// Return error if it's not a "file not found" error (e.g., permissions)
		return nil, err
	}

	// Always override with environment variables
	processEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func processEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("SERVER_AUTH_USER"); v != "" {
		cfg.Server.Auth.User = v
	}
	if v := os.Getenv("SERVER_AUTH_PASS"); v != "" {
		cfg.Server.Auth.Pass = v
	}
	if v := os.Getenv("SERVER_MAX_UPLOAD_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxUploadSize = n
		}
	}
	if v := os.Getenv("ADMIN_USER"); v != "" {
		cfg.Admin.User = v
	}
	if v := os.Getenv("ADMIN_PASS"); v != "" {
		cfg.Admin.Pass = v
	}
	if v := os.Getenv("STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.Token.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	c.Server.BaseURL = "/" + strings.Trim(c.Server.BaseURL, "/")
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = DefaultMaxUploadSize
	}
	if c.Store.Type == "" {
		c.Store.Type = DefaultStoreType
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
		if c.Store.Type == "sqlite" {
			c.Store.Path = "data/clouddav.db"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.Server.BaseURL == "/" {
		return fmt.Errorf("server.base_url must not be the root")
	}
	switch c.Store.Type {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.type must be file or sqlite, got %q", c.Store.Type)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json", "auto":
	default:
		return fmt.Errorf("log.format must be text, json or auto, got %q", c.Log.Format)
	}

	seen := make(map[int]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID <= 0 {
			return fmt.Errorf("backends[%d]: id must be positive", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends[%d]: duplicate id %d", i, b.ID)
		}
		seen[b.ID] = true
		if strings.TrimSpace(b.Type) == "" {
			return fmt.Errorf("backends[%d]: type is required", i)
		}
	}
	return nil
}

// DAVAuth WebDAV 凭据，未配置时回落到管理员凭据
func (c *Config) DAVAuth() Auth {
	if c.Server.Auth.Set() {
		return c.Server.Auth
	}
	return c.Admin
}

// ParseLevel 解析日志级别
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// EnsureTokenSecret 未配置 token.secret 时生成一个并写回配置文件
// 写回失败只记录警告：令牌仍然可用，但重启后失效。
func EnsureTokenSecret(configPath string, cfg *Config, logger *slog.Logger) error {
	if cfg.Token.Secret != "" {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate token secret: %w", err)
	}
	cfg.Token.Secret = base64.StdEncoding.EncodeToString(key)

	originalData, err := os.ReadFile(configPath)
	if err != nil {
		logger.Warn("generated token secret is not persisted", slog.Any("error", err))
		return nil
	}

	// Replace the secret line in place to keep formatting and comments.
	prefix, format := "secret:", "%ssecret: \"%s\""
	if isTOML(configPath) {
		prefix, format = "secret", "%ssecret = \"%s\""
	}
	lines := strings.Split(string(originalData), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)); isTOML(configPath) && !strings.HasPrefix(rest, "=") {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		lines[i] = fmt.Sprintf(format, indent, cfg.Token.Secret)
		found = true
		break
	}
	if !found {
		logger.Warn("no token secret line in config file; generated secret is not persisted",
			slog.String("path", configPath))
		return nil
	}

	if err := os.WriteFile(configPath, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	logger.Info("generated token secret", slog.String("path", configPath))
	return nil
}

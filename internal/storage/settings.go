package storage

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Settings 后端的 config / saving 记录
// 值来自 JSON、YAML 或 TOML，所以数值可能是 int、int64 或 float64。
type Settings map[string]any

// String 返回字符串值，缺失或类型不符时返回 ""
func (s Settings) String(key string) string {
	switch v := s[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// StringOr 返回字符串值，为空时返回 def
func (s Settings) StringOr(key, def string) string {
	if v := s.String(key); v != "" {
		return v
	}
	return def
}

// Int64 返回整数值，无法解析时返回 def
func (s Settings) Int64(key string, def int64) int64 {
	switch v := s[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

// Int 同 Int64
func (s Settings) Int(key string, def int) int {
	return int(s.Int64(key, int64(def)))
}

// Bool 返回布尔值，接受 "true"/"1"/"yes"
func (s Settings) Bool(key string, def bool) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	case int, int64, float64:
		return s.Int64(key, 0) != 0
	}
	return def
}

// Clone 浅拷贝；nil 返回空 map
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	maps.Copy(out, s)
	return out
}

// StateDelta 一次或多次适配器调用后需要持久化的变更
// 非 nil 表示该记录已变更，值为完整的新记录。
type StateDelta struct {
	Config Settings `json:"config,omitempty"`
	Saving Settings `json:"saving,omitempty"`
}

// Empty 没有任何变更
func (d StateDelta) Empty() bool {
	return d.Config == nil && d.Saving == nil
}

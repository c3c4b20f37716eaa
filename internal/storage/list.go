package storage

import (
	"cmp"
	"slices"
	"strings"

	"clouddav/internal/pathutil"
)

// ListObjectsResult 列表结果
// Objects 目录在前，组内按名称排序；Prefixes 为 Objects 中所有目录的 key。
type ListObjectsResult struct {
	Objects               []DriveObject `json:"objects"`
	Prefixes              []string      `json:"prefixes"`
	IsTruncated           bool          `json:"is_truncated"`
	NextContinuationToken string        `json:"next_continuation_token,omitempty"`
}

// NewListResult 构造列表结果并保证排序与 token 约束
func NewListResult(objects []DriveObject, truncated bool, next string) *ListObjectsResult {
	if objects == nil {
		objects = []DriveObject{}
	}
	SortObjects(objects)

	prefixes := []string{}
	for _, o := range objects {
		if o.IsDirectory {
			prefixes = append(prefixes, o.Key)
		}
	}

	if !truncated || next == "" {
		truncated = false
		next = ""
	}
	return &ListObjectsResult{
		Objects:               objects,
		Prefixes:              prefixes,
		IsTruncated:           truncated,
		NextContinuationToken: next,
	}
}

// SortObjects 目录在前，然后按名称字典序
func SortObjects(objs []DriveObject) {
	slices.SortStableFunc(objs, func(a, b DriveObject) int {
		if a.IsDirectory != b.IsDirectory {
			if a.IsDirectory {
				return -1
			}
			return 1
		}
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.Key, b.Key))
	})
}

// Directory 构造目录条目，key 自动补齐 "/"
func Directory(key, lastModified string) DriveObject {
	key = pathutil.EnsureTrailingSlash(strings.TrimPrefix(key, "/"))
	return DriveObject{
		Key:          key,
		Name:         pathutil.Base(key),
		LastModified: lastModified,
		IsDirectory:  true,
	}
}

// File 构造文件条目
func File(key string, size int64, lastModified, etag string) DriveObject {
	key = strings.TrimPrefix(key, "/")
	return DriveObject{
		Key:          key,
		Name:         pathutil.Base(key),
		Size:         size,
		LastModified: lastModified,
		ETag:         etag,
	}
}

// ChildKey 拼接目录 key 与子项名称
func ChildKey(prefix, name string, dir bool) string {
	key := pathutil.Join(prefix, name)
	if dir {
		key = pathutil.EnsureTrailingSlash(key)
	}
	return key
}

package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clouddav/internal/storage"
	"clouddav/internal/storage/storagetest"
)

const mib = 1 << 20

func TestNewListResult_Invariants(t *testing.T) {
	objs := []storage.DriveObject{
		storage.File("docs/b.txt", 3, "", ""),
		storage.Directory("docs/zeta", ""),
		storage.File("docs/a.txt", 10, "", ""),
		storage.Directory("docs/alpha/", ""),
		storage.File("docs/C.txt", 1, "", ""),
	}

	res := storage.NewListResult(objs, false, "ignored")

	names := make([]string, 0, len(res.Objects))
	for _, o := range res.Objects {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta", "C.txt", "a.txt", "b.txt"}, names)
	assert.Equal(t, []string{"docs/alpha/", "docs/zeta/"}, res.Prefixes)
	assert.False(t, res.IsTruncated)
	assert.Empty(t, res.NextContinuationToken)

	dirKeys := map[string]bool{}
	for _, o := range res.Objects {
		if o.IsDirectory {
			dirKeys[o.Key] = true
			assert.True(t, strings.HasSuffix(o.Key, "/"))
		}
	}
	for _, p := range res.Prefixes {
		assert.True(t, dirKeys[p], "prefix %q must be a directory entry", p)
	}
}

func TestNewListResult_Truncation(t *testing.T) {
	res := storage.NewListResult(nil, true, "tok")
	assert.True(t, res.IsTruncated)
	assert.Equal(t, "tok", res.NextContinuationToken)
	assert.NotNil(t, res.Objects)

	res = storage.NewListResult(nil, true, "")
	assert.False(t, res.IsTruncated)
}

func TestContentRange(t *testing.T) {
	h, err := storage.ContentRange(1, 4*mib, 4*mib, 50*mib)
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-4194303/52428800", h)

	h, err = storage.ContentRange(13, 4*mib, 2*mib, 50*mib)
	require.NoError(t, err)
	assert.Equal(t, "bytes 50331648-52428799/52428800", h)

	_, err = storage.ContentRange(0, 4*mib, 1, 50*mib)
	assert.Error(t, err)
	_, err = storage.ContentRange(14, 4*mib, 4*mib, 50*mib)
	assert.Error(t, err)
}

func TestPartCount(t *testing.T) {
	assert.Equal(t, 13, storage.PartCount(50*mib, 4*mib))
	assert.Equal(t, 1, storage.PartCount(0, 4*mib))
	assert.Equal(t, 2, storage.PartCount(8*mib+1, 4*mib))
	assert.Equal(t, 2, storage.PartCount(8*mib, 4*mib))
}

func TestUploadChunked_PartsInOrder(t *testing.T) {
	m := storagetest.NewMemoryClient()
	data := make([]byte, 50*mib)
	data[len(data)-1] = 0x7f

	err := storage.UploadChunked(context.Background(), m, "big.bin", data, "application/octet-stream", 4*mib)
	require.NoError(t, err)

	parts := m.CallsTo("UploadPart")
	require.Len(t, parts, 13)
	for i, c := range parts {
		assert.Equal(t, i+1, c.Part)
	}
	assert.Len(t, m.CallsTo("CompleteMultipartUpload"), 1)
	assert.Empty(t, m.CallsTo("AbortMultipartUpload"))

	got, ok := m.Data("big.bin")
	require.True(t, ok)
	assert.Equal(t, len(data), len(got))
	assert.Equal(t, byte(0x7f), got[len(got)-1])
}

func TestUploadChunked_AbortsOnFailure(t *testing.T) {
	m := storagetest.NewMemoryClient()
	boom := errors.New("network down")
	m.FailOn("UploadPart", boom)

	err := storage.UploadChunked(context.Background(), m, "f.bin", make([]byte, 10), "", 4)
	require.ErrorIs(t, err, boom)
	assert.Len(t, m.CallsTo("AbortMultipartUpload"), 1)
	assert.Empty(t, m.CallsTo("CompleteMultipartUpload"))

	_, ok := m.Data("f.bin")
	assert.False(t, ok)
}

func TestUploadChunked_InvalidChunk(t *testing.T) {
	m := storagetest.NewMemoryClient()
	err := storage.UploadChunked(context.Background(), m, "f", []byte("x"), "", 0)
	assert.Error(t, err)
	assert.Empty(t, m.Calls())
}

func TestProviderError(t *testing.T) {
	body := []byte(strings.Repeat("x", 2000))
	err := storage.NewProviderError("onedrive", "list", 502, body, nil)

	assert.Len(t, err.Body, 512)
	assert.ErrorIs(t, err, storage.ErrProtocol)
	assert.Contains(t, err.Error(), "HTTP 502")

	var wrapped error = storage.NewProviderError("gdrive", "get", 404, []byte("gone"), storage.ErrNotFound)
	assert.True(t, storage.IsNotFound(wrapped))

	var pe *storage.ProviderError
	require.ErrorAs(t, wrapped, &pe)
	assert.Equal(t, 404, pe.StatusCode)

	assert.ErrorIs(t, storage.Unsupported("baidu", "signed url"), storage.ErrUnsupported)
}

func TestSettings(t *testing.T) {
	s := storage.Settings{
		"name":     " bucket ",
		"int":      7,
		"float":    float64(1700000000),
		"strnum":   "42",
		"bool":     true,
		"boolstr":  "yes",
		"nilvalue": nil,
	}
	assert.Equal(t, "bucket", s.String("name"))
	assert.Equal(t, "", s.String("missing"))
	assert.Equal(t, "", s.String("nilvalue"))
	assert.Equal(t, "def", s.StringOr("missing", "def"))
	assert.Equal(t, 7, s.Int("int", 0))
	assert.Equal(t, int64(1700000000), s.Int64("float", 0))
	assert.Equal(t, 42, s.Int("strnum", 0))
	assert.Equal(t, 5, s.Int("name", 5))
	assert.True(t, s.Bool("bool", false))
	assert.True(t, s.Bool("boolstr", false))
	assert.False(t, s.Bool("missing", false))

	c := s.Clone()
	c["name"] = "other"
	assert.Equal(t, "bucket", s.String("name"))

	var nilSettings storage.Settings
	assert.NotNil(t, nilSettings.Clone())
	assert.True(t, storage.StateDelta{}.Empty())
	assert.False(t, storage.StateDelta{Saving: storage.Settings{}}.Empty())
}

func TestMemoryClient_ListPaging(t *testing.T) {
	m := storagetest.NewMemoryClient()
	m.Put("docs/a.txt", []byte("0123456789"))
	m.Put("docs/b.txt", []byte("b"))
	m.Put("docs/sub/c.txt", []byte("c"))
	ctx := context.Background()

	first, err := m.ListObjects(ctx, "docs/", "/", 2, "")
	require.NoError(t, err)
	require.True(t, first.IsTruncated)
	require.Len(t, first.Objects, 2)
	assert.Equal(t, "docs/sub/", first.Objects[0].Key)
	assert.Equal(t, "a.txt", first.Objects[1].Name)
	assert.Equal(t, int64(10), first.Objects[1].Size)

	second, err := m.ListObjects(ctx, "docs/", "/", 2, first.NextContinuationToken)
	require.NoError(t, err)
	assert.False(t, second.IsTruncated)
	require.Len(t, second.Objects, 1)
	assert.Equal(t, "b.txt", second.Objects[0].Name)

	head, err := m.HeadObject(ctx, "docs")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.True(t, head.IsDirectory)

	missing, err := m.HeadObject(ctx, "nope.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

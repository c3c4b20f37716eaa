package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clouddav/internal/remote/oauth"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

type fakeFile struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Size     string   `json:"size,omitempty"`
	Modified string   `json:"modifiedTime"`
	MD5      string   `json:"md5Checksum,omitempty"`
	Parents  []string `json:"parents"`
	data     []byte
}

type fakeSession struct {
	meta  fakeFile
	total int64
	buf   bytes.Buffer
}

// fakeDrive is a tiny in-memory Drive v3 server.
type fakeDrive struct {
	mu        sync.Mutex
	srv       *httptest.Server
	files     map[string]*fakeFile
	sessions  map[string]*fakeSession
	nextID    int
	reject    int // next n requests get 401
	refreshes int
	rejected  int
	ranges    []string
}

var (
	childQuery = regexp.MustCompile(`^'([^']+)' in parents and name = '((?:[^'\\]|\\.)*)' and trashed = false$`)
	listQuery  = regexp.MustCompile(`^'([^']+)' in parents and trashed = false$`)
)

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()
	f := &fakeDrive{files: map[string]*fakeFile{}, sessions: map[string]*fakeSession{}}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDrive) add(name, parent, mimeType string, data []byte) *fakeFile {
	f.nextID++
	ff := &fakeFile{
		ID:       fmt.Sprintf("id%d", f.nextID),
		Name:     name,
		MimeType: mimeType,
		Modified: "2024-01-02T03:04:05.000Z",
		Parents:  []string{parent},
		data:     data,
	}
	if mimeType != folderMimeType {
		ff.Size = strconv.Itoa(len(data))
		ff.MD5 = fmt.Sprintf("md5-%d", len(data))
	}
	f.files[ff.ID] = ff
	return ff
}

func (f *fakeDrive) findChild(parent, name string) *fakeFile {
	for _, ff := range f.files {
		if ff.Name == name && len(ff.Parents) > 0 && ff.Parents[0] == parent {
			return ff
		}
	}
	return nil
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		f.refreshes++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"good","token_type":"Bearer","expires_in":3600}`)
		return
	}
	if f.reject > 0 || r.Header.Get("Authorization") != "Bearer good" {
		if f.reject > 0 {
			f.reject--
		}
		f.rejected++
		http.Error(w, `{"error":{"code":401,"message":"Invalid Credentials"}}`, http.StatusUnauthorized)
		return
	}

	path := r.URL.Path
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodGet && path == "/drive/v3/files":
		f.list(w, q)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/drive/v3/files/") && q.Get("alt") == "media":
		ff := f.files[strings.TrimPrefix(path, "/drive/v3/files/")]
		if ff == nil {
			http.Error(w, `{"error":{"code":404,"message":"File not found"}}`, http.StatusNotFound)
			return
		}
		w.Write(ff.data)
	case r.Method == http.MethodPost && path == "/drive/v3/files":
		var meta fakeFile
		_ = json.NewDecoder(r.Body).Decode(&meta)
		writeJSON(w, f.add(meta.Name, meta.Parents[0], meta.MimeType, nil))
	case r.Method == http.MethodPost && path == "/upload/drive/v3/files" && q.Get("uploadType") == "multipart":
		meta, data := readMultipart(r)
		writeJSON(w, f.add(meta.Name, meta.Parents[0], "application/octet-stream", data))
	case r.Method == http.MethodPost && path == "/upload/drive/v3/files" && q.Get("uploadType") == "resumable":
		var meta fakeFile
		_ = json.NewDecoder(r.Body).Decode(&meta)
		total, _ := strconv.ParseInt(r.Header.Get("X-Upload-Content-Length"), 10, 64)
		id := fmt.Sprintf("s%d", len(f.sessions)+1)
		f.sessions[id] = &fakeSession{meta: meta, total: total}
		w.Header().Set("Location", f.srv.URL+"/upload/session/"+id)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && strings.HasPrefix(path, "/upload/session/"):
		f.sessionPut(w, r, f.sessions[strings.TrimPrefix(path, "/upload/session/")])
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/drive/v3/files/"):
		delete(f.files, strings.TrimPrefix(path, "/drive/v3/files/"))
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPatch && strings.HasPrefix(path, "/drive/v3/files/"):
		ff := f.files[strings.TrimPrefix(path, "/drive/v3/files/")]
		var meta fakeFile
		_ = json.NewDecoder(r.Body).Decode(&meta)
		if meta.Name != "" {
			ff.Name = meta.Name
		}
		if add := q.Get("addParents"); add != "" {
			ff.Parents = []string{add}
		}
		writeJSON(w, ff)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/copy"):
		src := f.files[strings.TrimSuffix(strings.TrimPrefix(path, "/drive/v3/files/"), "/copy")]
		var meta fakeFile
		_ = json.NewDecoder(r.Body).Decode(&meta)
		writeJSON(w, f.add(meta.Name, meta.Parents[0], src.MimeType, src.data))
	default:
		http.Error(w, "unexpected "+r.Method+" "+path, http.StatusBadRequest)
	}
}

func (f *fakeDrive) list(w http.ResponseWriter, q map[string][]string) {
	query := q["q"][0]
	var out []*fakeFile
	if m := childQuery.FindStringSubmatch(query); m != nil {
		name := strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[2])
		if ff := f.findChild(m[1], name); ff != nil {
			out = append(out, ff)
		}
		writeJSON(w, map[string]any{"files": out})
		return
	}
	m := listQuery.FindStringSubmatch(query)
	if m == nil {
		http.Error(w, "bad q "+query, http.StatusBadRequest)
		return
	}
	for _, ff := range f.files {
		if ff.Parents[0] == m[1] {
			out = append(out, ff)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		fi, fj := out[i].MimeType == folderMimeType, out[j].MimeType == folderMimeType
		if fi != fj {
			return fi
		}
		return out[i].Name < out[j].Name
	})

	offset := 0
	if tok := q["pageToken"]; len(tok) > 0 {
		offset, _ = strconv.Atoi(tok[0])
	}
	size, _ := strconv.Atoi(q["pageSize"][0])
	end := min(offset+size, len(out))
	resp := map[string]any{"files": out[offset:end]}
	if end < len(out) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

func (f *fakeDrive) sessionPut(w http.ResponseWriter, r *http.Request, s *fakeSession) {
	cr := r.Header.Get("Content-Range")
	f.ranges = append(f.ranges, cr)
	var start, end, total int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); err != nil || start != int64(s.buf.Len()) {
		http.Error(w, "bad range "+cr, http.StatusBadRequest)
		return
	}
	_, _ = io.Copy(&s.buf, r.Body)
	if end+1 < total {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", end))
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}
	writeJSON(w, f.add(s.meta.Name, s.meta.Parents[0], "application/octet-stream", s.buf.Bytes()))
}

func readMultipart(r *http.Request) (fakeFile, []byte) {
	var meta fakeFile
	_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	mr := multipart.NewReader(r.Body, params["boundary"])
	p, _ := mr.NextPart()
	_ = json.NewDecoder(p).Decode(&meta)
	p, _ = mr.NextPart()
	data, _ := io.ReadAll(p)
	return meta, data
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, f *fakeDrive, saving storage.Settings) *Client {
	t.Helper()
	if _, ok := saving[oauth.KeyExpiresAt]; !ok && saving.String(oauth.KeyAccessToken) != "" {
		saving[oauth.KeyExpiresAt] = time.Now().Add(time.Hour).Unix()
	}
	c, err := New(context.Background(), storage.Settings{
		"client_id":     "cid",
		"client_secret": "csecret",
		"refresh_token": "rt",
		"root_path":     "/base",
		"chunk_size":    1,
	}, saving, Options{
		HTTPClient: f.srv.Client(),
		Endpoint:   f.srv.URL + "/drive/v3/",
		UploadURL:  f.srv.URL + "/upload/drive/v3/files",
		TokenURL:   f.srv.URL + "/token",
	})
	require.NoError(t, err)
	return c
}

func seeded(t *testing.T) (*fakeDrive, *Client) {
	f := newFakeDrive(t)
	base := f.add("base", "root", folderMimeType, nil)
	docs := f.add("docs", base.ID, folderMimeType, nil)
	f.add("b.txt", docs.ID, "text/plain", []byte("b"))
	f.add("a.txt", docs.ID, "text/plain", []byte("0123456789"))
	f.add("sub", docs.ID, folderMimeType, nil)
	return f, newTestClient(t, f, storage.Settings{"access_token": "good"})
}

func TestListObjects_OrderAndPaging(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	first, err := c.ListObjects(ctx, "docs/", "/", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Objects, 2)
	assert.Equal(t, "docs/sub/", first.Objects[0].Key)
	assert.True(t, first.Objects[0].IsDirectory)
	assert.Equal(t, "docs/a.txt", first.Objects[1].Key)
	assert.Equal(t, int64(10), first.Objects[1].Size)
	assert.Equal(t, []string{"docs/sub/"}, first.Prefixes)
	require.True(t, first.IsTruncated)

	second, err := c.ListObjects(ctx, "docs/", "/", 2, first.NextContinuationToken)
	require.NoError(t, err)
	require.Len(t, second.Objects, 1)
	assert.Equal(t, "docs/b.txt", second.Objects[0].Key)
	assert.False(t, second.IsTruncated)
	assert.Empty(t, second.NextContinuationToken)

	_, err = c.ListObjects(ctx, "missing/", "/", 2, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHeadAndGet(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	obj, err := c.HeadObject(ctx, "docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "a.txt", obj.Name)
	assert.Equal(t, "md5-10", obj.ETag)

	missing, err := c.HeadObject(ctx, "docs/none.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	stream, err := c.GetObject(ctx, "docs/a.txt")
	require.NoError(t, err)
	defer stream.Body.Close()
	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, int64(10), stream.ContentLength)

	_, err = c.GetSignedURL(ctx, "docs/a.txt", 0)
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}

func TestRefreshOnceOnExpiredToken(t *testing.T) {
	f := newFakeDrive(t)
	f.add("base", "root", folderMimeType, nil)
	c := newTestClient(t, f, storage.Settings{"access_token": "stale"})

	obj, err := c.HeadObject(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, 1, f.refreshes)

	delta := c.TakeDelta()
	require.NotNil(t, delta.Saving)
	assert.Equal(t, "good", delta.Saving.String(oauth.KeyAccessToken))
	assert.Nil(t, delta.Config)
	assert.True(t, c.TakeDelta().Empty())
}

func TestRefreshAheadOfExpiry(t *testing.T) {
	f := newFakeDrive(t)
	f.add("base", "root", folderMimeType, nil)
	c := newTestClient(t, f, storage.Settings{
		oauth.KeyAccessToken: "old",
		oauth.KeyExpiresAt:   time.Now().Add(time.Minute).Unix(),
	})

	obj, err := c.HeadObject(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, 1, f.refreshes)
	assert.Zero(t, f.rejected)

	delta := c.TakeDelta()
	assert.Equal(t, "good", delta.Saving.String(oauth.KeyAccessToken))
	assert.Greater(t, delta.Saving.Int64(oauth.KeyExpiresAt, 0), time.Now().Add(30*time.Minute).Unix())
}

func TestSecondRejectionPropagates(t *testing.T) {
	f := newFakeDrive(t)
	f.add("base", "root", folderMimeType, nil)
	c := newTestClient(t, f, storage.Settings{"access_token": "good"})
	f.reject = 2

	_, err := c.ListObjects(context.Background(), "", "/", 10, "")
	assert.ErrorIs(t, err, storage.ErrAuthExpired)
	assert.Equal(t, 1, f.refreshes)
}

func TestPutSmallAndOverwrite(t *testing.T) {
	f, c := seeded(t)
	ctx := context.Background()

	require.NoError(t, c.PutObject(ctx, "docs/new.txt", []byte("hello"), "text/plain"))
	obj, err := c.HeadObject(ctx, "docs/new.txt")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, int64(5), obj.Size)
	assert.Empty(t, f.ranges)

	err = c.PutObject(ctx, "nowhere/new.txt", []byte("x"), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutLargeUsesResumableSession(t *testing.T) {
	f, c := seeded(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{'z'}, 6*1024*1024+10)
	require.NoError(t, c.PutObject(ctx, "docs/big.bin", data, ""))

	require.Len(t, f.ranges, 7)
	assert.Equal(t, "bytes 0-1048575/6291466", f.ranges[0])
	assert.Equal(t, "bytes 6291456-6291465/6291466", f.ranges[6])

	stream, err := c.GetObject(ctx, "docs/big.bin")
	require.NoError(t, err)
	defer stream.Body.Close()
	got, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, len(data), len(got))
}

func TestSessionTokenBoundToKey(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	tok, err := c.InitiateMultipartUpload(ctx, "docs/s.bin", "", storage.MultipartOptions{Size: 3, ChunkSize: chunkAlignment})
	require.NoError(t, err)

	_, err = c.UploadPart(ctx, "docs/other.bin", tok, 1, []byte("abc"))
	assert.ErrorIs(t, err, token.ErrDecode)

	tag, err := c.UploadPart(ctx, "docs/s.bin", tok, 1, []byte("abc"))
	require.NoError(t, err)
	assert.NotEmpty(t, tag)
	require.NoError(t, c.CompleteMultipartUpload(ctx, "docs/s.bin", tok, nil))
	require.NoError(t, c.AbortMultipartUpload(ctx, "docs/s.bin", tok))
	assert.Equal(t, storage.MultipartSession, c.MultipartSupport())
}

func TestFolderAndTreeOps(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	require.NoError(t, c.CreateFolder(ctx, "x/y"))
	dir, err := c.HeadObject(ctx, "x/y/")
	require.NoError(t, err)
	require.NotNil(t, dir)
	assert.True(t, dir.IsDirectory)
	require.NoError(t, c.CreateFolder(ctx, "x/y"))

	require.NoError(t, c.CopyObject(ctx, "docs/a.txt", "x/copy.txt"))
	require.NoError(t, c.MoveObject(ctx, "x/copy.txt", "x/y/moved.txt"))
	require.NoError(t, c.RenameObject(ctx, "x/y/moved.txt", "renamed.txt"))
	require.NoError(t, c.DeleteObject(ctx, "docs/b.txt"))

	for key, want := range map[string]bool{
		"docs/a.txt": true, "x/copy.txt": false, "x/y/moved.txt": false,
		"x/y/renamed.txt": true, "docs/b.txt": false,
	} {
		obj, err := c.HeadObject(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, obj != nil, key)
	}

	assert.ErrorIs(t, c.CopyObject(ctx, "docs", "x/docs"), storage.ErrUnsupported)
	assert.ErrorIs(t, c.DeleteObject(ctx, "docs/b.txt"), storage.ErrNotFound)
}

package baidu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clouddav/internal/digest"
	"clouddav/internal/remote/oauth"
	"clouddav/internal/storage"
)

type bdEntry struct {
	fsID  int64
	isDir bool
	data  []byte
}

type bdUpload struct {
	path   string
	slices map[int][]byte
}

// fakeBaidu serves the xpan endpoints used by the adapter from one host.
type fakeBaidu struct {
	mu        sync.Mutex
	srv       *httptest.Server
	entries   map[string]*bdEntry
	uploads   map[string]*bdUpload
	known     map[string]bool // content md5s eligible for rapid upload
	nextID    int64
	vipType   int
	expire    int // next n API calls answer errno 111
	refreshes int
	uinfos    int
	sliceSeqs []int
	blockList []string
}

func newFakeBaidu(t *testing.T) *fakeBaidu {
	t.Helper()
	f := &fakeBaidu{entries: map[string]*bdEntry{}, uploads: map[string]*bdUpload{}, known: map[string]bool{}}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBaidu) put(path string, isDir bool, data []byte) {
	f.nextID++
	f.entries[path] = &bdEntry{fsID: f.nextID, isDir: isDir, data: data}
}

func dirOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (f *fakeBaidu) entryJSON(p string) map[string]any {
	e := f.entries[p]
	isDir := 0
	if e.isDir {
		isDir = 1
	}
	return map[string]any{
		"fs_id":           e.fsID,
		"path":            p,
		"server_filename": p[strings.LastIndex(p, "/")+1:],
		"size":            len(e.data),
		"isdir":           isDir,
		"server_mtime":    1704164645,
		"md5":             fmt.Sprintf("md5-%d", e.fsID),
	}
}

func reply(w http.ResponseWriter, v map[string]any) {
	if _, ok := v["errno"]; !ok {
		v["errno"] = 0
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeBaidu) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	if r.URL.Path == "/token" {
		f.refreshes++
		reply(w, map[string]any{"access_token": "good", "refresh_token": "rt", "expires_in": 2592000})
		return
	}
	if f.expire > 0 || q.Get("access_token") != "good" {
		if f.expire > 0 {
			f.expire--
		}
		reply(w, map[string]any{"errno": 111, "errmsg": "access token invalid or no longer valid"})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/file/") {
		if r.UserAgent() != downloadUserAgent {
			http.Error(w, "bad agent", http.StatusForbidden)
			return
		}
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/file/"), 10, 64)
		for _, e := range f.entries {
			if e.fsID == id {
				w.Write(e.data)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	_ = r.ParseForm()
	switch r.URL.Path + "?" + q.Get("method") {
	case "/rest/2.0/xpan/nas?uinfo":
		f.uinfos++
		reply(w, map[string]any{"vip_type": f.vipType})
	case "/rest/2.0/xpan/file?list":
		f.list(w, q)
	case "/rest/2.0/xpan/multimedia?filemetas":
		var ids []int64
		_ = json.Unmarshal([]byte(q.Get("fsids")), &ids)
		reply(w, map[string]any{"list": []map[string]any{{"dlink": fmt.Sprintf("%s/file/%d?sign=abc", f.srv.URL, ids[0])}}})
	case "/rest/2.0/xpan/file?filemanager":
		f.filemanager(w, q.Get("opera"), r.PostForm.Get("filelist"))
	case "/rest/2.0/xpan/file?precreate":
		if f.known[r.PostForm.Get("content-md5")] {
			reply(w, map[string]any{"return_type": 2})
			return
		}
		var blocks []string
		_ = json.Unmarshal([]byte(r.PostForm.Get("block_list")), &blocks)
		f.blockList = blocks
		id := fmt.Sprintf("up%d", len(f.uploads)+1)
		f.uploads[id] = &bdUpload{path: r.PostForm.Get("path"), slices: map[int][]byte{}}
		seqs := make([]int, len(blocks))
		for i := range seqs {
			seqs[i] = i
		}
		reply(w, map[string]any{"return_type": 1, "uploadid": id, "block_list": seqs})
	case "/rest/2.0/pcs/superfile2?upload":
		u := f.uploads[q.Get("uploadid")]
		seq, _ := strconv.Atoi(q.Get("partseq"))
		file, _, err := r.FormFile("file")
		if u == nil || err != nil {
			http.Error(w, "bad slice", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		u.slices[seq] = data
		f.sliceSeqs = append(f.sliceSeqs, seq)
		reply(w, map[string]any{"md5": digest.MD5Hex(data)})
	case "/rest/2.0/xpan/file?create":
		path := r.PostForm.Get("path")
		if r.PostForm.Get("isdir") == "1" {
			if f.entries[path] != nil {
				reply(w, map[string]any{"errno": -8})
				return
			}
			for p := path; p != "/"; p = dirOf(p) {
				if f.entries[p] == nil {
					f.put(p, true, nil)
				}
			}
			reply(w, map[string]any{"path": path})
			return
		}
		u := f.uploads[r.PostForm.Get("uploadid")]
		var buf bytes.Buffer
		for i := 0; i < len(u.slices); i++ {
			buf.Write(u.slices[i])
		}
		f.put(path, false, buf.Bytes())
		reply(w, map[string]any{"path": path})
	default:
		http.Error(w, "unexpected "+r.URL.String(), http.StatusBadRequest)
	}
}

func (f *fakeBaidu) list(w http.ResponseWriter, q map[string][]string) {
	dir := q["dir"][0]
	if dir != "/" && (f.entries[dir] == nil || !f.entries[dir].isDir) {
		reply(w, map[string]any{"errno": -9})
		return
	}
	var paths []string
	for p := range f.entries {
		if dirOf(p) == dir {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	start, _ := strconv.Atoi(q["start"][0])
	limit, _ := strconv.Atoi(q["limit"][0])
	start = min(start, len(paths))
	end := min(start+limit, len(paths))
	list := []map[string]any{}
	for _, p := range paths[start:end] {
		list = append(list, f.entryJSON(p))
	}
	reply(w, map[string]any{"list": list})
}

func (f *fakeBaidu) filemanager(w http.ResponseWriter, opera, filelist string) {
	if opera == "delete" {
		var paths []string
		_ = json.Unmarshal([]byte(filelist), &paths)
		for _, p := range paths {
			for k := range f.entries {
				if k == p || strings.HasPrefix(k, p+"/") {
					delete(f.entries, k)
				}
			}
		}
		reply(w, map[string]any{})
		return
	}
	var moves []move
	_ = json.Unmarshal([]byte(filelist), &moves)
	for _, m := range moves {
		src := f.entries[m.Path]
		if src == nil {
			reply(w, map[string]any{"errno": 12})
			return
		}
		dest := m.Dest
		if opera == "rename" {
			dest = dirOf(m.Path)
		}
		target := strings.TrimSuffix(dest, "/") + "/" + m.NewName
		f.put(target, src.isDir, src.data)
		if opera != "copy" {
			delete(f.entries, m.Path)
		}
	}
	reply(w, map[string]any{})
}

func newTestClient(f *fakeBaidu, config, saving storage.Settings) *Client {
	cfg := storage.Settings{
		"client_id":     "cid",
		"client_secret": "csecret",
		"refresh_token": "rt",
		"root_path":     "/base",
	}
	for k, v := range config {
		cfg[k] = v
	}
	return New(cfg, saving, Options{
		HTTPClient: f.srv.Client(),
		BaseURL:    f.srv.URL,
		UploadURL:  f.srv.URL,
		TokenURL:   f.srv.URL + "/token",
	})
}

func freshSaving() storage.Settings {
	return storage.Settings{
		oauth.KeyAccessToken: "good",
		oauth.KeyExpiresAt:   time.Now().Add(24 * time.Hour).Unix(),
	}
}

func seeded(t *testing.T) (*fakeBaidu, *Client) {
	f := newFakeBaidu(t)
	f.put("/base", true, nil)
	f.put("/base/docs", true, nil)
	f.put("/base/docs/b.txt", false, []byte("b"))
	f.put("/base/docs/a.txt", false, []byte("0123456789"))
	f.put("/base/docs/sub", true, nil)
	return f, newTestClient(f, nil, freshSaving())
}

func TestListObjects_Paging(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	first, err := c.ListObjects(ctx, "docs/", "/", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Objects, 2)
	assert.Equal(t, "docs/a.txt", first.Objects[0].Key)
	assert.Equal(t, int64(10), first.Objects[0].Size)
	require.True(t, first.IsTruncated)

	second, err := c.ListObjects(ctx, "docs/", "/", 2, first.NextContinuationToken)
	require.NoError(t, err)
	require.Len(t, second.Objects, 1)
	assert.Equal(t, "docs/sub/", second.Objects[0].Key)
	assert.False(t, second.IsTruncated)
	assert.Empty(t, second.NextContinuationToken)

	_, err = c.ListObjects(ctx, "missing/", "/", 2, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHeadAndDownload(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	obj, err := c.HeadObject(ctx, "docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "2024-01-02T03:04:05Z", obj.LastModified)

	missing, err := c.HeadObject(ctx, "docs/zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)

	stream, err := c.GetObject(ctx, "docs/a.txt")
	require.NoError(t, err)
	defer stream.Body.Close()
	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))

	_, err = c.GetSignedURL(ctx, "docs/a.txt", time.Minute)
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}

func TestErrnoExpiryRefreshesOnce(t *testing.T) {
	f, c := seeded(t)
	f.expire = 1

	_, err := c.HeadObject(context.Background(), "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, f.refreshes)

	f.expire = 2
	_, err = c.ListObjects(context.Background(), "docs/", "/", 10, "")
	assert.ErrorIs(t, err, storage.ErrAuthExpired)
	assert.Equal(t, 2, f.refreshes)
}

func TestExpiringTokenRefreshedUpFront(t *testing.T) {
	f := newFakeBaidu(t)
	f.put("/base", true, nil)
	c := newTestClient(f, nil, storage.Settings{
		oauth.KeyAccessToken: "good",
		oauth.KeyExpiresAt:   time.Now().Add(time.Minute).Unix(),
	})

	_, err := c.ListObjects(context.Background(), "", "/", 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.refreshes)

	delta := c.TakeDelta()
	require.NotNil(t, delta.Saving)
	assert.Greater(t, delta.Saving.Int64(oauth.KeyExpiresAt, 0), time.Now().Add(time.Hour).Unix())
}

func TestPutObject_SlicesByVIPType(t *testing.T) {
	tests := []struct {
		name   string
		vip    int
		config storage.Settings
		slices int
	}{
		{name: "regular", vip: 0, slices: 13},
		{name: "member", vip: 1, slices: 4},
		{name: "super", vip: 2, slices: 2},
		{name: "override capped", vip: 0, config: storage.Settings{"chunk_size": 64}, slices: 2},
	}
	data := bytes.Repeat([]byte("0123456789abcdef"), 50*1024*1024/16)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBaidu(t)
			f.put("/base", true, nil)
			f.vipType = tt.vip
			c := newTestClient(f, tt.config, freshSaving())

			require.NoError(t, c.PutObject(context.Background(), "big.bin", data, ""))

			require.Len(t, f.sliceSeqs, tt.slices)
			for i, seq := range f.sliceSeqs {
				assert.Equal(t, i, seq)
			}
			assert.Len(t, f.blockList, tt.slices)
			assert.Equal(t, len(data), len(f.entries["/base/big.bin"].data))
			assert.True(t, bytes.Equal(data, f.entries["/base/big.bin"].data))
		})
	}
}

func TestPutObject_VIPTypeFromConfig(t *testing.T) {
	tests := []struct {
		name   string
		vip    any
		slices int
	}{
		{name: "svip name", vip: "svip", slices: 2},
		{name: "vip name", vip: "VIP", slices: 4},
		{name: "empty name", vip: "", slices: 13},
		{name: "numeric string", vip: "2", slices: 2},
		{name: "number", vip: 1, slices: 4},
	}
	data := bytes.Repeat([]byte("0123456789abcdef"), 50*1024*1024/16)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBaidu(t)
			f.put("/base", true, nil)
			c := newTestClient(f, storage.Settings{"vip_type": tt.vip}, freshSaving())

			require.NoError(t, c.PutObject(context.Background(), "big.bin", data, ""))
			assert.Len(t, f.sliceSeqs, tt.slices)
			assert.Zero(t, f.uinfos)
		})
	}
}

func TestParseVIPType(t *testing.T) {
	_, ok := parseVIPType(storage.Settings{})
	assert.False(t, ok)
	_, ok = parseVIPType(storage.Settings{"vip_type": nil})
	assert.False(t, ok)
	_, ok = parseVIPType(storage.Settings{"vip_type": "gold"})
	assert.False(t, ok)

	v, ok := parseVIPType(storage.Settings{"vip_type": " SVIP "})
	assert.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestPutObject_VIPTypeCached(t *testing.T) {
	f := newFakeBaidu(t)
	f.put("/base", true, nil)
	f.vipType = 1
	c := newTestClient(f, nil, freshSaving())
	ctx := context.Background()

	require.NoError(t, c.PutObject(ctx, "a.txt", []byte("a"), ""))
	require.NoError(t, c.PutObject(ctx, "b.txt", []byte("b"), ""))
	assert.Equal(t, 1, f.uinfos)
	assert.Equal(t, "1", c.TakeDelta().Saving.String(keyVIPType))
}

func TestPutObject_RapidUploadAndMissingParent(t *testing.T) {
	f := newFakeBaidu(t)
	f.put("/base", true, nil)
	c := newTestClient(f, storage.Settings{"vip_type": 0}, freshSaving())
	ctx := context.Background()

	f.known[digest.MD5Hex([]byte("dup"))] = true
	require.NoError(t, c.PutObject(ctx, "dup.txt", []byte("dup"), ""))
	assert.Empty(t, f.sliceSeqs)

	err := c.PutObject(ctx, "nowhere/x.txt", []byte("x"), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTreeOps(t *testing.T) {
	f, c := seeded(t)
	ctx := context.Background()

	require.NoError(t, c.CreateFolder(ctx, "x/y"))
	require.NoError(t, c.CreateFolder(ctx, "x/y"))
	require.NoError(t, c.CopyObject(ctx, "docs/a.txt", "x/copy.txt"))
	require.NoError(t, c.MoveObject(ctx, "x/copy.txt", "x/y/moved.txt"))
	require.NoError(t, c.RenameObject(ctx, "x/y/moved.txt", "renamed.txt"))
	require.NoError(t, c.DeleteObject(ctx, "docs"))

	for p, want := range map[string]bool{
		"/base/x/y": true, "/base/x/copy.txt": false, "/base/x/y/renamed.txt": true, "/base/docs/a.txt": false,
	} {
		assert.Equal(t, want, f.entries[p] != nil, p)
	}
	assert.ErrorIs(t, c.DeleteObject(ctx, "docs"), storage.ErrNotFound)
	assert.ErrorIs(t, c.CopyObject(ctx, "nope", "x/nope"), storage.ErrProtocol)
}

func TestMultipartUnsupported(t *testing.T) {
	c := New(storage.Settings{}, nil, Options{})
	ctx := context.Background()

	assert.Equal(t, storage.MultipartUnsupported, c.MultipartSupport())
	_, err := c.InitiateMultipartUpload(ctx, "k", "", storage.MultipartOptions{})
	assert.ErrorIs(t, err, storage.ErrUnsupported)
	assert.ErrorIs(t, c.AbortMultipartUpload(ctx, "k", "t"), storage.ErrUnsupported)
}

// Package storagetest provides an in-memory StorageClient that records every
// call, for tests of code built on top of the storage contract.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"clouddav/internal/pathutil"
	"clouddav/internal/storage"
	"clouddav/internal/token"
)

const provider = "memory"

// Call is one recorded invocation.
type Call struct {
	Op   string
	Key  string
	Part int
}

type object struct {
	data        []byte
	contentType string
	modified    time.Time
	dir         bool
}

type upload struct {
	key         string
	contentType string
	parts       map[int][]byte
}

// MemoryClient is a thread-safe storage.StorageClient backed by a map.
type MemoryClient struct {
	// ChunkSize makes PutObject split payloads larger than it through
	// storage.UploadChunked, the way the session-based adapters do.
	ChunkSize int64
	// Support is returned by MultipartSupport; the zero value means full.
	Support storage.MultipartSupport
	// NoMove makes MoveObject fail with ErrUnsupported.
	NoMove bool

	mu      sync.Mutex
	objects map[string]*object
	uploads map[string]*upload
	calls   []Call
	fail    map[string]error
	pending storage.StateDelta
	seq     int
	now     func() time.Time
}

// NewMemoryClient returns an empty client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects: make(map[string]*object),
		uploads: make(map[string]*upload),
		fail:    make(map[string]error),
		now:     func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

var _ storage.StorageClient = (*MemoryClient)(nil)

// Put stores data at key without recording a call.
func (m *MemoryClient) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[clean(key)] = &object{data: slices.Clone(data), modified: m.now()}
}

// Mkdir creates an explicit directory without recording a call.
func (m *MemoryClient) Mkdir(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[dirKey(key)] = &object{dir: true, modified: m.now()}
}

// Data returns the stored bytes for key.
func (m *MemoryClient) Data(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[clean(key)]
	if !ok || o.dir {
		return nil, false
	}
	return slices.Clone(o.data), true
}

// FailOn makes the next call to op return err.
func (m *MemoryClient) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// QueueDelta makes the next TakeDelta return d.
func (m *MemoryClient) QueueDelta(d storage.StateDelta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = d
}

// Calls returns a copy of the recorded calls.
func (m *MemoryClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallsTo returns the recorded calls for op.
func (m *MemoryClient) CallsTo(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// record must be called with mu held.
func (m *MemoryClient) record(op, key string, part int) error {
	m.calls = append(m.calls, Call{Op: op, Key: key, Part: part})
	if err, ok := m.fail[op]; ok {
		delete(m.fail, op)
		return err
	}
	return nil
}

func (m *MemoryClient) ListObjects(_ context.Context, prefix, delimiter string, maxKeys int, continuationToken string) (*storage.ListObjectsResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListObjects", prefix, 0); err != nil {
		return nil, err
	}

	offset := 0
	if continuationToken != "" {
		state, err := token.Decode(continuationToken)
		if err != nil {
			return nil, err
		}
		offset = storage.Settings(state).Int("offset", 0)
	}

	base := pathutil.EnsureTrailingSlash(pathutil.Trim(prefix))
	entries := make(map[string]storage.DriveObject)
	for k, o := range m.objects {
		if !strings.HasPrefix(k, base) || k == base {
			continue
		}
		rest := k[len(base):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				dk := base + rest[:i+1]
				entries[dk] = storage.Directory(dk, "")
				continue
			}
		}
		if o.dir {
			entries[k] = storage.Directory(k, storage.FormatTime(o.modified))
		} else {
			entries[k] = storage.File(k, int64(len(o.data)), storage.FormatTime(o.modified), etag(o))
		}
	}

	all := slices.Collect(maps.Values(entries))
	storage.SortObjects(all)

	if maxKeys <= 0 {
		maxKeys = 1000
	}
	offset = min(offset, len(all))
	end := min(offset+maxKeys, len(all))

	next := ""
	if end < len(all) {
		tok, err := token.Encode(map[string]any{"offset": end})
		if err != nil {
			return nil, err
		}
		next = tok
	}
	return storage.NewListResult(all[offset:end], next != "", next), nil
}

func (m *MemoryClient) GetObject(_ context.Context, key string) (*storage.ObjectStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetObject", key, 0); err != nil {
		return nil, err
	}
	o, ok := m.objects[clean(key)]
	if !ok || o.dir {
		return nil, storage.NotFound(provider, key)
	}
	return &storage.ObjectStream{
		Body:          io.NopCloser(bytes.NewReader(slices.Clone(o.data))),
		ContentType:   o.contentType,
		ContentLength: int64(len(o.data)),
		ETag:          etag(o),
		LastModified:  storage.FormatTime(o.modified),
	}, nil
}

func (m *MemoryClient) GetSignedURL(_ context.Context, key string, expiresIn time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetSignedURL", key, 0); err != nil {
		return "", err
	}
	if _, ok := m.objects[clean(key)]; !ok {
		return "", storage.NotFound(provider, key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", clean(key), int(expiresIn.Seconds())), nil
}

func (m *MemoryClient) HeadObject(_ context.Context, key string) (*storage.DriveObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("HeadObject", key, 0); err != nil {
		return nil, err
	}
	return m.head(key), nil
}

// head must be called with mu held.
func (m *MemoryClient) head(key string) *storage.DriveObject {
	k := pathutil.Trim(key)
	if k == "" {
		d := storage.Directory("", "")
		return &d
	}
	if o, ok := m.objects[k]; ok && !o.dir && !strings.HasSuffix(key, "/") {
		f := storage.File(k, int64(len(o.data)), storage.FormatTime(o.modified), etag(o))
		return &f
	}
	dk := k + "/"
	for existing := range m.objects {
		if strings.HasPrefix(existing, dk) {
			d := storage.Directory(dk, "")
			if o, ok := m.objects[dk]; ok {
				d.LastModified = storage.FormatTime(o.modified)
			}
			return &d
		}
	}
	return nil
}

func (m *MemoryClient) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	if err := m.record("PutObject", key, 0); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.ChunkSize > 0 && int64(len(data)) > m.ChunkSize {
		m.mu.Unlock()
		return storage.UploadChunked(ctx, m, key, data, contentType, m.ChunkSize)
	}
	defer m.mu.Unlock()
	m.objects[clean(key)] = &object{data: slices.Clone(data), contentType: contentType, modified: m.now()}
	return nil
}

func (m *MemoryClient) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteObject", key, 0); err != nil {
		return err
	}
	return m.remove(key)
}

// remove must be called with mu held.
func (m *MemoryClient) remove(key string) error {
	k := pathutil.Trim(key)
	removed := false
	if o, ok := m.objects[k]; ok && !o.dir {
		delete(m.objects, k)
		removed = true
	}
	dk := k + "/"
	for existing := range m.objects {
		if strings.HasPrefix(existing, dk) {
			delete(m.objects, existing)
			removed = true
		}
	}
	if !removed {
		return storage.NotFound(provider, key)
	}
	return nil
}

func (m *MemoryClient) CreateFolder(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateFolder", path, 0); err != nil {
		return err
	}
	m.objects[dirKey(path)] = &object{dir: true, modified: m.now()}
	return nil
}

func (m *MemoryClient) CopyObject(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CopyObject", src, 0); err != nil {
		return err
	}
	return m.copy(src, dst)
}

// copy must be called with mu held.
func (m *MemoryClient) copy(src, dst string) error {
	s, d := pathutil.Trim(src), pathutil.Trim(dst)
	if o, ok := m.objects[s]; ok && !o.dir {
		c := *o
		c.data = slices.Clone(o.data)
		m.objects[d] = &c
		return nil
	}
	copied := false
	for existing, o := range maps.Clone(m.objects) {
		if rest, ok := strings.CutPrefix(existing, s+"/"); ok {
			c := *o
			m.objects[d+"/"+rest] = &c
			copied = true
		}
	}
	if !copied {
		return storage.NotFound(provider, src)
	}
	return nil
}

func (m *MemoryClient) RenameObject(_ context.Context, path, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RenameObject", path, 0); err != nil {
		return err
	}
	parent, _ := pathutil.Split(path)
	return m.move(path, pathutil.Join(parent, newName))
}

func (m *MemoryClient) MoveObject(_ context.Context, path, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("MoveObject", path, 0); err != nil {
		return err
	}
	if m.NoMove {
		return storage.Unsupported(provider, "move")
	}
	return m.move(path, destPath)
}

// move must be called with mu held.
func (m *MemoryClient) move(src, dst string) error {
	if err := m.copy(src, dst); err != nil {
		return err
	}
	return m.remove(src)
}

func (m *MemoryClient) InitiateMultipartUpload(_ context.Context, key, contentType string, opts storage.MultipartOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("InitiateMultipartUpload", key, 0); err != nil {
		return "", err
	}
	m.seq++
	id := "upload-" + strconv.Itoa(m.seq)
	m.uploads[id] = &upload{key: clean(key), contentType: contentType, parts: make(map[int][]byte)}
	return token.Encode(map[string]any{"upload_id": id, "size": opts.Size})
}

func (m *MemoryClient) UploadPart(_ context.Context, key, tok string, partNumber int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UploadPart", key, partNumber); err != nil {
		return "", err
	}
	u, err := m.lookup(tok)
	if err != nil {
		return "", err
	}
	u.parts[partNumber] = slices.Clone(data)
	return fmt.Sprintf("part-%d", partNumber), nil
}

func (m *MemoryClient) CompleteMultipartUpload(_ context.Context, key, tok string, parts []storage.CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CompleteMultipartUpload", key, 0); err != nil {
		return err
	}
	u, err := m.lookup(tok)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := u.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("%s: complete: part %d never uploaded", provider, p.PartNumber)
		}
		buf.Write(data)
	}
	m.objects[u.key] = &object{data: buf.Bytes(), contentType: u.contentType, modified: m.now()}
	delete(m.uploads, storage.Settings(mustDecode(tok)).String("upload_id"))
	return nil
}

func (m *MemoryClient) AbortMultipartUpload(_ context.Context, key, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("AbortMultipartUpload", key, 0); err != nil {
		return err
	}
	if _, err := m.lookup(tok); err != nil {
		return err
	}
	delete(m.uploads, storage.Settings(mustDecode(tok)).String("upload_id"))
	return nil
}

func (m *MemoryClient) lookup(tok string) (*upload, error) {
	state, err := token.Decode(tok)
	if err != nil {
		return nil, err
	}
	u, ok := m.uploads[storage.Settings(state).String("upload_id")]
	if !ok {
		return nil, storage.NotFound(provider, "upload session")
	}
	return u, nil
}

func (m *MemoryClient) MultipartSupport() storage.MultipartSupport {
	if m.Support == storage.MultipartUnsupported {
		return storage.MultipartFull
	}
	return m.Support
}

func (m *MemoryClient) TakeDelta() storage.StateDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.pending
	m.pending = storage.StateDelta{}
	return d
}

func mustDecode(tok string) map[string]any {
	state, _ := token.Decode(tok)
	return state
}

func clean(key string) string {
	return pathutil.Trim(key)
}

func dirKey(key string) string {
	return pathutil.EnsureTrailingSlash(pathutil.Trim(key))
}

func etag(o *object) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x-%d", len(o.data), o.modified.Unix()))
}

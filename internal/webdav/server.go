// Package webdav exposes every configured backend over WebDAV under
// /{prefix}/{backendID}/{path...}.
package webdav

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clouddav/internal/storage"
	"clouddav/internal/store"
)

// ClientFactory builds the adapter for one backend record.
type ClientFactory func(ctx context.Context, b store.Backend) (storage.StorageClient, error)

// Options configures a Server.
type Options struct {
	// Prefix is the URL path the bridge is mounted at, e.g. "/dav".
	Prefix   string
	AuthUser string
	AuthPass string
	// MaxUploadSize bounds PUT bodies; <= 0 means 1 GiB.
	MaxUploadSize int64
	Logger        *slog.Logger
}

// Server is the WebDAV bridge handler.
type Server struct {
	store      store.Store
	newClient  ClientFactory
	prefix     string
	authUser   string
	authPass   string
	authEnable bool
	maxUpload  int64
	logger     *slog.Logger
}

// NewServer 创建 WebDAV 服务；用户名或密码为空时不做认证
func NewServer(st store.Store, factory ClientFactory, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = 1 << 30
	}
	s := &Server{
		store:      st,
		newClient:  factory,
		prefix:     "/" + strings.Trim(opts.Prefix, "/"),
		authUser:   opts.AuthUser,
		authPass:   opts.AuthPass,
		authEnable: opts.AuthUser != "" && opts.AuthPass != "",
		maxUpload:  maxUpload,
		logger:     logger,
	}
	if s.prefix == "/" {
		s.prefix = ""
	}
	if !s.authEnable {
		logger.Warn("webdav authentication is disabled")
	}
	return s
}

// Prefix returns the mount path without a trailing slash.
func (s *Server) Prefix() string {
	return s.prefix
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.NewString()
	logger := s.logger.With(
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	w.Header().Set("X-Request-Id", reqID)
	r = r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger))

	// Wrap response writer to capture status code
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		logger.Info("request",
			slog.Int("status", sw.status),
			slog.Int64("bytes", sw.written),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	user, pass, ok := r.BasicAuth()
	if !s.authenticate(user, pass, ok) {
		logger.Warn("authentication failed", slog.String("user", user))
		sw.Header().Set("WWW-Authenticate", `Basic realm="clouddav"`)
		http.Error(sw, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method == http.MethodOptions {
		writeOptions(sw)
		return
	}

	id, key, ok := s.route(r.URL.Path)
	if !ok {
		http.NotFound(sw, r)
		return
	}
	if id == 0 {
		s.serveBackendList(sw, r)
		return
	}
	s.serveBackend(sw, r, id, key)
}

type loggerKey struct{}

func (s *Server) requestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

func (s *Server) authenticate(user, pass string, ok bool) bool {
	if !s.authEnable {
		return true
	}
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.authUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.authPass)) == 1
	return userOK && passOK
}

func writeOptions(w http.ResponseWriter) {
	h := w.Header()
	h.Set("DAV", "1")
	h.Set("MS-Author-Via", "DAV")
	h.Set("Allow", "OPTIONS, PROPFIND, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE")
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// route splits a request path into the backend id and the backend-relative
// key. The key keeps a trailing slash; the prefix itself maps to backend 0.
func (s *Server) route(p string) (int, string, bool) {
	if p != s.prefix && !strings.HasPrefix(p, s.prefix+"/") {
		return 0, "", false
	}
	rest := strings.TrimLeft(strings.TrimPrefix(p, s.prefix), "/")
	if rest == "" {
		return 0, "", true
	}
	idPart, key, _ := strings.Cut(rest, "/")
	id, err := strconv.Atoi(idPart)
	if err != nil || id < 0 {
		return 0, "", false
	}
	return id, key, true
}

// href builds the escaped URL path of key inside backend id.
func (s *Server) href(id int, key string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	b.WriteString("/")
	b.WriteString(strconv.Itoa(id))
	b.WriteString("/")
	b.WriteString(escapePath(key))
	return b.String()
}

func (s *Server) serveBackend(w http.ResponseWriter, r *http.Request, id int, key string) {
	ctx := r.Context()
	logger := s.requestLogger(ctx).With(slog.Int("backend", id))

	b, err := s.store.GetBackend(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.Error("failed to load backend", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !b.Enabled {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	client, err := s.newClient(ctx, *b)
	if err != nil {
		logger.Error("failed to create storage client", slog.String("type", b.Type), slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer s.persist(context.WithoutCancel(ctx), id, client, logger)

	h := &handler{
		srv:    s,
		id:     id,
		name:   b.Name,
		client: client,
		logger: logger,
	}
	h.serve(w, r, key)
}

// persist writes the adapter's accumulated config/saving changes back to the
// store. Failures are logged and never change the response.
func (s *Server) persist(ctx context.Context, id int, c storage.StorageClient, logger *slog.Logger) {
	delta := c.TakeDelta()
	if delta.Empty() {
		return
	}
	if err := s.store.UpdateBackend(ctx, id, store.PatchFromDelta(delta)); err != nil {
		logger.Error("failed to persist backend state", slog.Any("error", err))
		return
	}
	logger.Debug("persisted backend state",
		slog.Bool("config", delta.Config != nil),
		slog.Bool("saving", delta.Saving != nil),
	)
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.written += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package webdav

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"clouddav/internal/pathutil"
	"clouddav/internal/storage"
)

const maxListPages = 10000

// handler serves one request against one backend's adapter.
type handler struct {
	srv    *Server
	id     int
	name   string
	client storage.StorageClient
	logger *slog.Logger
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case "PROPFIND":
		h.propfind(w, r, key)
	case http.MethodGet, http.MethodHead:
		h.get(w, r, key)
	case http.MethodPut:
		h.put(w, r, key)
	case http.MethodDelete:
		h.delete(w, r, key)
	case "MKCOL":
		h.mkcol(w, r, key)
	case "COPY", "MOVE":
		h.copyMove(w, r, key)
	default:
		w.Header().Set("Allow", "OPTIONS, PROPFIND, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// fail maps adapter errors: not found is 404, anything else a generic 500.
func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	h.logger.Error(op+" failed", slog.Any("error", err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (h *handler) displayName() string {
	if h.name != "" {
		return h.name
	}
	return strconv.Itoa(h.id)
}

// listAll follows continuation tokens until the listing is exhausted.
func (h *handler) listAll(ctx context.Context, prefix string) ([]storage.DriveObject, error) {
	var out []storage.DriveObject
	token := ""
	for range maxListPages {
		page, err := h.client.ListObjects(ctx, prefix, "/", 0, token)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.IsTruncated || page.NextContinuationToken == "" || page.NextContinuationToken == token {
			return out, nil
		}
		token = page.NextContinuationToken
	}
	h.logger.Warn("listing truncated", slog.String("prefix", prefix), slog.Int("pages", maxListPages))
	return out, nil
}

func (h *handler) propfind(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	dir := ""
	var self response

	if k := pathutil.Trim(key); k == "" {
		self = collectionResponse(h.srv.href(h.id, ""), h.displayName(), "")
	} else {
		obj, err := h.client.HeadObject(ctx, k)
		if err != nil {
			h.fail(w, "head", err)
			return
		}
		if obj == nil {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if !obj.IsDirectory {
			if err := writeMultistatus(w, []response{objectResponse(h.srv.href(h.id, k), *obj)}); err != nil {
				h.logger.Warn("failed to write multistatus", slog.Any("error", err))
			}
			return
		}
		dir = k + "/"
		self = collectionResponse(h.srv.href(h.id, dir), obj.Name, obj.LastModified)
	}

	responses := []response{self}
	// Depth: infinity is served as 1.
	if r.Header.Get("Depth") != "0" {
		objs, err := h.listAll(ctx, dir)
		if err != nil {
			h.fail(w, "list", err)
			return
		}
		for _, o := range objs {
			responses = append(responses, objectResponse(h.srv.href(h.id, o.Key), o))
		}
	}
	if err := writeMultistatus(w, responses); err != nil {
		h.logger.Warn("failed to write multistatus", slog.Any("error", err))
	}
}

func (h *handler) get(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	if pathutil.IsDirKey(key) {
		h.index(w, r, key)
		return
	}

	stream, err := h.client.GetObject(ctx, key)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	defer stream.Body.Close()

	hdr := w.Header()
	ct := stream.ContentType
	if ct == "" {
		ct = contentType(key)
	}
	hdr.Set("Content-Type", ct)
	if stream.ContentLength > 0 {
		hdr.Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}
	if stream.ETag != "" {
		hdr.Set("ETag", stream.ETag)
	}
	if lm := httpTime(stream.LastModified); lm != "" {
		hdr.Set("Last-Modified", lm)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, stream.Body); err != nil {
		h.logger.Warn("stream interrupted", slog.Any("error", err))
	}
}

func (h *handler) index(w http.ResponseWriter, r *http.Request, key string) {
	dir := pathutil.EnsureTrailingSlash(pathutil.Trim(key))
	objs, err := h.listAll(r.Context(), dir)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := renderIndex(w, h.srv.href(h.id, dir), h.displayName()+"/"+dir, dir != "", objs, func(o storage.DriveObject) string {
		return h.srv.href(h.id, o.Key)
	}); err != nil {
		h.logger.Warn("failed to render index", slog.Any("error", err))
	}
}

func (h *handler) put(w http.ResponseWriter, r *http.Request, key string) {
	if pathutil.IsDirKey(key) {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength > h.srv.maxUpload {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.srv.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = contentType(key)
	}
	if err := h.client.PutObject(r.Context(), key, data, ct); err != nil {
		h.fail(w, "put", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request, key string) {
	k := pathutil.Trim(key)
	if k == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if err := h.client.DeleteObject(r.Context(), k); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) mkcol(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	k := pathutil.Trim(key)
	if k == "" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength > 0 {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}
	existing, err := h.client.HeadObject(ctx, k)
	if err != nil {
		h.fail(w, "head", err)
		return
	}
	if existing != nil {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.client.CreateFolder(ctx, k); err != nil {
		h.fail(w, "mkcol", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// destination resolves the Destination header to a key inside the same
// backend.
func (h *handler) destination(r *http.Request) (string, int) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", http.StatusBadRequest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", http.StatusBadRequest
	}
	if u.Host != "" && !strings.EqualFold(u.Host, r.Host) {
		return "", http.StatusForbidden
	}
	id, key, ok := h.srv.route(u.Path)
	if !ok || id != h.id {
		return "", http.StatusForbidden
	}
	key = pathutil.Trim(key)
	if key == "" {
		return "", http.StatusForbidden
	}
	return key, 0
}

func (h *handler) copyMove(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	src := pathutil.Trim(key)
	if src == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	dst, status := h.destination(r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	overwrite := !strings.EqualFold(strings.TrimSpace(r.Header.Get("Overwrite")), "F")

	// The source must exist before the destination is touched.
	source, err := h.client.HeadObject(ctx, src)
	if err != nil {
		h.fail(w, "head", err)
		return
	}
	if source == nil {
		http.NotFound(w, r)
		return
	}

	existing, err := h.client.HeadObject(ctx, dst)
	if err != nil {
		h.fail(w, "head", err)
		return
	}
	if existing != nil {
		if !overwrite {
			http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
			return
		}
		if err := h.client.DeleteObject(ctx, dst); err != nil {
			h.fail(w, "delete", err)
			return
		}
	}

	if r.Method == "MOVE" {
		err = h.client.MoveObject(ctx, src, dst)
		if errors.Is(err, storage.ErrUnsupported) {
			h.logger.Debug("native move unsupported, copying", slog.String("src", src), slog.String("dst", dst))
			if err = h.client.CopyObject(ctx, src, dst); err == nil {
				err = h.client.DeleteObject(ctx, src)
			}
		}
	} else {
		err = h.client.CopyObject(ctx, src, dst)
	}
	if err != nil {
		h.fail(w, strings.ToLower(r.Method), err)
		return
	}

	if existing != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) serveBackendList(w http.ResponseWriter, r *http.Request) {
	if r.Method != "PROPFIND" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	logger := s.requestLogger(r.Context())
	responses := []response{collectionResponse(s.prefix+"/", "clouddav", "")}
	if r.Header.Get("Depth") != "0" {
		backends, err := s.store.ListBackends(r.Context())
		if err != nil {
			logger.Error("failed to list backends", slog.Any("error", err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		for _, b := range backends {
			name := b.Name
			if name == "" {
				name = strconv.Itoa(b.ID)
			}
			responses = append(responses, collectionResponse(s.href(b.ID, ""), name, ""))
		}
	}
	if err := writeMultistatus(w, responses); err != nil {
		logger.Warn("failed to write multistatus", slog.Any("error", err))
	}
}

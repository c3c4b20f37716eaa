package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clouddav/internal/storage"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test", srv.URL+"/api/", srv.Client(), nil)
}

func TestJSON_RequestShape(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "v", r.URL.Query().Get("k"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["name"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42"}`))
	})

	var out struct {
		ID string `json:"id"`
	}
	status, err := c.JSON(context.Background(), Request{
		Op:     "create",
		Method: http.MethodPost,
		URL:    "/items",
		Query:  url.Values{"k": {"v"}},
		Header: http.Header{"X-Extra": {"yes"}},
		Bearer: "tok",
		JSON:   map[string]string{"name": "hello"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "42", out.ID)
}

func TestDo_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, storage.ErrAuthExpired},
		{http.StatusNotFound, storage.ErrNotFound},
		{http.StatusConflict, storage.ErrConflict},
		{http.StatusBadGateway, storage.ErrProtocol},
		{http.StatusForbidden, storage.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, strings.Repeat("e", 1000))
			})
			_, err := c.Do(context.Background(), Request{Op: "get", URL: "x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var pe *storage.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "test", pe.Provider)
			assert.Len(t, pe.Body, 512)
		})
	}
}

func TestDo_AcceptedStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPermanentRedirect)
	})
	resp, err := c.Do(context.Background(), Request{Op: "put", Method: http.MethodPut, URL: "x", Accept: []int{http.StatusPermanentRedirect}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPermanentRedirect, resp.StatusCode)
}

func TestJSON_MalformedBody(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	var out map[string]any
	_, err := c.JSON(context.Background(), Request{Op: "list", URL: "x"}, &out)
	assert.ErrorIs(t, err, storage.ErrProtocol)
}

func TestJSON_FormAndAbsoluteURL(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		seen = r.URL.Path + "|" + r.PostForm.Get("grant_type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New("test", "http://unused.invalid", srv.Client(), nil)
	_, err := c.JSON(context.Background(), Request{
		Op: "token", Method: http.MethodPost, URL: srv.URL + "/oauth",
		Form: url.Values{"grant_type": {"refresh_token"}},
	}, &struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "/oauth|refresh_token", seen)
}

func TestDo_Canceled(t *testing.T) {
	c := newTestServer(t, func(http.ResponseWriter, *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, Request{Op: "get", URL: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

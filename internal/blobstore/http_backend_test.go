package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlobServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	blobs := make(map[string][]byte)

	mux := http.NewServeMux()
	mux.HandleFunc("/blobs/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/blobs/"):]
		switch r.Method {
		case http.MethodHead:
			mu.Lock()
			_, ok := blobs[key]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			mu.Lock()
			data, ok := blobs[key]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			mu.Lock()
			blobs[key] = data
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return httptest.NewServer(mux)
}

func TestHTTPBackend_PutHeadGetRoundTrip(t *testing.T) {
	srv := newTestBlobServer(t)
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL)
	content := []byte("http blob content")

	exists, err := backend.Head(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, backend.Put(context.Background(), "k1", bytes.NewReader(content), int64(len(content))))

	exists, err = backend.Head(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := backend.Get(context.Background(), "k1")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHTTPBackend_GetMissingReturnsError(t *testing.T) {
	srv := newTestBlobServer(t)
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL)
	_, err := backend.Get(context.Background(), "nonexistent")
	assert.Error(t, err)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/blobs/abc", joinPath("", "blobs", "abc"))
	assert.Equal(t, "/v1/blobs/abc", joinPath("/v1/", "/blobs/", "/abc/"))
}

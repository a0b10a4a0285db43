package blobserver

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/runtimed/runtimed/internal/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *blobstore.Store) {
	t.Helper()
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	srv, err := Listen(store)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, store
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestBlobEndpointServesStoredData(t *testing.T) {
	srv, store := startServer(t)
	hash, err := store.Put([]byte("payload"), "image/png")
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/blob/%s", srv.Port(), hash))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "payload", string(body))
}

func TestBlobEndpointMissingIs404(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/blob/%s", srv.Port(), "ff"+strings.Repeat("0", 62)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNonGetIs405(t *testing.T) {
	srv, store := startServer(t)
	hash, err := store.Put([]byte("x"), "text/plain")
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/blob/%s", srv.Port(), hash), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownPathIs404(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/nope", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

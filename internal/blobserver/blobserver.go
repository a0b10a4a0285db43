// Package blobserver exposes the blob store (spec §4.B) over a localhost
// read-only HTTP face (spec §4.C). It carries no ambient-library dependency
// because the teacher repo has no HTTP server to ground on; DESIGN.md
// records the justification for using net/http directly.
package blobserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runtimed/runtimed/internal/blobstore"
)

// Server is the localhost blob HTTP face.
type Server struct {
	store    *blobstore.Store
	listener net.Listener
	http     *http.Server
}

// Listen binds an OS-assigned localhost port and returns a Server ready to
// Serve. The bound port is available via Port() immediately.
func Listen(store *blobstore.Store) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding blob http listener: %w", err)
	}

	s := &Server{store: store, listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/blob/", s.handleBlob)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Port returns the OS-assigned port the server is bound to.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve blocks serving requests until the listener is closed.
func (s *Server) Serve() error {
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/blob/")
	if hash == "" || strings.Contains(hash, "/") {
		http.NotFound(w, r)
		return
	}

	meta, err := s.store.GetMeta(hash)
	if err != nil {
		slog.Error("blobserver: reading meta failed", "hash", hash, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if meta == nil {
		http.NotFound(w, r)
		return
	}

	reader, err := s.store.Reader(hash)
	if err != nil {
		slog.Error("blobserver: opening blob failed", "hash", hash, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if reader == nil {
		http.NotFound(w, r)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", meta.MediaType)
	w.Header().Set("Content-Length", strconv.FormatUint(meta.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		slog.Warn("blobserver: error streaming blob", "hash", hash, "error", err)
	}
}

// Package blobstore implements the content-addressed blob store (spec
// §4.B): a SHA-256 hash maps to a byte blob plus media type, stored as an
// atomically-written pair of files in a two-level shard directory.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/runtimed/runtimed/internal/protoerr"
)

// MaxBlobSize rejects puts over 100 MiB (spec §4.B).
const MaxBlobSize = 100 * 1024 * 1024

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Meta is the JSON sidecar stored alongside each blob.
type Meta struct {
	MediaType string    `json:"media_type"`
	Size      uint64    `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a directory-backed content-addressed blob store.
type Store struct {
	root string
}

// New opens (creating if necessary) a blob store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) shardPaths(hash string) (blobPath, metaPath string) {
	shard := filepath.Join(s.root, hash[:2])
	rest := hash[2:]
	return filepath.Join(shard, rest), filepath.Join(shard, rest+".meta")
}

// Put stores data under its SHA-256 hash and returns the hash. Puts of
// identical data are idempotent: the first writer's media type wins and no
// second on-disk pair is created.
func (s *Store) Put(data []byte, mediaType string) (string, error) {
	if len(data) > MaxBlobSize {
		return "", protoerr.New(protoerr.InvalidInput, fmt.Sprintf("blob of %d bytes exceeds %d byte limit", len(data), MaxBlobSize), nil)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	blobPath, metaPath := s.shardPaths(hash)
	if fileExists(blobPath) && fileExists(metaPath) {
		return hash, nil
	}

	shard := filepath.Dir(blobPath)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return "", fmt.Errorf("creating shard %s: %w", shard, err)
	}

	if err := atomicWrite(shard, blobPath, data); err != nil {
		return "", err
	}

	meta := Meta{MediaType: mediaType, Size: uint64(len(data)), CreatedAt: time.Now().UTC()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(blobPath)
		return "", err
	}
	if err := atomicWrite(shard, metaPath, metaBytes); err != nil {
		_ = os.Remove(blobPath)
		return "", err
	}

	return hash, nil
}

func atomicWrite(shard, finalPath string, data []byte) error {
	tmp := filepath.Join(shard, ".tmp."+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Get returns the blob for hash, or nil if not found. An invalid hash format
// returns "not found" rather than surfacing a validation error.
func (s *Store) Get(hash string) ([]byte, error) {
	if !hashPattern.MatchString(hash) {
		return nil, nil
	}
	blobPath, _ := s.shardPaths(hash)
	data, err := os.ReadFile(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// GetMeta returns the metadata sidecar for hash, or nil if not found.
func (s *Store) GetMeta(hash string) (*Meta, error) {
	if !hashPattern.MatchString(hash) {
		return nil, nil
	}
	_, metaPath := s.shardPaths(hash)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Exists reports whether hash has a stored blob.
func (s *Store) Exists(hash string) bool {
	if !hashPattern.MatchString(hash) {
		return false
	}
	blobPath, metaPath := s.shardPaths(hash)
	return fileExists(blobPath) && fileExists(metaPath)
}

// Delete removes both files of the blob pair for hash, if present.
func (s *Store) Delete(hash string) error {
	if !hashPattern.MatchString(hash) {
		return nil
	}
	blobPath, metaPath := s.shardPaths(hash)
	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every stored hash by walking the two-level shard layout.
func (s *Store) List() ([]string, error) {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var hashes []string
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 || !isHex(shard.Name()) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			slog.Warn("blobstore: failed reading shard", "shard", shard.Name(), "error", err)
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".tmp.") || strings.HasSuffix(name, ".meta") {
				continue
			}
			if !isHex(name) {
				continue
			}
			hash := shard.Name() + name
			if hashPattern.MatchString(hash) {
				hashes = append(hashes, hash)
			}
		}
	}
	return hashes, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return len(s) > 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Reader opens a streaming reader for hash's blob, for serving large blobs
// over HTTP without loading them fully into memory.
func (s *Store) Reader(hash string) (io.ReadCloser, error) {
	if !hashPattern.MatchString(hash) {
		return nil, nil
	}
	blobPath, _ := s.shardPaths(hash)
	f, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

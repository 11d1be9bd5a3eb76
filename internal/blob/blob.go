// Package blob stores note images by content address. A blob's name is the
// BLAKE3 digest of its bytes plus an extension for its media type, so
// uploading the same image twice yields the same URL.
package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/agentworkforce/relayboard/internal/board"
)

const DefaultMaxBytes = 10 << 20

var ErrNotFound = errors.New("blob not found")

var extensionsByType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Store interface {
	// Put stores data and returns the URL clients use to fetch it.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, url string) error
	Open(ctx context.Context, name string) (io.ReadCloser, string, error)
}

// Name derives the content address for data of the given media type after
// checking the type and size.
func Name(data []byte, contentType string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(data) == 0 {
		return "", &board.ValidationError{Field: "image", Reason: "is empty"}
	}
	if len(data) > maxBytes {
		return "", &board.ValidationError{Field: "image", Reason: "is too large"}
	}
	contentType = mediaType(contentType)
	sniffed := mediaType(http.DetectContentType(data))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sniffed
	}
	ext, ok := extensionsByType[contentType]
	if !ok || sniffed != contentType {
		return "", &board.ValidationError{Field: "image", Reason: "must be a png, jpeg, gif or webp image"}
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]) + ext, nil
}

// ContentTypeOf maps a blob name back to its media type.
func ContentTypeOf(name string) string {
	ext := path.Ext(name)
	for contentType, candidate := range extensionsByType {
		if candidate == ext {
			return contentType
		}
	}
	return "application/octet-stream"
}

// ValidName reports whether name has the shape produced by Name.
func ValidName(name string) bool {
	ext := path.Ext(name)
	if ContentTypeOf(name) == "application/octet-stream" {
		return false
	}
	digest := strings.TrimSuffix(name, ext)
	if len(digest) != 64 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

func mediaType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func nameFromURL(url string) (string, bool) {
	name := path.Base(strings.TrimSpace(url))
	return name, ValidName(name)
}

// FileStore keeps blobs as files in one directory and serves them under
// BaseURL.
type FileStore struct {
	dir      string
	baseURL  string
	maxBytes int
}

func NewFileStore(dir, baseURL string, maxBytes int) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, board.ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/") + "/", maxBytes: maxBytes}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := Name(data, contentType, s.maxBytes)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.dir, name)
	if _, err := os.Stat(target); err == nil {
		return s.baseURL + name, nil
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return s.baseURL + name, nil
}

func (s *FileStore) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, ok := nameFromURL(url)
	if !ok {
		return ErrNotFound
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FileStore) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if !ValidName(name) {
		return nil, "", ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return f, ContentTypeOf(name), nil
}

type MemoryStore struct {
	mu       sync.RWMutex
	baseURL  string
	maxBytes int
	blobs    map[string][]byte
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{baseURL: strings.TrimRight(baseURL, "/") + "/", blobs: map[string][]byte{}}
}

func (s *MemoryStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	name, err := Name(data, contentType, s.maxBytes)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.blobs[name] = append([]byte(nil), data...)
	s.mu.Unlock()
	return s.baseURL + name, nil
}

func (s *MemoryStore) Delete(_ context.Context, url string) error {
	name, ok := nameFromURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[name]; !ok || !exists {
		return ErrNotFound
	}
	delete(s.blobs, name)
	return nil
}

func (s *MemoryStore) Open(_ context.Context, name string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), ContentTypeOf(name), nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MaxImageBytes caps a single instrument image upload.
const MaxImageBytes = 10 << 20

var (
	ErrNotFound        = errors.New("image not found")
	ErrUnsupportedType = errors.New("unsupported image content type")
	ErrTooLarge        = errors.New("image too large")
)

var allowedTypes = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

// ObjectInfo describes a stored image.
type ObjectInfo struct {
	Key         string
	ContentType string
	Size        int64
}

// ImageStore keeps binary images referenced from instrument slides.
type ImageStore interface {
	Put(ctx context.Context, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
}

// newKey validates contentType and derives a fresh object key for it.
func newKey(contentType string, size int64) (string, string, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := allowedTypes[ct]
	if !ok {
		return "", "", ErrUnsupportedType
	}
	if size > MaxImageBytes {
		return "", "", ErrTooLarge
	}
	return "instruments/" + uuid.NewString() + ext, ct, nil
}

// ValidKey reports whether key has the shape produced by Put.
func ValidKey(key string) bool {
	rest, ok := strings.CutPrefix(key, "instruments/")
	if !ok || strings.Contains(rest, "/") {
		return false
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return false
	}
	_, err := uuid.Parse(rest[:dot])
	return err == nil
}

// MemoryStore is an ImageStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data []byte
	ct   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memObject{}}
}

func (m *MemoryStore) Put(_ context.Context, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	key, ct, err := newKey(contentType, size)
	if err != nil {
		return ObjectInfo{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(data) > MaxImageBytes {
		return ObjectInfo{}, ErrTooLarge
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, ct: ct}
	m.mu.Unlock()
	return ObjectInfo{Key: key, ContentType: ct, Size: int64(len(data))}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), ObjectInfo{Key: key, ContentType: obj.ct, Size: int64(len(obj.data))}, nil
}

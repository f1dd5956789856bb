// Package fs provides a filesystem-backed object store. Objects are files
// under a base directory, written to a temp file, fsynced, then renamed into
// place so a partially written object is never visible under its key.
//
// Used for development and tests; production deployments use the s3 variant.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Config holds filesystem object store configuration.
type Config struct {
	BasePath string `mapstructure:"base_path" validate:"required"`
}

// Store implements object.Store on the local filesystem.
type Store struct {
	basePath string

	// Multipart sessions live in memory; parts are staged as files.
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	key   string
	parts map[int32]string // part number -> staged file path
}

// New creates a filesystem object store rooted at cfg.BasePath.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{
		basePath: cfg.BasePath,
		sessions: make(map[string]*session),
	}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

func (s *Store) tempPath() string {
	return filepath.Join(s.basePath, ".tmp", uuid.NewString())
}

// writeTemp streams body to a temp file and fsyncs it.
func (s *Store) writeTemp(body io.Reader) (string, int64, error) {
	if err := os.MkdirAll(filepath.Join(s.basePath, ".tmp"), 0755); err != nil {
		return "", 0, err
	}
	tmp := s.tempPath()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	return tmp, n, nil
}

func (s *Store) promote(tmp, key string) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Put writes an object durably. The length must match the stream.
func (s *Store) Put(ctx context.Context, key string, contentLength int64, contentType string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, n, err := s.writeTemp(body)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", key, err)
	}
	if contentLength >= 0 && n != contentLength {
		os.Remove(tmp)
		return fmt.Errorf("stream for %s is %d bytes, declared %d", key, n, contentLength)
	}
	if err := s.promote(tmp, key); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	// Content type is not persisted by this variant; Head derives nothing
	// from it and callers carry content types in the database.
	_ = contentType
	return nil
}

// Get opens an object, optionally a byte range of it.
func (s *Store) Get(ctx context.Context, key string, rng *object.ByteRange) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, object.ErrNotFound)
		}
		return nil, err
	}
	if rng == nil {
		return f, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, rng.Length), f: f}, nil
}

type limitedReadCloser struct {
	io.Reader
	f *os.File
}

func (l *limitedReadCloser) Close() error {
	return l.f.Close()
}

// Head returns object metadata, or object.ErrNotFound.
func (s *Store) Head(ctx context.Context, key string) (object.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return object.ObjectInfo{}, err
	}
	info, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return object.ObjectInfo{}, fmt.Errorf("%s: %w", key, object.ErrNotFound)
		}
		return object.ObjectInfo{}, err
	}
	return object.ObjectInfo{Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Move renames src to dst.
func (s *Store) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dstPath := s.path(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(s.path(src), dstPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", src, object.ErrNotFound)
		}
		return err
	}
	return nil
}

// Delete removes an object. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateMultipart starts an in-memory multipart session.
func (s *Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{key: key, parts: make(map[int32]string)}
	s.mu.Unlock()
	return id, nil
}

// UploadPart stages one part to a temp file.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown multipart upload %s", uploadID)
	}

	tmp, n, err := s.writeTemp(body)
	if err != nil {
		return "", err
	}
	if size >= 0 && n != size {
		os.Remove(tmp)
		return "", fmt.Errorf("part %d is %d bytes, declared %d", partNumber, n, size)
	}

	s.mu.Lock()
	sess.parts[partNumber] = tmp
	s.mu.Unlock()
	return fmt.Sprintf("part-%d", partNumber), nil
}

// CompleteMultipart concatenates staged parts into the final object.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	delete(s.sessions, uploadID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown multipart upload %s", uploadID)
	}

	readers := make([]io.Reader, 0, len(etags))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
		for _, p := range sess.parts {
			os.Remove(p)
		}
	}()
	for i := range etags {
		path, ok := sess.parts[int32(i+1)]
		if !ok {
			return fmt.Errorf("missing part %d of multipart upload %s", i+1, uploadID)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	return s.Put(ctx, sess.key, -1, "", io.MultiReader(readers...))
}

// AbortMultipart drops a session and its staged parts.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	delete(s.sessions, uploadID)
	s.mu.Unlock()
	if ok {
		for _, p := range sess.parts {
			os.Remove(p)
		}
	}
	return nil
}

// Healthy verifies the base directory is writable.
func (s *Store) Healthy(ctx context.Context) error {
	probe := filepath.Join(s.basePath, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("base path not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}

// List returns all stored keys under a prefix by walking the base
// directory. The cleanup job uses it to find orphaned staging objects.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	root := s.basePath
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, ".tmp/") || key == ".healthcheck" {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

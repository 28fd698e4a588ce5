package mediastore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// ErrInvalidKey - ключ содержит недопустимые символы.
var ErrInvalidKey = errors.New("invalid media key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
	"audio/ogg":  ".ogg",
	"video/mp4":  ".mp4",
}

// FileStore сохраняет медиа в локальный каталог и отдает их по публичному базовому URL.
type FileStore struct {
	dir     string
	baseURL string
	logger  *zap.Logger
}

// NewFileStore создает хранилище; каталог создается при необходимости.
func NewFileStore(dir, publicBaseURL string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:  logger.Named("MediaStore"),
	}, nil
}

// KeyFor builds a file key from a base name and content type.
func KeyFor(base, contentType string) string {
	ext, ok := extensions[contentType]
	if !ok {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".bin"
		}
	}
	return base + ext
}

func (s *FileStore) path(key string) (string, error) {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key), nil
}

// Put writes data under key (atomically via rename) and returns its public URL.
func (s *FileStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write media %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close media %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("failed to store media %s: %w", key, err)
	}

	s.logger.Debug("media stored", zap.String("key", key), zap.String("content_type", contentType), zap.Int("size_bytes", len(data)))
	return s.URL(key), nil
}

// Get reads a stored object. Missing objects return models.ErrNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: media %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media %s: %w", key, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// URL returns the public URL of a key.
func (s *FileStore) URL(key string) string {
	return s.baseURL + "/" + url.PathEscape(key)
}

var _ interfaces.MediaStore = (*FileStore)(nil)

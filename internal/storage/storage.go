package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backend persists uploaded attachment bytes.
type Backend interface {
	Put(ctx context.Context, r io.Reader, name, contentType string) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

type Object struct {
	Key         string
	Name        string
	ContentType string
	Size        int64
	URL         string
	Hash        string
}

// Local stores files on disk under basePath, grouped by upload date.
type Local struct {
	basePath string
	baseURL  string
	now      func() time.Time
	logger   *zap.Logger
}

func NewLocal(basePath, baseURL string, logger *zap.Logger) (*Local, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &Local{
		basePath: basePath,
		baseURL:  baseURL,
		now:      time.Now,
		logger:   logging.OrNop(logger),
	}, nil
}

func (s *Local) BasePath() string {
	return s.basePath
}

func (s *Local) Put(ctx context.Context, r io.Reader, name, contentType string) (*Object, error) {
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}

	id := uuid.New().String()
	datePath := s.now().Format("2006/01/02")
	fullDir := filepath.Join(s.basePath, datePath)
	if err := os.MkdirAll(fullDir, 0755); err != nil {
		return nil, fmt.Errorf("create date directory: %w", err)
	}

	key := filepath.ToSlash(filepath.Join(datePath, id+filepath.Ext(name)))
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	hash := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(f, hash), contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(fullPath)
		if copyErr != nil {
			return nil, fmt.Errorf("write file: %w", copyErr)
		}
		return nil, fmt.Errorf("close file: %w", closeErr)
	}

	obj := &Object{
		Key:         key,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		URL:         fmt.Sprintf("%s/%s", strings.TrimSuffix(s.baseURL, "/"), key),
		Hash:        hex.EncodeToString(hash.Sum(nil)),
	}

	s.logger.Info("stored file",
		zap.String("key", key),
		zap.String("filename", name),
		zap.Int64("size", size),
		zap.String("type", contentType),
	)
	return obj, nil
}

func (s *Local) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, "", err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, "", fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("path is a directory")
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, "", fmt.Errorf("open file: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return file, contentType, nil
}

func (s *Local) Delete(ctx context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (s *Local) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid path: %s", key)
	}
	return filepath.Join(s.basePath, clean), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

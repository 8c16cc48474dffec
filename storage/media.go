package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrEmptyUpload is returned when an upload carries no data.
var ErrEmptyUpload = errors.New("empty upload")

// LocalMediaStore implements MediaStore on a local directory and serves the
// uploaded files under a base URL. It stands in for an object-storage bucket
// in single-host deployments.
type LocalMediaStore struct {
	dir     string
	baseURL string
}

// NewLocalMediaStore creates the upload directory if needed. baseURL is the
// public prefix the returned references are built from.
func NewLocalMediaStore(dir, baseURL string) (*LocalMediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalMediaStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Upload implements MediaStore: writes the blob under a sanitized name and
// returns its public URL.
func (s *LocalMediaStore) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}

	name = sanitizeMediaName(name)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"name":     name,
		"bytes":    len(data),
	}).Debug("Stored media file")

	return s.baseURL + "/" + name, nil
}

// sanitizeMediaName strips path components and replaces characters outside
// a conservative filename alphabet.
func sanitizeMediaName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 || b.String() == "." || b.String() == ".." {
		return "upload"
	}
	return b.String()
}

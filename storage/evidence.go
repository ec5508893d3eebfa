package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// EvidenceSink persists CAPTCHA screenshots and returns where they ended up.
type EvidenceSink interface {
	SaveEvidence(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// LocalEvidenceSink writes evidence files under a directory.
type LocalEvidenceSink struct {
	dir string
}

func NewLocalEvidenceSink(dir string) *LocalEvidenceSink {
	return &LocalEvidenceSink{dir: dir}
}

func (s *LocalEvidenceSink) SaveEvidence(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return path, nil
}

// NewEvidenceSink picks S3 when a bucket is configured, the local directory otherwise.
func NewEvidenceSink(ctx context.Context, s3cfg S3Config, localDir string) (EvidenceSink, error) {
	if s3cfg.Bucket != "" {
		return NewS3Uploader(ctx, s3cfg)
	}
	return NewLocalEvidenceSink(localDir), nil
}

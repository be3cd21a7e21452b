package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/vgomini/internal/ir"
)

// LocalExporter writes digests below a directory.
type LocalExporter struct {
	dir    string
	prefix string
}

// NewLocalExporter creates a LocalExporter rooted at dir.
func NewLocalExporter(dir, prefix string) *LocalExporter {
	return &LocalExporter{dir: dir, prefix: prefix}
}

// Export implements Exporter. The file is written to a temp name and renamed
// so readers never see a partial digest.
func (e *LocalExporter) Export(ctx context.Context, d ir.SealDigest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := Encode(d)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(e.dir, filepath.FromSlash(ObjectKey(e.prefix, d)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("export: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".seal-*")
	if err != nil {
		return "", fmt.Errorf("export: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("export: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("export: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("export: rename: %w", err)
	}
	return dst, nil
}

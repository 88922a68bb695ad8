package pipeline

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// RawDocWriter archives downloaded registry documents on disk, sharded by
// the first two orgnr digits to keep directories small.
type RawDocWriter struct {
	dir      string
	compress bool
}

// NewRawDocWriter creates a writer rooted at dir. A nil writer is returned
// when archiving is disabled.
func NewRawDocWriter(dir string, compress bool) *RawDocWriter {
	if dir == "" {
		return nil
	}
	return &RawDocWriter{dir: dir, compress: compress}
}

// Write stores one document blob and returns the path written.
func (w *RawDocWriter) Write(orgnr models.OrgNumber, documentID, format string, blob []byte) (string, error) {
	if w == nil {
		return "", nil
	}

	shard := filepath.Join(w.dir, orgnr.Prefix2())
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return "", fmt.Errorf("failed to create raw doc directory %s: %w", shard, err)
	}

	ext := strings.ToLower(strings.TrimPrefix(format, "."))
	if ext == "" {
		ext = "bin"
	}
	name := fmt.Sprintf("%s_%s.%s", orgnr, sanitizeID(documentID), ext)
	path := filepath.Join(shard, name)

	if w.compress {
		path += ".gz"
		file, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		gz := gzip.NewWriter(file)
		if _, err := gz.Write(blob); err != nil {
			gz.Close()
			file.Close()
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := gz.Close(); err != nil {
			file.Close()
			return "", fmt.Errorf("failed to finish %s: %w", path, err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}
		return path, nil
	}

	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// sanitizeID strips path separators from upstream document ids.
func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	if id == "" {
		id = "document"
	}
	return id
}

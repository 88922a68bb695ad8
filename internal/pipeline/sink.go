package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// GraphSink receives finished company records. Implementations must be
// safe for concurrent use; the orchestrator calls Emit outside of any
// database transaction so a slow sink never holds a lock.
type GraphSink interface {
	EmitCompany(record *models.CompanyRecord) error
	Close() error
}

// JSONLSink appends one JSON document per line to a file. The default
// sink when no external graph endpoint is configured.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	logger arbor.ILogger
}

// NewJSONLSink opens (or creates) the sink file for appending.
func NewJSONLSink(path string, logger arbor.ILogger) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sink directory %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink file %s: %w", path, err)
	}
	return &JSONLSink{file: file, logger: logger}, nil
}

// EmitCompany writes one record as a single JSON line.
func (s *JSONLSink) EmitCompany(record *models.CompanyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", record.OrgNr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record %s: %w", record.OrgNr, err)
	}
	return nil
}

// Close flushes and closes the sink file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.logger.Warn().Err(err).Msg("Sink sync failed on close")
	}
	return s.file.Close()
}

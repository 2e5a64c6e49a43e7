package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lamim/docforge/pkg/models"
)

// DocumentRecord is the JSON companion of a written document
type DocumentRecord struct {
	SessionID    string                  `json:"session_id"`
	SnapshotHash string                  `json:"snapshot_hash"`
	Source       string                  `json:"source"`
	Metadata     models.DocumentMetadata `json:"metadata"`
	Usage        models.Usage            `json:"usage"`
	FormData     models.FormData         `json:"form_data"`
	Document     string                  `json:"document"`
	WrittenAt    time.Time               `json:"written_at"`
}

// DocumentWriter writes the final document of a session
type DocumentWriter struct {
	sessionMgr *SessionManager
	logger     *slog.Logger
}

// NewDocumentWriter creates a writer for the session's output files
func NewDocumentWriter(sessionMgr *SessionManager, logger *slog.Logger) *DocumentWriter {
	return &DocumentWriter{
		sessionMgr: sessionMgr,
		logger:     logger,
	}
}

// Write stores result as document.md and document.json. Both files are
// written to a temp name first and renamed into place.
func (dw *DocumentWriter) Write(result *models.GenerationResult, hash, source string) (DocumentRecord, error) {
	if result == nil {
		return DocumentRecord{}, fmt.Errorf("no result to write")
	}

	record := DocumentRecord{
		SessionID:    dw.sessionMgr.SessionID(),
		SnapshotHash: hash,
		Source:       source,
		Metadata:     result.Metadata,
		Usage:        result.Usage,
		FormData:     result.FormDataSnapshot,
		Document:     result.Document,
		WrittenAt:    time.Now(),
	}

	if err := writeAtomic(dw.sessionMgr.GetDocumentPath(), []byte(result.Document+"\n")); err != nil {
		return DocumentRecord{}, fmt.Errorf("failed to write document: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("failed to marshal document record: %w", err)
	}
	if err := writeAtomic(dw.sessionMgr.GetRecordPath(), data); err != nil {
		return DocumentRecord{}, fmt.Errorf("failed to write document record: %w", err)
	}

	dw.logger.Info("Wrote document",
		"path", dw.sessionMgr.GetDocumentPath(),
		"hash", hash,
		"source", source,
		"chars", len(result.Document))
	return record, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

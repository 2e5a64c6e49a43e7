package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SessionManager manages the output directory of one docforge run
type SessionManager struct {
	sessionID  string
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates output/session_<timestamp>_<id> under outputDir
func NewSessionManager(logger *slog.Logger, outputDir string) (*SessionManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	sessionID := uuid.NewString()
	timestamp := time.Now().Format("2006-01-02T15-04-05")
	sessionDir := filepath.Join(outputDir, fmt.Sprintf("session_%s_%s", timestamp, sessionID[:8]))

	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	logger.Info("Created new session directory", "path", sessionDir, "session_id", sessionID)

	return &SessionManager{
		sessionID:  sessionID,
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// SessionID returns the unique id of this run
func (sm *SessionManager) SessionID() string {
	return sm.sessionID
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetDocumentPath returns the path of the rendered Markdown document
func (sm *SessionManager) GetDocumentPath() string {
	return filepath.Join(sm.sessionDir, "document.md")
}

// GetRecordPath returns the path of the JSON record with metadata and snapshot
func (sm *SessionManager) GetRecordPath() string {
	return filepath.Join(sm.sessionDir, "document.json")
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}

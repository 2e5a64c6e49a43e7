// Package session holds the live form of one wizard session and wires its
// edits and its document step into the orchestrator.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/docforge/internal/orchestrator"
	"github.com/lamim/docforge/internal/snapshot"
	"github.com/lamim/docforge/pkg/models"
)

// Source tells where the document step got its result from
type Source string

const (
	// SourceCached means the result was already ready when the step opened
	SourceCached Source = "cached"
	// SourceAwaited means an in-flight attempt finished within the wait
	SourceAwaited Source = "awaited"
	// SourceForeground means the step had to generate (or keep waiting) itself
	SourceForeground Source = "foreground"
)

// Session is the editable form state of one wizard session
type Session struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	mu   sync.Mutex
	data models.FormData
	hash string
}

// New creates a session around a copy of initial
func New(orch *orchestrator.Orchestrator, initial models.FormData, logger *slog.Logger) (*Session, error) {
	data, err := snapshot.Clone(initial)
	if err != nil {
		return nil, fmt.Errorf("failed to copy initial form data: %w", err)
	}
	return &Session{
		orch:   orch,
		logger: logger,
		data:   data,
		hash:   snapshot.Hash(data),
	}, nil
}

// Update shallow-merges updates into the form. The invalidation check runs in
// the same critical section as the merge.
func (s *Session) Update(updates models.FormData) error {
	patch, err := snapshot.Clone(updates)
	if err != nil {
		return fmt.Errorf("failed to copy form updates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(models.FormData, len(s.data)+len(patch))
	for k, v := range s.data {
		next[k] = v
	}
	for k, v := range patch {
		next[k] = v
	}
	s.commitLocked(next, len(patch))
	return nil
}

// Data returns a copy of the current form
func (s *Session) Data() models.FormData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := snapshot.Clone(s.data)
	if err != nil {
		// unreachable: data only ever holds decoded JSON
		s.logger.Error("Failed to copy form data", "error", err)
		out = make(models.FormData, len(s.data))
		for k, v := range s.data {
			out[k] = v
		}
	}
	return out
}

// Hash returns the snapshot hash of the current form
func (s *Session) Hash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

// Speculate starts background generation for the current form
func (s *Session) Speculate() (*orchestrator.Attempt, error) {
	return s.orch.Start(s.Data())
}

// Document is the consuming step. It takes a ready or soon-ready speculative
// result and otherwise generates in the foreground, surfacing its errors.
func (s *Session) Document(ctx context.Context, timeout time.Duration) (*models.GenerationResult, Source, error) {
	data := s.Data()
	hash := snapshot.Hash(data)

	st := s.orch.State()
	wasReady := st.Status == models.StatusReady && st.SnapshotHash == hash

	if result, ok := s.orch.Take(ctx, hash, timeout); ok {
		source := SourceAwaited
		if wasReady {
			source = SourceCached
		}
		s.logger.Info("Document step used speculative result", "hash", hash, "source", source)
		return result, source, nil
	}

	s.logger.Info("No speculative result available, generating in foreground",
		"hash", hash,
		"status", st.Status)

	att, err := s.orch.Start(data)
	if err != nil {
		return nil, SourceForeground, err
	}
	result, err := att.Wait(ctx)
	if err != nil {
		return nil, SourceForeground, fmt.Errorf("foreground generation failed: %w", err)
	}

	// Mark consumed so the same result is not handed out twice
	s.orch.Take(ctx, hash, 0)
	return result, SourceForeground, nil
}

// Leave is called when the user navigates away from the wizard
func (s *Session) Leave() {
	s.orch.Cancel(models.ReasonNavigation)
}

func (s *Session) commitLocked(next models.FormData, changed int) {
	prevHash := s.hash
	nextHash := snapshot.Hash(next)
	s.data = next
	s.hash = nextHash

	if s.orch.ObserveEdit(prevHash, nextHash) {
		s.logger.Debug("Edit cancelled speculative generation",
			"prev_hash", prevHash,
			"next_hash", nextHash,
			"changed_fields", changed)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/docforge/internal/cancel"
	"github.com/lamim/docforge/internal/metrics"
	"github.com/lamim/docforge/internal/snapshot"
	"github.com/lamim/docforge/internal/verify"
	"github.com/lamim/docforge/pkg/models"
)

// DefaultMaxReverifications bounds how often one attempt may renew an expired proof
const DefaultMaxReverifications = 3

// Generator produces a document from a form snapshot. ctx is cancelled when the
// attempt is revoked. An expired proof is reported by wrapping verify.ErrExpired.
type Generator interface {
	Generate(ctx context.Context, snapshot models.FormData, proof string) (*models.GenerationOutput, error)
}

// InvalidationPolicy decides which edits cancel the current attempt
type InvalidationPolicy string

const (
	// InvalidateOnTransition cancels only when an edit moves the form away from the attempt's snapshot
	InvalidateOnTransition InvalidationPolicy = "transition"
	// InvalidateOnAnyEdit cancels on every edit while an attempt or result exists
	InvalidateOnAnyEdit InvalidationPolicy = "any"
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithInvalidation sets the edit invalidation policy
func WithInvalidation(policy InvalidationPolicy) Option {
	return func(o *Orchestrator) {
		o.invalidation = policy
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithBaseContext sets the parent context of every attempt's token
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		o.baseCtx = ctx
	}
}

// WithMaxReverifications bounds verification renewals per attempt
func WithMaxReverifications(n int) Option {
	return func(o *Orchestrator) {
		o.maxReverifications = n
	}
}

// Orchestrator coordinates speculative background generation for one form session.
// At most one attempt is bound to a live token at any time.
type Orchestrator struct {
	generator Generator
	gate      *verify.Gate
	metrics   *metrics.Collector
	logger    *slog.Logger

	baseCtx            context.Context
	now                func() time.Time
	invalidation       InvalidationPolicy
	maxReverifications int

	mu      sync.Mutex
	state   models.GenerationState
	current *Attempt // nil when idle or stale
}

// New creates an orchestrator in the idle state
func New(
	generator Generator,
	gate *verify.Gate,
	collector *metrics.Collector,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		generator:          generator,
		gate:               gate,
		metrics:            collector,
		logger:             logger,
		baseCtx:            context.Background(),
		now:                time.Now,
		invalidation:       InvalidateOnTransition,
		maxReverifications: DefaultMaxReverifications,
		state:              models.GenerationState{Status: models.StatusIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Hash returns the snapshot hash of data
func (o *Orchestrator) Hash(data any) string {
	return snapshot.Hash(data)
}

// State returns a copy of the current generation state
func (o *Orchestrator) State() models.GenerationState {
	o.mu.Lock()
	st := o.state
	o.mu.Unlock()

	st.Result = cloneResult(st.Result)
	return st
}

// Start begins speculative generation for data and returns immediately.
// If an attempt for the same snapshot is pending or ready, its handle is returned
// and the generator is not called again.
func (o *Orchestrator) Start(data models.FormData) (*Attempt, error) {
	snap, err := snapshot.Clone(data)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot form data: %w", err)
	}
	hash := snapshot.Hash(snap)

	o.mu.Lock()
	if existing := o.current; existing != nil && o.state.SnapshotHash == hash &&
		(o.state.Status == models.StatusPending || o.state.Status == models.StatusReady) {
		status := o.state.Status
		o.mu.Unlock()
		o.logger.Debug("Generation already covers this snapshot",
			"attempt_id", existing.ID(),
			"hash", hash,
			"status", status)
		return existing, nil
	}

	o.supersedeLocked()

	startedAt := o.now()
	att := newAttempt(cancel.New(o.baseCtx), hash, snap, startedAt)
	o.current = att
	o.state = models.GenerationState{
		Status:       models.StatusPending,
		SnapshotHash: hash,
		StartedAt:    startedAt,
	}
	o.publishLocked()
	o.mu.Unlock()

	o.metrics.AttemptStarted()
	o.logger.Info("Started speculative generation",
		"attempt_id", att.ID(),
		"hash", hash,
		"fields", len(snap))

	go o.run(att)
	return att, nil
}

// Cancel revokes the current attempt. consumed, manual and form-updated reset
// to idle; any other reason keeps the previous snapshot, result or error as stale.
func (o *Orchestrator) Cancel(reason models.StaleReason) {
	o.mu.Lock()
	prev := o.state.Status
	o.cancelLocked(reason)
	next := o.state.Status
	o.mu.Unlock()

	o.logger.Info("Generation cancelled",
		"reason", reason,
		"from", prev,
		"to", next)
}

// ObserveEdit is called by the editing surface with the form hash before and
// after an edit, in the same critical section that applied the edit.
// It reports whether the edit cancelled the current attempt.
func (o *Orchestrator) ObserveEdit(prevHash, nextHash string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Status == models.StatusIdle {
		return false
	}

	invalidated := false
	switch o.invalidation {
	case InvalidateOnAnyEdit:
		invalidated = true
	default:
		invalidated = prevHash == o.state.SnapshotHash && nextHash != o.state.SnapshotHash
	}
	if !invalidated {
		return false
	}

	o.logger.Info("Form edit invalidated generation",
		"snapshot_hash", o.state.SnapshotHash,
		"prev_hash", prevHash,
		"next_hash", nextHash,
		"status", o.state.Status)
	o.cancelLocked(models.ReasonFormUpdated)
	return true
}

// Close ends the session, abandoning any attempt and any renewed proof
func (o *Orchestrator) Close() {
	o.Cancel(models.ReasonManual)
	if o.gate != nil {
		o.gate.Reset()
	}
}

func (o *Orchestrator) cancelLocked(reason models.StaleReason) {
	o.supersedeLocked()

	switch reason {
	case models.ReasonConsumed, models.ReasonManual, models.ReasonFormUpdated:
		o.state = models.GenerationState{Status: models.StatusIdle}
	default:
		if o.state.Status != models.StatusIdle {
			o.state.Status = models.StatusStale
			o.state.StaleReason = reason
		}
	}
	o.publishLocked()
	o.metrics.RecordCancel(string(reason))
}

// supersedeLocked revokes the current token and releases anyone waiting on it
func (o *Orchestrator) supersedeLocked() {
	if o.current == nil {
		return
	}
	o.current.token.Revoke()
	o.current.resolve(nil, ErrSuperseded)
	o.current = nil
}

// isCurrentLocked is the commit guard: token live, same attempt, same snapshot
func (o *Orchestrator) isCurrentLocked(att *Attempt) bool {
	return o.current == att &&
		att.token.Current() &&
		o.state.Status == models.StatusPending &&
		o.state.SnapshotHash == att.hash
}

func (o *Orchestrator) publishLocked() {
	if o.state.Status == models.StatusPending {
		o.metrics.SetInFlight(1)
	} else {
		o.metrics.SetInFlight(0)
	}
}

func cloneResult(r *models.GenerationResult) *models.GenerationResult {
	if r == nil {
		return nil
	}
	out := *r
	if snap, err := snapshot.Clone(r.FormDataSnapshot); err == nil {
		out.FormDataSnapshot = snap
	}
	return &out
}

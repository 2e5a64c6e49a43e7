package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/docforge/internal/verify"
	"github.com/lamim/docforge/pkg/models"
)

// run drives one attempt to completion on its own goroutine
func (o *Orchestrator) run(att *Attempt) {
	ctx := att.token.Context()
	logger := o.logger.With("attempt_id", att.ID(), "hash", att.hash)

	defer func() {
		if r := recover(); r != nil {
			o.commit(logger, att, nil, fmt.Errorf("recover from panic: %v", r))
		}
	}()

	proof, err := o.gate.Proof(ctx)
	if err != nil {
		o.commit(logger, att, nil, fmt.Errorf("failed to obtain verification proof: %w", err))
		return
	}

	renewals := 0
	for {
		callStart := time.Now()
		out, err := o.generator.Generate(ctx, att.snapshot, proof)
		logger.Debug("Generation call returned",
			"duration_ms", time.Since(callStart).Milliseconds(),
			"error", err)

		if !errors.Is(err, verify.ErrExpired) {
			if err == nil && out == nil {
				err = errors.New("generator returned no output")
			}
			o.commit(logger, att, out, err)
			return
		}

		// Proof expired: stay pending under the same snapshot and token
		if att.token.Revoked() {
			o.discard(logger, att, "revoked before re-verification")
			return
		}
		if renewals >= o.maxReverifications {
			o.commit(logger, att, nil, fmt.Errorf("%w: gave up after %d renewals", verify.ErrExpired, renewals))
			return
		}
		renewals++

		proof, err = o.gate.Renew(ctx, att.token)
		switch {
		case err == nil:
			o.metrics.RecordReverification("renewed")
			logger.Info("Resuming attempt with fresh verification proof", "renewals", renewals)
		case errors.Is(err, verify.ErrAbandoned):
			o.metrics.RecordReverification("abandoned")
			o.discard(logger, att, "revoked during re-verification")
			return
		case errors.Is(err, verify.ErrDeclined):
			o.metrics.RecordReverification("declined")
			o.decline(logger, att, err)
			return
		default:
			o.metrics.RecordReverification("failed")
			o.commit(logger, att, nil, err)
			return
		}
	}
}

// commit applies the attempt's outcome if the attempt is still authoritative
func (o *Orchestrator) commit(logger *slog.Logger, att *Attempt, out *models.GenerationOutput, genErr error) {
	o.mu.Lock()
	if !o.isCurrentLocked(att) {
		o.mu.Unlock()
		o.discard(logger, att, "superseded before commit")
		return
	}

	completedAt := o.now()
	var result *models.GenerationResult
	if genErr != nil {
		o.state = models.GenerationState{
			Status:       models.StatusError,
			SnapshotHash: att.hash,
			StartedAt:    att.startedAt,
			CompletedAt:  completedAt,
			Error:        genErr.Error(),
			Retryable:    !errors.Is(genErr, verify.ErrMisconfigured),
		}
	} else {
		result = &models.GenerationResult{
			Document:         out.Document,
			Metadata:         out.Metadata,
			Usage:            out.Usage,
			FormDataSnapshot: att.snapshot,
		}
		o.state = models.GenerationState{
			Status:       models.StatusReady,
			SnapshotHash: att.hash,
			StartedAt:    att.startedAt,
			CompletedAt:  completedAt,
			Result:       result,
		}
	}
	o.publishLocked()
	o.mu.Unlock()

	att.resolve(result, genErr)

	duration := completedAt.Sub(att.startedAt)
	if genErr != nil {
		o.metrics.RecordAttempt("error", duration)
		logger.Warn("Generation failed",
			"error", genErr,
			"retryable", !errors.Is(genErr, verify.ErrMisconfigured),
			"duration", duration)
		return
	}
	o.metrics.RecordAttempt("ready", duration)
	logger.Info("Generation ready",
		"duration", duration,
		"total_tokens", out.Usage.TotalTokens,
		"document_chars", len(out.Document))
}

// discard drops the outcome of an attempt that is no longer current
func (o *Orchestrator) discard(logger *slog.Logger, att *Attempt, why string) {
	att.resolve(nil, ErrSuperseded)
	o.metrics.RecordAttempt("discarded", time.Since(att.startedAt))
	logger.Debug("Discarded attempt outcome", "reason", why)
}

// decline cancels the attempt with reason manual after the user refused to re-verify
func (o *Orchestrator) decline(logger *slog.Logger, att *Attempt, err error) {
	declined := fmt.Errorf("verification was declined: %w", err)

	o.mu.Lock()
	current := o.isCurrentLocked(att)
	att.resolve(nil, declined)
	if current {
		o.cancelLocked(models.ReasonManual)
	}
	o.mu.Unlock()

	if !current {
		o.discard(logger, att, "superseded during re-verification")
		return
	}
	o.metrics.RecordAttempt("declined", time.Since(att.startedAt))
	logger.Warn("Verification declined, attempt cancelled", "error", err)
}

package orchestrator

import (
	"context"
	"time"

	"github.com/lamim/docforge/pkg/models"
)

// AwaitResult returns the result for hash if it is ready, or waits up to
// timeout for a matching in-flight attempt. It never mutates the generation
// state; a timed-out attempt keeps running in the background.
// The boolean is false when no matching result became available.
func (o *Orchestrator) AwaitResult(ctx context.Context, hash string, timeout time.Duration) (*models.GenerationResult, bool) {
	o.mu.Lock()
	st := o.state
	att := o.current
	o.mu.Unlock()

	if st.SnapshotHash != hash {
		o.metrics.RecordRendezvous("miss")
		return nil, false
	}

	switch st.Status {
	case models.StatusReady:
		if st.Result == nil {
			o.metrics.RecordRendezvous("miss")
			return nil, false
		}
		o.metrics.RecordRendezvous("hit")
		return cloneResult(st.Result), true
	case models.StatusPending:
		if att == nil || att.hash != hash {
			o.metrics.RecordRendezvous("miss")
			return nil, false
		}
	default:
		o.metrics.RecordRendezvous("miss")
		return nil, false
	}

	if timeout <= 0 {
		o.metrics.RecordRendezvous("timeout")
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-att.Done():
		result, err := att.outcome()
		if err != nil || result == nil {
			o.metrics.RecordRendezvous("miss")
			return nil, false
		}
		o.metrics.RecordRendezvous("awaited")
		return cloneResult(result), true
	case <-timer.C:
		o.logger.Debug("Rendezvous timed out", "hash", hash, "timeout", timeout)
		o.metrics.RecordRendezvous("timeout")
		return nil, false
	case <-ctx.Done():
		o.metrics.RecordRendezvous("timeout")
		return nil, false
	}
}

// Take is AwaitResult followed by marking the result consumed, returning the
// coordinator to idle
func (o *Orchestrator) Take(ctx context.Context, hash string, timeout time.Duration) (*models.GenerationResult, bool) {
	result, ok := o.AwaitResult(ctx, hash, timeout)
	if !ok {
		return nil, false
	}

	o.mu.Lock()
	if o.state.Status == models.StatusReady && o.state.SnapshotHash == hash {
		o.cancelLocked(models.ReasonConsumed)
	}
	o.mu.Unlock()

	o.logger.Debug("Result consumed", "hash", hash)
	return result, true
}

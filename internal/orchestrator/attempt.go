package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lamim/docforge/internal/cancel"
	"github.com/lamim/docforge/pkg/models"
)

// ErrSuperseded is returned by Attempt.Wait when the attempt was cancelled or
// replaced before it could commit
var ErrSuperseded = errors.New("attempt superseded")

// Attempt is the handle returned by Start. It resolves exactly once.
type Attempt struct {
	token     *cancel.Token
	hash      string
	snapshot  models.FormData
	startedAt time.Time

	once   sync.Once
	done   chan struct{}
	result *models.GenerationResult
	err    error
}

func newAttempt(token *cancel.Token, hash string, snapshot models.FormData, startedAt time.Time) *Attempt {
	return &Attempt{
		token:     token,
		hash:      hash,
		snapshot:  snapshot,
		startedAt: startedAt,
		done:      make(chan struct{}),
	}
}

// ID returns the attempt's identifier (its cancellation token ID)
func (a *Attempt) ID() string {
	return a.token.ID()
}

// Hash returns the snapshot hash the attempt was started for
func (a *Attempt) Hash() string {
	return a.hash
}

// StartedAt returns when the attempt began
func (a *Attempt) StartedAt() time.Time {
	return a.startedAt
}

// Done is closed once the attempt has resolved
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt resolves or ctx is done
func (a *Attempt) Wait(ctx context.Context) (*models.GenerationResult, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// outcome must only be called after done is closed
func (a *Attempt) outcome() (*models.GenerationResult, error) {
	return a.result, a.err
}

// resolve records the first outcome and releases waiters; later calls are ignored
func (a *Attempt) resolve(result *models.GenerationResult, err error) bool {
	resolved := false
	a.once.Do(func() {
		a.result = result
		a.err = err
		close(a.done)
		resolved = true
	})
	return resolved
}

package cancel

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Token is a revocable handle for one unit of work.
// Holders check Current before committing a side effect.
type Token struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	revoked atomic.Bool
}

// New creates a live token whose context derives from parent
func New(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the token's unique identifier
func (t *Token) ID() string {
	return t.id
}

// Context returns a context that is cancelled when the token is revoked
func (t *Token) Context() context.Context {
	return t.ctx
}

// Revoke marks the token as no longer current. Only the first call has an effect.
// Reports whether this call performed the revocation.
func (t *Token) Revoke() bool {
	if !t.revoked.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

// Revoked reports whether Revoke has been called
func (t *Token) Revoked() bool {
	return t.revoked.Load()
}

// Current reports whether the token is still live
func (t *Token) Current() bool {
	return !t.revoked.Load()
}

package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lamim/docforge/internal/cancel"
)

var (
	// ErrExpired is reported by a transport when the human-verification proof is no longer accepted
	ErrExpired = errors.New("verification proof expired")
	// ErrDeclined means the user would not re-verify
	ErrDeclined = errors.New("verification declined")
	// ErrMisconfigured means the proof mechanism itself is unusable
	ErrMisconfigured = errors.New("verification misconfigured")
	// ErrAbandoned means the attempt was revoked while waiting for a fresh proof
	ErrAbandoned = errors.New("verification abandoned: attempt no longer current")
)

// Reverifier interactively obtains a fresh proof. It returns ErrDeclined if the user refuses.
type Reverifier func(ctx context.Context) (string, error)

// Gate hands out verification proofs and suspends attempts while a fresh one is obtained
type Gate struct {
	provider   Provider
	reverifier Reverifier
	logger     *slog.Logger

	renewMu sync.Mutex // one reverifier prompt at a time

	mu      sync.Mutex
	renewed string // most recent proof from the reverifier, preferred over the provider
}

// NewGate creates a verification gate. reverifier may be nil, in which case
// expired proofs cannot be renewed.
func NewGate(provider Provider, reverifier Reverifier, logger *slog.Logger) *Gate {
	return &Gate{
		provider:   provider,
		reverifier: reverifier,
		logger:     logger,
	}
}

// Proof returns the proof to attach to the next transport call
func (g *Gate) Proof(ctx context.Context) (string, error) {
	g.mu.Lock()
	renewed := g.renewed
	g.mu.Unlock()
	if renewed != "" {
		return renewed, nil
	}

	if g.provider == nil {
		return "", fmt.Errorf("%w: no proof provider configured", ErrMisconfigured)
	}
	proof, err := g.provider.Proof(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(proof) == "" {
		return "", fmt.Errorf("%w: provider returned an empty proof", ErrMisconfigured)
	}
	return proof, nil
}

// Renew suspends the caller until the reverifier supplies a fresh proof.
// Renewals are serialized. If tok was revoked meanwhile the fresh proof is
// kept for later attempts but ErrAbandoned is returned so the caller drops its call.
func (g *Gate) Renew(ctx context.Context, tok *cancel.Token) (string, error) {
	if g.reverifier == nil {
		return "", fmt.Errorf("%w: proof expired and no reverifier configured", ErrMisconfigured)
	}

	g.renewMu.Lock()
	defer g.renewMu.Unlock()

	if tok.Revoked() {
		return "", ErrAbandoned
	}

	g.logger.Info("Verification proof expired, requesting a fresh one", "token_id", tok.ID())

	proof, err := g.reverifier(ctx)
	if err != nil {
		if tok.Revoked() {
			return "", ErrAbandoned
		}
		if errors.Is(err, ErrDeclined) || errors.Is(err, ErrMisconfigured) {
			return "", err
		}
		// Any other rejection counts as the user declining
		return "", fmt.Errorf("%w: %v", ErrDeclined, err)
	}
	if strings.TrimSpace(proof) == "" {
		if tok.Revoked() {
			return "", ErrAbandoned
		}
		return "", fmt.Errorf("%w: empty proof supplied", ErrDeclined)
	}

	g.mu.Lock()
	g.renewed = proof
	g.mu.Unlock()

	if tok.Revoked() {
		g.logger.Debug("Attempt revoked during re-verification", "token_id", tok.ID())
		return "", ErrAbandoned
	}
	return proof, nil
}

// Reset forgets any renewed proof so the next session starts from the provider
func (g *Gate) Reset() {
	g.mu.Lock()
	g.renewed = ""
	g.mu.Unlock()
}

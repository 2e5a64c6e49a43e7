package verify

import (
	"context"
	"fmt"
	"os"
)

// Provider supplies an opaque human-verification proof
type Provider interface {
	Proof(ctx context.Context) (string, error)
}

// StaticProvider always returns the same proof
type StaticProvider string

// Proof implements Provider
func (p StaticProvider) Proof(ctx context.Context) (string, error) {
	return string(p), nil
}

// EnvProvider reads the proof from an environment variable at call time
type EnvProvider struct {
	Var string
}

// Proof implements Provider
func (p EnvProvider) Proof(ctx context.Context) (string, error) {
	if p.Var == "" {
		return "", fmt.Errorf("%w: no environment variable configured", ErrMisconfigured)
	}
	value := os.Getenv(p.Var)
	if value == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrMisconfigured, p.Var)
	}
	return value, nil
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context) (string, error)

// Proof implements Provider
func (f ProviderFunc) Proof(ctx context.Context) (string, error) {
	return f(ctx)
}

package session

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lamim/docforge/internal/snapshot"
)

// PatchOperation is one RFC 6902 operation against the form document
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value"`
}

var validOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

// ValidatePatchOperations checks op names and that no operation targets the document root
func ValidatePatchOperations(ops []PatchOperation) error {
	for i, op := range ops {
		if !validOps[op.Op] {
			return fmt.Errorf("operation %d: unsupported op %q", i, op.Op)
		}
		if !strings.HasPrefix(op.Path, "/") {
			return fmt.Errorf("operation %d: path %q must start with /", i, op.Path)
		}
		if (op.Op == "move" || op.Op == "copy") && !strings.HasPrefix(op.From, "/") {
			return fmt.Errorf("operation %d: from %q must start with /", i, op.From)
		}
	}
	return nil
}

// DecodePatch parses a JSON array of patch operations and validates it
func DecodePatch(raw []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode patch operations: %w", err)
	}
	if err := ValidatePatchOperations(ops); err != nil {
		return nil, fmt.Errorf("patch validation failed: %w", err)
	}
	return ops, nil
}

// ApplyPatch applies RFC 6902 operations atomically: either all of them apply
// and the edit goes through the same invalidation path as Update, or none do.
func (s *Session) ApplyPatch(ops []PatchOperation) error {
	if err := ValidatePatchOperations(ops); err != nil {
		return fmt.Errorf("patch validation failed: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	patchJSON, err := snapshot.EncodeValue(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal patch operations: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return fmt.Errorf("failed to decode patch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	currentJSON, err := snapshot.Encode(s.data)
	if err != nil {
		return fmt.Errorf("failed to marshal current form: %w", err)
	}
	modifiedJSON, err := patch.Apply(currentJSON)
	if err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	next, err := snapshot.Decode(modifiedJSON)
	if err != nil {
		return fmt.Errorf("patch would leave the form in an invalid state: %w", err)
	}

	s.commitLocked(next, len(ops))
	return nil
}

package models

import "time"

// FormData is the structured value collected by the form wizard
// (field name to JSON-representable value)
type FormData map[string]any

// Status represents the lifecycle status of the background generation
type Status string

const (
	// StatusIdle means no attempt exists for the current session
	StatusIdle Status = "idle"
	// StatusPending means an attempt is in flight
	StatusPending Status = "pending"
	// StatusReady means a result matching SnapshotHash is available
	StatusReady Status = "ready"
	// StatusStale means a previous result/error is kept for diagnostics only
	StatusStale Status = "stale"
	// StatusError means the last attempt failed
	StatusError Status = "error"
)

// StaleReason explains why an attempt was cancelled
type StaleReason string

const (
	ReasonFormUpdated StaleReason = "form-updated"
	ReasonNavigation  StaleReason = "navigation"
	ReasonConsumed    StaleReason = "consumed"
	ReasonManual      StaleReason = "manual"
)

// Usage represents token usage accounting reported by the generation service
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DocumentMetadata describes how a document was produced
type DocumentMetadata struct {
	Model        string    `json:"model,omitempty"`
	ResponseID   string    `json:"response_id,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Reasoning    string    `json:"reasoning,omitempty"` // Chain-of-Thought captured from think tags
	GeneratedAt  time.Time `json:"generated_at"`
}

// GenerationOutput is what a generation transport returns for one call
type GenerationOutput struct {
	Document string           `json:"document"`
	Metadata DocumentMetadata `json:"metadata"`
	Usage    Usage            `json:"usage"`
}

// GenerationResult is a committed output together with the form snapshot it was generated from
type GenerationResult struct {
	Document         string           `json:"document"`
	Metadata         DocumentMetadata `json:"metadata"`
	Usage            Usage            `json:"usage"`
	FormDataSnapshot FormData         `json:"form_data_snapshot"`
}

// GenerationState is the process-wide record of the active form session's background generation
type GenerationState struct {
	Status       Status            `json:"status"`
	SnapshotHash string            `json:"snapshot_hash,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	CompletedAt  time.Time         `json:"completed_at,omitempty"`
	Result       *GenerationResult `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Retryable    bool              `json:"retryable,omitempty"` // error can be retried by starting again
	StaleReason  StaleReason       `json:"stale_reason,omitempty"`
}

package synth

import (
	"context"
	"fmt"
	"time"
)

// Finding is one synthesized claim with the normalized record fingerprints
// backing it.
type Finding struct {
	Statement string   `json:"statement"`
	Citations []string `json:"citations"`
}

// Trend is a named market movement aggregated across sources. Tags drive
// cross-batch merging: trends sharing a tag are folded together.
type Trend struct {
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Summary   string   `json:"summary"`
	Citations []string `json:"citations"`
}

// Report is the monthly intelligence artifact.
type Report struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	Trends        []Trend   `json:"trends"`
	Challenges    []Finding `json:"challenges"`
	Solutions     []Finding `json:"solutions"`
	Model         string    `json:"model"`
	PromptVersion string    `json:"prompt_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Degraded      bool      `json:"degraded"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// Provider is a chat completion backend.
type Provider interface {
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// ErrorKind classifies synthesis failures.
type ErrorKind string

const (
	ModelUnavailable ErrorKind = "model_unavailable"
	BudgetExceeded   ErrorKind = "budget_exceeded"
	MalformedOutput  ErrorKind = "malformed_output"
)

// SynthesisError is a typed failure from the synthesis phase.
type SynthesisError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *SynthesisError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("synthesis: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("synthesis: %s", e.Kind)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func NewSynthesisError(kind ErrorKind, detail string, err error) *SynthesisError {
	return &SynthesisError{Kind: kind, Detail: detail, Err: err}
}

package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FetchStatus marks whether a record was retrieved cleanly.
type FetchStatus string

const (
	FetchOK    FetchStatus = "ok"
	FetchError FetchStatus = "error"
)

// RawRecord is a single piece of collected content. Owned by the run that
// produced it; never mutated after creation.
type RawRecord struct {
	ID        string      `json:"id"`
	Adapter   string      `json:"adapter"`
	Origin    string      `json:"origin"` // URL or handle
	Title     string      `json:"title,omitempty"`
	Text      string      `json:"text"`
	FetchedAt time.Time   `json:"fetched_at"`
	Status    FetchStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
}

// QuerySpec enumerates the options every adapter understands.
type QuerySpec struct {
	Keywords      []string      `json:"keywords"`
	MaxResults    int           `json:"max_results"`
	RecencyWindow time.Duration `json:"recency_window"`
}

// Adapter is the uniform capability over one external data provider.
// Implementations must not write to shared state; the only side effect is
// the external call (and the read-through fetch cache).
type Adapter interface {
	Name() string
	Collect(ctx context.Context, spec QuerySpec) ([]RawRecord, error)
}

// ErrorKind classifies adapter failures for retry decisions.
type ErrorKind string

const (
	RateLimited  ErrorKind = "rate_limited"
	AuthFailure  ErrorKind = "auth_failure"
	Timeout      ErrorKind = "timeout"
	ParseFailure ErrorKind = "parse_failure"
)

// AdapterError is a typed failure from a source adapter.
type AdapterError struct {
	Adapter string
	Kind    ErrorKind
	Detail  string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Adapter, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Adapter, e.Kind)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *AdapterError) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Timeout
}

// NewAdapterError wraps err with an adapter name and failure kind.
func NewAdapterError(adapter string, kind ErrorKind, detail string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Kind: kind, Detail: detail, Err: err}
}

// AsAdapterError extracts an *AdapterError from err, classifying unknown
// errors as ParseFailure (context deadline becomes Timeout).
func AsAdapterError(adapter string, err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAdapterError(adapter, Timeout, "deadline exceeded", err)
	}
	return NewAdapterError(adapter, ParseFailure, err.Error(), err)
}

// QueryString joins the keywords into a single provider query, with the
// fixed industry suffix the report focuses on.
func (q QuerySpec) QueryString() string {
	s := ""
	for i, kw := range q.Keywords {
		if i > 0 {
			s += " "
		}
		s += kw
	}
	if s == "" {
		return "manufacturing IIoT trends challenges solutions"
	}
	return s + " manufacturing industry trends challenges solutions"
}

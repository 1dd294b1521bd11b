// Package subagent provides the generic machinery to invoke the specialist
// agents (story, design, quality) uniformly: persona definitions, model
// provider adapters, output-schema validation, per-call timeouts, and
// parallel execution with deterministic result ordering.
//
// The runtime is deliberately dumb about recovery: Timeout and InvalidOutput
// are returned to the caller as retryable failures, provider errors as
// transient ones. Retry, fallback, and user messaging are orchestrator
// decisions.
package subagent

import "strings"

// Type identifies a specialist.
type Type string

const (
	TypeStory   Type = "story"
	TypeDesign  Type = "design"
	TypeQuality Type = "quality"
)

// IsValidType reports whether t names a known specialist.
func IsValidType(t Type) bool {
	switch t {
	case TypeStory, TypeDesign, TypeQuality:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	// ErrKindTimeout: the call did not complete within its allotted time.
	// Retryable by the caller; the runtime never retries internally.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindInvalidOutput: the model response failed schema validation.
	// Treated identically to a timeout for recovery purposes.
	ErrKindInvalidOutput ErrorKind = "invalid_output"
	// ErrKindProvider: transport/provider failure (rate limit, network).
	// Transient; surfaced rather than retried to keep the runtime simple.
	ErrKindProvider ErrorKind = "provider"
)

// ErrorInfo describes a failed invocation.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func newErrorInfo(kind ErrorKind, msg string) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: strings.TrimSpace(msg)}
}

// Result is the uniform outcome of one subagent invocation. It is ephemeral:
// the orchestrator maps Raw into a typed outcome, merges it into shared
// state, and discards the result.
//
// Exactly one of the two shapes holds:
//   - OK=true:  Raw is validated JSON, Confidence is set (defaulted to 0.5
//     with a warning when the model omitted it), Error is nil.
//   - OK=false: Raw is empty, Error describes the failure.
type Result struct {
	Type       Type    `json:"type"`
	OK         bool    `json:"ok"`
	Raw        string  `json:"raw,omitempty"`
	Confidence float64 `json:"confidence"`
	// ConfidenceDefaulted marks a confidence the model did not self-report.
	ConfidenceDefaulted bool       `json:"confidence_defaulted,omitempty"`
	Message             string     `json:"message,omitempty"`
	Error               *ErrorInfo `json:"error,omitempty"`
	ElapsedMS           int64      `json:"elapsed_ms"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return !r.OK || r.Error != nil
}

// Retryable reports whether the caller may reasonably retry the invocation.
// All current failure kinds are retryable-or-transient; the distinction only
// matters for how the orchestrator phrases the user-facing message.
func (r Result) Retryable() bool {
	return r.Error != nil
}

func failedResult(typ Type, kind ErrorKind, msg string, elapsedMS int64) Result {
	return Result{Type: typ, OK: false, Error: newErrorInfo(kind, msg), ElapsedMS: elapsedMS}
}

// Package llm abstracts the language-model capability: given a prompt and
// an optional target schema, it returns a structured value or fails.
// The pipeline never retries a failed call - an identical retry at
// temperature 0 is unlikely to change a structural failure.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Request is one blocking, cancelable completion request.
// No partial or streaming consumption.
type Request struct {
	System      string
	User        string
	Schema      map[string]any // JSON schema constraining the response, nil for free-form
	SchemaName  string         // name reported to the provider for the schema
	Temperature float64
	MaxTokens   int64
}

// Client is the language-model capability consumed by pipeline phases.
// Implementations must honor context cancellation; a timeout is a phase
// failure, not a retry trigger.
type Client interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// ErrContextLimit indicates the request exceeded the provider's context
// window. Mapped to a 413-style response by the pipeline.
var ErrContextLimit = errors.New("context limit exceeded")

// IsContextLimit reports whether err indicates a context-window overflow.
func IsContextLimit(err error) bool {
	if errors.Is(err, ErrContextLimit) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context")
}

// Static is a canned-response client for tests. Responses are consumed in
// order; when exhausted, Err (or the last response) is returned.
type Static struct {
	Responses []json.RawMessage
	Err       error

	next int
}

// Complete implements Client.
func (s *Static) Complete(_ context.Context, _ Request) (json.RawMessage, error) {
	if s.next >= len(s.Responses) {
		if s.Err != nil {
			return nil, s.Err
		}
		if len(s.Responses) == 0 {
			return nil, errors.New("static client: no responses configured")
		}
		return s.Responses[len(s.Responses)-1], nil
	}
	resp := s.Responses[s.next]
	s.next++
	return resp, nil
}

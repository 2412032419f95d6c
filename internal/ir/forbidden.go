package ir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ForbiddenTokens is the fixed denylist of substrings that indicate
// execution detail leaked into the declarative IR. Matching is
// case-insensitive over the serialized IR; any hit is an unconditional
// validation failure regardless of nesting depth.
var ForbiddenTokens = []string{
	"workflow_steps",
	"step_id",
	"\"step1",
	"\"step2",
	"\"step3",
	"loop_over",
	"scatter",
	"foreach",
	"for_each",
	"depends_on",
	"\"dependencies\"",
	"iteration_var",
	"{{item.",
	"{{step",
}

// TokenHit records a forbidden token found in a serialized IR.
type TokenHit struct {
	Token   string `json:"token"`
	Context string `json:"context"` // surrounding text for diagnostics
}

// ScanForbidden serializes v and scans it for forbidden tokens.
// Returns every hit, not just the first.
func ScanForbidden(v any) ([]TokenHit, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("scan: serialize: %w", err)
	}
	return ScanForbiddenBytes(data), nil
}

// ScanForbiddenBytes scans already-serialized JSON for forbidden tokens.
func ScanForbiddenBytes(data []byte) []TokenHit {
	lower := strings.ToLower(string(data))
	var hits []TokenHit
	for _, token := range ForbiddenTokens {
		idx := strings.Index(lower, strings.ToLower(token))
		if idx < 0 {
			continue
		}
		start := idx - 20
		if start < 0 {
			start = 0
		}
		end := idx + len(token) + 20
		if end > len(lower) {
			end = len(lower)
		}
		hits = append(hits, TokenHit{
			Token:   token,
			Context: string(data[start:end]),
		})
	}
	return hits
}

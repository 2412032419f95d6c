// Package ground validates semantic-plan assumptions against real schema
// metadata, producing confidence-scored resolutions or explicit failures.
//
// With no metadata supplied, grounding runs in degraded mode: it can only
// confirm which field names exist in the catalog-described schemas and
// cannot confirm sample values. Degraded mode is never an error by itself;
// the skip-rate gate is.
package ground

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/plan"
)

// ErrInsufficientGrounding is the hard "insufficient validation" failure:
// more assumptions were skipped than the configured fraction allows, so the
// pipeline must halt before formalization. This is an explicit gate, not a
// soft warning.
var ErrInsufficientGrounding = errors.New("insufficient grounding: too many assumptions skipped")

// FieldDescriptor describes one known field of the user's data.
type FieldDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Metadata is optional real-schema information about the data source.
type Metadata struct {
	Fields  []FieldDescriptor     `json:"fields"`
	Samples []map[string]ir.Value `json:"samples,omitempty"`
}

// Default thresholds. Product defaults, kept as configuration rather than
// hardcoded.
const (
	DefaultMinConfidence   = 0.7
	DefaultMaxSkipFraction = 0.5
)

// Config tunes the grounding engine. Nil fields take the defaults, so a
// deliberate zero threshold stays distinguishable from unset.
type Config struct {
	MinConfidence   *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`       // minimum match confidence to validate
	MaxSkipFraction *float64 `json:"max_skip_fraction,omitempty" yaml:"max_skip_fraction,omitempty"` // skip-rate gate
}

// Result is the grounding outcome for one assumption.
type Result struct {
	AssumptionID  string  `json:"assumption_id"`
	Validated     bool    `json:"validated"`
	ResolvedValue *string `json:"resolved_value"`
	Confidence    float64 `json:"confidence"`
	Skipped       bool    `json:"skipped"`
}

// GroundedPlan is the semantic plan plus per-assumption grounding results.
type GroundedPlan struct {
	Plan       *plan.Plan `json:"plan"`
	Results    []Result   `json:"results"`
	Grounded   bool       `json:"grounded"`
	Confidence float64    `json:"confidence"` // validated_count / total_count
}

// Input carries everything Ground needs.
type Input struct {
	Plan     *plan.Plan
	Metadata *Metadata // nil for degraded mode
	Catalog  catalog.Catalog
	Services []string // plugin keys or service names from the prompt
	Config   Config
}

// Ground validates each assumption against known field descriptors.
// Never panics and never errors on missing metadata alone; the only hard
// failure is the skip-rate gate.
func Ground(ctx context.Context, in Input) (*GroundedPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	minConfidence := DefaultMinConfidence
	if in.Config.MinConfidence != nil {
		minConfidence = *in.Config.MinConfidence
	}
	maxSkipFraction := DefaultMaxSkipFraction
	if in.Config.MaxSkipFraction != nil {
		maxSkipFraction = *in.Config.MaxSkipFraction
	}

	fields := knownFields(in)
	degraded := in.Metadata == nil

	results := make([]Result, 0, len(in.Plan.Assumptions))
	validated := 0
	skipped := 0

	for _, a := range in.Plan.Assumptions {
		target := claimField(a.Claim)
		if target == "" || len(fields) == 0 {
			// Nothing to check the claim against.
			results = append(results, Result{AssumptionID: a.ID, Skipped: true})
			skipped++
			continue
		}

		name, confidence := bestFieldMatch(target, fields)
		r := Result{AssumptionID: a.ID, Confidence: confidence}
		if confidence >= minConfidence && !degraded {
			r.Validated = true
			r.ResolvedValue = &name
			validated++
		} else if confidence >= minConfidence {
			// Degraded mode confirms the field name exists but cannot
			// confirm sample values, so the assumption stays unvalidated.
			r.ResolvedValue = &name
		}
		results = append(results, r)
	}

	// The skip-rate gate guards compilations that claimed to have metadata
	// yet could not check most assumptions against it. Fully degraded runs
	// (no metadata at all) return grounded=false instead of failing.
	total := len(in.Plan.Assumptions)
	if !degraded && total > 0 && float64(skipped)/float64(total) > maxSkipFraction {
		return nil, fmt.Errorf("%w: %d of %d skipped", ErrInsufficientGrounding, skipped, total)
	}

	gp := &GroundedPlan{
		Plan:     in.Plan,
		Results:  results,
		Grounded: !degraded && validated > 0,
	}
	if total > 0 {
		gp.Confidence = float64(validated) / float64(total)
	}

	log.Debugf("grounding: validated=%d skipped=%d total=%d degraded=%v", validated, skipped, total, degraded)
	return gp, nil
}

// knownFields gathers field descriptors from explicit metadata, falling
// back to catalog output schemas for the involved services.
func knownFields(in Input) []FieldDescriptor {
	if in.Metadata != nil {
		return in.Metadata.Fields
	}
	if in.Catalog == nil {
		return nil
	}

	var fields []FieldDescriptor
	seen := make(map[string]bool)
	for _, svc := range in.Services {
		key, err := in.Catalog.ResolvePlugin(svc)
		if err != nil {
			continue
		}
		actions, err := in.Catalog.Actions(key)
		if err != nil {
			continue
		}
		for _, spec := range actions {
			for name := range spec.Output.ItemFields {
				if !seen[name] {
					seen[name] = true
					fields = append(fields, FieldDescriptor{Name: name})
				}
			}
		}
	}
	return fields
}

// claimField extracts the field name an assumption talks about.
// Assumption claims follow the generator's contract of quoting the field,
// e.g. `the source has a "subject" field`; without a quoted name the last
// identifier-looking token is used.
func claimField(claim string) string {
	if start := strings.Index(claim, `"`); start >= 0 {
		rest := claim[start+1:]
		if end := strings.Index(rest, `"`); end > 0 {
			return rest[:end]
		}
	}
	if start := strings.Index(claim, "'"); start >= 0 {
		rest := claim[start+1:]
		if end := strings.Index(rest, "'"); end > 0 {
			return rest[:end]
		}
	}

	var last string
	for _, tok := range strings.Fields(claim) {
		tok = strings.Trim(tok, ".,:;()")
		if isIdentifier(tok) {
			last = tok
		}
	}
	return last
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

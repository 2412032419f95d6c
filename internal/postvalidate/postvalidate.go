// Package postvalidate runs the structural checks on a normalized graph:
// catalog membership of plugin/action pairs, reference ordering, and
// required-parameter population. A bounded auto-fix mode repairs a narrow
// set of mechanical issues, then validation re-runs exactly once - never
// more, to avoid fix/break oscillation.
package postvalidate

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
)

// Issue codes (E300-E399)
const (
	ErrUnknownPlugin      = "E300" // plugin not in catalog
	ErrUnknownAction      = "E301" // action not in catalog
	ErrDanglingReference  = "E302" // referenced step does not exist
	ErrForwardReference   = "E303" // referenced step does not precede
	ErrMissingParam       = "E304" // required action parameter absent
	ErrPlaceholderParam   = "E305" // required parameter holds a placeholder
	ErrInvalidStepType    = "E306" // step type outside the known set
	ErrNonContiguousIDs   = "E307" // step IDs not step1..stepN by position
	ErrScopeViolation     = "E308" // nested step references beyond its block
	ErrParamShape         = "E309" // array parameter holds a bare scalar
)

// Issue is one post-validation finding.
type Issue struct {
	StepID  string `json:"step_id"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("[%s] %s: %s", i.Code, i.StepID, i.Message)
}

// Report is the post-validation outcome.
type Report struct {
	Valid     bool    `json:"valid"`
	Issues    []Issue `json:"issues"`
	AutoFixed int     `json:"auto_fixed"`
}

// placeholderLiterals are values that indicate an unpopulated parameter.
var placeholderLiterals = map[string]bool{
	"todo":          true,
	"tbd":           true,
	"fixme":         true,
	"placeholder":   true,
	"<placeholder>": true,
	"changeme":      true,
	"your_value":    true,
	"xxx":           true,
}

// Check validates the graph without fixing anything.
func Check(g *graph.Graph, cat catalog.Catalog) Report {
	issues := collect(g, cat)
	return Report{Valid: len(issues) == 0, Issues: issues}
}

// CheckAndFix applies the bounded auto-fix pass for mechanical issues,
// then re-validates once.
func CheckAndFix(g *graph.Graph, cat catalog.Catalog) Report {
	issues := collect(g, cat)
	if len(issues) == 0 {
		return Report{Valid: true}
	}

	fixed := autoFix(g, cat)
	issues = collect(g, cat)
	return Report{Valid: len(issues) == 0, Issues: issues, AutoFixed: fixed}
}

func collect(g *graph.Graph, cat catalog.Catalog) []Issue {
	var issues []Issue

	pos := make(map[string]int)
	n := 0
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		n++
		pos[s.ID] = n
		if s.ID != graph.StepID(n) {
			issues = append(issues, Issue{
				StepID:  s.ID,
				Message: fmt.Sprintf("expected id %s at position %d", graph.StepID(n), n),
				Code:    ErrNonContiguousIDs,
			})
		}
		return true
	})

	g.Walk(func(s *graph.Step, parents []*graph.Step) bool {
		myPos := pos[s.ID]

		if !graph.ValidStepTypes[s.Type] {
			issues = append(issues, Issue{
				StepID:  s.ID,
				Message: fmt.Sprintf("unknown step type %q", s.Type),
				Code:    ErrInvalidStepType,
			})
		}

		if s.Type == graph.StepAction {
			issues = append(issues, checkAction(s, cat)...)
		}

		for _, dep := range s.Dependencies {
			depPos, ok := pos[dep]
			if !ok {
				issues = append(issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("dependency %q does not exist", dep),
					Code:    ErrDanglingReference,
				})
				continue
			}
			if depPos >= myPos {
				issues = append(issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("dependency %q does not precede this step", dep),
					Code:    ErrForwardReference,
				})
			}
		}

		for _, ref := range s.CollectRefs() {
			sr, ok := ref.(ir.StepRef)
			if !ok {
				continue
			}
			refID := graph.StepID(sr.Step)
			refPos, exists := pos[refID]
			if !exists {
				issues = append(issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("reference to missing step %s", refID),
					Code:    ErrDanglingReference,
				})
				continue
			}
			if refPos >= myPos {
				issues = append(issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("reference to %s does not precede this step", refID),
					Code:    ErrForwardReference,
				})
			}
			issues = append(issues, checkScope(s, sr, refPos, parents, pos)...)
		}
		return true
	})

	return issues
}

// checkScope enforces the nesting rule: a nested step may reference only
// steps before its enclosing block or siblings within the same block.
func checkScope(s *graph.Step, ref ir.StepRef, refPos int, parents []*graph.Step, pos map[string]int) []Issue {
	if len(parents) == 0 {
		return nil
	}
	block := parents[len(parents)-1]
	blockPos := pos[block.ID]
	if refPos < blockPos {
		return nil // before the enclosing block
	}
	// Inside the block: the target must be a sibling (or the block itself).
	for i := range block.Steps {
		if block.Steps[i].ID == graph.StepID(ref.Step) {
			return nil
		}
	}
	if graph.StepID(ref.Step) == block.ID {
		return nil
	}
	return []Issue{{
		StepID:  s.ID,
		Message: fmt.Sprintf("nested step references %s outside its enclosing block", ref.String()),
		Code:    ErrScopeViolation,
	}}
}

func checkAction(s *graph.Step, cat catalog.Catalog) []Issue {
	var issues []Issue

	spec, err := catalog.Action(cat, s.Plugin, s.Action)
	if err != nil {
		code := ErrUnknownAction
		if strings.Contains(err.Error(), "unknown plugin") {
			code = ErrUnknownPlugin
		}
		return []Issue{{
			StepID:  s.ID,
			Message: err.Error(),
			Code:    code,
		}}
	}

	for name, p := range spec.Parameters {
		if !p.Required {
			continue
		}
		v, ok := s.Params[name]
		if !ok {
			issues = append(issues, Issue{
				StepID:  s.ID,
				Message: fmt.Sprintf("required parameter %q is not populated", name),
				Code:    ErrMissingParam,
			})
			continue
		}
		if str, isStr := v.(ir.String); isStr {
			if placeholderLiterals[strings.ToLower(strings.TrimSpace(string(str)))] {
				issues = append(issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("required parameter %q holds placeholder %q", name, string(str)),
					Code:    ErrPlaceholderParam,
				})
				continue
			}
		}
		if p.Type == "array" && !isArrayShaped(v) {
			issues = append(issues, Issue{
				StepID:  s.ID,
				Message: fmt.Sprintf("parameter %q expects an array but holds a bare value", name),
				Code:    ErrParamShape,
			})
		}
	}
	return issues
}

// isArrayShaped reports whether a parameter value can produce an array:
// an actual array, or a reference resolved at run time.
func isArrayShaped(v ir.Value) bool {
	switch v.(type) {
	case ir.Array, ir.StepRef, ir.ItemRef, ir.ParamRef:
		return true
	default:
		return false
	}
}

// autoFix repairs the mechanical subset: wrapping a bare value in an array
// where the consumer expects one, and adding a missing dependency edge that
// a typed reference already implies. Returns the number of fixes applied.
func autoFix(g *graph.Graph, cat catalog.Catalog) int {
	fixed := 0

	pos := make(map[string]int)
	n := 0
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		n++
		pos[s.ID] = n
		return true
	})

	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		// Array re-wrap: required array parameter holding a bare scalar.
		if s.Type == graph.StepAction {
			if spec, err := catalog.Action(cat, s.Plugin, s.Action); err == nil {
				for name, p := range spec.Parameters {
					if !p.Required || p.Type != "array" {
						continue
					}
					switch v := s.Params[name].(type) {
					case nil, ir.Array:
						// absent or already an array
					case ir.StepRef, ir.ItemRef, ir.ParamRef:
						// reference shape is resolved at run time
						_ = v
					default:
						s.Params[name] = ir.Array{v}
						fixed++
					}
				}
			}
		}

		// Dependency edge implied by a typed reference but not declared.
		myPos := pos[s.ID]
		declared := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			declared[dep] = true
		}
		for _, ref := range s.CollectRefs() {
			sr, ok := ref.(ir.StepRef)
			if !ok {
				continue
			}
			refID := graph.StepID(sr.Step)
			refPos, exists := pos[refID]
			if exists && refPos < myPos && !declared[refID] {
				s.Dependencies = append(s.Dependencies, refID)
				declared[refID] = true
				fixed++
			}
		}
		return true
	})

	return fixed
}

// Package normalize restores the step-graph invariants after any mutation,
// whichever compiler produced the graph and whatever repair touched it.
//
// Four idempotent passes, applied in order:
//  1. renumber - IDs assigned strictly by depth-first array position, every
//     internal reference rewritten (typed refs structurally, embedded
//     template strings by longest-match-first substitution so "step5" never
//     corrupts "step5_1")
//  2. forward-reference repair - references to a later position are retargeted
//     to a plausible earlier source or surfaced as errors, never dropped
//  3. item-scope rewrite - inside a loop, references through the iteration
//     source collapse onto the iteration variable
//  4. output unwrapping - references assuming a bare output are extended with
//     the wrapper field the action schema declares
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
)

// Report lists every rewrite for audit.
type Report struct {
	Renumbered   map[string]string `json:"renumbered,omitempty"`    // old id -> new id
	ForwardFixes []string          `json:"forward_fixes,omitempty"` // human-readable retarget notes
	ScopeFixes   []string          `json:"scope_fixes,omitempty"`
	Unwraps      []string          `json:"unwraps,omitempty"`
}

// Normalize applies all passes in place. Returned errors are unresolved
// violations (dangling forward references); the graph is still left in its
// best normalized form so a caller can report every issue at once.
func Normalize(g *graph.Graph, cat catalog.Catalog) (*Report, []error) {
	report := &Report{Renumbered: map[string]string{}}

	renumber(g, report)
	errs := repairForwardRefs(g, report)
	rewriteItemScope(g, report)
	if cat != nil {
		unwrapOutputs(g, cat, report)
	}
	return report, errs
}

// positions returns each step's 1-based depth-first position keyed by
// current ID, and the flat ordering of IDs.
func positions(g *graph.Graph) (map[string]int, []string) {
	pos := make(map[string]int)
	var order []string
	n := 0
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		n++
		pos[s.ID] = n
		order = append(order, s.ID)
		return true
	})
	return pos, order
}

// renumber assigns step1..stepN by depth-first position and rewrites every
// internal reference consistently.
func renumber(g *graph.Graph, report *Report) {
	oldToNew := make(map[string]string)
	n := 0
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		n++
		newID := graph.StepID(n)
		if s.ID != newID {
			report.Renumbered[s.ID] = newID
		}
		oldToNew[s.ID] = newID
		return true
	})

	// Longest old IDs first so a substitution targeting "step5" cannot
	// corrupt "step5_1".
	oldIDs := make([]string, 0, len(oldToNew))
	for id := range oldToNew {
		oldIDs = append(oldIDs, id)
	}
	sort.Slice(oldIDs, func(i, j int) bool {
		if len(oldIDs[i]) != len(oldIDs[j]) {
			return len(oldIDs[i]) > len(oldIDs[j])
		}
		return oldIDs[i] < oldIDs[j]
	})

	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		s.ID = oldToNew[s.ID]

		for i, dep := range s.Dependencies {
			if mapped, ok := oldToNew[dep]; ok {
				s.Dependencies[i] = mapped
			}
		}

		s.Params = rewriteValues(s.Params, func(v ir.Value) ir.Value {
			switch val := v.(type) {
			case ir.StepRef:
				oldID := graph.StepID(val.Step)
				if mapped, ok := oldToNew[oldID]; ok {
					if num, ok := graph.StepNum(mapped); ok {
						return val.WithStep(num)
					}
				}
				return val
			case ir.String:
				return ir.String(substituteIDs(string(val), oldIDs, oldToNew))
			default:
				return v
			}
		}).(ir.Object)
		return true
	})
}

// substituteIDs rewrites embedded "stepN" tokens inside template strings.
// oldIDs must be sorted longest first. Substitution is two-phase through
// unique placeholders: with shifted IDs a single pass can chain (step2
// becomes step3 while step3 becomes step4), rewriting one token twice.
func substituteIDs(s string, oldIDs []string, oldToNew map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	for i, old := range oldIDs {
		if oldToNew[old] == old {
			continue
		}
		// Only rewrite when the token is not followed by another ID
		// character, so "step1" leaves "step12" and "step1_2" alone.
		s = replaceToken(s, old, placeholder(i))
	}
	for i, old := range oldIDs {
		newID := oldToNew[old]
		if newID == old {
			continue
		}
		s = strings.ReplaceAll(s, placeholder(i), newID)
	}
	return s
}

// placeholder yields a token that cannot occur in a template string and
// contains no ID characters.
func placeholder(i int) string {
	return fmt.Sprintf("\x00%d\x00", i)
}

func replaceToken(s, old, new string) string {
	var b strings.Builder
	for {
		idx := strings.Index(s, old)
		if idx < 0 {
			b.WriteString(s)
			return b.String()
		}
		after := idx + len(old)
		boundary := after >= len(s) || !isIDChar(s[after])
		b.WriteString(s[:idx])
		if boundary {
			b.WriteString(new)
		} else {
			b.WriteString(old)
		}
		s = s[after:]
	}
}

func isIDChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// rewriteValues applies fn over every value in an object tree.
func rewriteValues(v ir.Value, fn func(ir.Value) ir.Value) ir.Value {
	switch val := v.(type) {
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, elem := range val {
			out[i] = rewriteValues(elem, fn)
		}
		return out
	case ir.Object:
		out := make(ir.Object, len(val))
		for k, elem := range val {
			out[k] = rewriteValues(elem, fn)
		}
		return out
	default:
		return fn(v)
	}
}

// repairForwardRefs detects references to a step at a greater depth-first
// position and retargets them to a plausible earlier source. Unresolved
// forward references are returned as errors, never silently dropped.
func repairForwardRefs(g *graph.Graph, report *Report) []error {
	pos, _ := positions(g)
	var errs []error

	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		myPos := pos[s.ID]

		for i, dep := range s.Dependencies {
			depPos, ok := pos[dep]
			if !ok {
				errs = append(errs, fmt.Errorf("step %s: dependency %q does not exist", s.ID, dep))
				continue
			}
			if depPos >= myPos {
				if fixed, ok := earlierSource(g, pos, myPos, nil); ok {
					report.ForwardFixes = append(report.ForwardFixes,
						fmt.Sprintf("%s: dependency %s -> %s", s.ID, dep, fixed))
					s.Dependencies[i] = fixed
				} else {
					errs = append(errs, fmt.Errorf("step %s: forward dependency on %s", s.ID, dep))
				}
			}
		}

		s.Params = rewriteValues(s.Params, func(v ir.Value) ir.Value {
			ref, ok := v.(ir.StepRef)
			if !ok {
				return v
			}
			refID := graph.StepID(ref.Step)
			refPos, exists := pos[refID]
			if !exists {
				errs = append(errs, fmt.Errorf("step %s: reference to missing step %s", s.ID, refID))
				return v
			}
			if refPos < myPos {
				return v
			}
			if fixed, found := earlierSource(g, pos, myPos, ref.Path); found {
				if num, ok := graph.StepNum(fixed); ok {
					report.ForwardFixes = append(report.ForwardFixes,
						fmt.Sprintf("%s: ref %s -> %s", s.ID, refID, fixed))
					return ref.WithStep(num)
				}
			}
			errs = append(errs, fmt.Errorf("step %s: forward reference to %s", s.ID, refID))
			return v
		}).(ir.Object)
		return true
	})
	return errs
}

// earlierSource finds the most plausible earlier step that produces the
// data a forward reference wanted: the latest earlier step whose name or
// action shares a token with the reference path. Without a token match the
// fallback considers only steps some other step already reads from, so a
// sink nothing consumes (a delivery action) is never chosen.
func earlierSource(g *graph.Graph, pos map[string]int, before int, path []string) (string, bool) {
	var pathTokens []string
	for _, p := range path {
		if p != "data" {
			pathTokens = append(pathTokens, strings.ToLower(p))
		}
	}

	bestID := ""
	bestScore := 0
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		p := pos[s.ID]
		if p >= before {
			return true
		}
		score := 0
		haystack := strings.ToLower(s.Name + " " + s.Action)
		for _, tok := range pathTokens {
			if strings.Contains(haystack, tok) {
				score += 2
			}
		}
		// Positional tie-break: prefer the nearest earlier step.
		if score > bestScore || (score == bestScore && score > 0 && pos[bestID] < p) {
			bestScore = score
			bestID = s.ID
		}
		return true
	})
	if bestID != "" {
		return bestID, true
	}

	producers := producerSet(g)
	fallback := ""
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		p := pos[s.ID]
		if p >= before || !producers[s.ID] {
			return true
		}
		if fallback == "" || pos[fallback] < p {
			fallback = s.ID
		}
		return true
	})
	if fallback == "" {
		return "", false
	}
	return fallback, true
}

// producerSet collects steps whose output another step reads, via a typed
// reference or a dependency edge.
func producerSet(g *graph.Graph) map[string]bool {
	producers := make(map[string]bool)
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		for _, dep := range s.Dependencies {
			producers[dep] = true
		}
		for _, v := range s.CollectRefs() {
			if ref, ok := v.(ir.StepRef); ok {
				producers[graph.StepID(ref.Step)] = true
			}
		}
		return true
	})
	return producers
}

// rewriteItemScope rewrites references through a loop's iteration source to
// the iteration variable. After entering the loop, per-item fields are
// addressed via the item, not the original collection path.
func rewriteItemScope(g *graph.Graph, report *Report) {
	g.Walk(func(s *graph.Step, parents []*graph.Step) bool {
		// Find the innermost enclosing loop/scatter with a typed source.
		for i := len(parents) - 1; i >= 0; i-- {
			block := parents[i]
			if !graph.ContainerTypes[block.Type] {
				continue
			}
			src, ok := block.Params["input"].(ir.StepRef)
			if !ok {
				continue
			}
			s.Params = rewriteValues(s.Params, func(v ir.Value) ir.Value {
				ref, isRef := v.(ir.StepRef)
				if !isRef {
					return v
				}
				if ref.Step != src.Step || !pathHasPrefix(ref.Path, src.Path) {
					return v
				}
				sub := ref.Path[len(src.Path):]
				if len(sub) == 0 {
					return v
				}
				report.ScopeFixes = append(report.ScopeFixes,
					fmt.Sprintf("%s: %s -> %s", s.ID, ref.String(), ir.ItemRef{Path: sub}.String()))
				return ir.ItemRef{Path: sub}
			}).(ir.Object)
			break
		}
		return true
	})
}

func pathHasPrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// unwrapOutputs extends references that assume a bare output when the
// producing action's schema declares a wrapper field one level deeper.
func unwrapOutputs(g *graph.Graph, cat catalog.Catalog, report *Report) {
	wrappers := make(map[int]string) // step number -> wrapper field
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		if s.Type != graph.StepAction || s.Plugin == "" || s.Action == "" {
			return true
		}
		spec, err := catalog.Action(cat, s.Plugin, s.Action)
		if err != nil || spec.Output.WrapperField == "" {
			return true
		}
		if num, ok := graph.StepNum(s.ID); ok {
			wrappers[num] = spec.Output.WrapperField
		}
		return true
	})
	if len(wrappers) == 0 {
		return
	}

	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		s.Params = rewriteValues(s.Params, func(v ir.Value) ir.Value {
			ref, ok := v.(ir.StepRef)
			if !ok {
				return v
			}
			wrapper, wrapped := wrappers[ref.Step]
			if !wrapped {
				return v
			}
			// Only a bare "data" reference assumes the un-nested shape.
			if len(ref.Path) != 1 || ref.Path[0] != "data" {
				return v
			}
			fixed := ir.StepRef{Step: ref.Step, Path: []string{"data", wrapper}}
			report.Unwraps = append(report.Unwraps,
				fmt.Sprintf("%s: %s -> %s", s.ID, ref.String(), fixed.String()))
			return fixed
		}).(ir.Object)
		return true
	})
}

package repair

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
)

// Logic fix kinds.
const (
	FixDuplicateRouting    = "duplicate_routing"
	FixContextPreservation = "context_preservation"
	FixFieldPreservation   = "field_preservation"
	FixDedupFilter         = "dedup_filter"
)

// OptionAutoFix is the approval marker for a synthesized fix.
const OptionAutoFix = "auto_fix"

// LogicFix is one approved structural fix.
type LogicFix struct {
	IssueID        string     `json:"issue_id"`
	Kind           string     `json:"kind"`
	SelectedOption string     `json:"selectedOption"`
	Steps          []string   `json:"steps"` // affected step ids from the issue
	Evidence       []Evidence `json:"evidence,omitempty"`
	ContextField   string     `json:"context_field,omitempty"`
	PreserveFields []string   `json:"preserve_fields,omitempty"`
	DedupField     string     `json:"dedup_field,omitempty"`
}

func applyLogicFix(g *graph.Graph, fix LogicFix, touched map[string]bool) ([]string, error) {
	if fix.SelectedOption != "" && fix.SelectedOption != OptionAutoFix {
		return nil, fmt.Errorf("logic fix %s: unsupported option %q", fix.IssueID, fix.SelectedOption)
	}
	if len(fix.Steps) == 0 {
		return nil, fmt.Errorf("logic fix %s: no affected steps", fix.IssueID)
	}

	switch fix.Kind {
	case FixDuplicateRouting:
		return nil, fixDuplicateRouting(g, fix, touched)
	case FixContextPreservation:
		return nil, fixContextPreservation(g, fix, touched)
	case FixFieldPreservation:
		return nil, fixFieldPreservation(g, fix, touched)
	case FixDedupFilter:
		return fixDedupFilter(g, fix, touched)
	default:
		return nil, fmt.Errorf("logic fix %s: unknown kind %q", fix.IssueID, fix.Kind)
	}
}

// idAllocator hands out step IDs beyond every ID already in the graph, so
// synthesized steps never collide before renumbering.
type idAllocator struct{ next int }

func newAllocator(g *graph.Graph) *idAllocator {
	max := 0
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		if n, ok := graph.StepNum(s.ID); ok && n > max {
			max = n
		}
		return true
	})
	return &idAllocator{next: max + 1}
}

func (a *idAllocator) take() (string, int) {
	n := a.next
	a.next++
	return graph.StepID(n), n
}

// blockInput resolves the data source a container block reads from.
func blockInput(block *graph.Step) (ir.StepRef, bool) {
	if ref, ok := block.Params["input"].(ir.StepRef); ok {
		return ref, true
	}
	for _, dep := range block.Dependencies {
		if n, ok := graph.StepNum(dep); ok {
			return ir.StepRef{Step: n, Path: []string{"data"}}, true
		}
	}
	return ir.StepRef{}, false
}

// fixDuplicateRouting removes a shared un-filtered parallel block and
// synthesizes, per delivery branch, a filter -> map -> deliver chain wired
// directly into the main sequence. Steps nested in a removed block cannot be
// re-parented as-is; their dependency sets would be stale.
func fixDuplicateRouting(g *graph.Graph, fix LogicFix, touched map[string]bool) error {
	idx := g.IndexOf(fix.Steps[0])
	if idx < 0 {
		return fmt.Errorf("%w: %s (duplicate-routing block must be top-level)", ErrStepNotFound, fix.Steps[0])
	}
	block := &g.Steps[idx]
	if !graph.ContainerTypes[block.Type] && len(block.Steps) == 0 {
		return fmt.Errorf("logic fix %s: step %s is not a parallel block", fix.IssueID, block.ID)
	}

	src, ok := blockInput(block)
	if !ok {
		return fmt.Errorf("logic fix %s: block %s has no resolvable input", fix.IssueID, block.ID)
	}

	var deliveries []graph.Step
	sub := graph.Graph{Steps: block.Steps}
	sub.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		if s.Type == graph.StepAction && s.Plugin != "" {
			deliveries = append(deliveries, *s)
		}
		return true
	})
	if len(deliveries) == 0 {
		return fmt.Errorf("logic fix %s: block %s has no delivery branches", fix.IssueID, block.ID)
	}

	alloc := newAllocator(g)
	var chains []graph.Step
	for _, deliver := range deliveries {
		field, value, ok := matchEvidence(fix.Evidence, branchLabels(&deliver))
		if !ok {
			return fmt.Errorf("logic fix %s: no evidence value matches branch %q", fix.IssueID, deliver.Name)
		}

		filterID, filterNum := alloc.take()
		mapID, mapNum := alloc.take()
		deliverID, _ := alloc.take()

		chains = append(chains,
			graph.Step{
				ID:           filterID,
				Type:         graph.StepFilter,
				Name:         fmt.Sprintf("select %s records", value),
				Dependencies: []string{graph.StepID(src.Step)},
				Params: ir.Object{
					"input": src,
					"field": ir.String(field),
					"op":    ir.String(string(ir.OpEquals)),
					"value": ir.String(value),
				},
			},
			graph.Step{
				ID:           mapID,
				Type:         graph.StepMap,
				Name:         fmt.Sprintf("format %s rows", value),
				Dependencies: []string{filterID},
				Params: ir.Object{
					"input":  ir.StepRef{Step: filterNum, Path: []string{"data"}},
					"format": ir.String("rows"),
				},
			},
			rewireDeliver(deliver, deliverID, mapID, mapNum),
		)
		touched[filterID] = true
		touched[mapID] = true
		touched[deliverID] = true
	}

	touched[block.ID] = true
	rebuilt := make([]graph.Step, 0, len(g.Steps)-1+len(chains))
	rebuilt = append(rebuilt, g.Steps[:idx]...)
	rebuilt = append(rebuilt, chains...)
	rebuilt = append(rebuilt, g.Steps[idx+1:]...)
	g.Steps = rebuilt
	return nil
}

// rewireDeliver copies a branch's delivery step onto a fresh ID fed by the
// synthesized map step. Every parameter except the input survives.
func rewireDeliver(deliver graph.Step, id, mapID string, mapNum int) graph.Step {
	params := make(ir.Object, len(deliver.Params))
	for k, v := range deliver.Params {
		params[k] = v
	}
	params["input"] = ir.StepRef{Step: mapNum, Path: []string{"data"}}
	return graph.Step{
		ID:           id,
		Type:         graph.StepAction,
		Name:         deliver.Name,
		Plugin:       deliver.Plugin,
		Action:       deliver.Action,
		Dependencies: []string{mapID},
		Params:       params,
	}
}

// branchLabels collects the strings that may identify a delivery branch:
// its name and every literal string parameter (sheet names, channels,
// targets).
func branchLabels(s *graph.Step) []string {
	labels := []string{s.Name}
	for _, v := range s.Params {
		if str, ok := v.(ir.String); ok {
			labels = append(labels, string(str))
		}
	}
	return labels
}

// matchEvidence finds the observed field value a branch routes on. Exact
// value matches win over cleaned-name matches, with plural to singular
// normalization as the last resort.
func matchEvidence(evidence []Evidence, labels []string) (field, value string, ok bool) {
	type matcher func(observed, label string) bool
	passes := []matcher{
		func(o, l string) bool { return o == l },
		func(o, l string) bool { return cleanLabel(o) == cleanLabel(l) },
		func(o, l string) bool { return singularLabel(cleanLabel(o)) == singularLabel(cleanLabel(l)) },
	}

	for _, match := range passes {
		for _, ev := range evidence {
			for _, observed := range ev.Values {
				for _, label := range labels {
					if label == "" {
						continue
					}
					if match(observed, label) {
						return ev.Field, observed, true
					}
				}
			}
		}
	}
	return "", "", false
}

func cleanLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func singularLabel(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return strings.TrimSuffix(s, "ies") + "y"
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return strings.TrimSuffix(s, "s")
	default:
		return s
	}
}

// fixContextPreservation inserts a step before a fan-out block that carries
// the parent-level classification field into the block's input, so per-item
// processing keeps the reference the fan-out would otherwise lose.
func fixContextPreservation(g *graph.Graph, fix LogicFix, touched map[string]bool) error {
	if fix.ContextField == "" {
		return fmt.Errorf("logic fix %s: no context field named", fix.IssueID)
	}
	idx := g.IndexOf(fix.Steps[0])
	if idx < 0 {
		return fmt.Errorf("%w: %s (fan-out block must be top-level)", ErrStepNotFound, fix.Steps[0])
	}
	block := &g.Steps[idx]
	src, ok := blockInput(block)
	if !ok {
		return fmt.Errorf("logic fix %s: block %s has no resolvable input", fix.IssueID, block.ID)
	}

	alloc := newAllocator(g)
	id, num := alloc.take()
	preserve := graph.Step{
		ID:           id,
		Type:         graph.StepMap,
		Name:         fmt.Sprintf("carry %s into items", fix.ContextField),
		Dependencies: []string{graph.StepID(src.Step)},
		Params: ir.Object{
			"input":           src,
			"format":          ir.String("passthrough"),
			"preserve_fields": ir.Array{ir.String(fix.ContextField)},
		},
	}

	if block.Params == nil {
		block.Params = ir.Object{}
	}
	block.Params["input"] = ir.StepRef{Step: num, Path: []string{"data"}}
	block.Dependencies = []string{id}
	touched[block.ID] = true
	touched[id] = true

	rebuilt := make([]graph.Step, 0, len(g.Steps)+1)
	rebuilt = append(rebuilt, g.Steps[:idx]...)
	rebuilt = append(rebuilt, preserve)
	rebuilt = append(rebuilt, g.Steps[idx:]...)
	g.Steps = rebuilt
	return nil
}

// fixFieldPreservation adds a preservation directive to a flatten step for
// fields downstream references need but the flatten would drop.
func fixFieldPreservation(g *graph.Graph, fix LogicFix, touched map[string]bool) error {
	if len(fix.PreserveFields) == 0 {
		return fmt.Errorf("logic fix %s: no fields to preserve", fix.IssueID)
	}
	s := g.FindStep(fix.Steps[0])
	if s == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, fix.Steps[0])
	}
	if s.Params == nil {
		s.Params = ir.Object{}
	}

	existing, _ := s.Params["preserve_fields"].(ir.Array)
	have := make(map[string]bool, len(existing))
	for _, v := range existing {
		if str, ok := v.(ir.String); ok {
			have[string(str)] = true
		}
	}
	for _, f := range fix.PreserveFields {
		if !have[f] {
			existing = append(existing, ir.String(f))
			have[f] = true
		}
	}
	s.Params["preserve_fields"] = existing
	touched[s.ID] = true
	return nil
}

// fixDedupFilter inserts a dedup filter after the affected step and rewires
// downstream consumers through it. The caveat is explicit: the filter only
// removes repeats within one run.
func fixDedupFilter(g *graph.Graph, fix LogicFix, touched map[string]bool) ([]string, error) {
	idx := g.IndexOf(fix.Steps[0])
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s (dedup source must be top-level)", ErrStepNotFound, fix.Steps[0])
	}
	source := g.Steps[idx]
	srcNum, ok := graph.StepNum(source.ID)
	if !ok {
		return nil, fmt.Errorf("logic fix %s: malformed step id %q", fix.IssueID, source.ID)
	}
	field := fix.DedupField
	if field == "" {
		field = "id"
	}

	alloc := newAllocator(g)
	id, num := alloc.take()
	dedup := graph.Step{
		ID:           id,
		Type:         graph.StepFilter,
		Name:         fmt.Sprintf("drop duplicate %s values", field),
		Dependencies: []string{source.ID},
		Params: ir.Object{
			"input": ir.StepRef{Step: srcNum, Path: []string{"data"}},
			"op":    ir.String("dedup"),
			"field": ir.String(field),
		},
	}

	rebuilt := make([]graph.Step, 0, len(g.Steps)+1)
	rebuilt = append(rebuilt, g.Steps[:idx+1]...)
	rebuilt = append(rebuilt, dedup)
	rebuilt = append(rebuilt, g.Steps[idx+1:]...)
	g.Steps = rebuilt

	// Downstream consumers of the source now read through the filter.
	// Steps before the source cannot legally reference it, so a whole-graph
	// walk only retargets true consumers.
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		if s.ID == id {
			return true
		}
		changed := false
		s.RewriteRefs(func(v ir.Value) ir.Value {
			if ref, ok := v.(ir.StepRef); ok && ref.Step == srcNum {
				changed = true
				return ir.StepRef{Step: num, Path: ref.Path}
			}
			return v
		})
		for j, dep := range s.Dependencies {
			if dep == source.ID {
				s.Dependencies[j] = id
				changed = true
			}
		}
		if changed {
			touched[s.ID] = true
		}
		return true
	})
	touched[id] = true

	return []string{
		"dedup filter removes repeats within a single run only; true deduplication requires an external record of already processed items",
	}, nil
}

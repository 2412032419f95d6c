package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomhq/loom/internal/ir"
)

// StepType enumerates the executable step kinds.
type StepType string

const (
	StepAction  StepType = "action"  // plugin action call
	StepAI      StepType = "ai"      // model-backed transformation
	StepFilter  StepType = "filter"  // predicate over records
	StepMap     StepType = "map"     // field reshaping / flatten
	StepLoop    StepType = "loop"    // per-item iteration, nested steps
	StepScatter StepType = "scatter" // parallel fan-out, nested steps
	StepBranch  StepType = "branch"  // conditional block, nested steps
)

// ValidStepTypes defines the allowed step types.
var ValidStepTypes = map[StepType]bool{
	StepAction:  true,
	StepAI:      true,
	StepFilter:  true,
	StepMap:     true,
	StepLoop:    true,
	StepScatter: true,
	StepBranch:  true,
}

// ContainerTypes are step types that carry nested steps.
var ContainerTypes = map[StepType]bool{
	StepLoop:    true,
	StepScatter: true,
	StepBranch:  true,
}

// Step is one node of the compiled workflow.
// Params values are ir.Value, so step references inside params are typed
// (ir.StepRef / ir.ItemRef / ir.ParamRef), not template strings.
type Step struct {
	ID           string    `json:"id"`
	Type         StepType  `json:"type"`
	Name         string    `json:"name"`
	Plugin       string    `json:"plugin,omitempty"`
	Action       string    `json:"action,omitempty"`
	Dependencies []string  `json:"dependencies"`
	Params       ir.Object `json:"params"`
	ItemVar      string    `json:"item_var,omitempty"` // iteration variable for loop/scatter
	Steps        []Step    `json:"steps,omitempty"`    // nested steps for loop/scatter/branch
}

// InputParam is one entry of the workflow's declared input schema.
type InputParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Graph is a compiled workflow: top-level steps plus the declared input
// schema rebuilt from parameter references.
type Graph struct {
	Steps       []Step       `json:"workflow_steps"`
	InputSchema []InputParam `json:"input_schema"`
}

// StepNum parses the numeric part of a step ID ("step7" -> 7).
// Returns 0 and false for anything that is not a well-formed step ID.
func StepNum(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "step")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// StepID renders a 1-based position as a step ID.
func StepID(n int) string {
	return fmt.Sprintf("step%d", n)
}

// Clone returns a deep copy of the graph. Repair mutations always operate
// on a clone; the original is backed up before any write.
func (g *Graph) Clone() *Graph {
	data, err := json.Marshal(g)
	if err != nil {
		// Graph is built from JSON-safe types only; marshal cannot fail
		// outside of programmer error.
		panic(fmt.Sprintf("graph clone: %v", err))
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("graph clone: %v", err))
	}
	return &out
}

// Walk visits every step depth-first in array order, including nested
// steps. The callback receives the step and the path of enclosing
// container steps (outermost first). Returning false stops the walk.
func (g *Graph) Walk(fn func(s *Step, parents []*Step) bool) {
	walkSteps(g.Steps, nil, fn)
}

func walkSteps(steps []Step, parents []*Step, fn func(s *Step, parents []*Step) bool) bool {
	for i := range steps {
		s := &steps[i]
		if !fn(s, parents) {
			return false
		}
		if len(s.Steps) > 0 {
			ps := append(append([]*Step{}, parents...), s)
			if !walkSteps(s.Steps, ps, fn) {
				return false
			}
		}
	}
	return true
}

// IndexOf returns the top-level index of the step with the given ID, or -1.
func (g *Graph) IndexOf(id string) int {
	for i := range g.Steps {
		if g.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// FindStep returns the step with the given ID anywhere in the graph, or nil.
func (g *Graph) FindStep(id string) *Step {
	var found *Step
	g.Walk(func(s *Step, _ []*Step) bool {
		if s.ID == id {
			found = s
			return false
		}
		return true
	})
	return found
}

// CollectRefs returns every typed reference reachable from the step's
// params, in deterministic key order.
func (s *Step) CollectRefs() []ir.Value {
	var refs []ir.Value
	collectRefs(s.Params, &refs)
	return refs
}

func collectRefs(v ir.Value, out *[]ir.Value) {
	switch val := v.(type) {
	case ir.StepRef, ir.ItemRef, ir.ParamRef:
		*out = append(*out, val)
	case ir.Array:
		for _, elem := range val {
			collectRefs(elem, out)
		}
	case ir.Object:
		for _, k := range val.SortedKeys() {
			collectRefs(val[k], out)
		}
	}
}

// RewriteRefs applies fn to every typed reference in the step's params,
// replacing each with fn's return value. Structural, no serialization.
func (s *Step) RewriteRefs(fn func(v ir.Value) ir.Value) {
	s.Params = rewriteRefs(s.Params, fn).(ir.Object)
}

func rewriteRefs(v ir.Value, fn func(v ir.Value) ir.Value) ir.Value {
	switch val := v.(type) {
	case ir.StepRef, ir.ItemRef, ir.ParamRef:
		return fn(val)
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, elem := range val {
			out[i] = rewriteRefs(elem, fn)
		}
		return out
	case ir.Object:
		out := make(ir.Object, len(val))
		for k, elem := range val {
			out[k] = rewriteRefs(elem, fn)
		}
		return out
	default:
		return v
	}
}

// ToValue converts the graph to an ir.Value for canonical marshaling.
func (g *Graph) ToValue() (ir.Value, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("graph to value: %w", err)
	}
	return ir.FromJSON(data)
}

// Hash computes the content-addressed hash of the graph.
func (g *Graph) Hash() (string, error) {
	v, err := g.ToValue()
	if err != nil {
		return "", err
	}
	return ir.HashValue(ir.DomainGraph, v)
}

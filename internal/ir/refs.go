package ir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StepRef is a typed reference to an earlier step's output.
// Rendered as "{{step3.data.emails}}". Step numbers are 1-based and must
// point at a strictly earlier array position than the referencing step.
type StepRef struct {
	Step int      // 1-based step number
	Path []string // field path below the step output, e.g. ["data", "emails"]
}

func (StepRef) value() {}

// String renders the reference in template form.
func (r StepRef) String() string {
	parts := append([]string{fmt.Sprintf("step%d", r.Step)}, r.Path...)
	return "{{" + strings.Join(parts, ".") + "}}"
}

// WithStep returns a copy of the reference pointing at a different step.
func (r StepRef) WithStep(step int) StepRef {
	return StepRef{Step: step, Path: r.Path}
}

// ItemRef is a typed reference to the iteration variable inside a
// loop/scatter block. Rendered as "{{item.subject}}".
type ItemRef struct {
	Path []string
}

func (ItemRef) value() {}

// String renders the reference in template form.
func (r ItemRef) String() string {
	parts := append([]string{"item"}, r.Path...)
	return "{{" + strings.Join(parts, ".") + "}}"
}

// ParamRef is a typed reference to a workflow input parameter.
// Rendered as "{{params.sheet_id}}".
type ParamRef struct {
	Name string
}

func (ParamRef) value() {}

// String renders the reference in template form.
func (r ParamRef) String() string {
	return "{{params." + r.Name + "}}"
}

// refPattern matches a whole-string template reference.
var refPattern = regexp.MustCompile(`^\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z0-9_]+)*)\s*\}\}$`)

var stepHeadPattern = regexp.MustCompile(`^step([0-9]+)$`)

// ParseRef parses a template string into its typed reference form.
// Recognizes "{{stepN.path}}", "{{item.path}}", and "{{params.name}}".
// Returns (nil, false) for anything else, including partial templates
// embedded in larger strings.
func ParseRef(s string) (Value, bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	parts := strings.Split(m[1], ".")
	head := parts[0]

	if sm := stepHeadPattern.FindStringSubmatch(head); sm != nil {
		n, err := strconv.Atoi(sm[1])
		if err != nil || n < 1 {
			return nil, false
		}
		return StepRef{Step: n, Path: parts[1:]}, true
	}

	switch head {
	case "item":
		return ItemRef{Path: parts[1:]}, true
	case "params":
		if len(parts) != 2 {
			return nil, false
		}
		return ParamRef{Name: parts[1]}, true
	}
	return nil, false
}

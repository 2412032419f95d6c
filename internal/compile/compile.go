// Package compile turns a validated declarative IR into a step graph.
//
// Two interchangeable strategies share one contract. The deterministic
// compiler walks the IR structurally and emits steps with no model call;
// it is preferred because its output is stable, cheap, and auditable. The
// model fallback exists because the IR's expressive surface (nested AI
// operations, multi-destination conditional delivery) is larger than the
// deterministic pattern set. The fallback runs only when the deterministic
// strategy declines or produces an empty graph - never when it returns a
// non-empty one.
package compile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/schema"
)

// ErrShapeNotSupported is the deterministic compiler's declared "cannot
// handle this shape" signal. It triggers the model fallback.
var ErrShapeNotSupported = errors.New("IR shape outside deterministic pattern set")

// Result is the shared compiler contract.
type Result struct {
	Success     bool               `json:"success"`
	Steps       []graph.Step       `json:"workflow_steps"`
	InputSchema []graph.InputParam `json:"input_schema,omitempty"`
	PluginsUsed []string           `json:"plugins_used"`
	Errors      []string           `json:"errors,omitempty"`
	UsedModel   bool               `json:"used_model"`
}

// Compile applies the two-branch policy: deterministic first, model
// fallback only on a declared decline or an empty graph.
func Compile(ctx context.Context, client llm.Client, spec *ir.IR, p *plan.Plan, cat catalog.Catalog) (*Result, error) {
	res, err := Deterministic(spec, cat)
	if err == nil && len(res.Steps) > 0 {
		return res, nil
	}
	if err != nil && !errors.Is(err, ErrShapeNotSupported) {
		return nil, err
	}

	log.Infof("deterministic compiler declined, falling back to model")
	return WithModel(ctx, client, spec, p)
}

// Deterministic compiles the known pattern family:
//
//	single data source -> optional filters -> optional AI operations ->
//	single or per-group delivery
//
// Anything else returns ErrShapeNotSupported.
func Deterministic(spec *ir.IR, cat catalog.Catalog) (*Result, error) {
	if len(spec.DataSources) != 1 {
		return nil, fmt.Errorf("%w: %d data sources", ErrShapeNotSupported, len(spec.DataSources))
	}
	if len(spec.DeliveryRules) == 0 {
		return nil, fmt.Errorf("%w: no delivery rules", ErrShapeNotSupported)
	}
	perGroup := spec.DeliveryRules[0].PerGroup || spec.DeliveryRules[0].GroupValue != nil
	for _, d := range spec.DeliveryRules[1:] {
		if (d.PerGroup || d.GroupValue != nil) != perGroup {
			return nil, fmt.Errorf("%w: mixed per-group and plain delivery", ErrShapeNotSupported)
		}
	}
	if !perGroup && len(spec.DeliveryRules) > 1 {
		return nil, fmt.Errorf("%w: multiple plain delivery targets", ErrShapeNotSupported)
	}
	// Declared grouping facts with no per-group delivery have no place in
	// the linear pattern. Declining keeps them from being silently lost.
	if !perGroup && (spec.Grouping != nil || len(spec.Partitions) > 0) {
		return nil, fmt.Errorf("%w: grouping facts without per-group delivery", ErrShapeNotSupported)
	}

	b := &builder{cat: cat}
	src := spec.DataSources[0]

	readParams := ir.Object{}
	if src.TimeWindow != nil {
		readParams["time_window"] = ir.String(*src.TimeWindow)
	}
	readID := b.add(graph.Step{
		Type:   graph.StepAction,
		Name:   fmt.Sprintf("read %s", src.Name),
		Plugin: src.PluginKey,
		Action: src.OperationType,
		Params: readParams,
	}, 0)
	b.plugin(src.PluginKey)
	last := readID

	for _, f := range spec.Filters {
		last = b.add(filterStep(f, last), last)
	}

	for _, op := range spec.AIOperations {
		last = b.add(aiStep(op, last), last)
	}

	for _, f := range spec.PostAIFilters {
		last = b.add(filterStep(f, last), last)
	}

	if perGroup {
		if spec.Grouping == nil {
			return nil, fmt.Errorf("%w: per-group delivery without grouping", ErrShapeNotSupported)
		}
		for _, d := range spec.DeliveryRules {
			if err := b.perGroupChain(spec, d, last); err != nil {
				return nil, err
			}
		}
	} else {
		d := spec.DeliveryRules[0]
		deliverFrom := last
		if spec.Rendering != nil {
			deliverFrom = b.add(renderStep(*spec.Rendering, last), last)
		}
		b.add(b.deliverStep(d, deliverFrom), deliverFrom)
		b.plugin(d.PluginKey)
	}

	return &Result{
		Success:     true,
		Steps:       b.steps,
		InputSchema: b.inputSchema(),
		PluginsUsed: b.plugins,
	}, nil
}

// builder accumulates steps with position-assigned IDs.
type builder struct {
	cat     catalog.Catalog
	steps   []graph.Step
	plugins []string
	seen    map[string]bool
	inputs  map[string]graph.InputParam
}

// add appends a step, assigns its positional ID, and wires the dependency.
// dep is the 1-based number of the producing step, 0 for none.
func (b *builder) add(s graph.Step, dep int) int {
	n := len(b.steps) + 1
	s.ID = graph.StepID(n)
	if s.Dependencies == nil {
		s.Dependencies = []string{}
	}
	if dep > 0 {
		s.Dependencies = append(s.Dependencies, graph.StepID(dep))
	}
	if s.Params == nil {
		s.Params = ir.Object{}
	}
	b.steps = append(b.steps, s)
	return n
}

func (b *builder) plugin(key string) {
	if b.seen == nil {
		b.seen = make(map[string]bool)
	}
	if !b.seen[key] {
		b.seen[key] = true
		b.plugins = append(b.plugins, key)
	}
}

// perGroupChain synthesizes the filter -> map -> deliver chain for one
// per-group delivery rule.
func (b *builder) perGroupChain(spec *ir.IR, d ir.DeliveryRule, from int) error {
	if d.GroupValue == nil {
		return fmt.Errorf("%w: per-group delivery %q without group_value", ErrShapeNotSupported, d.Target)
	}
	field := spec.Grouping.Field

	filterID := b.add(graph.Step{
		Type: graph.StepFilter,
		Name: fmt.Sprintf("select %s records", *d.GroupValue),
		Params: ir.Object{
			"input": ir.StepRef{Step: from, Path: []string{"data"}},
			"field": ir.String(field),
			"op":    ir.String(string(ir.OpEquals)),
			"value": ir.String(*d.GroupValue),
		},
	}, from)

	mapID := b.add(graph.Step{
		Type: graph.StepMap,
		Name: fmt.Sprintf("format %s rows", *d.GroupValue),
		Params: ir.Object{
			"input":  ir.StepRef{Step: filterID, Path: []string{"data"}},
			"format": ir.String(renderFormat(spec.Rendering)),
		},
	}, filterID)

	b.add(b.deliverStep(d, mapID), mapID)
	b.plugin(d.PluginKey)
	return nil
}

func filterStep(f ir.FilterRule, from int) graph.Step {
	field := ""
	if f.Field != nil {
		field = *f.Field
	}
	value := f.Value
	if value == nil {
		value = ir.Null{}
	}
	return graph.Step{
		Type: graph.StepFilter,
		Name: fmt.Sprintf("filter by %s", field),
		Params: ir.Object{
			"input": ir.StepRef{Step: from, Path: []string{"data"}},
			"field": ir.String(field),
			"op":    ir.String(string(f.Op)),
			"value": value,
		},
	}
}

func aiStep(op ir.AIOperation, from int) graph.Step {
	outputSchema := ir.Object{}
	for k, v := range op.OutputSchema {
		outputSchema[k] = ir.String(v)
	}
	return graph.Step{
		Type: graph.StepAI,
		Name: op.Name,
		Params: ir.Object{
			"input":         ir.StepRef{Step: from, Path: []string{"data"}},
			"kind":          ir.String(string(op.Kind)),
			"instruction":   ir.String(op.Instruction),
			"per_item":      ir.Bool(op.PerItem),
			"output_schema": outputSchema,
		},
	}
}

func renderStep(r ir.Rendering, from int) graph.Step {
	params := ir.Object{
		"input":  ir.StepRef{Step: from, Path: []string{"data"}},
		"format": ir.String(r.Format),
	}
	if r.Template != nil {
		params["template"] = ir.String(*r.Template)
	}
	return graph.Step{
		Type:   graph.StepMap,
		Name:   fmt.Sprintf("render %s", r.Format),
		Params: params,
	}
}

func renderFormat(r *ir.Rendering) string {
	if r == nil {
		return "rows"
	}
	return r.Format
}

// payloadParams are parameter names that carry the delivered records
// themselves rather than addressing information.
var payloadParams = map[string]bool{
	"body":    true,
	"text":    true,
	"rows":    true,
	"message": true,
	"content": true,
}

// deliverStep builds an action step for a delivery rule. Required action
// parameters are bound at compile time: the payload parameter receives the
// upstream data, everything else becomes a declared workflow input. The IR
// carries no addressing detail, so addressing is always caller-supplied.
func (b *builder) deliverStep(d ir.DeliveryRule, from int) graph.Step {
	dataRef := ir.StepRef{Step: from, Path: []string{"data"}}
	params := ir.Object{"input": dataRef}

	if b.cat != nil {
		if spec, err := catalog.Action(b.cat, d.PluginKey, d.OperationType); err == nil {
			for name, p := range spec.Parameters {
				if !p.Required {
					continue
				}
				if p.Type == "array" || payloadParams[name] {
					params[name] = dataRef
					continue
				}
				params[name] = b.input(name, d, p)
			}
		}
	}

	return graph.Step{
		Type:   graph.StepAction,
		Name:   fmt.Sprintf("deliver to %s", d.Target),
		Plugin: d.PluginKey,
		Action: d.OperationType,
		Params: params,
	}
}

// input declares a workflow input for an unbound delivery parameter and
// returns its reference. Per-group rules get group-scoped names so each
// destination stays independently addressable.
func (b *builder) input(name string, d ir.DeliveryRule, p catalog.ParamSpec) ir.ParamRef {
	if d.GroupValue != nil {
		name = identToken(*d.GroupValue) + "_" + name
	}
	if b.inputs == nil {
		b.inputs = make(map[string]graph.InputParam)
	}
	if _, ok := b.inputs[name]; !ok {
		b.inputs[name] = graph.InputParam{
			Name:        name,
			Type:        p.Type,
			Description: p.Description,
			Required:    true,
		}
	}
	return ir.ParamRef{Name: name}
}

// inputSchema returns the declared workflow inputs in name order.
func (b *builder) inputSchema() []graph.InputParam {
	if len(b.inputs) == 0 {
		return nil
	}
	names := make([]string, 0, len(b.inputs))
	for name := range b.inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := make([]graph.InputParam, 0, len(names))
	for _, name := range names {
		schema = append(schema, b.inputs[name])
	}
	return schema
}

// identToken lowercases a label into an identifier-safe token.
func identToken(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

const compileSystemPrompt = `You are a workflow compiler. Translate the
declarative IR into an executable step graph as JSON with a workflow_steps
array. Steps have id ("step1".."stepN", sequential), type (action, ai,
filter, map, loop, scatter, branch), name, dependencies (earlier step ids
only), params, and optional nested steps. References to earlier outputs use
the "{{stepN.data.field}}" template form; inside a loop use "{{item.field}}".
Never reference a later step.`

// WithModel compiles via the language model at temperature 0.
// The decoded graph passes the step-graph schema check before acceptance;
// normalization and post-validation still run downstream.
func WithModel(ctx context.Context, client llm.Client, spec *ir.IR, p *plan.Plan) (*Result, error) {
	payload, err := json.Marshal(map[string]any{
		"ir":   spec,
		"plan": p,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal compiler input: %w", err)
	}

	raw, err := client.Complete(ctx, llm.Request{
		System:      compileSystemPrompt,
		User:        string(payload),
		SchemaName:  "step_graph",
		Temperature: 0,
		MaxTokens:   0,
	})
	if err != nil {
		return nil, fmt.Errorf("model compilation: %w", err)
	}

	issues, err := schema.Validate(raw, schema.DefStepGraph)
	if err != nil {
		return nil, fmt.Errorf("step graph schema check: %w", err)
	}
	if len(issues) > 0 {
		return nil, fmt.Errorf("model graph does not conform to schema: %s", issues[0])
	}

	var decoded struct {
		Steps []graph.Step `json:"workflow_steps"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode step graph: %w", err)
	}
	if len(decoded.Steps) == 0 {
		return nil, errors.New("model compilation produced an empty graph")
	}

	var plugins []string
	seen := make(map[string]bool)
	g := graph.Graph{Steps: decoded.Steps}
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		if s.Plugin != "" && !seen[s.Plugin] {
			seen[s.Plugin] = true
			plugins = append(plugins, s.Plugin)
		}
		return true
	})

	return &Result{
		Success:     true,
		Steps:       decoded.Steps,
		InputSchema: refInputSchema(&g),
		PluginsUsed: plugins,
		UsedModel:   true,
	}, nil
}

// refInputSchema recovers declared inputs from parameter references in a
// model-produced graph. The model declares no types, so every recovered
// input is a required string.
func refInputSchema(g *graph.Graph) []graph.InputParam {
	names := make(map[string]bool)
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		for _, v := range s.CollectRefs() {
			if ref, ok := v.(ir.ParamRef); ok {
				names[ref.Name] = true
			}
		}
		return true
	})
	if len(names) == 0 {
		return nil
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	schema := make([]graph.InputParam, 0, len(ordered))
	for _, name := range ordered {
		schema = append(schema, graph.InputParam{Name: name, Type: "string", Required: true})
	}
	return schema
}

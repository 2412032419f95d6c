// Package formalize maps a grounded plan into the declarative IR.
// The mapping is mechanical: each grounded fact lands on its exact IR
// field, with resolved values substituted for assumption placeholders.
// Plugin keys and operation types are resolved through the capability
// catalog and are never left null when the plan names a service.
package formalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/ground"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/schema"
)

// Metadata reports what formalization could not ground to an IR fact.
// MissingFacts is informational - propagated for user-facing clarification
// requests, never a phase failure.
type Metadata struct {
	MissingFacts []string `json:"missing_facts"`
	UsedModel    bool     `json:"used_model"`
}

// Config tunes formalization.
type Config struct {
	Temperature float64 // for the model fallback; keep at 0
	MaxTokens   int64
}

// Formalize maps a grounded plan to a validated IR.
// The deterministic mapping runs first; a temperature-0 model call is the
// fallback for plan shapes the mechanical mapping cannot express. The
// returned IR always passes ir.Validate.
func Formalize(ctx context.Context, client llm.Client, gp *ground.GroundedPlan, prompt *plan.EnhancedPrompt, cat catalog.Catalog, cfg Config) (*ir.IR, *Metadata, error) {
	spec, meta, err := formalizeMechanical(gp, prompt, cat)
	if err == nil {
		if verrs := ir.Validate(spec); len(verrs) > 0 {
			return nil, nil, fmt.Errorf("formalized IR invalid: %s", verrs[0])
		}
		return spec, meta, nil
	}

	log.Debugf("mechanical formalization declined: %v; using model", err)
	spec, meta, err = formalizeWithModel(ctx, client, gp, prompt, cfg)
	if err != nil {
		return nil, nil, err
	}
	if verrs := ir.Validate(spec); len(verrs) > 0 {
		return nil, nil, fmt.Errorf("model-formalized IR invalid: %s", verrs[0])
	}
	return spec, meta, nil
}

// formalizeMechanical builds the IR without a model call.
func formalizeMechanical(gp *ground.GroundedPlan, prompt *plan.EnhancedPrompt, cat catalog.Catalog) (*ir.IR, *Metadata, error) {
	meta := &Metadata{}
	spec := &ir.IR{
		IRVersion:     ir.Version,
		Filters:       []ir.FilterRule{},
		PostAIFilters: []ir.FilterRule{},
		AIOperations:  []ir.AIOperation{},
		Partitions:    []ir.Partition{},
		DeliveryRules: []ir.DeliveryRule{},
		EdgeCases:     []ir.EdgeCase{},
	}

	resolved := resolvedFields(gp)

	for _, src := range prompt.DataSources {
		key, err := cat.ResolvePlugin(src.Service)
		if err != nil {
			return nil, nil, fmt.Errorf("data source %q: %w", src.Service, err)
		}
		opType, err := readOperation(cat, key)
		if err != nil {
			return nil, nil, fmt.Errorf("data source %q: %w", src.Service, err)
		}
		fields := src.Fields
		if len(fields) == 0 {
			fields = resolved
		}
		spec.DataSources = append(spec.DataSources, ir.DataSource{
			Name:          src.Service,
			PluginKey:     key,
			OperationType: opType,
			Fields:        fields,
		})
	}
	if len(spec.DataSources) == 0 {
		return nil, nil, fmt.Errorf("plan names no data sources")
	}

	for _, step := range prompt.ProcessingSteps {
		op, ok := aiOperationFor(step)
		if !ok {
			meta.MissingFacts = append(meta.MissingFacts, fmt.Sprintf("processing step not mappable: %q", step))
			continue
		}
		spec.AIOperations = append(spec.AIOperations, op)
	}

	delivery := prompt.Delivery
	if delivery == "" {
		delivery = gp.Plan.Understanding.Delivery
	}
	if strings.TrimSpace(delivery) == "" {
		return nil, nil, fmt.Errorf("plan names no delivery target")
	}
	rule, err := deliveryRuleFor(delivery, cat)
	if err != nil {
		return nil, nil, err
	}
	spec.DeliveryRules = append(spec.DeliveryRules, rule)

	// Assumptions grounding could not resolve surface as missing facts.
	for i, r := range gp.Results {
		if !r.Validated && !r.Skipped && r.ResolvedValue == nil {
			claim := ""
			if i < len(gp.Plan.Assumptions) {
				claim = gp.Plan.Assumptions[i].Claim
			}
			meta.MissingFacts = append(meta.MissingFacts, fmt.Sprintf("ungrounded assumption: %s", claim))
		}
	}

	return spec, meta, nil
}

// resolvedFields collects field names grounding validated or resolved.
func resolvedFields(gp *ground.GroundedPlan) []string {
	var fields []string
	seen := make(map[string]bool)
	for _, r := range gp.Results {
		if r.ResolvedValue != nil && !seen[*r.ResolvedValue] {
			seen[*r.ResolvedValue] = true
			fields = append(fields, *r.ResolvedValue)
		}
	}
	return fields
}

// readOperation picks the plugin's read-style action as the operation type.
func readOperation(cat catalog.Catalog, pluginKey string) (string, error) {
	actions, err := cat.Actions(pluginKey)
	if err != nil {
		return "", err
	}
	for name, spec := range actions {
		if spec.Output.Type == "array" {
			return name, nil
		}
	}
	return "", fmt.Errorf("plugin %q has no read operation", pluginKey)
}

// writeOperation picks the plugin's write-style action as the operation type.
func writeOperation(cat catalog.Catalog, pluginKey string) (string, error) {
	actions, err := cat.Actions(pluginKey)
	if err != nil {
		return "", err
	}
	for name, spec := range actions {
		if spec.Output.Type != "array" {
			return name, nil
		}
	}
	return "", fmt.Errorf("plugin %q has no write operation", pluginKey)
}

// aiOperationFor maps a processing-step sentence to a declarative AI
// operation. Only unambiguous verbs map; everything else is a missing fact.
func aiOperationFor(step string) (ir.AIOperation, bool) {
	lower := strings.ToLower(step)
	switch {
	case strings.Contains(lower, "summariz"), strings.Contains(lower, "digest"):
		return ir.AIOperation{
			Name:        "summarize",
			Kind:        ir.AISummarize,
			Instruction: step,
			PerItem:     false,
		}, true
	case strings.Contains(lower, "classif"), strings.Contains(lower, "categoriz"):
		return ir.AIOperation{
			Name:        "classify",
			Kind:        ir.AIClassify,
			Instruction: step,
			PerItem:     true,
		}, true
	case strings.Contains(lower, "extract"):
		return ir.AIOperation{
			Name:        "extract",
			Kind:        ir.AIExtract,
			Instruction: step,
			PerItem:     true,
		}, true
	default:
		return ir.AIOperation{}, false
	}
}

// deliveryRuleFor resolves a delivery description to a plugin and write
// operation.
func deliveryRuleFor(delivery string, cat catalog.Catalog) (ir.DeliveryRule, error) {
	key, err := cat.ResolvePlugin(delivery)
	if err != nil {
		// The description may be a sentence ("email me a daily digest");
		// try its words before giving up.
		for _, word := range strings.Fields(strings.ToLower(delivery)) {
			word = strings.Trim(word, ".,:;")
			if k, werr := cat.ResolvePlugin(word); werr == nil {
				key = k
				err = nil
				break
			}
		}
	}
	if err != nil {
		return ir.DeliveryRule{}, fmt.Errorf("delivery %q: %w", delivery, err)
	}

	opType, err := writeOperation(cat, key)
	if err != nil {
		return ir.DeliveryRule{}, err
	}
	return ir.DeliveryRule{
		Target:        delivery,
		PluginKey:     key,
		OperationType: opType,
	}, nil
}

const formalizeSystemPrompt = `You are a workflow formalizer. Map the grounded
plan to the declarative IR JSON exactly. The IR carries business facts only:
data sources, filters, AI operations, grouping, rendering, delivery rules.
It must never contain step identifiers, loop or scatter constructs, or
execution field names. Resolve every data source and delivery target to a
plugin_key and operation_type from the provided catalog listing.`

// formalizeWithModel is the fallback for plan shapes the mechanical mapping
// cannot express. Temperature 0 for reproducibility.
func formalizeWithModel(ctx context.Context, client llm.Client, gp *ground.GroundedPlan, prompt *plan.EnhancedPrompt, cfg Config) (*ir.IR, *Metadata, error) {
	payload, err := json.Marshal(map[string]any{
		"plan":            gp.Plan,
		"grounding":       gp.Results,
		"enhanced_prompt": prompt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal formalizer input: %w", err)
	}

	raw, err := client.Complete(ctx, llm.Request{
		System:      formalizeSystemPrompt,
		User:        string(payload),
		SchemaName:  "declarative_ir",
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("formalization: %w", err)
	}

	issues, err := schema.Validate(raw, schema.DefDeclarativeIR)
	if err != nil {
		return nil, nil, fmt.Errorf("IR schema check: %w", err)
	}
	if len(issues) > 0 {
		return nil, nil, fmt.Errorf("model IR does not conform to schema: %s", issues[0])
	}

	var spec ir.IR
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, nil, fmt.Errorf("decode IR: %w", err)
	}
	return &spec, &Metadata{UsedModel: true}, nil
}

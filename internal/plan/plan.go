// Package plan generates the Semantic Plan: the model's reading of a
// business requirement as a goal, a data-source understanding, and an
// explicit list of unverified assumptions for grounding to check.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/schema"
)

// EnhancedPrompt is the structured business requirement - the pipeline's
// sole input. Immutable.
type EnhancedPrompt struct {
	Goal             string             `json:"goal"`
	DataSources      []PromptDataSource `json:"data_sources"`
	ServicesInvolved []string           `json:"services_involved"`
	Actions          []string           `json:"actions,omitempty"`
	OutputShape      string             `json:"output_shape,omitempty"`
	Delivery         string             `json:"delivery,omitempty"`
	ProcessingSteps  []string           `json:"processing_steps,omitempty"`
}

// PromptDataSource names one service the requirement reads from.
type PromptDataSource struct {
	Service     string   `json:"service"`
	Description string   `json:"description,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

// Assumption is an unverified claim the plan generator makes about the
// user's data shape. Grounding checks it later.
type Assumption struct {
	ID             string `json:"id"`
	Claim          string `json:"claim"`
	ConfidenceHint string `json:"confidence_hint,omitempty"` // "low" | "medium" | "high"
}

// Understanding is the plan's reading of sources and delivery.
type Understanding struct {
	DataSources []string `json:"data_sources"`
	Delivery    string   `json:"delivery"`
}

// Plan is the Semantic Plan. Created once per compilation attempt; never
// mutated, only consumed by grounding.
type Plan struct {
	Goal           string        `json:"goal"`
	Understanding  Understanding `json:"understanding"`
	Assumptions    []Assumption  `json:"assumptions"`
	Ambiguities    []string      `json:"ambiguities"`
	ReasoningTrace string        `json:"reasoning_trace,omitempty"`
}

// ErrNoAssumptions is returned when the model produced a plan without
// assumptions. A plan with nothing to verify is unverifiable, so this is a
// hard structural precondition, not a style guideline.
var ErrNoAssumptions = errors.New("plan has no assumptions to ground")

// Config tunes plan generation.
type Config struct {
	Temperature float64
	MaxTokens   int64
}

const systemPrompt = `You are a workflow analyst. Read the structured business
requirement and produce a semantic plan as JSON with fields: goal,
understanding {data_sources, delivery}, assumptions, ambiguities, and
reasoning_trace. Every claim you make about the user's data shape that you
cannot verify from the requirement itself MUST appear in assumptions, each
with an id, a claim, and a confidence_hint of low, medium, or high. Do not
invent fields the requirement does not mention without recording an
assumption for them.`

// planSchema constrains the model response shape.
var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"goal": map[string]any{"type": "string"},
		"understanding": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"data_sources": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"delivery":     map[string]any{"type": "string"},
			},
			"required":             []string{"data_sources", "delivery"},
			"additionalProperties": false,
		},
		"assumptions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":              map[string]any{"type": "string"},
					"claim":           map[string]any{"type": "string"},
					"confidence_hint": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				},
				"required":             []string{"id", "claim", "confidence_hint"},
				"additionalProperties": false,
			},
		},
		"ambiguities":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"reasoning_trace": map[string]any{"type": "string"},
	},
	"required":             []string{"goal", "understanding", "assumptions", "ambiguities", "reasoning_trace"},
	"additionalProperties": false,
}

// Generate produces a Semantic Plan from an enhanced prompt.
// Any malformed or schema-incomplete response is a failure - the caller
// surfaces it with phase tag "understanding".
func Generate(ctx context.Context, client llm.Client, prompt *EnhancedPrompt, cfg Config) (*Plan, error) {
	userPayload, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	raw, err := client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        string(userPayload),
		Schema:      planSchema,
		SchemaName:  "semantic_plan",
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}

	issues, err := schema.Validate(raw, schema.DefSemanticPlan)
	if err != nil {
		return nil, fmt.Errorf("plan schema check: %w", err)
	}
	if len(issues) > 0 {
		return nil, fmt.Errorf("plan does not conform to schema: %s", issues[0])
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(p.Assumptions) == 0 {
		return nil, ErrNoAssumptions
	}

	log.Debugf("plan generated: %d assumptions, %d ambiguities", len(p.Assumptions), len(p.Ambiguities))
	return &p, nil
}

// ValidatePrompt checks the enhanced prompt against its schema before the
// pipeline starts. Malformed input is reported immediately, never defaulted.
func ValidatePrompt(data []byte) []schema.Issue {
	issues, err := schema.Validate(data, schema.DefEnhancedPrompt)
	if err != nil {
		return []schema.Issue{{Message: err.Error()}}
	}
	return issues
}

// Package pipeline orchestrates the compilation phases strictly in
// sequence: understanding -> grounding -> formalization -> compilation ->
// normalization, with a named gate between each pair. Each phase's output
// is the next phase's only input; no phase runs until upstream validation
// is known. No cross-request state is held.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/compile"
	"github.com/loomhq/loom/internal/formalize"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ground"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/normalize"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/postvalidate"
	"github.com/loomhq/loom/internal/store"
)

// Phase tags name the failing contract in every error response.
type Phase string

const (
	PhaseUnderstanding Phase = "understanding"
	PhaseTransition12  Phase = "transition_1_to_2"
	PhaseGrounding     Phase = "grounding"
	PhaseTransition23  Phase = "transition_2_to_3"
	PhaseFormalization Phase = "formalization"
	PhaseTransition34  Phase = "transition_3_to_4"
	PhaseCompilation   Phase = "compilation"
	PhaseTransition45  Phase = "transition_4_to_5"
	PhaseNormalization Phase = "normalization"
)

// HTTP-style status classes for phase failures.
const (
	StatusClientError  = 400
	StatusNotFound     = 404
	StatusPayloadLarge = 413
	StatusServerError  = 500
)

// PhaseError reports which phase failed, with what status class, and every
// error collected there.
type PhaseError struct {
	Phase  Phase    `json:"phase"`
	Status int      `json:"status"`
	Errs   []string `json:"errors"`
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("phase %s failed (%d)", e.Phase, e.Status)
	}
	return fmt.Sprintf("phase %s failed (%d): %s", e.Phase, e.Status, e.Errs[0])
}

func phaseErr(phase Phase, status int, errs ...error) *PhaseError {
	pe := &PhaseError{Phase: phase, Status: status}
	for _, err := range errs {
		pe.Errs = append(pe.Errs, err.Error())
	}
	return pe
}

// statusFor classifies an external-capability error.
func statusFor(err error) int {
	switch {
	case llm.IsContextLimit(err):
		return StatusPayloadLarge
	case errors.Is(err, catalog.ErrUnknownPlugin), errors.Is(err, catalog.ErrUnknownAction):
		return StatusNotFound
	default:
		return StatusServerError
	}
}

// Config is the per-request pipeline configuration.
type Config struct {
	PlanTemperature           float64 `json:"plan_temperature" yaml:"plan_temperature"`
	MaxTokens                 int64   `json:"max_tokens" yaml:"max_tokens"`
	Grounding                 ground.Config `json:"grounding" yaml:"grounding"`
	ReturnIntermediateResults bool   `json:"return_intermediate_results" yaml:"return_intermediate_results"`
	AgentName                 string `json:"agent_name" yaml:"agent_name"`
}

// Request is one compilation request.
type Request struct {
	Prompt   json.RawMessage  `json:"enhanced_prompt"`
	Metadata *ground.Metadata `json:"data_source_metadata"`
	Config   Config           `json:"config"`
}

// Validation mirrors the post-validation outcome in the response envelope.
type Validation struct {
	Valid     bool                 `json:"valid"`
	Issues    []postvalidate.Issue `json:"issues"`
	AutoFixed int                  `json:"autoFixed"`
}

// Metadata carries per-phase timing and compilation statistics.
type Metadata struct {
	PhaseTimesMS        map[string]int64 `json:"phase_times_ms"`
	GroundingConfidence float64          `json:"grounding_confidence"`
	StepsGenerated      int              `json:"steps_generated"`
	PluginsUsed         []string         `json:"plugins_used"`
	UsedModelCompiler   bool             `json:"used_model_compiler"`
}

// Intermediates are the per-phase artifacts, returned on request.
type Intermediates struct {
	SemanticPlan *plan.Plan           `json:"semantic_plan,omitempty"`
	GroundedPlan *ground.GroundedPlan `json:"grounded_plan,omitempty"`
	IR           *ir.IR               `json:"ir,omitempty"`
}

// Response is the success envelope.
type Response struct {
	Success       bool           `json:"success"`
	AgentID       string         `json:"agent_id,omitempty"`
	Workflow      *graph.Graph   `json:"workflow"`
	Validation    Validation     `json:"validation"`
	Metadata      Metadata       `json:"metadata"`
	Intermediates *Intermediates `json:"intermediates,omitempty"`
}

// Pipeline wires the phases to their external capabilities. All
// collaborators are injected; the pipeline holds no mutable state.
type Pipeline struct {
	LLM     llm.Client
	Catalog catalog.Catalog
	Store   *store.Store // nil to skip persistence
}

// Run executes the full compilation sequence. The graph is persisted only
// after normalization and validation both succeed; any failure returns a
// *PhaseError and leaves nothing partially committed.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	times := make(map[string]int64)
	mark := func(phase Phase, start time.Time) {
		times[string(phase)] = time.Since(start).Milliseconds()
	}

	// Phase 1: understanding.
	start := time.Now()
	if issues := plan.ValidatePrompt(req.Prompt); len(issues) > 0 {
		errs := make([]error, 0, len(issues))
		for _, i := range issues {
			errs = append(errs, errors.New(i.String()))
		}
		return nil, phaseErr(PhaseUnderstanding, StatusClientError, errs...)
	}
	var prompt plan.EnhancedPrompt
	if err := json.Unmarshal(req.Prompt, &prompt); err != nil {
		return nil, phaseErr(PhaseUnderstanding, StatusClientError, err)
	}

	semPlan, err := plan.Generate(ctx, p.LLM, &prompt, plan.Config{
		Temperature: req.Config.PlanTemperature,
		MaxTokens:   req.Config.MaxTokens,
	})
	if err != nil {
		return nil, phaseErr(PhaseUnderstanding, statusFor(err), err)
	}
	mark(PhaseUnderstanding, start)

	// Gate 1->2: the plan must carry something to verify.
	if len(semPlan.Assumptions) == 0 {
		return nil, phaseErr(PhaseTransition12, StatusServerError, plan.ErrNoAssumptions)
	}

	// Phase 2: grounding.
	start = time.Now()
	services := append([]string{}, prompt.ServicesInvolved...)
	for _, ds := range prompt.DataSources {
		services = append(services, ds.Service)
	}
	grounded, err := ground.Ground(ctx, ground.Input{
		Plan:     semPlan,
		Metadata: req.Metadata,
		Catalog:  p.Catalog,
		Services: services,
		Config:   req.Config.Grounding,
	})
	if err != nil {
		status := StatusServerError
		if errors.Is(err, ground.ErrInsufficientGrounding) {
			status = StatusClientError
		}
		return nil, phaseErr(PhaseGrounding, status, err)
	}
	mark(PhaseGrounding, start)

	// Gate 2->3: grounding outcome must be known before formalization.
	if grounded == nil {
		return nil, phaseErr(PhaseTransition23, StatusServerError,
			errors.New("grounding produced no result"))
	}

	// Phase 3: formalization.
	start = time.Now()
	spec, _, err := formalize.Formalize(ctx, p.LLM, grounded, &prompt, p.Catalog, formalize.Config{
		MaxTokens: req.Config.MaxTokens,
	})
	if err != nil {
		return nil, phaseErr(PhaseFormalization, statusFor(err), err)
	}
	mark(PhaseFormalization, start)

	// Gate 3->4: the IR must be valid before any compiler reads it.
	if verrs := ir.Validate(spec); len(verrs) > 0 {
		errs := make([]error, 0, len(verrs))
		for _, v := range verrs {
			errs = append(errs, v)
		}
		return nil, phaseErr(PhaseTransition34, StatusServerError, errs...)
	}

	// Phase 4: compilation.
	start = time.Now()
	result, err := compile.Compile(ctx, p.LLM, spec, semPlan, p.Catalog)
	if err != nil {
		return nil, phaseErr(PhaseCompilation, statusFor(err), err)
	}
	mark(PhaseCompilation, start)

	// Gate 4->5: compilation must have produced steps.
	if len(result.Steps) == 0 {
		return nil, phaseErr(PhaseTransition45, StatusServerError,
			errors.New("compilation produced an empty graph"))
	}

	// Phase 5: normalization + post-validation.
	start = time.Now()
	g := &graph.Graph{Steps: result.Steps, InputSchema: result.InputSchema}
	_, nerrs := normalize.Normalize(g, p.Catalog)
	if len(nerrs) > 0 {
		return nil, phaseErr(PhaseNormalization, StatusServerError, nerrs...)
	}
	report := postvalidate.CheckAndFix(g, p.Catalog)
	if !report.Valid {
		errs := make([]error, 0, len(report.Issues))
		for _, i := range report.Issues {
			errs = append(errs, i)
		}
		return nil, phaseErr(PhaseNormalization, StatusServerError, errs...)
	}
	mark(PhaseNormalization, start)

	resp := &Response{
		Success:  true,
		Workflow: g,
		Validation: Validation{
			Valid:     report.Valid,
			Issues:    report.Issues,
			AutoFixed: report.AutoFixed,
		},
		Metadata: Metadata{
			PhaseTimesMS:        times,
			GroundingConfidence: grounded.Confidence,
			StepsGenerated:      len(result.Steps),
			PluginsUsed:         result.PluginsUsed,
			UsedModelCompiler:   result.UsedModel,
		},
	}
	if req.Config.ReturnIntermediateResults {
		resp.Intermediates = &Intermediates{
			SemanticPlan: semPlan,
			GroundedPlan: grounded,
			IR:           spec,
		}
	}

	// Persist only after the full sequence has succeeded.
	if p.Store != nil {
		agentID := uuid.NewString()
		name := req.Config.AgentName
		if name == "" {
			name = prompt.Goal
		}
		if err := p.Store.SaveAgent(ctx, &store.Agent{ID: agentID, Name: name, Graph: g}); err != nil {
			return nil, phaseErr(PhaseNormalization, StatusServerError, err)
		}
		resp.AgentID = agentID
		log.Infof("compiled agent %s: %d steps", agentID, len(g.Steps))
	}

	return resp, nil
}

// Package repair mutates an already compiled, persisted step graph to fix
// defects detected by an earlier analysis pass. Every mutation operates on
// a deep copy, an immutable backup is written before the first write, and
// the rebuilt graph plus rebuilt input schema persist together atomically.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/normalize"
	"github.com/loomhq/loom/internal/postvalidate"
	"github.com/loomhq/loom/internal/store"
)

// ErrSessionBusy rejects a concurrent apply against the same session.
// Concurrent calls are a caller error and are rejected, never merged.
var ErrSessionBusy = errors.New("repair session has an apply in progress")

// ErrStepNotFound reports a fix naming a step the graph does not contain.
var ErrStepNotFound = errors.New("fix names a step not present in the graph")

// Issue is the repair menu entry produced by the analysis pass.
type Issue struct {
	ID                 string        `json:"id"`
	Type               string        `json:"type"`
	AffectedSteps      []string      `json:"affectedSteps"`
	SuggestedFix       *SuggestedFix `json:"suggestedFix,omitempty"`
	AutoRepairProposal *string       `json:"autoRepairProposal,omitempty"`
}

// SuggestedFix pairs a proposed action with the evidence backing it.
type SuggestedFix struct {
	Action   string     `json:"action"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// Evidence is a set of literal values observed for one field of one step's
// output during a real execution. Logic fixes match branch destinations
// against these values when synthesizing filters.
type Evidence struct {
	StepID string   `json:"step_id"`
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// ParameterCorrection replaces a literal with a corrected literal, scoped
// to one named step. Never a global search and replace.
type ParameterCorrection struct {
	StepID string   `json:"step_id"`
	Param  string   `json:"param"`
	Value  ir.Value `json:"value"`
}

// Parameterization replaces a literal with a named workflow input.
type Parameterization struct {
	StepID      string `json:"step_id"`
	Param       string `json:"param"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// AutoRepair is a narrow pre-approved structural tweak, applied only when
// explicitly approved per issue.
type AutoRepair struct {
	IssueID string `json:"issue_id"`
	StepID  string `json:"step_id"`
	Tag     string `json:"tag"` // currently only TagArrayWrap
}

// TagArrayWrap marks a step's output as needing array wrapping.
const TagArrayWrap = "array_wrap"

// ApplyRequest is one apply-fixes call for a session.
type ApplyRequest struct {
	SessionID         string                `json:"sessionId"`
	Parameters        []ParameterCorrection `json:"parameters"`
	Parameterizations []Parameterization    `json:"parameterizations"`
	AutoRepairs       []AutoRepair          `json:"autoRepairs"`
	LogicFixes        []LogicFix            `json:"logicFixes"`
}

// AppliedFixes counts applications per category.
type AppliedFixes struct {
	Parameters        int `json:"parameters"`
	Parameterizations int `json:"parameterizations"`
	AutoRepairs       int `json:"autoRepairs"`
	LogicFixes        int `json:"logicFixes"`
}

// ApplyResult reports the outcome of one apply-fixes call.
type ApplyResult struct {
	Success           bool         `json:"success"`
	AgentID           string       `json:"agentId"`
	BackupID          string       `json:"backupId"`
	UpdatedStepsCount int          `json:"updatedStepsCount"`
	AppliedFixes      AppliedFixes `json:"appliedFixes"`
	Caveats           []string     `json:"caveats,omitempty"`
}

// Service applies approved fixes against persisted graphs. Each session has
// a single-writer guarantee.
type Service struct {
	Store   *store.Store
	Catalog catalog.Catalog

	mu   sync.Mutex
	busy map[string]bool
}

// NewService wires a repair service over a store and catalog.
func NewService(s *store.Store, cat catalog.Catalog) *Service {
	return &Service{Store: s, Catalog: cat, busy: make(map[string]bool)}
}

func (svc *Service) acquire(sessionID string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.busy[sessionID] {
		return ErrSessionBusy
	}
	svc.busy[sessionID] = true
	return nil
}

func (svc *Service) release(sessionID string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	delete(svc.busy, sessionID)
}

// ApplyFixes applies every approved fix in one call. The original graph is
// backed up before any mutation; nothing persists unless the repaired graph
// normalizes and validates.
func (svc *Service) ApplyFixes(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if err := svc.acquire(req.SessionID); err != nil {
		return nil, err
	}
	defer svc.release(req.SessionID)

	sess, err := svc.Store.LoadSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	agent, err := svc.Store.LoadAgent(ctx, sess.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	backupID := uuid.NewString()
	if err := svc.Store.WriteBackup(ctx, backupID, agent.ID, sess.ID, agent.Graph); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}

	g := agent.Graph.Clone()
	result := &ApplyResult{AgentID: agent.ID, BackupID: backupID}
	touched := make(map[string]bool)

	for _, p := range req.Parameters {
		if err := applyCorrection(g, p); err != nil {
			return nil, err
		}
		touched[p.StepID] = true
		result.AppliedFixes.Parameters++
	}

	if len(req.Parameterizations) > 0 {
		n, err := applyParameterizations(g, req.Parameterizations, touched)
		if err != nil {
			return nil, err
		}
		result.AppliedFixes.Parameterizations = n
	}

	for _, a := range req.AutoRepairs {
		if err := applyAutoRepair(g, a); err != nil {
			return nil, err
		}
		touched[a.StepID] = true
		result.AppliedFixes.AutoRepairs++
	}

	for _, f := range req.LogicFixes {
		caveats, err := applyLogicFix(g, f, touched)
		if err != nil {
			return nil, err
		}
		result.Caveats = append(result.Caveats, caveats...)
		result.AppliedFixes.LogicFixes++
	}

	// Restore the graph invariants after the mutations, then re-validate.
	if _, nerrs := normalize.Normalize(g, svc.Catalog); len(nerrs) > 0 {
		return nil, fmt.Errorf("repaired graph failed normalization: %w", nerrs[0])
	}
	report := postvalidate.CheckAndFix(g, svc.Catalog)
	if !report.Valid {
		return nil, fmt.Errorf("repaired graph failed validation: %w", report.Issues[0])
	}

	if err := svc.Store.UpdateAgentGraph(ctx, agent.ID, sess.ID, g); err != nil {
		return nil, fmt.Errorf("persist repaired graph: %w", err)
	}

	result.Success = true
	result.UpdatedStepsCount = len(touched)
	log.Infof("session %s: applied %d parameter, %d parameterization, %d auto, %d logic fixes",
		sess.ID, result.AppliedFixes.Parameters, result.AppliedFixes.Parameterizations,
		result.AppliedFixes.AutoRepairs, result.AppliedFixes.LogicFixes)
	return result, nil
}

func applyCorrection(g *graph.Graph, p ParameterCorrection) error {
	s := g.FindStep(p.StepID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, p.StepID)
	}
	if s.Params == nil {
		s.Params = ir.Object{}
	}
	s.Params[p.Param] = p.Value
	return nil
}

// applyParameterizations replaces literals with named input references and
// rebuilds the workflow's declared input schema from scratch: the parameter
// references present in the graph after this batch, enriched with the
// approved declarations. Never appended across sessions, so repeated
// calibration cannot accumulate stale parameters.
func applyParameterizations(g *graph.Graph, batch []Parameterization, touched map[string]bool) (int, error) {
	applied := 0
	declared := make(map[string]Parameterization)
	for _, p := range batch {
		s := g.FindStep(p.StepID)
		if s == nil {
			return 0, fmt.Errorf("%w: %s", ErrStepNotFound, p.StepID)
		}
		if s.Params == nil {
			s.Params = ir.Object{}
		}
		s.Params[p.Param] = ir.ParamRef{Name: p.Name}
		declared[p.Name] = p
		touched[p.StepID] = true
		applied++
	}

	g.InputSchema = rebuildInputSchema(g, declared)
	return applied, nil
}

// rebuildInputSchema scans the whole graph for parameter references and
// produces the input schema anew. Referenced parameters without an approved
// declaration keep a generic string shape.
func rebuildInputSchema(g *graph.Graph, declared map[string]Parameterization) []graph.InputParam {
	names := make(map[string]bool)
	g.Walk(func(s *graph.Step, _ []*graph.Step) bool {
		for _, v := range s.CollectRefs() {
			if ref, ok := v.(ir.ParamRef); ok {
				names[ref.Name] = true
			}
		}
		return true
	})

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	schema := make([]graph.InputParam, 0, len(ordered))
	for _, name := range ordered {
		param := graph.InputParam{Name: name, Type: "string", Required: true}
		if d, ok := declared[name]; ok {
			if d.Type != "" {
				param.Type = d.Type
			}
			param.Description = d.Description
			param.Required = d.Required
		}
		schema = append(schema, param)
	}
	return schema
}

func applyAutoRepair(g *graph.Graph, a AutoRepair) error {
	s := g.FindStep(a.StepID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, a.StepID)
	}
	switch a.Tag {
	case TagArrayWrap:
		if s.Params == nil {
			s.Params = ir.Object{}
		}
		s.Params["wrap_output_as_array"] = ir.Bool(true)
		return nil
	default:
		return fmt.Errorf("unknown auto-repair tag %q", a.Tag)
	}
}

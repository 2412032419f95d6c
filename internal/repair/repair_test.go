package repair

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/store"
)

func newFixture(t *testing.T, g *graph.Graph) (*Service, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.SaveAgent(ctx, &store.Agent{ID: "agent-1", Name: "digest", Graph: g}))
	require.NoError(t, db.SaveSession(ctx, &store.Session{
		ID: "sess-1", AgentID: "agent-1", State: store.SessionPending,
	}))
	return NewService(db, catalog.Builtin()), db
}

func digestGraph() *graph.Graph {
	return &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepAction, Name: "deliver digest",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step1"},
			Params: ir.Object{
				"to":      ir.String("old@example.com"),
				"subject": ir.String("digest"),
				"body":    ir.StepRef{Step: 1, Path: []string{"data", "emails"}},
			}},
	}}
}

func TestApplyParameterCorrection(t *testing.T) {
	svc, db := newFixture(t, digestGraph())
	ctx := context.Background()

	res, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		Parameters: []ParameterCorrection{
			{StepID: "step2", Param: "to", Value: ir.String("new@example.com")},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AppliedFixes.Parameters)
	assert.Equal(t, 1, res.UpdatedStepsCount)
	assert.NotEmpty(t, res.BackupID)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, ir.String("new@example.com"), agent.Graph.Steps[1].Params["to"])

	sess, err := db.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionFixesApplied, sess.State)
}

func TestApplyCorrectionUnknownStep(t *testing.T) {
	svc, db := newFixture(t, digestGraph())
	ctx := context.Background()

	_, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		Parameters: []ParameterCorrection{
			{StepID: "step9", Param: "to", Value: ir.String("x")},
		},
	})
	require.ErrorIs(t, err, ErrStepNotFound)

	// Nothing persisted: the agent still carries the original literal.
	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, ir.String("old@example.com"), agent.Graph.Steps[1].Params["to"])
}

func TestApplySessionNotFound(t *testing.T) {
	svc, _ := newFixture(t, digestGraph())
	_, err := svc.ApplyFixes(context.Background(), ApplyRequest{SessionID: "sess-9"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplySessionBusy(t *testing.T) {
	svc := NewService(nil, nil)
	svc.busy["sess-1"] = true

	_, err := svc.ApplyFixes(context.Background(), ApplyRequest{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestParameterizationRebuildsSchema(t *testing.T) {
	svc, db := newFixture(t, digestGraph())
	ctx := context.Background()

	param := Parameterization{
		StepID: "step2", Param: "to",
		Name: "recipient", Type: "string",
		Description: "delivery address", Required: true,
	}
	res, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID:         "sess-1",
		Parameterizations: []Parameterization{param},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedFixes.Parameterizations)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ParamRef{Name: "recipient"}, agent.Graph.Steps[1].Params["to"])
	require.Len(t, agent.Graph.InputSchema, 1)
	assert.Equal(t, graph.InputParam{
		Name: "recipient", Type: "string",
		Description: "delivery address", Required: true,
	}, agent.Graph.InputSchema[0])

	// Re-applying the same parameterization rebuilds the schema from
	// scratch instead of accumulating duplicates.
	_, err = svc.ApplyFixes(ctx, ApplyRequest{
		SessionID:         "sess-1",
		Parameterizations: []Parameterization{param},
	})
	require.NoError(t, err)

	agent, err = db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, agent.Graph.InputSchema, 1)
}

func TestAutoRepairArrayWrap(t *testing.T) {
	svc, db := newFixture(t, digestGraph())
	ctx := context.Background()

	res, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		AutoRepairs: []AutoRepair{
			{IssueID: "issue-1", StepID: "step1", Tag: TagArrayWrap},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedFixes.AutoRepairs)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, ir.Bool(true), agent.Graph.Steps[0].Params["wrap_output_as_array"])
}

func TestAutoRepairUnknownTag(t *testing.T) {
	svc, _ := newFixture(t, digestGraph())
	_, err := svc.ApplyFixes(context.Background(), ApplyRequest{
		SessionID: "sess-1",
		AutoRepairs: []AutoRepair{
			{IssueID: "issue-1", StepID: "step1", Tag: "invert_polarity"},
		},
	})
	require.Error(t, err)
}

// routingGraph models the duplicate-routing defect: a scatter block whose
// branches all receive the full unfiltered record set.
func routingGraph() *graph.Graph {
	return &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read expenses",
			Plugin: "google-sheets", Action: "read_rows",
			Dependencies: []string{}, Params: ir.Object{
				"spreadsheet_id": ir.String("sheet-src"),
				"sheet_name":     ir.String("Inbox"),
			}},
		{ID: "step2", Type: graph.StepScatter, Name: "route by category",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data", "rows"}}},
			Steps: []graph.Step{
				{ID: "step3", Type: graph.StepAction, Name: "deliver invoices",
					Plugin: "google-sheets", Action: "append_rows",
					Dependencies: []string{}, Params: ir.Object{
						"spreadsheet_id": ir.String("sheet-dst"),
						"sheet_name":     ir.String("Invoices"),
						"rows":           ir.StepRef{Step: 1, Path: []string{"data", "rows"}},
					}},
				{ID: "step4", Type: graph.StepAction, Name: "deliver receipts",
					Plugin: "google-sheets", Action: "append_rows",
					Dependencies: []string{}, Params: ir.Object{
						"spreadsheet_id": ir.String("sheet-dst"),
						"sheet_name":     ir.String("Receipts"),
						"rows":           ir.StepRef{Step: 1, Path: []string{"data", "rows"}},
					}},
			}},
	}}
}

func TestLogicFixDuplicateRouting(t *testing.T) {
	svc, db := newFixture(t, routingGraph())
	ctx := context.Background()

	res, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixDuplicateRouting,
			SelectedOption: OptionAutoFix,
			Steps:          []string{"step2"},
			Evidence: []Evidence{{
				StepID: "step1", Field: "category",
				Values: []string{"invoice", "receipt"},
			}},
		}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AppliedFixes.LogicFixes)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	g := agent.Graph

	// The scatter block is gone; each branch became its own
	// filter -> map -> deliver chain off the read step.
	require.Len(t, g.Steps, 7)
	for _, s := range g.Steps {
		assert.NotEqual(t, graph.StepScatter, s.Type)
	}

	filter := g.Steps[1]
	assert.Equal(t, graph.StepFilter, filter.Type)
	assert.Equal(t, "select invoice records", filter.Name)
	assert.Equal(t, ir.String("category"), filter.Params["field"])
	assert.Equal(t, ir.String("equals"), filter.Params["op"])
	assert.Equal(t, ir.String("invoice"), filter.Params["value"])
	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data", "rows"}}, filter.Params["input"])

	deliver := g.Steps[3]
	assert.Equal(t, "deliver invoices", deliver.Name)
	assert.Equal(t, ir.String("Invoices"), deliver.Params["sheet_name"],
		"branch parameters other than the input survive the rewire")
	assert.Equal(t, ir.StepRef{Step: 3, Path: []string{"data"}}, deliver.Params["input"])

	assert.Equal(t, "select receipt records", g.Steps[4].Name)
	assert.Equal(t, ir.String("Receipts"), g.Steps[6].Params["sheet_name"])
}

func TestLogicFixDuplicateRoutingNoEvidenceMatch(t *testing.T) {
	svc, _ := newFixture(t, routingGraph())

	_, err := svc.ApplyFixes(context.Background(), ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixDuplicateRouting,
			SelectedOption: OptionAutoFix,
			Steps:          []string{"step2"},
			Evidence: []Evidence{{
				StepID: "step1", Field: "category",
				Values: []string{"travel", "payroll"},
			}},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evidence value matches")
}

func TestLogicFixRejectsOtherOptions(t *testing.T) {
	svc, _ := newFixture(t, routingGraph())

	_, err := svc.ApplyFixes(context.Background(), ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixDuplicateRouting,
			SelectedOption: "manual_review",
			Steps:          []string{"step2"},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported option")
}

func TestLogicFixDedupFilter(t *testing.T) {
	svc, db := newFixture(t, digestGraph())
	ctx := context.Background()

	res, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixDedupFilter,
			SelectedOption: OptionAutoFix,
			Steps:          []string{"step1"},
			DedupField:     "id",
		}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Caveats, "within-run dedup scope is surfaced, not hidden")

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	g := agent.Graph
	require.Len(t, g.Steps, 3)

	dedup := g.Steps[1]
	assert.Equal(t, graph.StepFilter, dedup.Type)
	assert.Equal(t, ir.String("dedup"), dedup.Params["op"])
	assert.Equal(t, ir.String("id"), dedup.Params["field"])

	// The downstream consumer now reads through the filter.
	assert.Equal(t, ir.StepRef{Step: 2, Path: []string{"data", "emails"}},
		g.Steps[2].Params["body"])
	assert.Contains(t, g.Steps[2].Dependencies, "step2")
}

func TestLogicFixDedupFilterKeepsTemplateRefs(t *testing.T) {
	// Splicing the filter after step1 shifts every later ID by one. Embedded
	// template tokens must follow their step to its new ID, not land on the
	// filter that took the old one.
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepAI, Name: "summarize emails",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data", "emails"}}}},
		{ID: "step3", Type: graph.StepAction, Name: "deliver digest",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step2"},
			Params: ir.Object{
				"to":      ir.String("user@example.com"),
				"subject": ir.String("digest"),
				"input":   ir.StepRef{Step: 2, Path: []string{"data"}},
				"body":    ir.String("Summary: {{step2.data.text}} (end)"),
			}},
	}}
	svc, db := newFixture(t, g)
	ctx := context.Background()

	_, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixDedupFilter,
			SelectedOption: OptionAutoFix,
			Steps:          []string{"step1"},
			DedupField:     "id",
		}},
	})
	require.NoError(t, err)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	got := agent.Graph
	require.Len(t, got.Steps, 4)

	// Summarize moved from step2 to step3; the deliver step reads it there.
	deliver := got.Steps[3]
	assert.Equal(t, ir.String("Summary: {{step3.data.text}} (end)"),
		deliver.Params["body"])
	assert.Equal(t, ir.StepRef{Step: 3, Path: []string{"data"}},
		deliver.Params["input"])
}

func TestLogicFixContextPreservation(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepLoop, Name: "per email",
			ItemVar:      "email",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data", "emails"}}},
			Steps: []graph.Step{
				{ID: "step3", Type: graph.StepAI, Name: "classify",
					Dependencies: []string{}, Params: ir.Object{
						"input": ir.ItemRef{Path: []string{"subject"}},
					}},
			}},
		{ID: "step4", Type: graph.StepAction, Name: "deliver digest",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step2"},
			Params: ir.Object{
				"to":      ir.String("me@example.com"),
				"subject": ir.String("digest"),
				"body":    ir.StepRef{Step: 2, Path: []string{"data"}},
			}},
	}}
	svc, db := newFixture(t, g)
	ctx := context.Background()

	_, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixContextPreservation,
			SelectedOption: OptionAutoFix,
			Steps:          []string{"step2"},
			ContextField:   "category",
		}},
	})
	require.NoError(t, err)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	steps := agent.Graph.Steps
	require.Len(t, steps, 4)

	carry := steps[1]
	assert.Equal(t, graph.StepMap, carry.Type)
	assert.Equal(t, "carry category into items", carry.Name)
	assert.Equal(t, ir.Array{ir.String("category")}, carry.Params["preserve_fields"])

	loop := steps[2]
	assert.Equal(t, graph.StepLoop, loop.Type)
	assert.Equal(t, ir.StepRef{Step: 2, Path: []string{"data"}}, loop.Params["input"],
		"the block now reads through the preservation step")
	assert.Equal(t, []string{"step2"}, loop.Dependencies)
}

func TestLogicFixFieldPreservation(t *testing.T) {
	g := digestGraph()
	g.Steps = append(g.Steps[:1], graph.Step{
		ID: "step2", Type: graph.StepMap, Name: "flatten emails",
		Dependencies: []string{"step1"},
		Params: ir.Object{
			"input":           ir.StepRef{Step: 1, Path: []string{"data", "emails"}},
			"format":          ir.String("rows"),
			"preserve_fields": ir.Array{ir.String("subject")},
		},
	}, graph.Step{
		ID: "step3", Type: graph.StepAction, Name: "deliver digest",
		Plugin: "google-mail", Action: "send_email",
		Dependencies: []string{"step2"},
		Params: ir.Object{
			"to":      ir.String("me@example.com"),
			"subject": ir.String("digest"),
			"body":    ir.StepRef{Step: 2, Path: []string{"data"}},
		},
	})
	svc, db := newFixture(t, g)
	ctx := context.Background()

	_, err := svc.ApplyFixes(ctx, ApplyRequest{
		SessionID: "sess-1",
		LogicFixes: []LogicFix{{
			IssueID:        "issue-1",
			Kind:           FixFieldPreservation,
			SelectedOption: OptionAutoFix,
			Steps:          []string{"step2"},
			PreserveFields: []string{"sender", "subject"},
		}},
	})
	require.NoError(t, err)

	agent, err := db.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, ir.Array{ir.String("subject"), ir.String("sender")},
		agent.Graph.Steps[1].Params["preserve_fields"],
		"existing fields are kept, new ones appended without duplicates")
}

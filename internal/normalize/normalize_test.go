package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
)

func TestRenumberClosesGaps(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step2", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step5", Type: graph.StepFilter, Name: "filter",
			Dependencies: []string{"step2"},
			Params:       ir.Object{"input": ir.StepRef{Step: 2, Path: []string{"data"}}}},
		{ID: "step9", Type: graph.StepAction, Name: "deliver",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step5"},
			Params:       ir.Object{"input": ir.StepRef{Step: 5, Path: []string{"data"}}}},
	}}

	report, errs := Normalize(g, nil)
	require.Empty(t, errs)

	assert.Equal(t, "step1", g.Steps[0].ID)
	assert.Equal(t, "step2", g.Steps[1].ID)
	assert.Equal(t, "step3", g.Steps[2].ID)
	assert.Equal(t, []string{"step1"}, g.Steps[1].Dependencies)
	assert.Equal(t, []string{"step2"}, g.Steps[2].Dependencies)
	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data"}}, g.Steps[1].Params["input"])
	assert.Equal(t, ir.StepRef{Step: 2, Path: []string{"data"}}, g.Steps[2].Params["input"])
	assert.Equal(t, "step1", report.Renumbered["step2"])
}

func TestRenumberTemplateBoundary(t *testing.T) {
	// A substitution targeting "step5" must not corrupt the longer
	// "step5_1" token embedded in the same template string.
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step5", Type: graph.StepAction, Name: "read",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step5_1", Type: graph.StepMap, Name: "format",
			Dependencies: []string{"step5"},
			Params:       ir.Object{"input": ir.StepRef{Step: 5, Path: []string{"data"}}}},
		{ID: "step7", Type: graph.StepAction, Name: "deliver",
			Dependencies: []string{"step5_1"},
			Params: ir.Object{
				"body": ir.String("combine {{step5.data.count}} with {{step5_1.data}}"),
			}},
	}}

	_, errs := Normalize(g, nil)
	require.Empty(t, errs)

	assert.Equal(t, "step1", g.Steps[0].ID)
	assert.Equal(t, "step2", g.Steps[1].ID)
	assert.Equal(t, "step3", g.Steps[2].ID)
	assert.Equal(t, []string{"step2"}, g.Steps[2].Dependencies)
	assert.Equal(t, ir.String("combine {{step1.data.count}} with {{step2.data}}"),
		g.Steps[2].Params["body"])
}

func TestRenumberShiftedIDChain(t *testing.T) {
	// An inserted step shifts IDs in a cycle (step4 takes position 2, so
	// step2 becomes step3 and step3 becomes step4). An embedded template
	// token must land on its final ID exactly once, not be rewritten again
	// by a later substitution in the same pass.
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step4", Type: graph.StepFilter, Name: "drop repeated items",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data"}}}},
		{ID: "step2", Type: graph.StepAI, Name: "summarize emails",
			Dependencies: []string{"step4"},
			Params:       ir.Object{"input": ir.StepRef{Step: 4, Path: []string{"data"}}}},
		{ID: "step3", Type: graph.StepAction, Name: "deliver",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step2"},
			Params: ir.Object{
				"input": ir.StepRef{Step: 2, Path: []string{"data"}},
				"body":  ir.String("Summary: {{step2.data.text}} (end)"),
			}},
	}}

	_, errs := Normalize(g, nil)
	require.Empty(t, errs)

	// Old step2 is now step3; the embedded token must follow it there.
	assert.Equal(t, ir.String("Summary: {{step3.data.text}} (end)"),
		g.Steps[3].Params["body"])
	assert.Equal(t, ir.StepRef{Step: 3, Path: []string{"data"}}, g.Steps[3].Params["input"])
	assert.Equal(t, []string{"step3"}, g.Steps[3].Dependencies)
}

func TestForwardRefRetargeted(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepFilter, Name: "filter",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 3, Path: []string{"data"}}}},
		{ID: "step3", Type: graph.StepAction, Name: "deliver",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step2"},
			Params:       ir.Object{"input": ir.StepRef{Step: 2, Path: []string{"data"}}}},
	}}

	report, errs := Normalize(g, nil)
	require.Empty(t, errs, "a repairable forward reference is retargeted, not surfaced")

	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data"}}, g.Steps[1].Params["input"])
	assert.NotEmpty(t, report.ForwardFixes)
}

func TestForwardRefWithOnlySinksIsError(t *testing.T) {
	// The only earlier step is a delivery action nothing consumes. A
	// forward reference with no descriptive affinity must surface as an
	// error instead of being retargeted to a sink.
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "deliver report",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepAI, Name: "summarize",
			Dependencies: []string{},
			Params:       ir.Object{"input": ir.StepRef{Step: 3, Path: []string{"data"}}}},
		{ID: "step3", Type: graph.StepAction, Name: "archive",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{}, Params: ir.Object{}},
	}}

	_, errs := Normalize(g, nil)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "forward reference")
}

func TestDanglingDependencyIsError(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read",
			Dependencies: []string{"step9"}, Params: ir.Object{}},
	}}

	_, errs := Normalize(g, nil)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "step9")
}

func TestItemScopeRewrite(t *testing.T) {
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
					Dependencies: []string{},
					Params: ir.Object{
						"input": ir.StepRef{Step: 1, Path: []string{"data", "emails", "subject"}},
					}},
			}},
	}}

	report, errs := Normalize(g, nil)
	require.Empty(t, errs)

	nested := g.Steps[1].Steps[0]
	assert.Equal(t, ir.ItemRef{Path: []string{"subject"}}, nested.Params["input"],
		"inside the loop, fields come off the iteration item")
	assert.NotEmpty(t, report.ScopeFixes)

	// The loop's own source reference is untouched.
	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data", "emails"}}, g.Steps[1].Params["input"])
}

func TestOutputUnwrap(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepFilter, Name: "filter",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data"}}}},
	}}

	report, errs := Normalize(g, catalog.Builtin())
	require.Empty(t, errs)

	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data", "emails"}},
		g.Steps[1].Params["input"],
		"bare data references gain the wrapper field the action schema declares")
	assert.NotEmpty(t, report.Unwraps)
}

func TestOutputUnwrapLeavesDeepPaths(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step1", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step2", Type: graph.StepFilter, Name: "filter",
			Dependencies: []string{"step1"},
			Params:       ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data", "emails"}}}},
	}}

	_, errs := Normalize(g, catalog.Builtin())
	require.Empty(t, errs)

	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data", "emails"}},
		g.Steps[1].Params["input"], "already-unwrapped references stay put")
}

func TestNormalizeIdempotent(t *testing.T) {
	g := &graph.Graph{Steps: []graph.Step{
		{ID: "step3", Type: graph.StepAction, Name: "read emails",
			Plugin: "google-mail", Action: "fetch_emails",
			Dependencies: []string{}, Params: ir.Object{}},
		{ID: "step8", Type: graph.StepAction, Name: "deliver",
			Plugin: "google-mail", Action: "send_email",
			Dependencies: []string{"step3"},
			Params:       ir.Object{"input": ir.StepRef{Step: 3, Path: []string{"data"}}}},
	}}

	_, errs := Normalize(g, catalog.Builtin())
	require.Empty(t, errs)
	first := g.Clone()

	report, errs := Normalize(g, catalog.Builtin())
	require.Empty(t, errs)
	assert.Equal(t, first, g)
	assert.Empty(t, report.Renumbered)
	assert.Empty(t, report.ForwardFixes)
	assert.Empty(t, report.Unwraps)
}

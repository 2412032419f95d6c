package formalize

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/ground"
	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/plan"
)

func ptr(s string) *string { return &s }

func groundedPlan() *ground.GroundedPlan {
	return &ground.GroundedPlan{
		Plan: &plan.Plan{
			Goal: "daily digest of support emails",
			Understanding: plan.Understanding{
				DataSources: []string{"google-mail"},
				Delivery:    "email",
			},
			Assumptions: []plan.Assumption{
				{ID: "a1", Claim: `emails carry a "subject" field`},
			},
		},
		Results: []ground.Result{
			{AssumptionID: "a1", Validated: true, ResolvedValue: ptr("subject"), Confidence: 1.0},
		},
		Grounded:   true,
		Confidence: 1.0,
	}
}

func digestPrompt() *plan.EnhancedPrompt {
	return &plan.EnhancedPrompt{
		Goal: "daily digest of support emails",
		DataSources: []plan.PromptDataSource{
			{Service: "gmail", Fields: []string{"subject", "sender"}},
		},
		ServicesInvolved: []string{"gmail"},
		ProcessingSteps:  []string{"summarize the day's emails into a digest"},
		Delivery:         "email",
	}
}

func TestFormalizeMechanical(t *testing.T) {
	// The mechanical mapping must not touch the model at all.
	client := &llm.Static{}

	spec, meta, err := Formalize(context.Background(), client, groundedPlan(), digestPrompt(), catalog.Builtin(), Config{})
	require.NoError(t, err)
	assert.False(t, meta.UsedModel)

	require.Len(t, spec.DataSources, 1)
	src := spec.DataSources[0]
	assert.Equal(t, "google-mail", src.PluginKey, "service names resolve through the catalog")
	assert.Equal(t, "fetch_emails", src.OperationType)
	assert.Equal(t, []string{"subject", "sender"}, src.Fields)

	require.Len(t, spec.AIOperations, 1)
	assert.Equal(t, ir.AISummarize, spec.AIOperations[0].Kind)
	assert.False(t, spec.AIOperations[0].PerItem)

	require.Len(t, spec.DeliveryRules, 1)
	assert.Equal(t, "google-mail", spec.DeliveryRules[0].PluginKey)
	assert.Equal(t, "send_email", spec.DeliveryRules[0].OperationType)

	assert.Empty(t, ir.Validate(spec))
}

func TestFormalizeFieldsFromGrounding(t *testing.T) {
	prompt := digestPrompt()
	prompt.DataSources[0].Fields = nil

	spec, _, err := Formalize(context.Background(), &llm.Static{}, groundedPlan(), prompt, catalog.Builtin(), Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{"subject"}, spec.DataSources[0].Fields,
		"with no declared fields the resolved assumption fields fill in")
}

func TestFormalizeMissingFacts(t *testing.T) {
	prompt := digestPrompt()
	prompt.ProcessingSteps = append(prompt.ProcessingSteps, "ponder the meaning of each email")

	spec, meta, err := Formalize(context.Background(), &llm.Static{}, groundedPlan(), prompt, catalog.Builtin(), Config{})
	require.NoError(t, err)

	require.Len(t, spec.AIOperations, 1, "unmappable steps are recorded, not guessed")
	require.Len(t, meta.MissingFacts, 1)
	assert.Contains(t, meta.MissingFacts[0], "processing step not mappable")
}

const modelIRJSON = `{
	"ir_version": "1",
	"data_sources": [{
		"name": "unread emails",
		"plugin_key": "google-mail",
		"operation_type": "fetch_emails",
		"fields": ["subject", "sender"],
		"time_window": null
	}],
	"filters": [],
	"post_ai_filters": [],
	"ai_operations": [],
	"partitions": [],
	"grouping": null,
	"rendering": null,
	"delivery_rules": [{
		"target": "me",
		"plugin_key": "google-mail",
		"operation_type": "send_email",
		"per_group": false,
		"group_value": null
	}],
	"edge_cases": []
}`

func TestFormalizeModelFallback(t *testing.T) {
	// An unknown service defeats the mechanical mapping; the temperature-0
	// model call takes over.
	prompt := digestPrompt()
	prompt.DataSources[0].Service = "crystal-ball"

	client := &llm.Static{Responses: []json.RawMessage{json.RawMessage(modelIRJSON)}}

	spec, meta, err := Formalize(context.Background(), client, groundedPlan(), prompt, catalog.Builtin(), Config{})
	require.NoError(t, err)
	assert.True(t, meta.UsedModel)
	assert.Equal(t, "google-mail", spec.DataSources[0].PluginKey)
	assert.Empty(t, ir.Validate(spec))
}

func TestFormalizeModelFallbackRejectsBadIR(t *testing.T) {
	prompt := digestPrompt()
	prompt.DataSources[0].Service = "crystal-ball"

	client := &llm.Static{Responses: []json.RawMessage{json.RawMessage(`{"ir_version": "1"}`)}}

	_, _, err := Formalize(context.Background(), client, groundedPlan(), prompt, catalog.Builtin(), Config{})
	require.Error(t, err)
}

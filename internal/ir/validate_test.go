package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func validIR() *IR {
	return &IR{
		IRVersion: Version,
		DataSources: []DataSource{{
			Name:          "unread emails",
			PluginKey:     "google-mail",
			OperationType: "fetch_emails",
			Fields:        []string{"subject", "sender"},
		}},
		Filters: []FilterRule{{
			Field: ptr("sender"),
			Op:    OpContains,
			Value: String("@example.com"),
		}},
		AIOperations: []AIOperation{{
			Name:        "summarize emails",
			Kind:        AISummarize,
			Instruction: "summarize each email in one sentence",
			PerItem:     true,
		}},
		DeliveryRules: []DeliveryRule{{
			Target:        "me",
			PluginKey:     "google-mail",
			OperationType: "send_email",
		}},
	}
}

func TestValidateAccepts(t *testing.T) {
	errs := Validate(validIR())
	assert.Empty(t, errs)
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateStructure(t *testing.T) {
	t.Run("missing version", func(t *testing.T) {
		spec := validIR()
		spec.IRVersion = ""
		assert.Contains(t, codes(Validate(spec)), ErrMissingVersion)
	})

	t.Run("unsupported version", func(t *testing.T) {
		spec := validIR()
		spec.IRVersion = "99"
		assert.Contains(t, codes(Validate(spec)), ErrVersionMismatch)
	})

	t.Run("no data sources", func(t *testing.T) {
		spec := validIR()
		spec.DataSources = nil
		assert.Contains(t, codes(Validate(spec)), ErrNoDataSources)
	})

	t.Run("no delivery rules", func(t *testing.T) {
		spec := validIR()
		spec.DeliveryRules = nil
		assert.Contains(t, codes(Validate(spec)), ErrNoDeliveryRules)
	})

	t.Run("unresolved plugin key", func(t *testing.T) {
		spec := validIR()
		spec.DataSources[0].PluginKey = ""
		assert.Contains(t, codes(Validate(spec)), ErrUnresolvedPlugin)
	})
}

func TestValidateForbiddenTokenAnywhere(t *testing.T) {
	// The scan runs over the serialized IR, so a token smuggled into any
	// nested string is caught regardless of depth.
	spec := validIR()
	spec.EdgeCases = []EdgeCase{{
		Condition: "no emails found",
		Handling:  `skip the workflow_steps entirely`,
	}}

	errs := Validate(spec)
	require.NotEmpty(t, errs)
	assert.Contains(t, codes(errs), ErrForbiddenToken)
}

func TestValidateForbiddenTokenCaseInsensitive(t *testing.T) {
	spec := validIR()
	spec.AIOperations[0].Instruction = "use a FOREACH over the records"
	assert.Contains(t, codes(Validate(spec)), ErrForbiddenToken)
}

func TestValidateSemantics(t *testing.T) {
	t.Run("nil filter field", func(t *testing.T) {
		spec := validIR()
		spec.Filters = []FilterRule{{Field: nil, Op: OpEquals, Value: String("x")}}
		assert.Contains(t, codes(Validate(spec)), ErrNilFilterField)
	})

	t.Run("per-group without grouping", func(t *testing.T) {
		spec := validIR()
		spec.DeliveryRules[0].PerGroup = true
		assert.Contains(t, codes(Validate(spec)), ErrGroupingRequired)
	})

	t.Run("group value outside partitions", func(t *testing.T) {
		spec := validIR()
		spec.Partitions = []Partition{{Field: "category", Values: []string{"invoice"}}}
		spec.Grouping = &Grouping{Field: "category", PerGroup: true}
		spec.DeliveryRules[0].PerGroup = true
		spec.DeliveryRules[0].GroupValue = ptr("receipt")
		assert.Contains(t, codes(Validate(spec)), ErrUnknownGroupValue)
	})
}

func TestValidateCollectsAllErrors(t *testing.T) {
	spec := validIR()
	spec.IRVersion = ""
	spec.Filters = []FilterRule{{Field: nil, Op: OpEquals, Value: String("x")}}
	spec.DeliveryRules[0].OperationType = ""

	errs := Validate(spec)
	got := codes(errs)
	assert.Contains(t, got, ErrMissingVersion)
	assert.Contains(t, got, ErrNilFilterField)
	assert.Contains(t, got, ErrUnresolvedOperation)
}

func TestScanForbiddenBytes(t *testing.T) {
	hits := ScanForbiddenBytes([]byte(`{"note":"contains a {{step3.data}} template"}`))
	require.NotEmpty(t, hits)
	assert.Equal(t, "{{step", hits[0].Token)

	assert.Empty(t, ScanForbiddenBytes([]byte(`{"note":"plain declarative facts"}`)))
}

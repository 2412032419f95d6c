package ground

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/plan"
)

func fptr(f float64) *float64 { return &f }

func testPlan(claims ...string) *plan.Plan {
	p := &plan.Plan{
		Goal: "daily email digest",
		Understanding: plan.Understanding{
			DataSources: []string{"google-mail"},
			Delivery:    "email",
		},
	}
	for i, claim := range claims {
		p.Assumptions = append(p.Assumptions, plan.Assumption{
			ID:    string(rune('a'+i)) + "1",
			Claim: claim,
		})
	}
	return p
}

func TestGroundWithMetadata(t *testing.T) {
	gp, err := Ground(context.Background(), Input{
		Plan: testPlan(`emails carry a "subject" field`, `each record has a "sender" field`),
		Metadata: &Metadata{Fields: []FieldDescriptor{
			{Name: "subject"},
			{Name: "sender"},
			{Name: "body"},
		}},
	})
	require.NoError(t, err)

	assert.True(t, gp.Grounded)
	assert.Equal(t, 1.0, gp.Confidence)
	require.Len(t, gp.Results, 2)
	for _, r := range gp.Results {
		assert.True(t, r.Validated)
		assert.False(t, r.Skipped)
		require.NotNil(t, r.ResolvedValue)
	}
}

func TestGroundDegradedModeNeverErrors(t *testing.T) {
	// No metadata at all: grounding runs in degraded mode, confirms field
	// names from the catalog, and returns grounded=false rather than
	// failing.
	gp, err := Ground(context.Background(), Input{
		Plan:     testPlan(`emails carry a "subject" field`),
		Metadata: nil,
		Catalog:  catalog.Builtin(),
		Services: []string{"google-mail"},
	})
	require.NoError(t, err)

	assert.False(t, gp.Grounded)
	assert.Equal(t, 0.0, gp.Confidence)
	require.Len(t, gp.Results, 1)
	r := gp.Results[0]
	assert.False(t, r.Validated, "degraded mode cannot confirm sample values")
	require.NotNil(t, r.ResolvedValue, "degraded mode still confirms the field name exists")
	assert.Equal(t, "subject", *r.ResolvedValue)
}

func TestGroundDegradedWithoutCatalogSkips(t *testing.T) {
	gp, err := Ground(context.Background(), Input{
		Plan: testPlan(`emails carry a "subject" field`, `records have an "amount" field`),
	})
	require.NoError(t, err, "fully degraded runs never hit the skip gate")

	assert.False(t, gp.Grounded)
	for _, r := range gp.Results {
		assert.True(t, r.Skipped)
	}
}

func TestGroundSkipRateGate(t *testing.T) {
	// Metadata was supplied, but most assumptions name nothing checkable.
	// Crossing the skip fraction is a hard error, not a warning.
	_, err := Ground(context.Background(), Input{
		Plan: testPlan(
			"!! ++",
			"-- ?? --",
			`emails carry a "subject" field`,
		),
		Metadata: &Metadata{Fields: []FieldDescriptor{{Name: "subject"}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientGrounding)
}

func TestGroundFuzzyMatching(t *testing.T) {
	gp, err := Ground(context.Background(), Input{
		Plan: testPlan(`rows have a "Categories" field`),
		Metadata: &Metadata{Fields: []FieldDescriptor{
			{Name: "category"},
		}},
	})
	require.NoError(t, err)

	r := gp.Results[0]
	assert.True(t, r.Validated, "case fold + plural should clear the default threshold")
	require.NotNil(t, r.ResolvedValue)
	assert.Equal(t, "category", *r.ResolvedValue)
}

func TestGroundMinConfidenceCutoff(t *testing.T) {
	gp, err := Ground(context.Background(), Input{
		Plan: testPlan(`rows have a "zzqx" field`),
		Metadata: &Metadata{Fields: []FieldDescriptor{
			{Name: "subject"},
		}},
		Config: Config{MinConfidence: fptr(0.7), MaxSkipFraction: fptr(1.0)},
	})
	require.NoError(t, err)

	r := gp.Results[0]
	assert.False(t, r.Validated)
	assert.Nil(t, r.ResolvedValue)
}

func TestGroundZeroSkipFractionIsHonored(t *testing.T) {
	// An explicit zero gate means any skipped assumption is fatal; it must
	// not be mistaken for unset and widened to the default.
	_, err := Ground(context.Background(), Input{
		Plan: testPlan(
			"!! ++",
			`emails carry a "subject" field`,
		),
		Metadata: &Metadata{Fields: []FieldDescriptor{{Name: "subject"}}},
		Config:   Config{MaxSkipFraction: fptr(0)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientGrounding)
}

func TestMatchScore(t *testing.T) {
	tests := []struct {
		target    string
		candidate string
		want      float64
	}{
		{"subject", "subject", scoreExact},
		{"Subject", "subject", scoreCaseFold},
		{"sent_date", "sentdate", scoreCaseFold},
		{"emails", "email", scorePlural},
		{"categories", "category", scorePlural},
		{"from", "sender", scoreSynonym},
		{"title", "subject", scoreSynonym},
	}
	for _, tt := range tests {
		got := matchScore(tt.target, tt.candidate)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.target, tt.candidate)
	}

	assert.Less(t, matchScore("zzqx", "subject"), 0.5)
}

package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/ir"
)

func TestStepNum(t *testing.T) {
	tests := []struct {
		id string
		n  int
		ok bool
	}{
		{"step1", 1, true},
		{"step42", 42, true},
		{"step0", 0, false},
		{"step", 0, false},
		{"step1_2", 0, false},
		{"item", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		n, ok := StepNum(tt.id)
		assert.Equal(t, tt.ok, ok, tt.id)
		if tt.ok {
			assert.Equal(t, tt.n, n, tt.id)
		}
	}
}

func TestStepID(t *testing.T) {
	assert.Equal(t, "step1", StepID(1))
	assert.Equal(t, "step17", StepID(17))
}

func nestedGraph() *Graph {
	return &Graph{Steps: []Step{
		{ID: "step1", Type: StepAction, Name: "read", Params: ir.Object{}},
		{
			ID: "step2", Type: StepLoop, Name: "per email",
			Params:  ir.Object{"input": ir.StepRef{Step: 1, Path: []string{"data"}}},
			ItemVar: "item",
			Steps: []Step{
				{ID: "step3", Type: StepAI, Name: "summarize", Params: ir.Object{
					"input": ir.ItemRef{Path: []string{"body"}},
				}},
				{ID: "step4", Type: StepAction, Name: "deliver", Params: ir.Object{
					"input": ir.StepRef{Step: 3, Path: []string{"data"}},
				}},
			},
		},
		{ID: "step5", Type: StepAction, Name: "notify", Params: ir.Object{}},
	}}
}

func TestWalkDepthFirst(t *testing.T) {
	g := nestedGraph()

	var order []string
	var depths []int
	g.Walk(func(s *Step, parents []*Step) bool {
		order = append(order, s.ID)
		depths = append(depths, len(parents))
		return true
	})

	assert.Equal(t, []string{"step1", "step2", "step3", "step4", "step5"}, order)
	assert.Equal(t, []int{0, 0, 1, 1, 0}, depths)
}

func TestWalkParentsPerSibling(t *testing.T) {
	g := nestedGraph()

	parentsOf := map[string][]string{}
	g.Walk(func(s *Step, parents []*Step) bool {
		var ids []string
		for _, p := range parents {
			ids = append(ids, p.ID)
		}
		parentsOf[s.ID] = ids
		return true
	})

	assert.Empty(t, parentsOf["step1"])
	assert.Equal(t, []string{"step2"}, parentsOf["step3"])
	assert.Equal(t, []string{"step2"}, parentsOf["step4"])
	assert.Empty(t, parentsOf["step5"])
}

func TestWalkStops(t *testing.T) {
	g := nestedGraph()
	var seen []string
	g.Walk(func(s *Step, _ []*Step) bool {
		seen = append(seen, s.ID)
		return s.ID != "step3"
	})
	assert.Equal(t, []string{"step1", "step2", "step3"}, seen)
}

func TestCloneIsIndependent(t *testing.T) {
	g := nestedGraph()
	c := g.Clone()

	c.Steps[0].Name = "changed"
	c.Steps[1].Steps[0].Params["input"] = ir.String("overwritten")

	assert.Equal(t, "read", g.Steps[0].Name)
	assert.Equal(t, ir.ItemRef{Path: []string{"body"}}, g.Steps[1].Steps[0].Params["input"])
}

func TestCollectAndRewriteRefs(t *testing.T) {
	s := &Step{
		ID:   "step4",
		Type: StepMap,
		Params: ir.Object{
			"input": ir.StepRef{Step: 2, Path: []string{"data", "rows"}},
			"config": ir.Object{
				"key": ir.ParamRef{Name: "sheet"},
				"arr": ir.Array{ir.ItemRef{Path: []string{"id"}}, ir.String("literal")},
			},
		},
	}

	refs := s.CollectRefs()
	assert.Len(t, refs, 3)

	s.RewriteRefs(func(v ir.Value) ir.Value {
		if ref, ok := v.(ir.StepRef); ok {
			return ref.WithStep(9)
		}
		return v
	})
	assert.Equal(t, ir.StepRef{Step: 9, Path: []string{"data", "rows"}}, s.Params["input"])
	cfg := s.Params["config"].(ir.Object)
	assert.Equal(t, ir.ParamRef{Name: "sheet"}, cfg["key"])
}

func TestGraphJSONRoundTrip(t *testing.T) {
	g := nestedGraph()
	data, err := json.Marshal(g)
	require.NoError(t, err)

	var back Graph
	require.NoError(t, json.Unmarshal(data, &back))

	// Typed refs survive the round trip because template strings decode
	// back into reference values.
	loop := back.Steps[1]
	assert.Equal(t, ir.StepRef{Step: 1, Path: []string{"data"}}, loop.Params["input"])
	assert.Equal(t, ir.ItemRef{Path: []string{"body"}}, loop.Steps[0].Params["input"])
}

func TestGraphHashIgnoresKeyOrder(t *testing.T) {
	a := &Graph{Steps: []Step{{ID: "step1", Type: StepAction, Params: ir.Object{
		"x": ir.Number(1), "y": ir.String("v"),
	}}}}
	b := &Graph{Steps: []Step{{ID: "step1", Type: StepAction, Params: ir.Object{
		"y": ir.String("v"), "x": ir.Number(1),
	}}}}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

package ir

import (
	"encoding/json"
	"fmt"
)

// IR is the declarative intermediate representation of a workflow intent.
// It carries business facts only - data sources, filters, AI operations,
// delivery rules - and never execution detail. The forbidden-token scan in
// validate.go enforces that boundary.
type IR struct {
	IRVersion     string         `json:"ir_version"`
	DataSources   []DataSource   `json:"data_sources"`
	Filters       []FilterRule   `json:"filters"`
	PostAIFilters []FilterRule   `json:"post_ai_filters"`
	AIOperations  []AIOperation  `json:"ai_operations"`
	Partitions    []Partition    `json:"partitions"`
	Grouping      *Grouping      `json:"grouping"`
	Rendering     *Rendering     `json:"rendering"`
	DeliveryRules []DeliveryRule `json:"delivery_rules"`
	EdgeCases     []EdgeCase     `json:"edge_cases"`
}

// DataSource describes where the workflow reads from.
// PluginKey and OperationType are resolved by the formalizer against the
// capability catalog and are never empty once the IR validates.
type DataSource struct {
	Name          string   `json:"name"`
	PluginKey     string   `json:"plugin_key"`
	OperationType string   `json:"operation_type"`
	Fields        []string `json:"fields"`
	TimeWindow    *string  `json:"time_window"`
}

// FilterOp enumerates supported filter comparison operators.
type FilterOp string

const (
	OpEquals      FilterOp = "equals"
	OpNotEquals   FilterOp = "not_equals"
	OpContains    FilterOp = "contains"
	OpNotContains FilterOp = "not_contains"
	OpGreaterThan FilterOp = "greater_than"
	OpLessThan    FilterOp = "less_than"
	OpExists      FilterOp = "exists"
)

// ValidFilterOps defines the allowed filter operators.
var ValidFilterOps = map[FilterOp]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpContains:    true,
	OpNotContains: true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpExists:      true,
}

// FilterRule is a declarative filter condition.
// Field is a pointer so a missing field is detectable: a nil field is
// always a validation error, never "match anything".
type FilterRule struct {
	Field *string  `json:"field"`
	Op    FilterOp `json:"op"`
	Value Value    `json:"value"`
}

// UnmarshalJSON decodes the rule, routing the value through the sealed union.
func (f *FilterRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field *string         `json:"field"`
		Op    FilterOp        `json:"op"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Field = raw.Field
	f.Op = raw.Op
	if len(raw.Value) > 0 {
		v, err := unmarshalValue(raw.Value)
		if err != nil {
			return fmt.Errorf("filter value: %w", err)
		}
		f.Value = v
	}
	return nil
}

// MarshalJSON renders the rule with its value through the sealed union.
func (f FilterRule) MarshalJSON() ([]byte, error) {
	val := []byte("null")
	if f.Value != nil {
		b, err := MarshalValue(f.Value)
		if err != nil {
			return nil, err
		}
		val = b
	}
	raw := struct {
		Field *string         `json:"field"`
		Op    FilterOp        `json:"op"`
		Value json.RawMessage `json:"value"`
	}{Field: f.Field, Op: f.Op, Value: val}
	return json.Marshal(raw)
}

// AIOpKind enumerates the supported AI operation kinds.
type AIOpKind string

const (
	AIClassify  AIOpKind = "classify"
	AISummarize AIOpKind = "summarize"
	AIExtract   AIOpKind = "extract"
	AIGenerate  AIOpKind = "generate"
)

// ValidAIOpKinds defines the allowed AI operation kinds.
var ValidAIOpKinds = map[AIOpKind]bool{
	AIClassify:  true,
	AISummarize: true,
	AIExtract:   true,
	AIGenerate:  true,
}

// AIOperation describes a model-backed transformation over source records.
type AIOperation struct {
	Name         string            `json:"name"`
	Kind         AIOpKind          `json:"kind"`
	Instruction  string            `json:"instruction"`
	InputFields  []string          `json:"input_fields"`
	OutputSchema map[string]string `json:"output_schema"` // field name -> type name
	PerItem      bool              `json:"per_item"`
}

// Partition splits records by a field's values, e.g. category -> sheet tab.
type Partition struct {
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// Grouping describes how records are grouped before delivery.
type Grouping struct {
	Field    string `json:"field"`
	PerGroup bool   `json:"per_group"`
}

// Rendering describes the output shape before delivery.
type Rendering struct {
	Format   string  `json:"format"` // "table", "digest", "rows", "text"
	Template *string `json:"template"`
}

// DeliveryRule names a delivery target. PluginKey and OperationType are both
// required once validated; a per-group rule additionally requires a Grouping
// block on the IR.
type DeliveryRule struct {
	Target        string  `json:"target"`
	PluginKey     string  `json:"plugin_key"`
	OperationType string  `json:"operation_type"`
	PerGroup      bool    `json:"per_group"`
	GroupValue    *string `json:"group_value"`
}

// EdgeCase records a business-level edge case the user called out.
type EdgeCase struct {
	Condition string `json:"condition"`
	Handling  string `json:"handling"`
}

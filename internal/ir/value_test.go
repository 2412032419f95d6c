package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Value
		ok       bool
	}{
		{"step ref", "{{step3.data.emails}}", StepRef{Step: 3, Path: []string{"data", "emails"}}, true},
		{"step ref with spaces", "{{ step1.data }}", StepRef{Step: 1, Path: []string{"data"}}, true},
		{"bare step", "{{step7}}", StepRef{Step: 7, Path: []string{}}, true},
		{"item ref", "{{item.subject}}", ItemRef{Path: []string{"subject"}}, true},
		{"param ref", "{{params.sheet_name}}", ParamRef{Name: "sheet_name"}, true},
		{"plain string", "hello", nil, false},
		{"unclosed", "{{step3.data", nil, false},
		{"embedded template", "prefix {{step3.data}} suffix", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRef(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestUnmarshalDecodesTypedRefs(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`{"input":"{{step2.data.emails}}","field":"sender","per_item":"{{item.id}}"}`), &obj)
	require.NoError(t, err)

	assert.Equal(t, StepRef{Step: 2, Path: []string{"data", "emails"}}, obj["input"])
	assert.Equal(t, String("sender"), obj["field"])
	assert.Equal(t, ItemRef{Path: []string{"id"}}, obj["per_item"])
}

func TestRefStringRoundTrip(t *testing.T) {
	refs := []Value{
		StepRef{Step: 12, Path: []string{"data", "rows"}},
		ItemRef{Path: []string{"amount"}},
		ParamRef{Name: "spreadsheet_id"},
	}
	for _, ref := range refs {
		data, err := MarshalValue(ref)
		require.NoError(t, err)

		var s string
		require.NoError(t, json.Unmarshal(data, &s))
		parsed, ok := ParseRef(s)
		require.True(t, ok, "template %q should parse", s)
		assert.Equal(t, ref, parsed)
	}
}

func TestMarshalNumberIntegral(t *testing.T) {
	data, err := MarshalValue(Number(42))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	data, err = MarshalValue(Number(1.5))
	require.NoError(t, err)
	assert.Equal(t, "1.5", string(data))
}

func TestFromJSONToGoRoundTrip(t *testing.T) {
	src := []byte(`{"a":[1,2,{"b":true}],"c":null,"d":"x"}`)
	v, err := FromJSON(src)
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, Null{}, obj["c"])

	back := ToGo(v)
	data, err := json.Marshal(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(src), string(data))
}

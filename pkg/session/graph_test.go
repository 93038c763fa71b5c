package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph() *GraphDefinition {
	return &GraphDefinition{Nodes: map[string]*GraphNode{
		"1": {ClassType: "LoadImage", Inputs: map[string]interface{}{"image": "input.png"}},
		"3": {ClassType: "KSampler", Inputs: map[string]interface{}{
			"seed":    float64(7),
			"denoise": 0.6,
		}},
	}}
}

// TestGraphDefinitionWireFormat tests that documents serialize as a bare
// node mapping without a wrapper object.
func TestGraphDefinitionWireFormat(t *testing.T) {
	g := &GraphDefinition{Nodes: map[string]*GraphNode{
		"3": {ClassType: "KSampler", Inputs: map[string]interface{}{"seed": float64(7)}},
	}}

	data, err := g.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"3": {"class_type": "KSampler", "inputs": {"seed": 7}}}`, string(data))

	parsed, err := ParseGraphDefinition(data)
	require.NoError(t, err)
	assert.Equal(t, "KSampler", parsed.Nodes["3"].ClassType)
	seed, ok := parsed.Input("3", "seed")
	require.True(t, ok)
	assert.Equal(t, float64(7), seed)
}

// TestParseGraphDefinitionErrors tests rejection of malformed and empty
// documents.
func TestParseGraphDefinitionErrors(t *testing.T) {
	_, err := ParseGraphDefinition([]byte("{"))
	assert.Error(t, err)

	_, err = ParseGraphDefinition([]byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no nodes")
}

// TestGraphDefinitionClone tests deep-copy independence of nodes, inputs
// and nested values.
func TestGraphDefinitionClone(t *testing.T) {
	g := sampleGraph()
	g.Nodes["3"].Inputs["nested"] = map[string]interface{}{"list": []interface{}{"a", "b"}}

	clone := g.Clone()
	assert.Empty(t, cmp.Diff(g.Nodes, clone.Nodes))

	require.NoError(t, clone.SetInput("3", "seed", float64(42)))
	clone.Nodes["3"].Inputs["nested"].(map[string]interface{})["list"].([]interface{})[0] = "mutated"

	seed, _ := g.Input("3", "seed")
	assert.Equal(t, float64(7), seed)
	nested := g.Nodes["3"].Inputs["nested"].(map[string]interface{})
	assert.Equal(t, "a", nested["list"].([]interface{})[0])

	var nilGraph *GraphDefinition
	assert.Nil(t, nilGraph.Clone())
}

// TestGraphDefinitionEqual tests canonical-serialization comparison.
func TestGraphDefinitionEqual(t *testing.T) {
	a, b := sampleGraph(), sampleGraph()
	assert.True(t, a.Equal(b))

	require.NoError(t, b.SetInput("3", "seed", float64(8)))
	assert.False(t, a.Equal(b))

	assert.False(t, a.Equal(nil))

	var nilA, nilB *GraphDefinition
	assert.True(t, nilA.Equal(nilB))
}

// TestGraphDefinitionSetInput tests in-place mutation rules.
func TestGraphDefinitionSetInput(t *testing.T) {
	g := sampleGraph()

	require.NoError(t, g.SetInput("3", "seed", float64(42)))
	seed, _ := g.Input("3", "seed")
	assert.Equal(t, float64(42), seed)

	// New field on an existing node is allowed.
	require.NoError(t, g.SetInput("3", "steps", float64(20)))
	steps, ok := g.Input("3", "steps")
	require.True(t, ok)
	assert.Equal(t, float64(20), steps)

	// Unknown node is not.
	err := g.SetInput("99", "seed", float64(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no node "99"`)

	_, ok = g.Input("99", "seed")
	assert.False(t, ok)
}

// TestLoadGraphDefinition tests file loading.
func TestLoadGraphDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1": {"class_type": "LoadImage", "inputs": {}}}`), 0o644))

	g, err := LoadGraphDefinition(path)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)

	_, err = LoadGraphDefinition(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

// TestInputSpecNumeric tests type classification.
func TestInputSpecNumeric(t *testing.T) {
	assert.True(t, (&InputSpec{Type: "int"}).Numeric())
	assert.True(t, (&InputSpec{Type: "float"}).Numeric())
	assert.True(t, (&InputSpec{Type: "number"}).Numeric())
	assert.False(t, (&InputSpec{Type: "string"}).Numeric())
	assert.False(t, (&InputSpec{}).Numeric())
}

// TestInputSpecCheckValue tests bounds and choice enforcement.
func TestInputSpecCheckValue(t *testing.T) {
	lo, hi := 0.0, 1.0
	bounded := &InputSpec{Type: "float", Min: &lo, Max: &hi}

	tests := []struct {
		name    string
		spec    *InputSpec
		value   interface{}
		wantErr string
	}{
		{"within bounds", bounded, 0.5, ""},
		{"at lower bound", bounded, 0.0, ""},
		{"at upper bound", bounded, 1.0, ""},
		{"below minimum", bounded, -0.1, "below minimum"},
		{"above maximum", bounded, 1.5, "above maximum"},
		{"integer accepted for float field", bounded, 1, ""},
		{"non-numeric for numeric field", bounded, "high", "is not numeric"},
		{
			"allowed choice",
			&InputSpec{Type: "string", Choices: []interface{}{"euler", "ddim"}},
			"euler", "",
		},
		{
			"rejected choice",
			&InputSpec{Type: "string", Choices: []interface{}{"euler", "ddim"}},
			"lcm", "not among declared choices",
		},
		{
			"unconstrained text",
			&InputSpec{Type: "string"},
			"anything goes", "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.CheckValue(tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestNodeDescriptorIDNotSerialized tests that descriptor ids live in the
// map key, not the value.
func TestNodeDescriptorIDNotSerialized(t *testing.T) {
	desc := &NodeDescriptor{
		ID:        "3",
		ClassType: "KSampler",
		Inputs:    map[string]InputSpec{"seed": {Value: float64(7), Type: "int"}},
	}
	data, err := graphJSON.Marshal(desc)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"3"`)
	assert.Contains(t, string(data), `"class_type":"KSampler"`)
}

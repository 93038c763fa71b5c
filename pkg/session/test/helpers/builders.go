package helpers

import (
	"github.com/framelink/framelink-sdk-go/pkg/session"
)

// GraphBuilder assembles graph definition documents for tests.
type GraphBuilder struct {
	graph *session.GraphDefinition
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{graph: session.NewGraphDefinition()}
}

// WithNode adds a node with the given id and class type.
func (b *GraphBuilder) WithNode(id, classType string) *GraphBuilder {
	b.graph.Nodes[id] = &session.GraphNode{
		ClassType: classType,
		Inputs:    make(map[string]interface{}),
	}
	return b
}

// WithInput sets one input field on a previously added node.
func (b *GraphBuilder) WithInput(nodeID, field string, value interface{}) *GraphBuilder {
	if node, ok := b.graph.Nodes[nodeID]; ok {
		node.Inputs[field] = value
	}
	return b
}

// Build returns the assembled document.
func (b *GraphBuilder) Build() *session.GraphDefinition {
	return b.graph
}

// SamplerGraph returns the canonical test graph: a loader feeding a seeded
// sampler node "3", the shape most control-protocol tests exercise.
func SamplerGraph() *session.GraphDefinition {
	return NewGraphBuilder().
		WithNode("1", "LoadImage").
		WithInput("1", "image", "input.png").
		WithNode("3", "KSampler").
		WithInput("3", "seed", float64(7)).
		WithInput("3", "denoise", 0.6).
		WithNode("5", "SaveImage").
		WithInput("5", "filename_prefix", "out").
		Build()
}

// ConfigBuilder assembles session configs with valid defaults.
type ConfigBuilder struct {
	cfg *session.SessionConfig
}

// NewConfigBuilder creates a builder with a valid 512x512 30fps config
// pointing at the given backend URL.
func NewConfigBuilder(backendURL string) *ConfigBuilder {
	return &ConfigBuilder{cfg: &session.SessionConfig{
		BackendURL: backendURL,
		FrameRate:  session.DefaultFrameRate,
		Width:      session.DefaultWidth,
		Height:     session.DefaultHeight,
	}}
}

// WithGeometry sets the normalized stream dimensions.
func (b *ConfigBuilder) WithGeometry(width, height int) *ConfigBuilder {
	b.cfg.Width = width
	b.cfg.Height = height
	return b
}

// WithFrameRate sets the target frame rate.
func (b *ConfigBuilder) WithFrameRate(fps int) *ConfigBuilder {
	b.cfg.FrameRate = fps
	return b
}

// WithGraph attaches a processing-graph document.
func (b *ConfigBuilder) WithGraph(g *session.GraphDefinition) *ConfigBuilder {
	b.cfg.Graph = g
	return b
}

// WithSources sets the capture device identifiers.
func (b *ConfigBuilder) WithSources(video, audio string) *ConfigBuilder {
	b.cfg.VideoSourceID = video
	b.cfg.AudioSourceID = audio
	return b
}

// Build returns the assembled config.
func (b *ConfigBuilder) Build() *session.SessionConfig {
	return b.cfg
}

// NumericSpec builds an input spec for a bounded numeric field.
func NumericSpec(value, min, max float64) session.InputSpec {
	return session.InputSpec{
		Value: value,
		Type:  "float",
		Min:   &min,
		Max:   &max,
	}
}

// IntSpec builds an input spec for an unbounded integer field.
func IntSpec(value float64) session.InputSpec {
	return session.InputSpec{Value: value, Type: "int"}
}

// ChoiceSpec builds an input spec for an enumerated text field.
func ChoiceSpec(value string, choices ...string) session.InputSpec {
	spec := session.InputSpec{Value: value, Type: "string"}
	for _, c := range choices {
		spec.Choices = append(spec.Choices, c)
	}
	return spec
}

// SamplerDescriptors returns nodes_info-shaped descriptors matching
// SamplerGraph, with bounds on the sampler's numeric fields.
func SamplerDescriptors() map[string]*session.NodeDescriptor {
	return map[string]*session.NodeDescriptor{
		"1": {
			ID:        "1",
			ClassType: "LoadImage",
			Inputs: map[string]session.InputSpec{
				"image": ChoiceSpec("input.png", "input.png", "alt.png"),
			},
		},
		"3": {
			ID:        "3",
			ClassType: "KSampler",
			Inputs: map[string]session.InputSpec{
				"seed":    IntSpec(7),
				"denoise": NumericSpec(0.6, 0, 1),
			},
		},
		"5": {
			ID:        "5",
			ClassType: "SaveImage",
			Inputs: map[string]session.InputSpec{
				"filename_prefix": {Value: "out", Type: "string"},
			},
		},
	}
}

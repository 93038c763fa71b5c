package session

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

// graphJSON is the codec for graph documents and control messages. The
// std-compatible config sorts map keys, which keeps serialized documents
// deterministic for comparison and testing.
var graphJSON = sonic.ConfigStd

// GraphNode is one node of the client-held graph definition document: a
// class type tag plus the node's input fields with their current values.
type GraphNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// GraphDefinition is the complete processing-graph document. The client is
// the sole source of truth for the document between updates: every mutation
// resends the whole document because the backend has no merge semantics.
//
// On the wire the document is a bare mapping from node id to GraphNode,
// matching the backend's prompt format.
type GraphDefinition struct {
	Nodes map[string]*GraphNode
}

// NewGraphDefinition returns an empty graph document.
func NewGraphDefinition() *GraphDefinition {
	return &GraphDefinition{Nodes: make(map[string]*GraphNode)}
}

// MarshalJSON emits the bare node mapping.
func (g *GraphDefinition) MarshalJSON() ([]byte, error) {
	return graphJSON.Marshal(g.Nodes)
}

// UnmarshalJSON parses the bare node mapping.
func (g *GraphDefinition) UnmarshalJSON(data []byte) error {
	return graphJSON.Unmarshal(data, &g.Nodes)
}

// Clone returns a deep copy of the document.
func (g *GraphDefinition) Clone() *GraphDefinition {
	if g == nil {
		return nil
	}
	out := &GraphDefinition{Nodes: make(map[string]*GraphNode, len(g.Nodes))}
	for id, node := range g.Nodes {
		cloned := &GraphNode{
			ClassType: node.ClassType,
			Inputs:    make(map[string]interface{}, len(node.Inputs)),
		}
		for name, value := range node.Inputs {
			cloned.Inputs[name] = cloneValue(value)
		}
		out.Nodes[id] = cloned
	}
	return out
}

// cloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Equal compares two documents by canonical serialization.
func (g *GraphDefinition) Equal(other *GraphDefinition) bool {
	if g == nil || other == nil {
		return g == other
	}
	a, errA := g.MarshalJSON()
	b, errB := other.MarshalJSON()
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// Input returns the current value of one node input field.
func (g *GraphDefinition) Input(nodeID, field string) (interface{}, bool) {
	if g == nil {
		return nil, false
	}
	node, ok := g.Nodes[nodeID]
	if !ok || node.Inputs == nil {
		return nil, false
	}
	v, ok := node.Inputs[field]
	return v, ok
}

// SetInput mutates one input field of the document in place. The node must
// already exist; the field may be new. Bounds checking against the backend's
// declared input specs happens in ControlChannel.UpdateInput, before the
// document is touched.
func (g *GraphDefinition) SetInput(nodeID, field string, value interface{}) error {
	if g == nil {
		return fmt.Errorf("graph definition is nil")
	}
	node, ok := g.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("graph has no node %q", nodeID)
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]interface{})
	}
	node.Inputs[field] = value
	return nil
}

// LoadGraphDefinition reads a JSON graph document from a file.
func LoadGraphDefinition(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseGraphDefinition(data)
}

// ParseGraphDefinition parses a JSON graph document.
func ParseGraphDefinition(data []byte) (*GraphDefinition, error) {
	g := NewGraphDefinition()
	if err := g.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("parse graph definition: %w", err)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("graph definition has no nodes")
	}
	return g, nil
}

// InputSpec describes one input field of a backend graph node as reported
// by nodes_info: the current value, its declared type, and optional numeric
// bounds or enumerated choices.
type InputSpec struct {
	Value   interface{}   `json:"value"`
	Type    string        `json:"type"`
	Min     *float64      `json:"min,omitempty"`
	Max     *float64      `json:"max,omitempty"`
	Choices []interface{} `json:"choices,omitempty"`
}

// Numeric reports whether the declared type is a numeric field. Numeric
// fields get the shorter debounce delay and bounds enforcement.
func (s *InputSpec) Numeric() bool {
	switch s.Type {
	case "int", "float", "number":
		return true
	default:
		return false
	}
}

// CheckValue validates a candidate value against the declared bounds and
// choices. Mutations must pass this check before they are accepted into the
// local document, so speculative local state never violates declared bounds.
func (s *InputSpec) CheckValue(value interface{}) error {
	if s.Numeric() {
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("value %v is not numeric for %s field", value, s.Type)
		}
		if s.Min != nil && n < *s.Min {
			return fmt.Errorf("value %v below minimum %v", n, *s.Min)
		}
		if s.Max != nil && n > *s.Max {
			return fmt.Errorf("value %v above maximum %v", n, *s.Max)
		}
		return nil
	}
	if len(s.Choices) > 0 {
		for _, c := range s.Choices {
			if c == value {
				return nil
			}
		}
		return fmt.Errorf("value %v not among declared choices", value)
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// NodeDescriptor is a read-only snapshot of one backend graph node. It is
// refreshed on demand via the control protocol and never mutated locally
// except by replacing the whole snapshot after a successful round trip.
type NodeDescriptor struct {
	ID        string               `json:"-"`
	ClassType string               `json:"class_type"`
	Inputs    map[string]InputSpec `json:"inputs"`
}

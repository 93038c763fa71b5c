package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Control message type tags.
const (
	msgTypeGetNodes      = "get_nodes"
	msgTypeNodesInfo     = "nodes_info"
	msgTypeUpdatePrompt  = "update_prompt"
	msgTypePromptUpdated = "prompt_updated"
)

// ControlMessage is the tagged envelope exchanged on the control channel.
// Exactly one payload field is set, according to Type.
type ControlMessage struct {
	Type string `json:"type"`

	// Nodes carries the processing graph snapshot in a nodes_info response,
	// keyed by node identifier.
	Nodes map[string]*NodeDescriptor `json:"nodes,omitempty"`

	// Prompt carries the full graph document in an update_prompt request.
	Prompt *GraphDefinition `json:"prompt,omitempty"`

	// Success reports the outcome in a prompt_updated response.
	Success *bool `json:"success,omitempty"`
}

// controlTransport is the subset of *webrtc.DataChannel the control channel
// sends through. Tests substitute an in-memory implementation.
type controlTransport interface {
	Send(data []byte) error
}

// ControlEvents receives decoded control responses. Callbacks run
// synchronously on the data channel's delivery goroutine, so responses are
// observed in exactly the order the backend sent them. Handlers must not
// block; hand off to a goroutine for slow work.
type ControlEvents struct {
	// OnNodesInfo fires for each nodes_info response with the decoded
	// snapshot. Descriptors have their ID field populated.
	OnNodesInfo func(nodes map[string]*NodeDescriptor)

	// OnPromptUpdated fires for each prompt_updated response.
	OnPromptUpdated func(success bool)

	// OnStateChange fires when the underlying channel opens or closes.
	OnStateChange func(open bool)
}

// ControlStats is a snapshot of control channel counters.
type ControlStats struct {
	MessagesSent   uint64
	MessagesRecv   uint64
	Dropped        uint64
	DecodeErrors   uint64
	EditsFlushed   uint64
	EditsSuppress  uint64
	LastActivityAt time.Time
}

// ControlChannelOptions configures a ControlChannel.
type ControlChannelOptions struct {
	// Debounce tunes field-edit coalescing delays.
	Debounce DebouncePolicy

	// Events receives decoded responses.
	Events ControlEvents

	// Logger for channel lifecycle and protocol errors.
	Logger Logger
}

// ControlChannel speaks the graph introspection protocol over an ordered
// data channel. The client holds the authoritative graph document: edits are
// applied locally first, then propagated to the backend as whole-document
// update_prompt messages after per-field debouncing. While the channel is
// not open, outgoing messages are dropped and logged, never queued.
type ControlChannel struct {
	logger Logger
	events ControlEvents

	mu          sync.RWMutex
	transport   controlTransport
	open        bool
	graph       *GraphDefinition
	descriptors map[string]*NodeDescriptor
	stats       ControlStats

	debouncer *fieldDebouncer
}

// NewControlChannel creates a control channel. Bind attaches it to a live
// data channel once negotiation produces one.
func NewControlChannel(opts ControlChannelOptions) *ControlChannel {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	c := &ControlChannel{
		logger:      opts.Logger,
		events:      opts.Events,
		descriptors: make(map[string]*NodeDescriptor),
	}
	c.debouncer = newFieldDebouncer(opts.Debounce, c.flushEdit)
	return c
}

// Bind attaches the channel to dc and registers open, close and message
// handlers. Message handling is synchronous, preserving delivery order.
func (c *ControlChannel) Bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.transport = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.setOpen(true)
		c.logger.Info("control channel open", "label", dc.Label())
	})
	dc.OnClose(func() {
		c.setOpen(false)
		c.logger.Info("control channel closed", "label", dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleMessage(msg.Data)
	})
}

func (c *ControlChannel) setOpen(open bool) {
	c.mu.Lock()
	changed := c.open != open
	c.open = open
	c.mu.Unlock()
	if changed && c.events.OnStateChange != nil {
		c.events.OnStateChange(open)
	}
}

// Open reports whether the underlying data channel is currently open.
func (c *ControlChannel) Open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// SetGraph installs the authoritative graph document, replacing any prior
// one. The channel keeps its own deep copy.
func (c *ControlChannel) SetGraph(graph *GraphDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graph = graph.Clone()
}

// Graph returns a deep copy of the locally held graph document, or nil when
// none is installed.
func (c *ControlChannel) Graph() *GraphDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph.Clone()
}

// Descriptors returns the most recent nodes_info snapshot.
func (c *ControlChannel) Descriptors() map[string]*NodeDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*NodeDescriptor, len(c.descriptors))
	for id, d := range c.descriptors {
		out[id] = d
	}
	return out
}

// RequestNodes asks the backend for its current graph snapshot. The reply
// arrives as a nodes_info event.
func (c *ControlChannel) RequestNodes() error {
	return c.send(ControlMessage{Type: msgTypeGetNodes})
}

// UpdatePrompt pushes doc to the backend as a whole-document update and
// installs it as the local authoritative copy. It bypasses debouncing; use
// UpdateInput for interactive per-field edits.
func (c *ControlChannel) UpdatePrompt(doc *GraphDefinition) error {
	if doc == nil {
		return fmt.Errorf("%w: nil graph document", ErrInvalidConfig)
	}
	c.mu.Lock()
	c.graph = doc.Clone()
	c.mu.Unlock()
	return c.send(ControlMessage{Type: msgTypeUpdatePrompt, Prompt: doc})
}

// UpdateInput applies one field edit to the local graph document and
// schedules a debounced whole-document push. The value is validated against
// the node's advertised input constraints before the document is touched;
// out-of-range values are rejected and the document left unchanged. Edits
// that settle to the value most recently sent for the same field are
// suppressed without a send.
func (c *ControlChannel) UpdateInput(nodeID, field string, value interface{}) error {
	c.mu.Lock()
	if c.graph == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: no graph document installed", ErrInvalidConfig)
	}
	numeric := false
	if desc, ok := c.descriptors[nodeID]; ok {
		if spec, ok := desc.Inputs[field]; ok {
			if err := spec.CheckValue(value); err != nil {
				c.mu.Unlock()
				return fmt.Errorf("node %s input %s: %w", nodeID, field, err)
			}
			numeric = spec.Numeric()
		}
	}
	if !numeric {
		switch value.(type) {
		case int, int32, int64, float32, float64:
			numeric = true
		}
	}
	if err := c.graph.SetInput(nodeID, field, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.debouncer.Queue(fieldKey{node: nodeID, field: field}, value, numeric)
	return nil
}

// flushEdit sends the current whole document after a field edit settles.
func (c *ControlChannel) flushEdit(key fieldKey, value interface{}) {
	c.mu.RLock()
	doc := c.graph.Clone()
	c.mu.RUnlock()
	if doc == nil {
		return
	}
	if err := c.send(ControlMessage{Type: msgTypeUpdatePrompt, Prompt: doc}); err != nil {
		c.logger.Warn("dropped settled field edit",
			"node", key.node, "field", key.field, "error", err)
	}
}

// send marshals and transmits msg. When the channel is not open the message
// is dropped, counted and surfaced as ErrChannelUnavailable.
func (c *ControlChannel) send(msg ControlMessage) error {
	payload, err := graphJSON.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}

	c.mu.Lock()
	transport := c.transport
	open := c.open
	if !open || transport == nil {
		c.stats.Dropped++
		c.mu.Unlock()
		metricControlDropped.Inc()
		c.logger.Warn("control channel unavailable, message dropped", "type", msg.Type)
		return fmt.Errorf("%w: %s not delivered", ErrChannelUnavailable, msg.Type)
	}
	c.mu.Unlock()

	if err := transport.Send(payload); err != nil {
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		metricControlDropped.Inc()
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	c.mu.Lock()
	c.stats.MessagesSent++
	c.stats.LastActivityAt = time.Now()
	c.mu.Unlock()
	return nil
}

// handleMessage decodes one inbound control message and dispatches it.
// Called synchronously from the data channel delivery goroutine.
func (c *ControlChannel) handleMessage(data []byte) {
	var msg ControlMessage
	if err := graphJSON.Unmarshal(data, &msg); err != nil {
		c.mu.Lock()
		c.stats.DecodeErrors++
		c.mu.Unlock()
		c.logger.Warn("undecodable control message", "error", err)
		return
	}

	c.mu.Lock()
	c.stats.MessagesRecv++
	c.stats.LastActivityAt = time.Now()
	c.mu.Unlock()

	switch msg.Type {
	case msgTypeNodesInfo:
		for id, desc := range msg.Nodes {
			if desc != nil {
				desc.ID = id
			}
		}
		c.mu.Lock()
		c.descriptors = msg.Nodes
		c.mu.Unlock()
		if c.events.OnNodesInfo != nil {
			c.events.OnNodesInfo(msg.Nodes)
		}
	case msgTypePromptUpdated:
		success := msg.Success != nil && *msg.Success
		if !success {
			c.logger.Warn("backend rejected graph update")
		}
		if c.events.OnPromptUpdated != nil {
			c.events.OnPromptUpdated(success)
		}
	default:
		c.logger.Debug("ignoring control message", "type", msg.Type)
	}
}

// Close stops pending edit timers and detaches the transport. Safe to call
// more than once.
func (c *ControlChannel) Close() {
	c.debouncer.Close()
	c.mu.Lock()
	c.open = false
	c.transport = nil
	c.mu.Unlock()
}

// Stats returns a snapshot of channel counters.
func (c *ControlChannel) Stats() ControlStats {
	flushed, suppressed := c.debouncer.counters()
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.EditsFlushed = flushed
	stats.EditsSuppress = suppressed
	return stats
}

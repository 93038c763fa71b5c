package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink/framelink-sdk-go/internal/test/mocks"
)

// fakeTransport captures control payloads in place of a live data channel.
type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) messages(t *testing.T) []ControlMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ControlMessage, 0, len(f.sent))
	for _, raw := range f.sent {
		var msg ControlMessage
		require.NoError(t, graphJSON.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// openOn attaches the fake transport and marks the channel open, standing in
// for the data channel OnOpen callback.
func openOn(c *ControlChannel, ft *fakeTransport) {
	c.mu.Lock()
	c.transport = ft
	c.open = true
	c.mu.Unlock()
}

func samplerDoc() *GraphDefinition {
	return &GraphDefinition{Nodes: map[string]*GraphNode{
		"3": {ClassType: "KSampler", Inputs: map[string]interface{}{
			"seed":    float64(7),
			"denoise": 0.6,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]interface{}{
			"text": "a city street",
		}},
	}}
}

// TestControlChannelRequestNodes tests the get_nodes request envelope.
func TestControlChannelRequestNodes(t *testing.T) {
	ft := &fakeTransport{}
	c := NewControlChannel(ControlChannelOptions{})
	defer c.Close()
	openOn(c, ft)

	require.NoError(t, c.RequestNodes())

	msgs := ft.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgTypeGetNodes, msgs[0].Type)
	assert.Nil(t, msgs[0].Prompt)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.MessagesSent)
	assert.False(t, stats.LastActivityAt.IsZero())
}

// TestControlChannelDropsWhenClosed tests that sends before the channel opens
// are dropped and surfaced, never queued.
func TestControlChannelDropsWhenClosed(t *testing.T) {
	c := NewControlChannel(ControlChannelOptions{})
	defer c.Close()

	err := c.RequestNodes()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	err = c.UpdatePrompt(samplerDoc())
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Dropped)
	assert.EqualValues(t, 0, stats.MessagesSent)
}

// TestControlChannelSendFailure tests that a transport write error counts as
// a drop and maps to ErrChannelUnavailable.
func TestControlChannelSendFailure(t *testing.T) {
	ft := &fakeTransport{err: assert.AnError}
	c := NewControlChannel(ControlChannelOptions{})
	defer c.Close()
	openOn(c, ft)

	err := c.RequestNodes()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.EqualValues(t, 1, c.Stats().Dropped)
}

// TestControlChannelUpdatePrompt tests the whole-document push and the local
// install that accompanies it.
func TestControlChannelUpdatePrompt(t *testing.T) {
	ft := &fakeTransport{}
	c := NewControlChannel(ControlChannelOptions{})
	defer c.Close()
	openOn(c, ft)

	doc := samplerDoc()
	require.NoError(t, c.UpdatePrompt(doc))

	msgs := ft.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgTypeUpdatePrompt, msgs[0].Type)
	require.NotNil(t, msgs[0].Prompt)
	assert.True(t, msgs[0].Prompt.Equal(doc))

	local := c.Graph()
	require.NotNil(t, local)
	assert.True(t, local.Equal(doc))

	// The channel keeps its own copy: mutating the caller's document must
	// not leak into the channel.
	doc.Nodes["3"].Inputs["seed"] = float64(999)
	v, ok := c.Graph().Input("3", "seed")
	require.True(t, ok)
	assert.Equal(t, float64(7), v)

	err := c.UpdatePrompt(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestControlChannelUpdateInputValidation tests edit rejection paths. A
// rejected edit must leave the local document untouched and send nothing.
func TestControlChannelUpdateInputValidation(t *testing.T) {
	lo, hi := 0.0, 100.0
	tests := []struct {
		name    string
		install bool
		nodeID  string
		field   string
		value   interface{}
		errIs   error
		errText string
	}{
		{
			name:    "no graph installed",
			install: false,
			nodeID:  "3",
			field:   "seed",
			value:   float64(1),
			errIs:   ErrInvalidConfig,
		},
		{
			name:    "unknown node",
			install: true,
			nodeID:  "99",
			field:   "seed",
			value:   float64(1),
			errText: `no node "99"`,
		},
		{
			name:    "below declared minimum",
			install: true,
			nodeID:  "3",
			field:   "seed",
			value:   float64(-5),
			errText: "below minimum",
		},
		{
			name:    "above declared maximum",
			install: true,
			nodeID:  "3",
			field:   "seed",
			value:   float64(101),
			errText: "above maximum",
		},
		{
			name:    "non-numeric for int field",
			install: true,
			nodeID:  "3",
			field:   "seed",
			value:   "not a number",
			errText: "not numeric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			c := NewControlChannel(ControlChannelOptions{
				Debounce: DebouncePolicy{NumericDelay: 5 * time.Millisecond, TextDelay: 5 * time.Millisecond},
			})
			defer c.Close()
			openOn(c, ft)

			if tt.install {
				c.SetGraph(samplerDoc())
				c.mu.Lock()
				c.descriptors = map[string]*NodeDescriptor{
					"3": {ID: "3", ClassType: "KSampler", Inputs: map[string]InputSpec{
						"seed": {Value: float64(7), Type: "int", Min: &lo, Max: &hi},
					}},
				}
				c.mu.Unlock()
			}

			err := c.UpdateInput(tt.nodeID, tt.field, tt.value)
			require.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
			if tt.errText != "" {
				assert.ErrorContains(t, err, tt.errText)
			}

			if tt.install {
				v, ok := c.Graph().Input("3", "seed")
				require.True(t, ok)
				assert.Equal(t, float64(7), v, "rejected edit must not touch the document")
			}
			time.Sleep(20 * time.Millisecond)
			assert.Zero(t, ft.count(), "rejected edit must not reach the wire")
		})
	}
}

// TestControlChannelUpdateInputRoundTrip tests the full edit flow: the value
// lands in the local document immediately, the settled whole-document push
// carries it, and the backend's prompt_updated acknowledgment is surfaced.
func TestControlChannelUpdateInputRoundTrip(t *testing.T) {
	ft := &fakeTransport{}
	var acks []bool
	var ackMu sync.Mutex
	c := NewControlChannel(ControlChannelOptions{
		Debounce: DebouncePolicy{NumericDelay: 10 * time.Millisecond, TextDelay: 10 * time.Millisecond},
		Events: ControlEvents{
			OnPromptUpdated: func(success bool) {
				ackMu.Lock()
				acks = append(acks, success)
				ackMu.Unlock()
			},
		},
	})
	defer c.Close()
	openOn(c, ft)
	c.SetGraph(samplerDoc())

	require.NoError(t, c.UpdateInput("3", "seed", float64(42)))

	// Local document reflects the edit before any send settles.
	v, ok := c.Graph().Input("3", "seed")
	require.True(t, ok)
	assert.Equal(t, float64(42), v)

	require.Eventually(t, func() bool {
		return ft.count() == 1
	}, time.Second, 5*time.Millisecond)

	msgs := ft.messages(t)
	assert.Equal(t, msgTypeUpdatePrompt, msgs[0].Type)
	require.NotNil(t, msgs[0].Prompt)
	sent, ok := msgs[0].Prompt.Input("3", "seed")
	require.True(t, ok)
	assert.Equal(t, float64(42), sent)
	// Untouched fields ride along in the whole-document push.
	denoise, ok := msgs[0].Prompt.Input("3", "denoise")
	require.True(t, ok)
	assert.Equal(t, 0.6, denoise)

	c.handleMessage([]byte(`{"type":"prompt_updated","success":true}`))

	ackMu.Lock()
	defer ackMu.Unlock()
	require.Len(t, acks, 1)
	assert.True(t, acks[0])
}

// TestControlChannelCoalescedEdits tests that a burst of edits to one field
// produces a single push holding the final value.
func TestControlChannelCoalescedEdits(t *testing.T) {
	ft := &fakeTransport{}
	c := NewControlChannel(ControlChannelOptions{
		Debounce: DebouncePolicy{NumericDelay: 20 * time.Millisecond, TextDelay: 20 * time.Millisecond},
	})
	defer c.Close()
	openOn(c, ft)
	c.SetGraph(samplerDoc())

	for i := 0; i < 8; i++ {
		require.NoError(t, c.UpdateInput("3", "seed", float64(i)))
	}

	require.Eventually(t, func() bool {
		return ft.count() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, ft.count())

	sent, ok := ft.messages(t)[0].Prompt.Input("3", "seed")
	require.True(t, ok)
	assert.Equal(t, float64(7), sent)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.EditsFlushed)
}

// TestControlChannelNodesInfo tests snapshot installation from a nodes_info
// response, including identifier backfill on the descriptors.
func TestControlChannelNodesInfo(t *testing.T) {
	var got map[string]*NodeDescriptor
	c := NewControlChannel(ControlChannelOptions{
		Events: ControlEvents{
			OnNodesInfo: func(nodes map[string]*NodeDescriptor) { got = nodes },
		},
	})
	defer c.Close()

	c.handleMessage([]byte(`{
		"type": "nodes_info",
		"nodes": {
			"3": {
				"class_type": "KSampler",
				"inputs": {
					"seed": {"value": 7, "type": "int", "min": 0, "max": 1000000}
				}
			},
			"6": {"class_type": "CLIPTextEncode", "inputs": {}}
		}
	}`))

	require.NotNil(t, got)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got["3"].ID)
	assert.Equal(t, "6", got["6"].ID)
	assert.Equal(t, "KSampler", got["3"].ClassType)

	descs := c.Descriptors()
	require.Contains(t, descs, "3")
	seed, ok := descs["3"].Inputs["seed"]
	require.True(t, ok)
	assert.Equal(t, "int", seed.Type)
	require.NotNil(t, seed.Min)
	assert.Equal(t, 0.0, *seed.Min)

	assert.EqualValues(t, 1, c.Stats().MessagesRecv)
}

// TestControlChannelPromptRejected tests that an unsuccessful prompt_updated
// is surfaced and logged.
func TestControlChannelPromptRejected(t *testing.T) {
	logger := mocks.NewMockLogger()
	var acks []bool
	c := NewControlChannel(ControlChannelOptions{
		Logger: logger,
		Events: ControlEvents{
			OnPromptUpdated: func(success bool) { acks = append(acks, success) },
		},
	})
	defer c.Close()

	c.handleMessage([]byte(`{"type":"prompt_updated","success":false}`))
	c.handleMessage([]byte(`{"type":"prompt_updated"}`))

	require.Equal(t, []bool{false, false}, acks)
	assert.True(t, logger.Contains("WARN", "backend rejected graph update"))
}

// TestControlChannelUndecodableMessage tests that malformed payloads are
// counted and skipped without disturbing channel state.
func TestControlChannelUndecodableMessage(t *testing.T) {
	fired := false
	c := NewControlChannel(ControlChannelOptions{
		Events: ControlEvents{
			OnNodesInfo: func(map[string]*NodeDescriptor) { fired = true },
		},
	})
	defer c.Close()

	c.handleMessage([]byte(`{"type": "nodes_info", "nodes": `))

	assert.False(t, fired)
	stats := c.Stats()
	assert.EqualValues(t, 1, stats.DecodeErrors)
	assert.EqualValues(t, 0, stats.MessagesRecv)
}

// TestControlChannelUnknownType tests that unrecognized message types are
// counted as received and otherwise ignored.
func TestControlChannelUnknownType(t *testing.T) {
	c := NewControlChannel(ControlChannelOptions{})
	defer c.Close()

	c.handleMessage([]byte(`{"type":"telemetry","payload":123}`))
	assert.EqualValues(t, 1, c.Stats().MessagesRecv)
}

// TestControlChannelDispatchOrder tests that responses are delivered to
// callbacks in arrival order. Dispatch is synchronous, so interleaved
// response types must come out exactly as fed.
func TestControlChannelDispatchOrder(t *testing.T) {
	var order []string
	c := NewControlChannel(ControlChannelOptions{
		Events: ControlEvents{
			OnNodesInfo:     func(map[string]*NodeDescriptor) { order = append(order, "nodes") },
			OnPromptUpdated: func(bool) { order = append(order, "ack") },
		},
	})
	defer c.Close()

	c.handleMessage([]byte(`{"type":"nodes_info","nodes":{"1":{"class_type":"A","inputs":{}}}}`))
	c.handleMessage([]byte(`{"type":"prompt_updated","success":true}`))
	c.handleMessage([]byte(`{"type":"prompt_updated","success":false}`))
	c.handleMessage([]byte(`{"type":"nodes_info","nodes":{"2":{"class_type":"B","inputs":{}}}}`))

	assert.Equal(t, []string{"nodes", "ack", "ack", "nodes"}, order)
}

// TestControlChannelOpenStateEvents tests OnStateChange edge triggering.
func TestControlChannelOpenStateEvents(t *testing.T) {
	var transitions []bool
	c := NewControlChannel(ControlChannelOptions{
		Events: ControlEvents{
			OnStateChange: func(open bool) { transitions = append(transitions, open) },
		},
	})
	defer c.Close()

	assert.False(t, c.Open())
	c.setOpen(true)
	c.setOpen(true)
	assert.True(t, c.Open())
	c.setOpen(false)

	assert.Equal(t, []bool{true, false}, transitions)
}

// TestControlChannelClose tests that close detaches the transport and stops
// pending edits from flushing.
func TestControlChannelClose(t *testing.T) {
	ft := &fakeTransport{}
	c := NewControlChannel(ControlChannelOptions{
		Debounce: DebouncePolicy{NumericDelay: 15 * time.Millisecond, TextDelay: 15 * time.Millisecond},
	})
	openOn(c, ft)
	c.SetGraph(samplerDoc())

	require.NoError(t, c.UpdateInput("3", "seed", float64(1)))
	c.Close()
	c.Close()

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, ft.count())
	assert.False(t, c.Open())
	assert.ErrorIs(t, c.RequestNodes(), ErrChannelUnavailable)
}

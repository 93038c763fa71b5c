package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionConfigValidate tests validation of the resolution and rate
// constraints.
func TestSessionConfigValidate(t *testing.T) {
	valid := SessionConfig{
		BackendURL: "http://localhost:8889/offer",
		FrameRate:  30,
		Width:      512,
		Height:     512,
	}

	tests := []struct {
		name    string
		mutate  func(*SessionConfig)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*SessionConfig) {},
		},
		{
			name:    "missing backend URL",
			mutate:  func(c *SessionConfig) { c.BackendURL = "" },
			wantErr: "backend URL is required",
		},
		{
			name:    "relative backend URL",
			mutate:  func(c *SessionConfig) { c.BackendURL = "/offer" },
			wantErr: "not a valid absolute URL",
		},
		{
			name:    "width below minimum",
			mutate:  func(c *SessionConfig) { c.Width = 32 },
			wantErr: "width 32 outside [64, 2048]",
		},
		{
			name:    "height above maximum",
			mutate:  func(c *SessionConfig) { c.Height = 4096 },
			wantErr: "height 4096 outside [64, 2048]",
		},
		{
			name:    "width not multiple of 64",
			mutate:  func(c *SessionConfig) { c.Width = 500 },
			wantErr: "width 500 is not a multiple of 64",
		},
		{
			name:    "zero frame rate",
			mutate:  func(c *SessionConfig) { c.FrameRate = 0 },
			wantErr: "frame rate 0 outside [1, 120]",
		},
		{
			name:    "excessive frame rate",
			mutate:  func(c *SessionConfig) { c.FrameRate = 240 },
			wantErr: "frame rate 240 outside [1, 120]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestSessionConfigDefaults tests zero-value filling.
func TestSessionConfigDefaults(t *testing.T) {
	cfg := SessionConfig{BackendURL: "http://localhost:8889/offer"}
	cfg.applyDefaults()

	assert.Equal(t, DefaultFrameRate, cfg.FrameRate)
	assert.Equal(t, DefaultWidth, cfg.Width)
	assert.Equal(t, DefaultHeight, cfg.Height)
	assert.NoError(t, cfg.Validate())
}

// TestSessionConfigClone tests that cloned configs do not share graph state.
func TestSessionConfigClone(t *testing.T) {
	graph := NewGraphDefinition()
	graph.Nodes["3"] = &GraphNode{
		ClassType: "KSampler",
		Inputs:    map[string]interface{}{"seed": float64(7)},
	}
	cfg := &SessionConfig{
		BackendURL: "http://localhost:8889/offer",
		Width:      512,
		Height:     512,
		FrameRate:  30,
		Graph:      graph,
	}

	clone := cfg.Clone()
	require.NotNil(t, clone.Graph)
	require.NoError(t, clone.Graph.SetInput("3", "seed", float64(99)))

	original, _ := cfg.Graph.Input("3", "seed")
	assert.Equal(t, float64(7), original)

	var nilCfg *SessionConfig
	assert.Nil(t, nilCfg.Clone())
}

// TestSessionConfigEqual tests structural equality including the graph.
func TestSessionConfigEqual(t *testing.T) {
	base := func() *SessionConfig {
		return &SessionConfig{
			BackendURL: "http://localhost:8889/offer",
			FrameRate:  30,
			Width:      512,
			Height:     512,
			Graph: &GraphDefinition{Nodes: map[string]*GraphNode{
				"1": {ClassType: "LoadImage", Inputs: map[string]interface{}{"image": "in.png"}},
			}},
		}
	}

	a, b := base(), base()
	assert.True(t, a.Equal(b))

	b.Width = 1024
	assert.False(t, a.Equal(b))

	b = base()
	require.NoError(t, b.Graph.SetInput("1", "image", "other.png"))
	assert.False(t, a.Equal(b))

	b = base()
	b.Graph = nil
	assert.False(t, a.Equal(b))

	assert.False(t, a.Equal(nil))
}

// TestSessionConfigPassthrough tests graph presence detection.
func TestSessionConfigPassthrough(t *testing.T) {
	cfg := &SessionConfig{}
	assert.True(t, cfg.Passthrough())

	cfg.Graph = NewGraphDefinition()
	assert.False(t, cfg.Passthrough())
}

// TestLoadSessionConfig tests YAML loading with environment overlay and
// graph file resolution.
func TestLoadSessionConfig(t *testing.T) {
	dir := t.TempDir()

	graphPath := filepath.Join(dir, "graph.json")
	graphDoc := `{"3": {"class_type": "KSampler", "inputs": {"seed": 7}}}`
	require.NoError(t, os.WriteFile(graphPath, []byte(graphDoc), 0o644))

	configPath := filepath.Join(dir, "config.yaml")
	configYAML := "backend_url: http://localhost:8889/offer\nwidth: 1024\nheight: 576\ngraph_file: " + graphPath + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))

	t.Run("file only", func(t *testing.T) {
		cfg, err := LoadSessionConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8889/offer", cfg.BackendURL)
		assert.Equal(t, 1024, cfg.Width)
		assert.Equal(t, 576, cfg.Height)
		assert.Equal(t, DefaultFrameRate, cfg.FrameRate)
		require.NotNil(t, cfg.Graph)
		seed, ok := cfg.Graph.Input("3", "seed")
		require.True(t, ok)
		assert.Equal(t, float64(7), seed)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("FRAMELINK_BACKEND_URL", "http://inference:9000/offer")
		t.Setenv("FRAMELINK_WIDTH", "512")
		t.Setenv("FRAMELINK_FRAME_RATE", "24")

		cfg, err := LoadSessionConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "http://inference:9000/offer", cfg.BackendURL)
		assert.Equal(t, 512, cfg.Width)
		assert.Equal(t, 576, cfg.Height)
		assert.Equal(t, 24, cfg.FrameRate)
	})

	t.Run("environment only", func(t *testing.T) {
		t.Setenv("FRAMELINK_BACKEND_URL", "http://inference:9000/offer")

		cfg, err := LoadSessionConfig("")
		require.NoError(t, err)
		want := &SessionConfig{
			BackendURL: "http://inference:9000/offer",
			FrameRate:  DefaultFrameRate,
			Width:      DefaultWidth,
			Height:     DefaultHeight,
		}
		assert.Empty(t, cmp.Diff(want, cfg))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSessionConfig(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("broken graph file", func(t *testing.T) {
		badGraph := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(badGraph, []byte("{"), 0o644))
		t.Setenv("FRAMELINK_BACKEND_URL", "http://inference:9000/offer")
		t.Setenv("FRAMELINK_GRAPH_FILE", badGraph)

		_, err := LoadSessionConfig("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load graph definition")
	})

	t.Run("invalid after overlay", func(t *testing.T) {
		t.Setenv("FRAMELINK_BACKEND_URL", "http://inference:9000/offer")
		t.Setenv("FRAMELINK_WIDTH", "100")

		_, err := LoadSessionConfig("")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

package session

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Resolution constraints for the normalized stream. The backend's per-frame
// graph operates on fixed tensor shapes, so dimensions are restricted to
// multiples of 64 within [64, 2048].
const (
	MinDimension      = 64
	MaxDimension      = 2048
	DimensionMultiple = 64
	DefaultFrameRate  = 30
	maxFrameRate      = 120
	DefaultWidth      = 512
	DefaultHeight     = 512
)

// SessionConfig describes one session with the backend. A config is
// immutable once a session is opened with it; changing any field requires a
// full teardown and a fresh Open.
type SessionConfig struct {
	// BackendURL is the HTTP negotiation endpoint of the inference backend.
	// The endpoint accepts {offer, prompt} and returns {answer} or {error}.
	BackendURL string `yaml:"backend_url" json:"backend_url"`

	// FrameRate is the target output frame rate in frames per second.
	// Defaults to DefaultFrameRate when zero.
	FrameRate int `yaml:"frame_rate" json:"frame_rate"`

	// Width and Height are the normalized stream geometry. Both must be
	// multiples of 64 in [64, 2048]. Default to 512x512 when zero.
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	// VideoSourceID and AudioSourceID identify the selected capture devices.
	// Interpretation belongs to the FrameSource implementation; the session
	// core treats them as opaque identifiers.
	VideoSourceID string `yaml:"video_source" json:"video_source"`
	AudioSourceID string `yaml:"audio_source" json:"audio_source"`

	// Graph is the optional processing-graph definition uploaded during
	// negotiation. Nil means passthrough: the backend echoes input frames
	// and no warm-up applies.
	Graph *GraphDefinition `yaml:"-" json:"-"`

	// GraphFile optionally names a JSON file to load Graph from. Used by
	// config loading; ignored when Graph is already set.
	GraphFile string `yaml:"graph_file" json:"graph_file,omitempty"`
}

// Passthrough reports whether the session runs without a processing graph.
func (c *SessionConfig) Passthrough() bool {
	return c.Graph == nil
}

// Validate checks the configuration and returns ErrInvalidConfig with
// detail on the first violation.
func (c *SessionConfig) Validate() error {
	if c.BackendURL == "" {
		return &Error{Code: ErrInvalidConfig.Code, Message: "backend URL is required"}
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &Error{Code: ErrInvalidConfig.Code, Message: fmt.Sprintf("backend URL %q is not a valid absolute URL", c.BackendURL)}
	}
	if err := validateDimension("width", c.Width); err != nil {
		return err
	}
	if err := validateDimension("height", c.Height); err != nil {
		return err
	}
	if c.FrameRate < 1 || c.FrameRate > maxFrameRate {
		return &Error{Code: ErrInvalidConfig.Code, Message: fmt.Sprintf("frame rate %d outside [1, %d]", c.FrameRate, maxFrameRate)}
	}
	return nil
}

func validateDimension(name string, v int) error {
	if v < MinDimension || v > MaxDimension {
		return &Error{Code: ErrInvalidConfig.Code, Message: fmt.Sprintf("%s %d outside [%d, %d]", name, v, MinDimension, MaxDimension)}
	}
	if v%DimensionMultiple != 0 {
		return &Error{Code: ErrInvalidConfig.Code, Message: fmt.Sprintf("%s %d is not a multiple of %d", name, v, DimensionMultiple)}
	}
	return nil
}

// applyDefaults fills zero-valued fields with package defaults.
func (c *SessionConfig) applyDefaults() {
	if c.FrameRate == 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
}

// Clone returns a deep copy. The graph document is copied so later local
// edits never leak into an already-opened session's config.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Graph = c.Graph.Clone()
	return &out
}

// Equal reports whether two configs describe the same session. Used by the
// controller to skip no-op reconfigurations.
func (c *SessionConfig) Equal(other *SessionConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.BackendURL != other.BackendURL ||
		c.FrameRate != other.FrameRate ||
		c.Width != other.Width ||
		c.Height != other.Height ||
		c.VideoSourceID != other.VideoSourceID ||
		c.AudioSourceID != other.AudioSourceID {
		return false
	}
	return c.Graph.Equal(other.Graph)
}

// LoadSessionConfig builds a SessionConfig from a YAML file (optional),
// overlaid with environment variables, and resolves GraphFile into Graph.
// Either path may be empty. Environment variables:
//
//	FRAMELINK_BACKEND_URL   negotiation endpoint (required unless in file)
//	FRAMELINK_FRAME_RATE    target fps (default 30)
//	FRAMELINK_WIDTH         normalized width (default 512)
//	FRAMELINK_HEIGHT        normalized height (default 512)
//	FRAMELINK_VIDEO_SOURCE  video device identifier
//	FRAMELINK_AUDIO_SOURCE  audio device identifier
//	FRAMELINK_GRAPH_FILE    path to a JSON graph definition (optional)
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cfg := &SessionConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.BackendURL = getEnv("FRAMELINK_BACKEND_URL", cfg.BackendURL)
	cfg.FrameRate = getEnvInt("FRAMELINK_FRAME_RATE", cfg.FrameRate)
	cfg.Width = getEnvInt("FRAMELINK_WIDTH", cfg.Width)
	cfg.Height = getEnvInt("FRAMELINK_HEIGHT", cfg.Height)
	cfg.VideoSourceID = getEnv("FRAMELINK_VIDEO_SOURCE", cfg.VideoSourceID)
	cfg.AudioSourceID = getEnv("FRAMELINK_AUDIO_SOURCE", cfg.AudioSourceID)
	cfg.GraphFile = getEnv("FRAMELINK_GRAPH_FILE", cfg.GraphFile)
	cfg.applyDefaults()

	if cfg.Graph == nil && cfg.GraphFile != "" {
		graph, err := LoadGraphDefinition(cfg.GraphFile)
		if err != nil {
			return nil, fmt.Errorf("load graph definition: %w", err)
		}
		cfg.Graph = graph
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnv retrieves an environment variable or returns the default value if unset.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default value.
// Returns defaultValue if the variable is unset or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if str := os.Getenv(key); str != "" {
		if value, err := strconv.Atoi(str); err == nil {
			return value
		}
	}
	return defaultValue
}

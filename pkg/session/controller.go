package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

const (
	statsPollInterval   = time.Second
	finalRecordingGrace = 10 * time.Second
	settingsSaveTimeout = 2 * time.Second
)

// ControllerOptions configures a SessionController. The zero value is not
// usable; at minimum an Encoder or ExtraTracks must be provided to send
// media, though a control-only session (no outbound tracks) is permitted.
type ControllerOptions struct {
	// Encoder compresses normalized frames for the derived video track.
	// Optional; without it the controller opens sessions with no derived
	// video track. The encoder is reused across reopened sessions and is
	// never closed by the controller; the caller closes it after Shutdown.
	Encoder VideoEncoder

	// Source is the initial frame source for the capture pipeline.
	// Optional; the pipeline retries empty ticks until a source exists.
	// Like Encoder it survives reopens and stays owned by the caller.
	Source FrameSource

	// ResolveSource maps a config's VideoSourceID to a concrete frame
	// source at Open time. Takes precedence over Source when the config
	// names a source. Optional.
	ResolveSource func(id string) (FrameSource, error)

	// ExtraTracks are additional outbound tracks, typically audio,
	// attached alongside the derived video track.
	ExtraTracks []*OutboundTrack

	// Store persists recording artifacts. Defaults to an in-memory store.
	Store ArtifactStore

	// Fallback receives artifacts when Store fails. Defaults to an
	// in-memory store when Store is persistent.
	Fallback ArtifactStore

	// Settings persists the last-used config and graph between runs.
	// Optional.
	Settings SettingsStore

	// Exporter enables ShareRecording. Optional; without it sharing
	// returns ErrShareUnsupported.
	Exporter ArtifactExporter

	// Events observes session lifecycle. The controller composes its own
	// bookkeeping with these callbacks.
	Events SessionEvents

	// ControlEvents observes control channel responses.
	ControlEvents ControlEvents

	// Debounce tunes control-channel edit coalescing.
	Debounce DebouncePolicy

	// ICEServers override the default STUN set.
	ICEServers []webrtc.ICEServer

	// StatusAddr enables the embedded status HTTP server on this address.
	// Optional.
	StatusAddr string

	// Probe configures background backend liveness probing. Disabled
	// unless a check or status URL is set. The probe target is fixed at
	// construction.
	Probe ProberOptions

	// ScratchDir holds in-progress recording containers.
	ScratchDir string

	Logger Logger
}

// SessionController is the composition root: it owns the capture pipeline,
// the single active session, the recorder, the status surfaces and the
// stores, and wires their event surfaces together. At most one session is
// live at a time; opening a second one is rejected until the first is
// closed.
type SessionController struct {
	opts     ControllerOptions
	logger   Logger
	registry *SessionRegistry
	prober   *BackendProber
	server   *StatusServer

	mu       sync.Mutex
	opening  bool
	closed   bool
	config   *SessionConfig
	session  *Session
	pipeline *CapturePipeline
	recorder *Recorder
	watcher  *GraphWatcher
	stored   int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSessionController assembles a controller and starts its background
// surfaces (stats poll, liveness probe, status server). Call Shutdown to
// release them.
func NewSessionController(opts ControllerOptions) (*SessionController, error) {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryArtifactStore()
	}
	if opts.Fallback == nil {
		if _, inMemory := opts.Store.(*MemoryArtifactStore); !inMemory {
			opts.Fallback = NewMemoryArtifactStore()
		}
	}

	c := &SessionController{
		opts:     opts,
		logger:   opts.Logger,
		registry: NewSessionRegistry(),
		stopCh:   make(chan struct{}),
	}

	if opts.Probe.CheckURL != "" || opts.Probe.StatusURL != "" {
		probe := opts.Probe
		if probe.Logger == nil {
			probe.Logger = opts.Logger
		}
		c.prober = NewBackendProber(probe)
		c.prober.Start()
	}

	if opts.StatusAddr != "" {
		server, err := NewStatusServer(StatusServerOptions{
			Addr:      opts.StatusAddr,
			Registry:  c.registry,
			Artifacts: opts.Store,
			Exporter:  opts.Exporter,
			Prober:    c.prober,
			Logger:    opts.Logger,
		})
		if err != nil {
			if c.prober != nil {
				c.prober.Stop()
			}
			return nil, err
		}
		c.server = server
		c.server.Start()
	}

	c.wg.Add(1)
	go c.statsLoop()

	return c, nil
}

// Open negotiates a new session with the given config. Exactly one session
// may be active; a second Open returns ErrSessionActive until CloseSession.
// A previous session that already failed or closed is swept automatically.
func (c *SessionController) Open(ctx context.Context, cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	cfg = cfg.Clone()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if c.opening {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: negotiation in progress", ErrSessionActive)
	}
	if c.session != nil {
		switch c.session.State() {
		case SessionStateFailed, SessionStateClosed:
			// Stale session, swept below.
		default:
			id := c.session.ID()
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s", ErrSessionActive, id)
		}
	}
	c.opening = true
	c.mu.Unlock()

	sess, err := c.open(ctx, cfg)

	c.mu.Lock()
	c.opening = false
	discard := err == nil && c.closed
	if err == nil && !discard {
		c.session = sess
	}
	c.mu.Unlock()

	if discard {
		// Shutdown ran while the dial was in flight; the fresh session has
		// no owner anymore.
		cur := c.takeCurrent()
		cur.session = sess
		if tErr := c.teardown(cur); tErr != nil {
			c.logger.Warn("discarding session opened during shutdown", "error", tErr)
		}
		return nil, ErrSessionClosed
	}
	return sess, err
}

// open does the heavy lifting with the opening flag held in place of the
// lock, so stats polling and reads stay responsive during the dial.
func (c *SessionController) open(ctx context.Context, cfg *SessionConfig) (*Session, error) {
	if stale := c.takeCurrent(); stale.session != nil || stale.pipeline != nil {
		c.logger.Info("sweeping stale session before reopen")
		if err := c.teardown(stale); err != nil {
			c.logger.Warn("stale session teardown", "error", err)
		}
	}

	var pipeline *CapturePipeline
	var tracks []*OutboundTrack
	if c.opts.Encoder != nil {
		var err error
		pipeline, err = NewCapturePipeline(CapturePipelineOptions{
			Width:     cfg.Width,
			Height:    cfg.Height,
			FrameRate: cfg.FrameRate,
			Encoder:   borrowedEncoder{c.opts.Encoder},
			Logger:    c.logger,
		})
		if err != nil {
			return nil, err
		}

		// The options source is caller-owned like the encoder; sources
		// resolved per open belong to the pipeline that gets them.
		var source FrameSource
		if c.opts.Source != nil {
			source = borrowedSource{c.opts.Source}
		}
		if c.opts.ResolveSource != nil && cfg.VideoSourceID != "" {
			resolved, rErr := c.opts.ResolveSource(cfg.VideoSourceID)
			if rErr != nil {
				return nil, fmt.Errorf("%w: video source %q: %v",
					ErrSourceUnavailable, cfg.VideoSourceID, rErr)
			}
			source = resolved
		}
		if source != nil {
			pipeline.SetSource(source)
		}
		tracks = append(tracks, pipeline.Output())
	}
	tracks = append(tracks, c.opts.ExtraTracks...)
	if len(tracks) == 0 {
		c.logger.Info("no outbound tracks configured, opening control-only session")
	}

	openedAt := time.Now()
	events := c.opts.Events
	wrapped := SessionEvents{
		OnStateChange: events.OnStateChange,
		OnRemoteTrack: events.OnRemoteTrack,
		OnError:       events.OnError,
		OnReady: func() {
			metricSessionReadySeconds.Observe(time.Since(openedAt).Seconds())
			if events.OnReady != nil {
				events.OnReady()
			}
		},
		OnDisconnected: func() {
			c.handleSessionDown()
			if events.OnDisconnected != nil {
				events.OnDisconnected()
			}
		},
	}

	sess, err := dialSession(ctx, sessionOptions{
		config:        *cfg,
		tracks:        tracks,
		events:        wrapped,
		controlEvents: c.opts.ControlEvents,
		debounce:      c.opts.Debounce,
		iceServers:    c.opts.ICEServers,
		logger:        c.logger,
	})
	if err != nil {
		if errors.Is(err, ErrNegotiationFailed) {
			metricNegotiationFailures.Inc()
		}
		if pipeline != nil {
			pipeline.SetSource(nil)
		}
		return nil, err
	}

	if pipeline != nil {
		if err := pipeline.Start(); err != nil {
			sess.Close()
			pipeline.SetSource(nil)
			return nil, err
		}
	}

	recorder := NewRecorder(RecorderOptions{
		Session:    sess,
		Tracks:     tracks,
		Store:      c.opts.Store,
		Fallback:   c.opts.Fallback,
		ScratchDir: c.opts.ScratchDir,
		Width:      cfg.Width,
		Height:     cfg.Height,
		Logger:     c.logger,
	})

	var watcher *GraphWatcher
	if cfg.GraphFile != "" {
		watcher, err = NewGraphWatcher(GraphWatcherOptions{
			Path:    cfg.GraphFile,
			Control: sess.Control(),
			Logger:  c.logger,
		})
		if err != nil {
			c.logger.Warn("graph file watch unavailable", "path", cfg.GraphFile, "error", err)
			watcher = nil
		} else {
			watcher.Start()
		}
	}

	c.saveSettings(cfg)

	c.mu.Lock()
	c.config = cfg
	c.pipeline = pipeline
	c.recorder = recorder
	c.watcher = watcher
	c.stored = 0
	c.mu.Unlock()

	if err := c.registry.Add(sess); err != nil {
		c.logger.Warn("session registration", "error", err)
	}
	metricSessionsOpened.Inc()
	c.logger.Info("session opened",
		"id", sess.ID(), "backend", cfg.BackendURL,
		"geometry", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"passthrough", cfg.Passthrough())

	return sess, nil
}

// saveSettings persists the last-used config, best effort.
func (c *SessionController) saveSettings(cfg *SessionConfig) {
	if c.opts.Settings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settingsSaveTimeout)
	defer cancel()
	if err := c.opts.Settings.SaveConfig(ctx, cfg); err != nil {
		c.logger.Warn("failed to persist session config", "error", err)
	}
	if cfg.Graph != nil {
		if err := c.opts.Settings.SaveGraph(ctx, cfg.Graph); err != nil {
			c.logger.Warn("failed to persist graph definition", "error", err)
		}
	}
}

// borrowedEncoder shields a caller-owned encoder from the pipeline's Stop,
// which closes the encoder it was built with. The controller hands the same
// encoder to every reopened session.
type borrowedEncoder struct {
	VideoEncoder
}

func (borrowedEncoder) Close() error { return nil }

// borrowedSource is the same shield for the options-level frame source.
type borrowedSource struct {
	FrameSource
}

func (borrowedSource) Close() error { return nil }

// currentSet is one session's worth of owned components.
type currentSet struct {
	session  *Session
	pipeline *CapturePipeline
	recorder *Recorder
	watcher  *GraphWatcher
}

// takeCurrent detaches the active component set from the controller.
func (c *SessionController) takeCurrent() currentSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := currentSet{
		session:  c.session,
		pipeline: c.pipeline,
		recorder: c.recorder,
		watcher:  c.watcher,
	}
	c.session, c.pipeline, c.recorder, c.watcher, c.config = nil, nil, nil, nil, nil
	return cur
}

// CloseSession tears down the active session and everything scoped to it.
// An in-flight recording is stopped and persisted first. Idempotent; returns
// nil when no session is active.
func (c *SessionController) CloseSession() error {
	c.mu.Lock()
	if c.opening {
		c.mu.Unlock()
		return fmt.Errorf("%w: negotiation in progress", ErrSessionActive)
	}
	c.mu.Unlock()
	return c.teardown(c.takeCurrent())
}

// teardown releases one session's component set. Independent components
// stop in parallel.
func (c *SessionController) teardown(cur currentSet) error {
	if cur.recorder != nil && cur.recorder.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), finalRecordingGrace)
		if _, err := cur.recorder.Stop(ctx); err != nil {
			c.logger.Warn("final recording persist failed", "error", err)
		}
		cancel()
	}

	var g errgroup.Group
	if cur.watcher != nil {
		g.Go(func() error {
			cur.watcher.Stop()
			return nil
		})
	}
	if cur.pipeline != nil {
		g.Go(func() error {
			cur.pipeline.Stop()
			cur.pipeline.SetSource(nil)
			return nil
		})
	}
	if cur.session != nil {
		g.Go(func() error {
			err := cur.session.Close()
			c.registry.Remove(cur.session.ID())
			return err
		})
	}
	err := g.Wait()
	if cur.session != nil {
		c.logger.Info("session closed", "id", cur.session.ID())
	}
	return err
}

// Reconfigure applies a new config. An identical config on a healthy
// session is a no-op returning the current session; anything else is a full
// teardown and reopen, per the immutable-config rule.
func (c *SessionController) Reconfigure(ctx context.Context, cfg *SessionConfig) (*Session, error) {
	c.mu.Lock()
	current, sess := c.config, c.session
	c.mu.Unlock()

	if sess != nil && current != nil && current.Equal(cfg) {
		switch sess.State() {
		case SessionStateFailed, SessionStateClosed:
		default:
			c.logger.Debug("reconfigure is a no-op, config unchanged")
			return sess, nil
		}
	}

	if err := c.CloseSession(); err != nil {
		c.logger.Warn("teardown during reconfigure", "error", err)
	}
	return c.Open(ctx, cfg)
}

// handleSessionDown reacts to an established session dropping: the draw
// loop stops feeding the dead track and an in-flight recording is finalized
// so captured media survives the disconnect.
func (c *SessionController) handleSessionDown() {
	c.mu.Lock()
	pipe, rec, sess := c.pipeline, c.recorder, c.session
	c.mu.Unlock()

	if sess != nil {
		c.logger.Warn("session connection lost", "id", sess.ID())
	}
	if pipe != nil {
		pipe.Stop()
	}
	if rec != nil && rec.Active() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), finalRecordingGrace)
			defer cancel()
			if _, err := rec.Stop(ctx); err != nil {
				c.logger.Warn("recording finalize after disconnect", "error", err)
			}
		}()
	}
}

// StartRecording begins capturing both media directions of the active
// session.
func (c *SessionController) StartRecording() error {
	c.mu.Lock()
	rec := c.recorder
	c.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("%w: no active session to record", ErrSessionClosed)
	}
	return rec.Start()
}

// StopRecording finalizes and persists the in-flight recording, returning
// one artifact per direction that captured media.
func (c *SessionController) StopRecording(ctx context.Context) ([]*RecordingArtifact, error) {
	c.mu.Lock()
	rec, sess := c.recorder, c.session
	c.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("%w: no active session", ErrSessionClosed)
	}

	artifacts, err := rec.Stop(ctx)
	if sess != nil && len(artifacts) > 0 {
		c.mu.Lock()
		c.stored += len(artifacts)
		total := c.stored
		c.mu.Unlock()
		c.registry.SetRecordings(sess.ID(), total)
	}
	return artifacts, err
}

// RecordingActive reports whether a recording is in progress.
func (c *SessionController) RecordingActive() bool {
	c.mu.Lock()
	rec := c.recorder
	c.mu.Unlock()
	return rec != nil && rec.Active()
}

// Recordings lists stored artifacts, newest first. Artifacts that only made
// it to the fallback store after a storage failure are included.
func (c *SessionController) Recordings(ctx context.Context) ([]*RecordingArtifact, error) {
	primary, err := c.opts.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	if c.opts.Fallback == nil {
		return primary, nil
	}
	fallback, fbErr := c.opts.Fallback.List(ctx)
	if fbErr != nil {
		c.logger.Warn("fallback store list failed", "error", fbErr)
		return primary, nil
	}
	seen := make(map[string]bool, len(primary))
	for _, a := range primary {
		seen[a.ID] = true
	}
	merged := primary
	for _, a := range fallback {
		if !seen[a.ID] {
			merged = append(merged, a)
		}
	}
	sortArtifacts(merged)
	return merged, nil
}

// GetRecording loads one artifact with its blob, consulting the fallback
// store when the primary does not have it.
func (c *SessionController) GetRecording(ctx context.Context, id string) (*RecordingArtifact, error) {
	artifact, err := c.opts.Store.Get(ctx, id)
	if err == nil {
		return artifact, nil
	}
	if errors.Is(err, ErrArtifactNotFound) && c.opts.Fallback != nil {
		return c.opts.Fallback.Get(ctx, id)
	}
	return nil, err
}

// DeleteRecording removes an artifact from both stores.
func (c *SessionController) DeleteRecording(ctx context.Context, id string) error {
	err := c.opts.Store.Delete(ctx, id)
	if c.opts.Fallback != nil {
		if fbErr := c.opts.Fallback.Delete(ctx, id); fbErr == nil && errors.Is(err, ErrArtifactNotFound) {
			// Present only in the fallback; the delete still succeeded.
			err = nil
		}
	}
	return err
}

// ShareRecording uploads an artifact to the configured export target and
// returns a time-limited download URL. Without an exporter it returns
// ErrShareUnsupported.
func (c *SessionController) ShareRecording(ctx context.Context, id string, expiry time.Duration) (string, error) {
	if c.opts.Exporter == nil {
		return "", ErrShareUnsupported
	}
	artifact, err := c.GetRecording(ctx, id)
	if err != nil {
		return "", err
	}
	return c.opts.Exporter.Share(ctx, artifact, expiry)
}

// Session returns the active session, or nil.
func (c *SessionController) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Pipeline returns the active capture pipeline, or nil. Used for region and
// fit-mode adjustments mid-session.
func (c *SessionController) Pipeline() *CapturePipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// Registry returns the controller's session registry.
func (c *SessionController) Registry() *SessionRegistry { return c.registry }

// Prober returns the liveness prober, or nil when probing is disabled.
func (c *SessionController) Prober() *BackendProber { return c.prober }

// Shutdown closes the active session and stops all background surfaces.
// Safe to call more than once.
func (c *SessionController) Shutdown(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err = c.CloseSession()

		close(c.stopCh)
		if c.prober != nil {
			c.prober.Stop()
		}
		if c.server != nil {
			if sErr := c.server.Shutdown(ctx); sErr != nil && err == nil {
				err = sErr
			}
		}
		c.wg.Wait()
		c.logger.Info("controller shut down")
	})
	return err
}

// statsLoop refreshes snapshot gauges once per second from component stats.
func (c *SessionController) statsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollStats()
		}
	}
}

func (c *SessionController) pollStats() {
	c.mu.Lock()
	sess, pipe, rec := c.session, c.pipeline, c.recorder
	c.mu.Unlock()

	if pipe != nil {
		out := pipe.Output().Stats()
		metricOutboundFrames.Set(float64(out.FramesSent))
		metricOutboundBytes.Set(float64(out.BytesSent))
	} else {
		metricOutboundFrames.Set(0)
		metricOutboundBytes.Set(0)
	}

	if sess != nil {
		st := sess.Stats()
		metricRemotePackets.WithLabelValues("video").Set(float64(st.VideoPacketsReceived))
		metricRemotePackets.WithLabelValues("audio").Set(float64(st.AudioPacketsReceived))
		cs := sess.Control().Stats()
		metricControlMessages.WithLabelValues("sent").Set(float64(cs.MessagesSent))
		metricControlMessages.WithLabelValues("received").Set(float64(cs.MessagesRecv))
	} else {
		metricRemotePackets.WithLabelValues("video").Set(0)
		metricRemotePackets.WithLabelValues("audio").Set(0)
		metricControlMessages.WithLabelValues("sent").Set(0)
		metricControlMessages.WithLabelValues("received").Set(0)
	}

	if rec != nil && rec.Active() {
		metricRecorderActive.Set(1)
	} else {
		metricRecorderActive.Set(0)
	}
}

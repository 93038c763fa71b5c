package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/framelink/framelink-sdk-go/internal/test/mocks"
)

// newTestController builds a controller with quiet logging and registers its
// shutdown as test cleanup, so the stats loop never outlives the test.
func newTestController(t *testing.T, opts ControllerOptions) *SessionController {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	c, err := NewSessionController(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(ctx))
	})
	return c
}

// TestSessionControllerDefaults tests store defaulting and the initial
// surface of a freshly assembled controller.
func TestSessionControllerDefaults(t *testing.T) {
	c := newTestController(t, ControllerOptions{})

	assert.IsType(t, &MemoryArtifactStore{}, c.opts.Store)
	assert.Nil(t, c.opts.Fallback, "in-memory primary needs no fallback")
	assert.NotNil(t, c.Registry())
	assert.Nil(t, c.Prober())
	assert.Nil(t, c.Session())
	assert.Nil(t, c.Pipeline())
	assert.False(t, c.RecordingActive())

	persistent := newTestController(t, ControllerOptions{Store: failingStore{}})
	assert.IsType(t, &MemoryArtifactStore{}, persistent.opts.Fallback,
		"persistent primary gets an in-memory fallback")
}

// TestSessionControllerOpenValidation tests that Open rejects broken configs
// before touching the network.
func TestSessionControllerOpenValidation(t *testing.T) {
	c := newTestController(t, ControllerOptions{})
	ctx := context.Background()

	_, err := c.Open(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "nil config")

	_, err = c.Open(ctx, &SessionConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "backend URL is required")

	_, err = c.Open(ctx, &SessionConfig{BackendURL: "http://backend.local/offer", Width: 100})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "not a multiple of 64")
}

// TestSessionControllerOpenGuards tests the single-active-session rule: a
// live session or an in-flight negotiation blocks a second Open.
func TestSessionControllerOpenGuards(t *testing.T) {
	c := newTestController(t, ControllerOptions{})
	ctx := context.Background()
	cfg := &SessionConfig{BackendURL: "http://backend.local/offer"}

	live := newTestSession("sess-live", cfg.BackendURL)
	live.setState(SessionStateConnected)
	c.mu.Lock()
	c.session = live
	c.mu.Unlock()

	_, err := c.Open(ctx, cfg)
	require.ErrorIs(t, err, ErrSessionActive)
	assert.Contains(t, err.Error(), "sess-live")

	c.mu.Lock()
	c.session = nil
	c.opening = true
	c.mu.Unlock()

	_, err = c.Open(ctx, cfg)
	require.ErrorIs(t, err, ErrSessionActive)
	assert.Contains(t, err.Error(), "negotiation in progress")

	err = c.CloseSession()
	require.ErrorIs(t, err, ErrSessionActive, "teardown must not race a dial")

	c.mu.Lock()
	c.opening = false
	c.mu.Unlock()
}

// TestSessionControllerOpenAfterShutdown tests that a stopped controller
// refuses new sessions.
func TestSessionControllerOpenAfterShutdown(t *testing.T) {
	c := newTestController(t, ControllerOptions{})
	require.NoError(t, c.Shutdown(context.Background()))

	_, err := c.Open(context.Background(), &SessionConfig{BackendURL: "http://backend.local/offer"})
	require.ErrorIs(t, err, ErrSessionClosed)
}

// TestSessionControllerOpenNegotiationFailure tests that a backend rejection
// surfaces through Open with the backend's own message, that a stale failed
// session is swept first, and that the failed attempt leaves no session
// behind.
func TestSessionControllerOpenNegotiationFailure(t *testing.T) {
	backend := mocks.NewMockBackend()
	defer backend.Close()
	backend.FailWith(http.StatusInternalServerError, "CUDA out of memory")

	// An ICE server entry with no URLs keeps gathering host-only and fast.
	c := newTestController(t, ControllerOptions{
		ICEServers: []webrtc.ICEServer{{}},
	})

	stale := newTestSession("sess-stale", backend.URL)
	stale.setState(SessionStateFailed)
	c.mu.Lock()
	c.session = stale
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Open(ctx, &SessionConfig{BackendURL: backend.URL})
	require.ErrorIs(t, err, ErrNegotiationFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	assert.Equal(t, SessionStateClosed, stale.State(), "stale session swept before the dial")
	assert.Nil(t, c.Session())

	require.Len(t, backend.Requests(), 1)
	assert.Contains(t, backend.Requests()[0].Offer, "v=0")
}

// TestSessionControllerRecordingGuards tests the recording entry points
// without an active session.
func TestSessionControllerRecordingGuards(t *testing.T) {
	c := newTestController(t, ControllerOptions{})

	err := c.StartRecording()
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Contains(t, err.Error(), "no active session to record")

	_, err = c.StopRecording(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Contains(t, err.Error(), "no active session")

	assert.False(t, c.RecordingActive())
}

// TestSessionControllerRecordingBookkeeping tests the start/stop passthrough
// against a real recorder and the stored-artifact count reaching the
// registry.
func TestSessionControllerRecordingBookkeeping(t *testing.T) {
	c := newTestController(t, ControllerOptions{})
	ctx := context.Background()

	track := newVP8Track(t)
	sess := newTestSession("sess-rec", "http://backend.local/offer")
	sess.setState(SessionStateConnected)
	recorder := NewRecorder(RecorderOptions{
		Tracks:     []*OutboundTrack{track},
		Store:      c.opts.Store,
		ScratchDir: t.TempDir(),
		Width:      512,
		Height:     512,
		Logger:     nopLogger{},
	})

	require.NoError(t, c.Registry().Add(sess))
	c.mu.Lock()
	c.session = sess
	c.recorder = recorder
	c.mu.Unlock()

	require.NoError(t, c.StartRecording())
	assert.True(t, c.RecordingActive())
	require.ErrorIs(t, c.StartRecording(), ErrRecorderActive)

	require.NoError(t, track.WriteFrame(&EncodedFrame{
		Data:     vp8Key(512, 512),
		Keyframe: true,
		Duration: 33 * time.Millisecond,
	}))
	require.NoError(t, track.WriteFrame(&EncodedFrame{
		Data:     []byte{0x01, 0x02, 0x03},
		Duration: 33 * time.Millisecond,
	}))

	artifacts, err := c.StopRecording(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, ArtifactInput, artifacts[0].Kind)
	assert.False(t, c.RecordingActive())

	records := c.Registry().Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Recordings)

	stored, err := c.Recordings(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.NoError(t, c.CloseSession())
	assert.Nil(t, c.Session())
	assert.Equal(t, SessionStateClosed, sess.State())
	assert.Empty(t, c.Registry().Records())

	require.NoError(t, c.CloseSession(), "close without a session is a no-op")
}

// TestSessionControllerRecordingsMerge tests listing, loading and deleting
// across the primary and fallback stores.
func TestSessionControllerRecordingsMerge(t *testing.T) {
	primary := NewMemoryArtifactStore()
	fallback := NewMemoryArtifactStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, primary.Put(ctx, makeArtifact("a1", ArtifactInput, base, []byte("one"))))
	require.NoError(t, fallback.Put(ctx, makeArtifact("a1", ArtifactInput, base, []byte("one"))))
	require.NoError(t, fallback.Put(ctx, makeArtifact("a2", ArtifactOutput, base.Add(time.Minute), []byte("two"))))

	c := newTestController(t, ControllerOptions{Store: primary, Fallback: fallback})

	list, err := c.Recordings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2, "duplicate ids collapse across stores")
	assert.Equal(t, "a2", list[0].ID, "newest first")
	assert.Equal(t, "a1", list[1].ID)

	got, err := c.GetRecording(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Blob, "fallback consulted on primary miss")

	_, err = c.GetRecording(ctx, "ghost")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	require.NoError(t, c.DeleteRecording(ctx, "a2"), "fallback-only delete succeeds")
	require.NoError(t, c.DeleteRecording(ctx, "a1"))
	require.ErrorIs(t, c.DeleteRecording(ctx, "a1"), ErrArtifactNotFound)

	list, err = c.Recordings(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestSessionControllerShareRecording tests the export surface with and
// without a configured exporter.
func TestSessionControllerShareRecording(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryArtifactStore()
	require.NoError(t, store.Put(ctx, makeArtifact("clip", ArtifactOutput, time.Now(), []byte("blob"))))

	plain := newTestController(t, ControllerOptions{Store: store})
	_, err := plain.ShareRecording(ctx, "clip", time.Hour)
	require.ErrorIs(t, err, ErrShareUnsupported)

	exporter := &fakeExporter{}
	c := newTestController(t, ControllerOptions{Store: store, Exporter: exporter})

	url, err := c.ShareRecording(ctx, "clip", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/output-clip.webm", url)

	_, err = c.ShareRecording(ctx, "ghost", time.Hour)
	require.ErrorIs(t, err, ErrArtifactNotFound)
}

// TestSessionControllerReconfigure tests that an identical config on a
// healthy session is a no-op and that any change tears the session down
// before redialing.
func TestSessionControllerReconfigure(t *testing.T) {
	backend := mocks.NewMockBackend()
	defer backend.Close()
	backend.FailWith(http.StatusServiceUnavailable, "no GPU available")

	c := newTestController(t, ControllerOptions{
		ICEServers: []webrtc.ICEServer{{}},
	})

	cfg := &SessionConfig{BackendURL: "http://backend.local/offer"}
	cfg.applyDefaults()
	live := newTestSession("sess-cfg", cfg.BackendURL)
	live.setState(SessionStateConnected)
	c.mu.Lock()
	c.session = live
	c.config = cfg.Clone()
	c.mu.Unlock()

	got, err := c.Reconfigure(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, live, got, "identical config returns the running session")
	assert.Same(t, live, c.Session())

	changed := cfg.Clone()
	changed.BackendURL = backend.URL

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.Reconfigure(ctx, changed)
	require.ErrorIs(t, err, ErrNegotiationFailed)
	assert.Equal(t, SessionStateClosed, live.State(), "old session closed before the redial")
	assert.Nil(t, c.Session())
}

// TestSessionControllerShutdown tests that shutdown stops the prober, the
// status server and the stats loop without leaking goroutines, and stays
// idempotent.
func TestSessionControllerShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := mocks.NewMockBackend()
	defer backend.Close()

	c, err := NewSessionController(ControllerOptions{
		Logger:     nopLogger{},
		StatusAddr: "127.0.0.1:0",
		Probe:      ProberOptions{CheckURL: backend.URL, Interval: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	require.NotNil(t, c.Prober())
	require.Eventually(t, func() bool {
		return c.Prober().Healthy()
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx), "second shutdown is a no-op")
}

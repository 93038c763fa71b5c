package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// Sample builder depth in packets. Video frames span many packets so video
// gets more reordering slack than audio.
const (
	videoBuilderDepth = 10
	audioBuilderDepth = 10
	videoClockRate    = 90000
	audioClockRate    = 48000
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// Session supplies the output-side packet sinks and keyframe requests.
	// Optional; without it only the input side is captured.
	Session *Session

	// Tracks are the outbound tracks whose exact sent bytes form the input
	// recording.
	Tracks []*OutboundTrack

	// Store persists finished artifacts.
	Store ArtifactStore

	// Fallback receives artifacts when Store fails, so a finished recording
	// survives a storage outage for the life of the process. Optional.
	Fallback ArtifactStore

	// Registry is the ordered container preference list. Defaults to
	// DefaultMuxerRegistry.
	Registry []MuxerFactory

	// ScratchDir holds in-progress container files. Defaults to the system
	// temp directory.
	ScratchDir string

	// Width and Height are fallback dimensions for containers that cannot
	// read them from the stream.
	Width  int
	Height int

	// Logger for recording lifecycle events.
	Logger Logger
}

// RecorderStats is a snapshot of recorder counters.
type RecorderStats struct {
	Active            bool
	RecordingsStarted uint64
	ArtifactsStored   uint64
	InputFrames       uint64
	OutputFrames      uint64
	WriteErrors       uint64
	LastDuration      time.Duration
}

// Recorder captures the session's two media directions into separate
// container files. The input side taps outbound tracks after encoding, so
// the artifact holds exactly the bytes sent; the output side depacketizes
// the backend's return RTP. Start and Stop bracket one recording; artifacts
// are finalized, duration-repaired and persisted on Stop.
type Recorder struct {
	opts   RecorderOptions
	logger Logger

	mu       sync.Mutex
	active   bool
	captures []*capture
	stats    RecorderStats
}

// NewRecorder creates a recorder. Start begins a recording.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Registry == nil {
		opts.Registry = DefaultMuxerRegistry()
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Recorder{opts: opts, logger: opts.Logger}
}

// Start begins capturing both directions. Returns ErrRecorderActive when a
// recording is already in progress.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRecorderActive
	}

	var captures []*capture

	if len(r.opts.Tracks) > 0 {
		input, err := r.newInputCapture()
		if err != nil {
			return err
		}
		captures = append(captures, input)
	}
	if r.opts.Session != nil {
		captures = append(captures, r.newOutputCapture())
		// Ask the backend for a keyframe so the output file starts
		// decodable.
		if err := r.opts.Session.RequestKeyframe(); err != nil {
			r.logger.Debug("keyframe request skipped", "error", err)
		}
	}
	if len(captures) == 0 {
		return fmt.Errorf("%w: nothing to record", ErrInvalidConfig)
	}

	r.captures = captures
	r.active = true
	r.stats.Active = true
	r.stats.RecordingsStarted++
	metricRecordingsStarted.Inc()
	r.logger.Info("recording started", "captures", len(captures))
	return nil
}

// Stop finalizes the recording: detaches media feeds, closes containers,
// repairs duration metadata and persists one artifact per direction that
// actually captured media. Artifacts are returned even when persistence
// fails; in that case the error is non-nil and the fallback store, when
// configured, retains them.
func (r *Recorder) Stop(ctx context.Context) ([]*RecordingArtifact, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, nil
	}
	r.active = false
	r.stats.Active = false
	captures := r.captures
	r.captures = nil
	r.mu.Unlock()

	var artifacts []*RecordingArtifact
	var storeErr error
	for _, c := range captures {
		artifact, err := c.finalize()

		video, audio, writeErrs := c.counters()
		r.mu.Lock()
		if c.kind == ArtifactInput {
			r.stats.InputFrames += video + audio
		} else {
			r.stats.OutputFrames += video + audio
		}
		r.stats.WriteErrors += writeErrs
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("capture finalize failed", "kind", c.kind, "error", err)
			continue
		}
		if artifact == nil {
			r.logger.Info("capture empty, no artifact", "kind", c.kind)
			continue
		}
		if err := r.persist(ctx, artifact); err != nil {
			storeErr = err
		}
		artifacts = append(artifacts, artifact)

		r.mu.Lock()
		r.stats.ArtifactsStored++
		r.stats.LastDuration = artifact.Duration
		r.mu.Unlock()

		r.logger.Info("recording artifact finalized",
			"kind", artifact.Kind, "id", artifact.ID,
			"container", artifact.MimeType, "duration", artifact.Duration,
			"bytes", len(artifact.Blob))
	}
	return artifacts, storeErr
}

func (r *Recorder) persist(ctx context.Context, artifact *RecordingArtifact) error {
	if r.opts.Store == nil {
		return nil
	}
	err := r.opts.Store.Put(ctx, artifact)
	if err == nil {
		metricArtifactsStored.Inc()
		return nil
	}
	r.logger.Error("artifact store failed", "id", artifact.ID, "error", err)
	if r.opts.Fallback != nil {
		if fbErr := r.opts.Fallback.Put(ctx, artifact); fbErr == nil {
			metricArtifactsStored.Inc()
			r.logger.Warn("artifact retained in memory fallback", "id", artifact.ID)
			return err
		}
	}
	return err
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Stats returns a snapshot of recorder counters. Counts from a recording in
// progress are included; Stop folds them into the running totals.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	for _, c := range r.captures {
		video, audio, writeErrs := c.counters()
		if c.kind == ArtifactInput {
			stats.InputFrames += video + audio
		} else {
			stats.OutputFrames += video + audio
		}
		stats.WriteErrors += writeErrs
	}
	return stats
}

// newInputCapture opens the capture for the locally sent stream. Codecs are
// known upfront from the outbound tracks, so the container is selected and
// opened immediately.
func (r *Recorder) newInputCapture() (*capture, error) {
	var videoMime, audioMime string
	for _, track := range r.opts.Tracks {
		mime := track.Codec().MimeType
		if strings.HasPrefix(strings.ToLower(mime), "video/") {
			videoMime = mime
		} else {
			audioMime = mime
		}
	}

	c := newCapture(ArtifactInput, r.opts, r.logger)
	if err := c.openMuxer(videoMime, audioMime); err != nil {
		return nil, err
	}

	for _, track := range r.opts.Tracks {
		track := track
		mime := track.Codec().MimeType
		video := strings.HasPrefix(strings.ToLower(mime), "video/")
		remove := track.AddTap(func(frame EncodedFrame) {
			sample := media.Sample{Data: frame.Data, Duration: frame.Duration}
			if video {
				c.writeVideo(sample, frame.Keyframe)
			} else {
				c.writeAudio(sample)
			}
		})
		c.detach = append(c.detach, remove)
	}
	return c, nil
}

// newOutputCapture opens the capture for the backend's return stream. The
// remote codec is unknown until the first track arrives, so the container is
// opened lazily on the first packet.
func (r *Recorder) newOutputCapture() *capture {
	c := newCapture(ArtifactOutput, r.opts, r.logger)
	session := r.opts.Session

	removeVideo := session.AddVideoSink(func(pkt *rtp.Packet) {
		c.consumeRemote(session, pkt, true)
	})
	removeAudio := session.AddAudioSink(func(pkt *rtp.Packet) {
		c.consumeRemote(session, pkt, false)
	})
	c.detach = append(c.detach, removeVideo, removeAudio)
	return c
}

// capture is one direction of a recording: a muxer, its scratch file and
// the depacketization state feeding it.
type capture struct {
	kind    ArtifactKind
	id      string
	opts    RecorderOptions
	logger  Logger
	detach  []func()
	scratch string

	mu           sync.Mutex
	factory      MuxerFactory
	mux          MediaMuxer
	videoMime    string
	audioMime    string
	videoBuilder *samplebuilder.SampleBuilder
	audioBuilder *samplebuilder.SampleBuilder
	videoFrames  uint64
	audioFrames  uint64
	writeErrors  uint64
	closed       bool
}

func newCapture(kind ArtifactKind, opts RecorderOptions, logger Logger) *capture {
	return &capture{
		kind:   kind,
		id:     uuid.NewString(),
		opts:   opts,
		logger: logger,
	}
}

// openMuxer selects a container for the codec combination and opens the
// scratch file. Caller holds no locks or the capture lock as appropriate.
func (c *capture) openMuxer(videoMime, audioMime string) error {
	factory, ok := selectMuxer(c.opts.Registry, videoMime, audioMime)
	if !ok {
		return fmt.Errorf("%w: video=%q audio=%q", ErrUnsupportedCodec, videoMime, audioMime)
	}
	path := filepath.Join(c.opts.ScratchDir,
		fmt.Sprintf("framelink_%s_%s%s", c.kind, c.id, factory.Ext))
	f, err := os.Create(path)
	if err != nil {
		return storageError(fmt.Sprintf("create scratch file: %v", err))
	}
	mux, err := factory.New(f, MuxerConfig{
		VideoMime: videoMime,
		AudioMime: audioMime,
		Width:     c.opts.Width,
		Height:    c.opts.Height,
		Logger:    c.logger,
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	c.factory = factory
	c.mux = mux
	c.videoMime = videoMime
	c.audioMime = audioMime
	c.scratch = path
	if videoMime != "" {
		if depacketizer := depacketizerFor(videoMime); depacketizer != nil {
			c.videoBuilder = samplebuilder.New(videoBuilderDepth, depacketizer, videoClockRate)
		}
	}
	if audioMime != "" {
		c.audioBuilder = samplebuilder.New(audioBuilderDepth, &codecs.OpusPacket{}, audioClockRate)
	}
	c.logger.Info("capture opened",
		"kind", c.kind, "container", factory.Name,
		"video", videoMime, "audio", audioMime)
	return nil
}

// consumeRemote handles one inbound RTP packet, lazily opening the muxer
// once the remote codec is known.
func (c *capture) consumeRemote(session *Session, pkt *rtp.Packet, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.mux == nil {
		videoMime, audioMime := remoteMimes(session)
		if videoMime == "" && audioMime == "" {
			return
		}
		if err := c.openMuxer(videoMime, audioMime); err != nil {
			c.logger.Error("output capture cannot open container", "error", err)
			c.closed = true
			return
		}
	}

	if video {
		if c.videoBuilder == nil {
			// Unknown codec: preserve raw payloads for offline tooling.
			c.writeVideoLocked(media.Sample{Data: pkt.Payload, Duration: time.Second / DefaultFrameRate}, true)
			return
		}
		c.videoBuilder.Push(pkt)
		for {
			sample := c.videoBuilder.Pop()
			if sample == nil {
				return
			}
			c.writeVideoLocked(*sample, frameKeyframe(c.videoMime, sample.Data))
		}
	}

	if c.audioBuilder == nil {
		return
	}
	c.audioBuilder.Push(pkt)
	for {
		sample := c.audioBuilder.Pop()
		if sample == nil {
			return
		}
		c.writeAudioLocked(*sample)
	}
}

// remoteMimes reads the codec mime types of the remote tracks present right
// now. A track that shows up only after the container is opened is not added
// to it; those packets are dropped.
func remoteMimes(session *Session) (string, string) {
	var videoMime, audioMime string
	if track := session.RemoteVideoTrack(); track != nil {
		videoMime = track.Codec().MimeType
	}
	if track := session.RemoteAudioTrack(); track != nil {
		audioMime = track.Codec().MimeType
	}
	return videoMime, audioMime
}

func (c *capture) writeVideo(sample media.Sample, keyframe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.mux == nil {
		return
	}
	c.writeVideoLocked(sample, keyframe)
}

func (c *capture) writeVideoLocked(sample media.Sample, keyframe bool) {
	if err := c.mux.WriteVideo(sample, keyframe); err != nil {
		c.writeErrors++
		c.logger.Warn("video write failed", "kind", c.kind, "error", err)
		return
	}
	c.videoFrames++
}

func (c *capture) writeAudio(sample media.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.mux == nil {
		return
	}
	c.writeAudioLocked(sample)
}

func (c *capture) writeAudioLocked(sample media.Sample) {
	if err := c.mux.WriteAudio(sample); err != nil {
		c.writeErrors++
		c.logger.Warn("audio write failed", "kind", c.kind, "error", err)
		return
	}
	c.audioFrames++
}

func (c *capture) counters() (video, audio, writeErrs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoFrames, c.audioFrames, c.writeErrors
}

// finalize detaches feeds, closes the container, repairs metadata and loads
// the finished blob. Returns (nil, nil) when nothing was captured.
func (c *capture) finalize() (*RecordingArtifact, error) {
	for _, remove := range c.detach {
		remove()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && c.mux == nil {
		return nil, nil
	}
	c.closed = true
	if c.mux == nil || c.videoFrames+c.audioFrames == 0 {
		if c.mux != nil {
			c.mux.Close()
		}
		if c.scratch != "" {
			os.Remove(c.scratch)
		}
		return nil, nil
	}

	duration := c.mux.Duration()
	if err := c.mux.Close(); err != nil {
		os.Remove(c.scratch)
		return nil, fmt.Errorf("close %s container: %w", c.factory.Name, err)
	}

	switch c.factory.Name {
	case "webm":
		if err := RepairWebMDuration(c.scratch, duration, c.logger); err != nil {
			c.logger.Warn("webm duration repair failed", "error", err)
		}
	case "ivf":
		if err := RepairIVFFrameCount(c.scratch, c.logger); err != nil {
			c.logger.Warn("ivf frame count repair failed", "error", err)
		}
	}

	blob, err := os.ReadFile(c.scratch)
	os.Remove(c.scratch)
	if err != nil {
		return nil, storageError(fmt.Sprintf("read finished capture: %v", err))
	}

	return &RecordingArtifact{
		ID:        c.id,
		Kind:      c.kind,
		Filename:  fmt.Sprintf("%s_%s%s", c.kind, c.id, c.factory.Ext),
		MimeType:  c.factory.MimeType,
		SizeBytes: int64(len(blob)),
		Blob:      blob,
		Duration:  duration,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// depacketizerFor maps a video mime type to its RTP depacketizer, nil for
// codecs without one here.
func depacketizerFor(mime string) rtp.Depacketizer {
	switch {
	case mimeIs(mime, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}
	case mimeIs(mime, webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}
	case mimeIs(mime, webrtc.MimeTypeH264):
		return &codecs.H264Packet{}
	case mimeIs(mime, webrtc.MimeTypeAV1):
		return &codecs.AV1Depacketizer{}
	default:
		return nil
	}
}

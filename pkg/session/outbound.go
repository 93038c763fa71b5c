package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// OutboundTrack wraps the local sample track sent to the backend. Every
// frame written to the transport is also fanned out to registered taps, so
// the Recorder captures exactly what was sent without a second encode.
type OutboundTrack struct {
	track *webrtc.TrackLocalStaticSample
	codec webrtc.RTPCodecCapability

	mu      sync.RWMutex
	taps    map[int]func(EncodedFrame)
	nextTap int
	stats   OutboundStats
}

// OutboundStats counts transport writes on the local track.
type OutboundStats struct {
	FramesSent  uint64
	BytesSent   uint64
	LastWriteAt time.Time
}

// NewOutboundTrack creates a local static sample track with the given codec
// capability. The id and streamID become the track's SDP identifiers.
func NewOutboundTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*OutboundTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &OutboundTrack{
		track: track,
		codec: codec,
		taps:  make(map[int]func(EncodedFrame)),
	}, nil
}

// Track exposes the underlying pion track for AddTrack during negotiation.
func (t *OutboundTrack) Track() *webrtc.TrackLocalStaticSample { return t.track }

// Codec returns the track's capability.
func (t *OutboundTrack) Codec() webrtc.RTPCodecCapability { return t.codec }

// WriteFrame sends one encoded frame on the transport and notifies taps.
// Tap callbacks run synchronously on the caller's goroutine; they must not
// block.
func (t *OutboundTrack) WriteFrame(frame *EncodedFrame) error {
	if frame == nil || len(frame.Data) == 0 {
		return nil
	}
	err := t.track.WriteSample(media.Sample{Data: frame.Data, Duration: frame.Duration})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.stats.FramesSent++
	t.stats.BytesSent += uint64(len(frame.Data))
	t.stats.LastWriteAt = time.Now()
	taps := make([]func(EncodedFrame), 0, len(t.taps))
	for _, tap := range t.taps {
		taps = append(taps, tap)
	}
	t.mu.Unlock()

	for _, tap := range taps {
		tap(*frame)
	}
	return nil
}

// AddTap registers a frame observer and returns its remover. Removal is
// idempotent.
func (t *OutboundTrack) AddTap(tap func(EncodedFrame)) (remove func()) {
	t.mu.Lock()
	id := t.nextTap
	t.nextTap++
	t.taps[id] = tap
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.taps, id)
			t.mu.Unlock()
		})
	}
}

// Stats returns a copy of the write counters.
func (t *OutboundTrack) Stats() OutboundStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// StreamEncodedSource pumps a pre-encoded source into an outbound track at
// the source's own pacing until the context is cancelled or the source
// ends. Returns nil on clean end of stream.
func StreamEncodedSource(ctx context.Context, src EncodedSource, out *OutboundTrack, logger Logger) error {
	for {
		frame, err := src.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := out.WriteFrame(frame); err != nil {
			return err
		}

		d := frame.Duration
		if d <= 0 {
			d = time.Second / DefaultFrameRate
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

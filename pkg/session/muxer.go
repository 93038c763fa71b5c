package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// MediaMuxer writes depacketized media samples into one container file.
// Implementations are not safe for concurrent use; the capture feeding a
// muxer serializes writes.
type MediaMuxer interface {
	// WriteVideo appends one video frame. Muxers that need a keyframe to
	// start silently drop frames until the first one arrives.
	WriteVideo(sample media.Sample, keyframe bool) error

	// WriteAudio appends one audio frame.
	WriteAudio(sample media.Sample) error

	// Duration returns the media time written so far.
	Duration() time.Duration

	// Close finalizes the container and closes the underlying file.
	Close() error
}

// MuxerConfig describes the streams a muxer will receive.
type MuxerConfig struct {
	// VideoMime is the WebRTC mime type of the video stream, empty when the
	// capture has no video.
	VideoMime string

	// AudioMime is the mime type of the audio stream, empty when none.
	AudioMime string

	// Width and Height are fallback dimensions, used when the codec stream
	// does not carry its own.
	Width  int
	Height int

	Logger Logger
}

// MuxerFactory describes one container format the recorder can probe.
type MuxerFactory struct {
	// Name identifies the container ("webm", "ivf", "ogg", "h264", "raw").
	Name string

	// Ext is the file extension including the dot.
	Ext string

	// MimeType is the container's mime type for stored artifacts.
	MimeType string

	// Supports reports whether this container can hold the given stream
	// combination. Mime types follow webrtc conventions; empty means the
	// stream is absent.
	Supports func(videoMime, audioMime string) bool

	// New opens a muxer writing to f. The muxer owns f from then on.
	New func(f *os.File, cfg MuxerConfig) (MediaMuxer, error)
}

// DefaultMuxerRegistry returns the ordered container preference list. The
// recorder walks it and uses the first factory that supports the capture's
// codec combination; the final entry accepts anything, so selection never
// fails outright.
func DefaultMuxerRegistry() []MuxerFactory {
	return []MuxerFactory{
		{
			Name:     "webm",
			Ext:      ".webm",
			MimeType: "video/webm",
			Supports: func(v, a string) bool {
				if v == "" {
					// Audio-only captures go to ogg, which players treat
					// better than a video-less webm.
					return false
				}
				videoOK := mimeIs(v, webrtc.MimeTypeVP8) || mimeIs(v, webrtc.MimeTypeVP9)
				audioOK := a == "" || mimeIs(a, webrtc.MimeTypeOpus)
				return videoOK && audioOK
			},
			New: newWebmMuxer,
		},
		{
			Name:     "ivf",
			Ext:      ".ivf",
			MimeType: "video/x-ivf",
			Supports: func(v, a string) bool {
				if a != "" {
					return false
				}
				return mimeIs(v, webrtc.MimeTypeVP8) || mimeIs(v, webrtc.MimeTypeVP9) || mimeIs(v, webrtc.MimeTypeAV1)
			},
			New: newIVFMuxer,
		},
		{
			Name:     "ogg",
			Ext:      ".ogg",
			MimeType: "audio/ogg",
			Supports: func(v, a string) bool {
				return v == "" && mimeIs(a, webrtc.MimeTypeOpus)
			},
			New: newOggMuxer,
		},
		{
			Name:     "h264",
			Ext:      ".h264",
			MimeType: "video/h264",
			Supports: func(v, a string) bool {
				return a == "" && mimeIs(v, webrtc.MimeTypeH264)
			},
			New: newH264Muxer,
		},
		{
			Name:     "raw",
			Ext:      ".bin",
			MimeType: "application/octet-stream",
			Supports: func(v, a string) bool { return true },
			New:      newRawMuxer,
		},
	}
}

// selectMuxer returns the first registry entry supporting the combination.
func selectMuxer(registry []MuxerFactory, videoMime, audioMime string) (MuxerFactory, bool) {
	for _, factory := range registry {
		if factory.Supports(videoMime, audioMime) {
			return factory, true
		}
	}
	return MuxerFactory{}, false
}

func mimeIs(mime, want string) bool { return strings.EqualFold(mime, want) }

// frameKeyframe inspects a depacketized frame for the codec's keyframe
// marker. Codecs without a cheap marker report every frame as key so muxers
// never stall waiting for one.
func frameKeyframe(mime string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch {
	case mimeIs(mime, webrtc.MimeTypeVP8):
		return payload[0]&0x01 == 0
	case mimeIs(mime, webrtc.MimeTypeVP9):
		return payload[0]&0x04 == 0
	case mimeIs(mime, webrtc.MimeTypeH264):
		return h264HasIDR(payload)
	default:
		return true
	}
}

// h264HasIDR scans an Annex B stream for an IDR or SPS NAL unit.
func h264HasIDR(payload []byte) bool {
	for i := 0; i+3 < len(payload); i++ {
		if payload[i] != 0 || payload[i+1] != 0 {
			continue
		}
		offset := 0
		if payload[i+2] == 1 {
			offset = i + 3
		} else if i+4 < len(payload) && payload[i+2] == 0 && payload[i+3] == 1 {
			offset = i + 4
		} else {
			continue
		}
		nalType := payload[offset] & 0x1F
		if nalType == 5 || nalType == 7 {
			return true
		}
	}
	return false
}

// vp8Dimensions parses width and height from a VP8 keyframe header. Returns
// false for frames too short to carry one.
func vp8Dimensions(payload []byte) (int, int, bool) {
	if len(payload) < 10 {
		return 0, 0, false
	}
	raw := uint(payload[6]) | uint(payload[7])<<8 | uint(payload[8])<<16 | uint(payload[9])<<24
	width := int(raw & 0x3FFF)
	height := int((raw >> 16) & 0x3FFF)
	if width == 0 || height == 0 {
		return 0, 0, false
	}
	return width, height, true
}

// webmMuxer writes VP8/VP9 video and Opus audio into a WebM container.
// Track writers are created lazily on the first video keyframe so the file
// starts decodable; pre-keyframe media is dropped. Audio-only captures
// initialize immediately.
type webmMuxer struct {
	mu   sync.Mutex
	file *os.File
	cfg  MuxerConfig

	video webm.BlockWriteCloser
	audio webm.BlockWriteCloser

	videoTS     time.Duration
	audioTS     time.Duration
	initialized bool
	closed      bool
}

func newWebmMuxer(f *os.File, cfg MuxerConfig) (MediaMuxer, error) {
	m := &webmMuxer{file: f, cfg: cfg}
	if cfg.VideoMime == "" {
		if err := m.init(0, 0); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *webmMuxer) init(width, height int) error {
	if width == 0 || height == 0 {
		width, height = m.cfg.Width, m.cfg.Height
	}
	if width == 0 || height == 0 {
		width, height = DefaultWidth, DefaultHeight
	}

	var entries []webm.TrackEntry
	if m.cfg.AudioMime != "" {
		entries = append(entries, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     uint64(len(entries) + 1),
			TrackUID:        uint64(len(entries) + 1),
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio: &webm.Audio{
				SamplingFrequency: 48000.0,
				Channels:          2,
			},
		})
	}
	if m.cfg.VideoMime != "" {
		codecID := "V_VP8"
		if mimeIs(m.cfg.VideoMime, webrtc.MimeTypeVP9) {
			codecID = "V_VP9"
		}
		entries = append(entries, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     uint64(len(entries) + 1),
			TrackUID:        uint64(len(entries) + 1),
			CodecID:         codecID,
			TrackType:       1,
			DefaultDuration: 33333333,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(m.file, entries)
	if err != nil {
		return fmt.Errorf("start webm writer: %w", err)
	}
	idx := 0
	if m.cfg.AudioMime != "" {
		m.audio = writers[idx]
		idx++
	}
	if m.cfg.VideoMime != "" {
		m.video = writers[idx]
	}
	m.initialized = true
	return nil
}

func (m *webmMuxer) WriteVideo(sample media.Sample, keyframe bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if !m.initialized {
		if !keyframe {
			return nil
		}
		width, height := 0, 0
		if mimeIs(m.cfg.VideoMime, webrtc.MimeTypeVP8) {
			if w, h, ok := vp8Dimensions(sample.Data); ok {
				width, height = w, h
			}
		}
		if err := m.init(width, height); err != nil {
			return err
		}
	}
	m.videoTS += sample.Duration
	_, err := m.video.Write(keyframe, int64(m.videoTS/time.Millisecond), sample.Data)
	return err
}

func (m *webmMuxer) WriteAudio(sample media.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.audio == nil {
		return nil
	}
	m.audioTS += sample.Duration
	_, err := m.audio.Write(true, int64(m.audioTS/time.Millisecond), sample.Data)
	return err
}

func (m *webmMuxer) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoTS > m.audioTS {
		return m.videoTS
	}
	return m.audioTS
}

func (m *webmMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if !m.initialized {
		// No keyframe ever arrived; leave an empty file rather than an
		// unparseable header.
		return m.file.Close()
	}
	var firstErr error
	if m.video != nil {
		if err := m.video.Close(); err != nil {
			firstErr = err
		}
	}
	if m.audio != nil {
		if err := m.audio.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IVF header layout constants shared with the repair pass.
const (
	ivfHeaderSize       = 32
	ivfFrameHeaderSize  = 12
	ivfFrameCountOffset = 24
	ivfTimebase         = 90000
)

// ivfMuxer writes a video-only IVF file, the frame-for-frame inverse of the
// IVF reader used for file playback. The header frame count starts at zero
// and is patched on Close.
type ivfMuxer struct {
	file    *os.File
	count   uint32
	elapsed time.Duration
	closed  bool
}

func newIVFMuxer(f *os.File, cfg MuxerConfig) (MediaMuxer, error) {
	fourCC := "VP80"
	switch {
	case mimeIs(cfg.VideoMime, webrtc.MimeTypeVP9):
		fourCC = "VP90"
	case mimeIs(cfg.VideoMime, webrtc.MimeTypeAV1):
		fourCC = "AV01"
	}
	width, height := cfg.Width, cfg.Height
	if width == 0 || height == 0 {
		width, height = DefaultWidth, DefaultHeight
	}

	header := make([]byte, ivfHeaderSize)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], ivfHeaderSize)
	copy(header[8:12], fourCC)
	binary.LittleEndian.PutUint16(header[12:14], uint16(width))
	binary.LittleEndian.PutUint16(header[14:16], uint16(height))
	binary.LittleEndian.PutUint32(header[16:20], ivfTimebase)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], 0)
	if _, err := f.Write(header); err != nil {
		return nil, fmt.Errorf("write ivf header: %w", err)
	}
	return &ivfMuxer{file: f}, nil
}

func (m *ivfMuxer) WriteVideo(sample media.Sample, _ bool) error {
	if m.closed {
		return nil
	}
	pts := uint64(m.elapsed * ivfTimebase / time.Second)
	frameHeader := make([]byte, ivfFrameHeaderSize)
	binary.LittleEndian.PutUint32(frameHeader[0:4], uint32(len(sample.Data)))
	binary.LittleEndian.PutUint64(frameHeader[4:12], pts)
	if _, err := m.file.Write(frameHeader); err != nil {
		return err
	}
	if _, err := m.file.Write(sample.Data); err != nil {
		return err
	}
	m.count++
	m.elapsed += sample.Duration
	return nil
}

func (m *ivfMuxer) WriteAudio(media.Sample) error { return nil }

func (m *ivfMuxer) Duration() time.Duration { return m.elapsed }

func (m *ivfMuxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, m.count)
	if _, err := m.file.WriteAt(count, ivfFrameCountOffset); err != nil {
		m.file.Close()
		return fmt.Errorf("patch ivf frame count: %w", err)
	}
	return m.file.Close()
}

// oggMuxer writes an audio-only Ogg Opus file. The page writer is fed
// synthetic RTP packets whose timestamps advance by each sample's duration
// at the Opus clock rate, which is what drives granule positions.
type oggMuxer struct {
	file      *os.File
	writer    *oggwriter.OggWriter
	timestamp uint32
	seq       uint16
	elapsed   time.Duration
	closed    bool
}

func newOggMuxer(f *os.File, cfg MuxerConfig) (MediaMuxer, error) {
	writer, err := oggwriter.NewWith(f, 48000, 2)
	if err != nil {
		return nil, fmt.Errorf("start ogg writer: %w", err)
	}
	return &oggMuxer{file: f, writer: writer}, nil
}

func (m *oggMuxer) WriteVideo(media.Sample, bool) error { return nil }

func (m *oggMuxer) WriteAudio(sample media.Sample) error {
	if m.closed {
		return nil
	}
	m.seq++
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: m.seq,
			Timestamp:      m.timestamp,
		},
		Payload: sample.Data,
	}
	if err := m.writer.WriteRTP(pkt); err != nil {
		return err
	}
	m.timestamp += uint32(sample.Duration.Seconds() * 48000)
	m.elapsed += sample.Duration
	return nil
}

func (m *oggMuxer) Duration() time.Duration { return m.elapsed }

func (m *oggMuxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.writer.Close(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}

// h264Muxer writes a raw Annex B elementary stream. Depacketized H264
// samples already carry start codes, so frames are appended as-is.
type h264Muxer struct {
	file    *os.File
	started bool
	elapsed time.Duration
	closed  bool
}

func newH264Muxer(f *os.File, cfg MuxerConfig) (MediaMuxer, error) {
	return &h264Muxer{file: f}, nil
}

func (m *h264Muxer) WriteVideo(sample media.Sample, keyframe bool) error {
	if m.closed {
		return nil
	}
	if !m.started {
		if !keyframe {
			return nil
		}
		m.started = true
	}
	if _, err := m.file.Write(sample.Data); err != nil {
		return err
	}
	m.elapsed += sample.Duration
	return nil
}

func (m *h264Muxer) WriteAudio(media.Sample) error { return nil }

func (m *h264Muxer) Duration() time.Duration { return m.elapsed }

func (m *h264Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.file.Close()
}

// rawMuxer is the last-resort fallback for codec combinations no real
// container here can hold. It concatenates video frame payloads so the
// capture is preserved for offline tooling rather than discarded.
type rawMuxer struct {
	file    *os.File
	elapsed time.Duration
	closed  bool
}

func newRawMuxer(f *os.File, cfg MuxerConfig) (MediaMuxer, error) {
	if cfg.Logger != nil {
		cfg.Logger.Warn("no container supports codec combination, writing raw frames",
			"video", cfg.VideoMime, "audio", cfg.AudioMime)
	}
	return &rawMuxer{file: f}, nil
}

func (m *rawMuxer) WriteVideo(sample media.Sample, _ bool) error {
	if m.closed {
		return nil
	}
	if _, err := m.file.Write(sample.Data); err != nil {
		return err
	}
	m.elapsed += sample.Duration
	return nil
}

func (m *rawMuxer) WriteAudio(media.Sample) error { return nil }

func (m *rawMuxer) Duration() time.Duration { return m.elapsed }

func (m *rawMuxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.file.Close()
}

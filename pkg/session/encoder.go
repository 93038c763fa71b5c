package session

import (
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// EncodedFrame is one compressed media frame ready for transport or muxing.
type EncodedFrame struct {
	// Data is the compressed frame payload.
	Data []byte

	// Keyframe marks a self-contained frame. Container writers start
	// clusters on keyframes; audio frames are always key.
	Keyframe bool

	// Duration is the presentation duration of this frame.
	Duration time.Duration
}

// VideoEncoder compresses normalized raw frames for the outbound track.
// The session core ships no built-in codec implementation; production
// deployments wrap a platform encoder behind this interface, and tests use
// a stub. Codec() decides the outbound track's negotiated capability.
type VideoEncoder interface {
	// Codec returns the RTP capability of the produced bitstream.
	Codec() webrtc.RTPCodecCapability

	// Encode compresses one raw frame. Returning (nil, nil) skips the frame.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// Close releases encoder resources.
	Close() error
}

// EncodedSource supplies pre-encoded frames, bypassing the raw
// normalization path. File playback sources implement this.
type EncodedSource interface {
	// Codec returns the RTP capability of the stream.
	Codec() webrtc.RTPCodecCapability

	// NextFrame returns the next frame, or io.EOF when the stream ends.
	NextFrame() (*EncodedFrame, error)

	// Close releases the source.
	Close() error
}

// IVFFileSource plays a VP8/VP9 IVF file as an encoded video source. Frame
// pacing follows the file's timebase.
type IVFFileSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	header   *ivfreader.IVFFileHeader
	codec    webrtc.RTPCodecCapability
	lastTS   uint64
	seenAny  bool
	tickSecs float64
}

// NewIVFFileSource opens an IVF file and inspects its header. Supported
// FourCC values are VP80 and VP90.
func NewIVFFileSource(path string) (*IVFFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse IVF header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	default:
		f.Close()
		return nil, &Error{Code: ErrUnsupportedCodec.Code, Message: fmt.Sprintf("IVF FourCC %q not supported", header.FourCC)}
	}

	tickSecs := float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator)
	if tickSecs <= 0 {
		tickSecs = 1.0 / float64(DefaultFrameRate)
	}

	return &IVFFileSource{
		file:     f,
		reader:   reader,
		header:   header,
		codec:    webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
		tickSecs: tickSecs,
	}, nil
}

// Codec implements EncodedSource.
func (s *IVFFileSource) Codec() webrtc.RTPCodecCapability { return s.codec }

// Dimensions returns the geometry declared by the IVF header.
func (s *IVFFileSource) Dimensions() (int, int) {
	return int(s.header.Width), int(s.header.Height)
}

// NextFrame implements EncodedSource. Returns io.EOF at end of file.
func (s *IVFFileSource) NextFrame() (*EncodedFrame, error) {
	payload, frameHeader, err := s.reader.ParseNextFrame()
	if err != nil {
		return nil, err
	}

	deltaTicks := uint64(1)
	if s.seenAny && frameHeader.Timestamp > s.lastTS {
		deltaTicks = frameHeader.Timestamp - s.lastTS
	}
	s.lastTS = frameHeader.Timestamp
	s.seenAny = true

	return &EncodedFrame{
		Data:     payload,
		Keyframe: ivfKeyframe(s.header.FourCC, payload),
		Duration: time.Duration(float64(deltaTicks) * s.tickSecs * float64(time.Second)),
	}, nil
}

// Close implements EncodedSource.
func (s *IVFFileSource) Close() error { return s.file.Close() }

// ivfKeyframe inspects the first payload byte for the frame-type bit. VP8
// keeps it in bit 0 of the frame tag; VP9 profile 0 keeps it in bit 2 of
// the uncompressed header. Unknown layouts report every frame as key so the
// muxer never waits forever.
func ivfKeyframe(fourCC string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch fourCC {
	case "VP80":
		return payload[0]&0x01 == 0
	case "VP90":
		return payload[0]&0x04 == 0
	default:
		return true
	}
}

// opusFrameDuration is the assumed page duration when granule positions do
// not advance. Opus streams from WebRTC use 20ms frames.
const opusFrameDuration = 20 * time.Millisecond

// OggFileSource plays an Ogg Opus file as an encoded audio source. Page
// durations derive from granule position deltas at 48kHz.
type OggFileSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	header      *oggreader.OggHeader
	lastGranule uint64
}

// NewOggFileSource opens an Ogg Opus file.
func NewOggFileSource(path string) (*OggFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse Ogg header: %w", err)
	}
	return &OggFileSource{file: f, reader: reader, header: header}, nil
}

// Codec implements EncodedSource.
func (s *OggFileSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

// NextFrame implements EncodedSource. Returns io.EOF at end of file.
func (s *OggFileSource) NextFrame() (*EncodedFrame, error) {
	payload, pageHeader, err := s.reader.ParseNextPage()
	if err != nil {
		return nil, err
	}

	duration := opusFrameDuration
	if pageHeader.GranulePosition > s.lastGranule {
		samples := pageHeader.GranulePosition - s.lastGranule
		duration = time.Duration(samples) * time.Second / 48000
	}
	s.lastGranule = pageHeader.GranulePosition

	return &EncodedFrame{
		Data:     payload,
		Keyframe: true,
		Duration: duration,
	}, nil
}

// Close implements EncodedSource.
func (s *OggFileSource) Close() error { return s.file.Close() }

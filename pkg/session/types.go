// Package session implements a real-time media session controller for
// streaming live video to a remote per-frame inference backend and receiving
// the transformed stream back. The backend exposes a single HTTP negotiation
// endpoint and a WebRTC data channel carrying a JSON control protocol for
// introspecting and mutating its processing graph mid-stream.
//
// The package is organized around a small set of cooperating components:
//   - CapturePipeline: normalizes a raw frame source to a fixed geometry
//   - Session: owns the peer connection and the SDP offer/answer exchange
//   - ControlChannel: ordered request/response protocol for graph state
//   - ReadinessDetector: warm-up detection driven by observed frame arrivals
//   - Recorder: dual-stream capture with codec probing and duration repair
//   - SessionController: composition root wiring the above into one lifecycle
//
// Key features:
//   - Single-session lifecycle with explicit, one-directional state machine
//   - Whole-document graph updates with per-field debouncing
//   - Independent input/output recording with container fallback
//   - Pluggable frame sources, artifact stores and export targets
package session

import (
	"time"
)

// SessionState represents the lifecycle state of a Session.
// Transitions are one-directional: idle → negotiating → connected →
// (ready | failed) → closed. Only an explicit restart returns a failed or
// closed session to idle, by creating a fresh Session.
type SessionState int

const (
	// SessionStateIdle means no negotiation has been attempted yet.
	SessionStateIdle SessionState = iota

	// SessionStateNegotiating means the offer/answer exchange is in flight.
	SessionStateNegotiating

	// SessionStateConnected means the answer was applied and transport is up,
	// but backend output is not yet confirmed meaningful.
	SessionStateConnected

	// SessionStateReady means warm-up completed and output frames are
	// meaningful (see ReadinessDetector).
	SessionStateReady

	// SessionStateFailed means negotiation or transport failed. Recovery
	// requires an explicit Close followed by a fresh Open.
	SessionStateFailed

	// SessionStateClosed means the session was torn down deliberately.
	SessionStateClosed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateNegotiating:
		return "negotiating"
	case SessionStateConnected:
		return "connected"
	case SessionStateReady:
		return "ready"
	case SessionStateFailed:
		return "failed"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PixelFormat identifies the memory layout of a VideoFrame's pixel data.
type PixelFormat int

const (
	// FormatRGBA is 8-bit interleaved RGBA, 4 bytes per pixel.
	FormatRGBA PixelFormat = iota

	// FormatI420 is planar YUV 4:2:0: a full-resolution Y plane followed by
	// quarter-resolution U and V planes.
	FormatI420
)

// String returns the conventional name of the pixel format.
func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatI420:
		return "i420"
	default:
		return "unknown"
	}
}

// VideoFrame is one uncompressed video frame flowing through the capture
// pipeline. Frames are treated as immutable once published: consumers must
// not modify Data.
type VideoFrame struct {
	// Data holds the raw pixel bytes in the layout described by Format.
	Data []byte

	// Width and Height are the frame dimensions in pixels.
	Width  int
	Height int

	// Format describes the pixel layout of Data.
	Format PixelFormat

	// PTS is the presentation timestamp relative to the start of the stream.
	PTS time.Duration

	// Seq is a monotonically increasing sequence number assigned by the
	// source.
	Seq uint64
}

// ArtifactKind distinguishes which side of the session a recording captured.
type ArtifactKind string

const (
	// ArtifactInput is a recording of the locally captured (sent) stream.
	ArtifactInput ArtifactKind = "input"

	// ArtifactOutput is a recording of the transformed (received) stream.
	ArtifactOutput ArtifactKind = "output"
)

// RecordingArtifact is a persisted recording produced by the Recorder.
// Artifacts are created once on stop and never mutated in place; each
// artifact owns its blob exclusively.
type RecordingArtifact struct {
	// ID is the generated unique identifier. The storage key is
	// "recording_<ID>".
	ID string `json:"id"`

	// Kind reports which stream the artifact captured.
	Kind ArtifactKind `json:"type"`

	// Filename is the suggested name for export, including extension.
	Filename string `json:"filename"`

	// MimeType is the container MIME type the recording was finalized with.
	MimeType string `json:"mime_type"`

	// SizeBytes is the blob length, kept in metadata so listings do not need
	// to load blobs.
	SizeBytes int64 `json:"size_bytes"`

	// Blob is the finalized container bytes.
	Blob []byte `json:"-"`

	// Duration is the repaired media duration of the artifact.
	Duration time.Duration `json:"duration"`

	// CreatedAt is when the recording was stopped.
	CreatedAt time.Time `json:"created_at"`
}

// Logger interface for pluggable logging.
// Implement this interface to integrate with your application's logging
// system. The fields parameter accepts key-value pairs for structured
// logging.
type Logger interface {
	// Debug logs a debug-level message with optional fields.
	Debug(msg string, fields ...interface{})

	// Info logs an info-level message with optional fields.
	Info(msg string, fields ...interface{})

	// Warn logs a warning-level message with optional fields.
	Warn(msg string, fields ...interface{})

	// Error logs an error-level message with optional fields.
	Error(msg string, fields ...interface{})
}

// Error represents a typed error with a code and message.
// Error codes are stable and can be used for programmatic error handling.
type Error struct {
	// Code is a stable identifier for the error type.
	Code string

	// Message provides human-readable error details. For negotiation
	// failures this carries the backend-provided error text verbatim.
	Message string
}

// Error implements the error interface.
// Returns a string in the format "CODE: message".
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is matches sentinel errors against instances carrying dynamic
// message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Common errors returned by the session package.
// Use errors.Is() to check for specific error types.
var (
	// ErrNegotiationFailed indicates the offer/answer exchange failed or was
	// rejected by the backend. The message carries the backend error text.
	ErrNegotiationFailed = &Error{Code: "NEGOTIATION_FAILED", Message: "negotiation with backend failed"}

	// ErrChannelUnavailable indicates a control message was attempted while
	// the control channel was not open. The message is dropped, never queued.
	ErrChannelUnavailable = &Error{Code: "CHANNEL_UNAVAILABLE", Message: "control channel is not open"}

	// ErrUnsupportedCodec indicates no container/codec combination in the
	// preference list supports the present tracks.
	ErrUnsupportedCodec = &Error{Code: "UNSUPPORTED_CODEC", Message: "no supported container for track codecs"}

	// ErrStorage indicates a persistence read or write failed. Recordings
	// fall back to in-memory retention for the current process.
	ErrStorage = &Error{Code: "STORAGE_ERROR", Message: "artifact storage operation failed"}

	// ErrSessionActive indicates Open was called while a session was already
	// negotiating or connected.
	ErrSessionActive = &Error{Code: "SESSION_ACTIVE", Message: "a session is already active"}

	// ErrSessionClosed indicates an operation was attempted on a session
	// that has been closed or failed.
	ErrSessionClosed = &Error{Code: "SESSION_CLOSED", Message: "session is closed"}

	// ErrInvalidConfig indicates the session configuration failed validation.
	ErrInvalidConfig = &Error{Code: "INVALID_CONFIG", Message: "invalid session configuration"}

	// ErrShareUnsupported indicates no export target is configured for
	// sharing recording artifacts.
	ErrShareUnsupported = &Error{Code: "SHARE_UNSUPPORTED", Message: "no export target configured"}

	// ErrArtifactNotFound indicates the requested recording id has no stored
	// artifact.
	ErrArtifactNotFound = &Error{Code: "ARTIFACT_NOT_FOUND", Message: "recording artifact not found"}

	// ErrRecorderActive indicates Start was called while a recording was
	// already in progress.
	ErrRecorderActive = &Error{Code: "RECORDER_ACTIVE", Message: "recording already in progress"}

	// ErrSourceUnavailable indicates the capture pipeline has no frame
	// source attached.
	ErrSourceUnavailable = &Error{Code: "SOURCE_UNAVAILABLE", Message: "no frame source attached"}
)

// negotiationError builds a NEGOTIATION_FAILED error carrying the backend's
// error text verbatim.
func negotiationError(backendText string) *Error {
	return &Error{Code: ErrNegotiationFailed.Code, Message: backendText}
}

// storageError builds a STORAGE_ERROR with operation detail.
func storageError(detail string) *Error {
	return &Error{Code: ErrStorage.Code, Message: detail}
}

package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/net/http2"
)

// controlChannelLabel is the data channel label negotiated for graph control.
const controlChannelLabel = "control"

// Shared HTTP client configuration for backend negotiation.
const (
	negotiationTimeout             = 15 * time.Second
	negotiationMaxIdleConns        = 30
	negotiationMaxIdleConnsPerHost = 15
	negotiationIdleConnTimeout     = 90 * time.Second
	negotiationTLSTimeout          = 10 * time.Second
	negotiationDialTimeout         = 5 * time.Second
)

var (
	negotiationClient     *http.Client
	negotiationClientOnce sync.Once
)

// sharedNegotiationClient returns a singleton HTTP client with HTTP/2 support
// and connection pooling, shared across sessions to the same backend.
func sharedNegotiationClient() *http.Client {
	negotiationClientOnce.Do(func() {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   negotiationDialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: negotiationTLSTimeout,
			IdleConnTimeout:     negotiationIdleConnTimeout,
			MaxIdleConns:        negotiationMaxIdleConns,
			MaxIdleConnsPerHost: negotiationMaxIdleConnsPerHost,
			ForceAttemptHTTP2:   true,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
		if err := http2.ConfigureTransport(transport); err != nil {
			transport.ForceAttemptHTTP2 = false
		}
		negotiationClient = &http.Client{
			Transport: transport,
			Timeout:   negotiationTimeout,
		}
	})
	return negotiationClient
}

// negotiationRequest is the JSON body posted to the backend: the local SDP
// offer plus the initial processing graph, so the backend can configure its
// pipeline before answering.
type negotiationRequest struct {
	Offer  string           `json:"offer"`
	Prompt *GraphDefinition `json:"prompt,omitempty"`
}

// negotiationResponse is the backend's reply. Exactly one field is set.
type negotiationResponse struct {
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SessionEvents receives session lifecycle notifications. Callbacks run on
// internal goroutines and must not block.
type SessionEvents struct {
	// OnStateChange fires on every state transition.
	OnStateChange func(prev, next SessionState)

	// OnReady fires once per connection when the processed return stream is
	// confirmed live.
	OnReady func()

	// OnRemoteTrack fires when the backend's return track arrives, before
	// any packets are consumed from it.
	OnRemoteTrack func(track *webrtc.TrackRemote)

	// OnError fires with the cause when an established connection fails
	// asynchronously. Errors from Open are returned to the caller instead.
	OnError func(err error)

	// OnDisconnected fires when an established connection fails or closes
	// from the remote side, after OnError.
	OnDisconnected func()
}

// SessionStats is a point-in-time snapshot of session transport counters.
type SessionStats struct {
	State                SessionState
	VideoPacketsReceived uint64
	AudioPacketsReceived uint64
	BytesReceived        uint64
	TimestampAdvances    int
	ConnectedAt          time.Time
	ReadyAt              time.Time
}

// sessionOptions carries everything dialSession needs beyond the config.
type sessionOptions struct {
	config        SessionConfig
	tracks        []*OutboundTrack
	events        SessionEvents
	controlEvents ControlEvents
	debounce      DebouncePolicy
	httpClient    *http.Client
	iceServers    []webrtc.ICEServer
	logger        Logger
}

// Session is one live connection to an inference backend: media flowing both
// directions plus the ordered control channel. Sessions are created by a
// SessionController and move through negotiating, connected, ready (or
// failed) and closed. Close is safe to call any number of times.
type Session struct {
	id     string
	config SessionConfig
	logger Logger
	events SessionEvents

	mu          sync.RWMutex
	state       SessionState
	pc          *webrtc.PeerConnection
	remoteVideo *webrtc.TrackRemote
	remoteAudio *webrtc.TrackRemote
	videoSinks  map[int]func(*rtp.Packet)
	audioSinks  map[int]func(*rtp.Packet)
	nextSink    int
	stats       SessionStats

	control  *ControlChannel
	detector *ReadinessDetector

	closeOnce sync.Once
	closeErr  error
	closing   chan struct{}
	wg        sync.WaitGroup
}

// dialSession performs the full handshake: peer connection setup, data
// channel creation, SDP offer, HTTP exchange with the backend and remote
// description install. On return the session is negotiated; it transitions
// to connected asynchronously once ICE completes.
func dialSession(ctx context.Context, opts sessionOptions) (*Session, error) {
	if opts.logger == nil {
		opts.logger = nopLogger{}
	}
	if opts.httpClient == nil {
		opts.httpClient = sharedNegotiationClient()
	}
	if len(opts.iceServers) == 0 {
		opts.iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	s := &Session{
		id:         uuid.NewString(),
		config:     opts.config,
		logger:     opts.logger,
		events:     opts.events,
		state:      SessionStateIdle,
		videoSinks: make(map[int]func(*rtp.Packet)),
		audioSinks: make(map[int]func(*rtp.Packet)),
		closing:    make(chan struct{}),
	}
	s.detector = NewReadinessDetector(s.becomeReady)
	s.control = NewControlChannel(ControlChannelOptions{
		Debounce: opts.debounce,
		Events:   opts.controlEvents,
		Logger:   opts.logger,
	})
	s.setState(SessionStateNegotiating)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: opts.iceServers})
	if err != nil {
		s.setState(SessionStateFailed)
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	for _, track := range opts.tracks {
		sender, err := pc.AddTrack(track.Track())
		if err != nil {
			pc.Close()
			s.setState(SessionStateFailed)
			return nil, fmt.Errorf("add %s track: %w", track.Codec().MimeType, err)
		}
		s.drainSenderRTCP(sender)
	}

	dc, err := pc.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{
		Ordered: &[]bool{true}[0],
	})
	if err != nil {
		pc.Close()
		s.setState(SessionStateFailed)
		return nil, fmt.Errorf("create control channel: %w", err)
	}
	s.control.Bind(dc)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("peer connection state changed", "session", s.id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.handleConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.handleDisconnection(fmt.Errorf("peer connection %s", state))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		s.setState(SessionStateFailed)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		s.setState(SessionStateFailed)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		s.setState(SessionStateFailed)
		return nil, ctx.Err()
	}

	answer, err := exchangeOffer(ctx, opts.httpClient, opts.config.BackendURL,
		pc.LocalDescription().SDP, opts.config.Graph)
	if err != nil {
		pc.Close()
		s.setState(SessionStateFailed)
		return nil, err
	}

	if err := pc.SetRemoteDescription(*answer); err != nil {
		pc.Close()
		s.setState(SessionStateFailed)
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	if opts.config.Graph != nil {
		s.control.SetGraph(opts.config.Graph)
	}

	s.logger.Info("session negotiated",
		"session", s.id, "backend", opts.config.BackendURL,
		"passthrough", opts.config.Passthrough())
	return s, nil
}

// exchangeOffer posts the offer and graph to the backend and decodes the
// answer. A rejection is surfaced as a negotiation error carrying the
// backend's own message text, unmodified.
func exchangeOffer(ctx context.Context, client *http.Client, backendURL, offerSDP string, graph *GraphDefinition) (*webrtc.SessionDescription, error) {
	body, err := graphJSON.Marshal(negotiationRequest{Offer: offerSDP, Prompt: graph})
	if err != nil {
		return nil, fmt.Errorf("encode negotiation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("build negotiation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	var decoded negotiationResponse
	if err := graphJSON.Unmarshal(raw, &decoded); err != nil {
		decoded = negotiationResponse{}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		text := decoded.Error
		if text == "" {
			text = strings.TrimSpace(string(raw))
		}
		if text == "" {
			text = fmt.Sprintf("backend returned status %d", resp.StatusCode)
		}
		return nil, negotiationError(text)
	}
	if decoded.Error != "" {
		return nil, negotiationError(decoded.Error)
	}
	if !strings.Contains(decoded.Answer, "v=0") {
		return nil, negotiationError(fmt.Sprintf("invalid SDP answer: %q", decoded.Answer))
	}

	return &webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  decoded.Answer,
	}, nil
}

// drainSenderRTCP keeps the sender's RTCP read loop alive so interceptors
// process feedback. Exits when the peer connection closes.
func (s *Session) drainSenderRTCP(sender *webrtc.RTPSender) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	if s.state == SessionStateClosed {
		s.mu.Unlock()
		return
	}
	s.stats.ConnectedAt = time.Now()
	s.mu.Unlock()

	s.setState(SessionStateConnected)
	if s.config.Passthrough() {
		// No processing loop to warm up; the loopback is live as soon as
		// the transport is.
		s.detector.Force()
	}
}

// handleDisconnection reacts to a remote failure or close. Readiness is
// re-armed so a renegotiated connection is detected afresh.
func (s *Session) handleDisconnection(cause error) {
	select {
	case <-s.closing:
		return
	default:
	}

	s.detector.Reset()
	s.setState(SessionStateFailed)
	if s.events.OnError != nil && cause != nil {
		s.events.OnError(cause)
	}
	if s.events.OnDisconnected != nil {
		s.events.OnDisconnected()
	}
}

func (s *Session) becomeReady() {
	s.mu.Lock()
	s.stats.ReadyAt = time.Now()
	s.mu.Unlock()

	s.setState(SessionStateReady)
	if s.events.OnReady != nil {
		s.events.OnReady()
	}
}

// handleRemoteTrack starts the single read loop for an inbound track. All
// consumers (recorders, readiness detection) are fed from this loop; the
// track is never read anywhere else.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	kind := track.Kind()
	s.mu.Lock()
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		s.remoteVideo = track
	case webrtc.RTPCodecTypeAudio:
		s.remoteAudio = track
	}
	s.mu.Unlock()

	s.logger.Info("remote track received",
		"session", s.id, "kind", kind.String(), "codec", track.Codec().MimeType)

	if s.events.OnRemoteTrack != nil {
		s.events.OnRemoteTrack(track)
	}

	s.wg.Add(1)
	go s.pumpRemote(track)
}

func (s *Session) pumpRemote(track *webrtc.TrackRemote) {
	defer s.wg.Done()
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("remote track read ended", "session", s.id, "error", err)
			}
			return
		}
		if video {
			s.detector.Observe(pkt.Timestamp)
		}
		s.deliverPacket(video, pkt)
	}
}

func (s *Session) deliverPacket(video bool, pkt *rtp.Packet) {
	s.mu.Lock()
	if video {
		s.stats.VideoPacketsReceived++
	} else {
		s.stats.AudioPacketsReceived++
	}
	s.stats.BytesReceived += uint64(len(pkt.Payload))
	sinks := s.videoSinks
	if !video {
		sinks = s.audioSinks
	}
	fns := make([]func(*rtp.Packet), 0, len(sinks))
	for _, fn := range sinks {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(pkt)
	}
}

// AddVideoSink registers a consumer for inbound video RTP packets and
// returns its remove function. Consumers run on the track read loop.
func (s *Session) AddVideoSink(fn func(*rtp.Packet)) func() {
	return s.addSink(true, fn)
}

// AddAudioSink registers a consumer for inbound audio RTP packets.
func (s *Session) AddAudioSink(fn func(*rtp.Packet)) func() {
	return s.addSink(false, fn)
}

func (s *Session) addSink(video bool, fn func(*rtp.Packet)) func() {
	s.mu.Lock()
	id := s.nextSink
	s.nextSink++
	if video {
		s.videoSinks[id] = fn
	} else {
		s.audioSinks[id] = fn
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if video {
				delete(s.videoSinks, id)
			} else {
				delete(s.audioSinks, id)
			}
			s.mu.Unlock()
		})
	}
}

// RequestKeyframe sends a PLI for the remote video track, asking the backend
// to emit a keyframe. No-op until the remote track has arrived.
func (s *Session) RequestKeyframe() error {
	s.mu.RLock()
	pc := s.pc
	track := s.remoteVideo
	s.mu.RUnlock()
	if pc == nil || track == nil {
		return fmt.Errorf("%w: no remote video track", ErrChannelUnavailable)
	}
	return pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
}

func (s *Session) setState(next SessionState) {
	s.mu.Lock()
	prev := s.state
	if prev == next || prev == SessionStateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.stats.State = next
	s.mu.Unlock()

	s.logger.Debug("session state changed",
		"session", s.id, "from", prev.String(), "to", next.String())
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(prev, next)
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether the processed return stream has been confirmed live.
func (s *Session) Ready() bool { return s.detector.Ready() }

// Config returns a deep copy of the session's configuration.
func (s *Session) Config() SessionConfig { return *s.config.Clone() }

// Control returns the session's graph control channel.
func (s *Session) Control() *ControlChannel { return s.control }

// RemoteVideoTrack returns the backend's video return track, or nil before
// it arrives.
func (s *Session) RemoteVideoTrack() *webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteVideo
}

// RemoteAudioTrack returns the backend's audio return track, or nil.
func (s *Session) RemoteAudioTrack() *webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteAudio
}

// Stats returns a snapshot of transport counters.
func (s *Session) Stats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	stats.TimestampAdvances = s.detector.Advances()
	return stats
}

// Close tears the session down: control channel first, then the peer
// connection, then waits for read loops to drain. Subsequent calls return
// the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.control.Close()

		s.mu.Lock()
		pc := s.pc
		s.mu.Unlock()
		if pc != nil {
			if err := pc.Close(); err != nil {
				s.closeErr = fmt.Errorf("close peer connection: %w", err)
			}
		}
		s.wg.Wait()
		s.setState(SessionStateClosed)
		s.logger.Info("session closed", "session", s.id)
	})
	return s.closeErr
}

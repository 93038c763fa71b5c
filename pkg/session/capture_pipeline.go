package session

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
)

// CapturePipelineOptions configures the capture pipeline.
type CapturePipelineOptions struct {
	// Width and Height are the normalized output geometry. Every produced
	// frame has exactly these dimensions regardless of the source. Required.
	Width  int
	Height int

	// FrameRate is the refresh tick rate driving the draw loop.
	// Defaults to DefaultFrameRate.
	FrameRate int

	// Mode selects cover-fit (crop overflow) or contain-fit (letterbox)
	// when no crop region is set. Defaults to FitCover.
	Mode FitMode

	// Encoder compresses normalized frames for the outbound track. Required.
	Encoder VideoEncoder

	// TrackID and StreamID name the derived track in SDP.
	// Default to "video" and "framelink".
	TrackID  string
	StreamID string

	// Logger receives pipeline diagnostics. Defaults to a no-op logger.
	Logger Logger
}

// CaptureStats counts pipeline activity. All counters are cumulative since
// construction.
type CaptureStats struct {
	Ticks         uint64
	FramesDrawn   uint64
	FramesEncoded uint64
	EmptyTicks    uint64
	SourceErrors  uint64
	EncodeErrors  uint64
	SourceWidth   int
	SourceHeight  int
	LastFrameAt   time.Time
}

// CapturePipeline normalizes a raw frame source into fixed-geometry frames
// and owns the derived outbound track built from them. The draw loop runs
// at the configured refresh rate: each tick pulls the source's current
// frame, maps it onto the fixed surface (cover, contain, or region crop),
// converts to I420 and hands it to the encoder.
//
// A source that produces no frames yet is retried on every tick rather than
// treated as an error, since device acquisition may lag track creation.
// Replacing or removing the source stops writes on the derived track; the
// pipeline owns the track's lifecycle.
type CapturePipeline struct {
	opts   CapturePipelineOptions
	logger Logger

	out     *OutboundTrack
	surface *image.RGBA

	mu      sync.RWMutex
	source  FrameSource
	region  *Region
	mode    FitMode
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	seq     uint64
	stats   CaptureStats
}

// NewCapturePipeline creates a pipeline and its derived track. The track
// can be attached to a peer connection immediately; writes before the
// transport binds are dropped by the track.
func NewCapturePipeline(opts CapturePipelineOptions) (*CapturePipeline, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("capture pipeline requires positive target geometry, got %dx%d", opts.Width, opts.Height)
	}
	if opts.Encoder == nil {
		return nil, fmt.Errorf("capture pipeline requires an encoder")
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultFrameRate
	}
	if opts.TrackID == "" {
		opts.TrackID = "video"
	}
	if opts.StreamID == "" {
		opts.StreamID = "framelink"
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	out, err := NewOutboundTrack(opts.Encoder.Codec(), opts.TrackID, opts.StreamID)
	if err != nil {
		return nil, fmt.Errorf("create outbound track: %w", err)
	}

	return &CapturePipeline{
		opts:    opts,
		logger:  opts.Logger,
		out:     out,
		surface: image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		mode:    opts.Mode,
	}, nil
}

// Output returns the derived outbound track.
func (p *CapturePipeline) Output() *OutboundTrack { return p.out }

// SetSource replaces the frame source. The previous source, if any, is
// closed; passing nil removes the source and the derived track goes silent
// until a new source is attached.
func (p *CapturePipeline) SetSource(src FrameSource) {
	p.mu.Lock()
	old := p.source
	p.source = src
	p.mu.Unlock()

	if old != nil && old != src {
		if err := old.Close(); err != nil {
			p.logger.Warn("closing replaced frame source", "error", err)
		}
	}
}

// SetRegion confirms a crop region in source coordinates. When the current
// source dimensions are known the region is validated immediately;
// otherwise validation happens on the next draw, falling back to full-frame
// on mismatch.
func (p *CapturePipeline) SetRegion(r Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stats.SourceWidth > 0 && p.stats.SourceHeight > 0 {
		if err := r.validate(p.stats.SourceWidth, p.stats.SourceHeight); err != nil {
			return err
		}
	}
	region := r
	p.region = &region
	return nil
}

// ClearRegion reverts to full-frame drawing.
func (p *CapturePipeline) ClearRegion() {
	p.mu.Lock()
	p.region = nil
	p.mu.Unlock()
}

// Region returns the confirmed crop region, or nil.
func (p *CapturePipeline) Region() *Region {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.region == nil {
		return nil
	}
	r := *p.region
	return &r
}

// SetFitMode switches between cover and contain fitting for full-frame
// drawing.
func (p *CapturePipeline) SetFitMode(mode FitMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

// Start launches the draw loop. Idempotent while running.
func (p *CapturePipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.drawLoop(p.stopCh)

	p.logger.Info("capture pipeline started",
		"width", p.opts.Width,
		"height", p.opts.Height,
		"frameRate", p.opts.FrameRate,
		"mode", p.mode.String())
	return nil
}

// Stop halts the draw loop, closes the source and the encoder. Idempotent.
func (p *CapturePipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	src := p.source
	p.source = nil
	p.mu.Unlock()

	p.wg.Wait()

	if src != nil {
		if err := src.Close(); err != nil {
			p.logger.Warn("closing frame source", "error", err)
		}
	}
	if err := p.opts.Encoder.Close(); err != nil {
		p.logger.Warn("closing encoder", "error", err)
	}
	p.logger.Info("capture pipeline stopped")
}

// drawLoop renders one normalized frame per refresh tick.
func (p *CapturePipeline) drawLoop(stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(p.opts.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.renderTick()
		}
	}
}

// renderTick pulls the source's current frame and pushes one normalized
// frame downstream. Missing frames and zero dimensions count as empty
// ticks and are retried.
func (p *CapturePipeline) renderTick() {
	p.mu.Lock()
	p.stats.Ticks++
	src := p.source
	region := p.region
	mode := p.mode
	p.mu.Unlock()

	if src == nil {
		p.countEmptyTick()
		return
	}

	frame, err := src.Frame()
	if err != nil {
		p.mu.Lock()
		p.stats.SourceErrors++
		p.mu.Unlock()
		p.logger.Warn("frame source error", "error", err)
		return
	}
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		p.countEmptyTick()
		return
	}
	if frame.Format != FormatRGBA {
		p.mu.Lock()
		p.stats.SourceErrors++
		p.mu.Unlock()
		p.logger.Warn("frame source produced unsupported format", "format", frame.Format.String())
		return
	}

	plan, err := planFrame(frame.Width, frame.Height, p.opts.Width, p.opts.Height, mode, region)
	if err != nil {
		// Region no longer fits the source; draw full-frame instead.
		p.logger.Warn("crop region invalid for source, drawing full frame",
			"error", err,
			"sourceWidth", frame.Width,
			"sourceHeight", frame.Height)
		plan, err = planFrame(frame.Width, frame.Height, p.opts.Width, p.opts.Height, mode, nil)
		if err != nil {
			p.countEmptyTick()
			return
		}
	}

	srcImg := &image.RGBA{
		Pix:    frame.Data,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	xdraw.Draw(p.surface, p.surface.Bounds(), &image.Uniform{color.RGBA{A: 255}}, image.Point{}, xdraw.Src)
	xdraw.ApproxBiLinear.Scale(p.surface, plan.DstRect, srcImg, plan.SrcRect, xdraw.Src, nil)

	p.mu.Lock()
	p.stats.FramesDrawn++
	p.stats.SourceWidth = frame.Width
	p.stats.SourceHeight = frame.Height
	p.stats.LastFrameAt = time.Now()
	seq := p.seq
	p.seq++
	p.mu.Unlock()

	normalized := &VideoFrame{
		Data:   rgbaToI420(p.surface),
		Width:  p.opts.Width,
		Height: p.opts.Height,
		Format: FormatI420,
		PTS:    frame.PTS,
		Seq:    seq,
	}

	encoded, err := p.opts.Encoder.Encode(normalized)
	if err != nil {
		p.mu.Lock()
		p.stats.EncodeErrors++
		p.mu.Unlock()
		p.logger.Warn("frame encode failed", "error", err)
		return
	}
	if encoded == nil {
		return
	}

	if err := p.out.WriteFrame(encoded); err != nil {
		p.logger.Debug("outbound track write failed", "error", err)
		return
	}

	p.mu.Lock()
	p.stats.FramesEncoded++
	p.mu.Unlock()
}

func (p *CapturePipeline) countEmptyTick() {
	p.mu.Lock()
	p.stats.EmptyTicks++
	p.mu.Unlock()
}

// Stats returns a copy of the pipeline counters.
func (p *CapturePipeline) Stats() CaptureStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}


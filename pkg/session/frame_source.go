package session

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"time"
)

// FrameSource supplies raw video frames to the capture pipeline. The
// pipeline pulls the most recent frame on every refresh tick, so sources
// should return quickly with whatever frame is current.
//
// A source may legitimately have no frame yet: device acquisition can lag
// track creation. In that case Frame returns (nil, nil) and the pipeline
// retries on the next tick instead of failing.
//
// Frames are immutable once returned; the pipeline never modifies Data.
type FrameSource interface {
	// Frame returns the most recent frame, or (nil, nil) while the source
	// is still warming up. A non-nil error stops the pipeline's loop.
	Frame() (*VideoFrame, error)

	// Close releases the source. Subsequent Frame calls return (nil, nil).
	Close() error
}

// FrameFunc adapts a plain function to the FrameSource interface.
type FrameFunc func() (*VideoFrame, error)

// Frame implements FrameSource.
func (f FrameFunc) Frame() (*VideoFrame, error) { return f() }

// Close implements FrameSource.
func (f FrameFunc) Close() error { return nil }

// PatternKind selects a synthetic test pattern.
type PatternKind string

const (
	PatternColorBars    PatternKind = "color_bars"
	PatternMovingCircle PatternKind = "moving_circle"
	PatternCheckerboard PatternKind = "checkerboard"
	PatternGradient     PatternKind = "gradient"
)

// PatternSource is a synthetic frame source producing animated test
// patterns. It stands in for a camera during development and testing and
// exercises the full normalization path with arbitrary source geometries.
type PatternSource struct {
	mu      sync.Mutex
	kind    PatternKind
	width   int
	height  int
	seq     uint64
	started time.Time
	closed  bool
}

// NewPatternSource creates a pattern source with the given source geometry.
// Unknown kinds fall back to color bars.
func NewPatternSource(kind PatternKind, width, height int) *PatternSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &PatternSource{
		kind:    kind,
		width:   width,
		height:  height,
		started: time.Now(),
	}
}

// Frame renders the next animation step as an RGBA frame.
func (p *PatternSource) Frame() (*VideoFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	step := int(p.seq)

	switch p.kind {
	case PatternMovingCircle:
		drawMovingCircle(img, step)
	case PatternCheckerboard:
		drawCheckerboard(img, step)
	case PatternGradient:
		drawGradient(img, step)
	default:
		drawColorBars(img, step)
	}

	frame := &VideoFrame{
		Data:   img.Pix,
		Width:  p.width,
		Height: p.height,
		Format: FormatRGBA,
		PTS:    time.Since(p.started),
		Seq:    p.seq,
	}
	p.seq++
	return frame, nil
}

// Close implements FrameSource.
func (p *PatternSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// drawColorBars draws the standard vertical color bars, shifted slowly for
// visible motion.
func drawColorBars(img *image.RGBA, step int) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	colors := []color.RGBA{
		{255, 255, 255, 255},
		{255, 255, 0, 255},
		{0, 255, 255, 255},
		{0, 255, 0, 255},
		{255, 0, 255, 255},
		{255, 0, 0, 255},
		{0, 0, 255, 255},
		{0, 0, 0, 255},
	}

	barWidth := width / len(colors)
	for i := range colors {
		x0 := i * barWidth
		x1 := (i + 1) * barWidth
		if i == len(colors)-1 {
			x1 = width
		}
		c := colors[(i+step/30)%len(colors)]
		draw.Draw(img, image.Rect(x0, 0, x1, height), &image.Uniform{c}, image.Point{}, draw.Src)
	}
}

// drawMovingCircle draws a circle orbiting the frame center with a slowly
// cycling color.
func drawMovingCircle(img *image.RGBA, step int) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	draw.Draw(img, bounds, &image.Uniform{color.RGBA{40, 40, 40, 255}}, image.Point{}, draw.Src)

	centerX := width/2 + int(float64(width/3)*math.Sin(float64(step)*0.02))
	centerY := height/2 + int(float64(height/3)*math.Cos(float64(step)*0.03))
	radius := height / 8
	if radius < 8 {
		radius = 8
	}

	c := color.RGBA{
		uint8(128 + 127*math.Sin(float64(step)*0.05)),
		uint8(128 + 127*math.Sin(float64(step)*0.07+2)),
		uint8(128 + 127*math.Sin(float64(step)*0.09+4)),
		255,
	}

	radiusSq := radius * radius
	for y := centerY - radius; y <= centerY+radius; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := centerX - radius; x <= centerX+radius; x++ {
			if x < 0 || x >= width {
				continue
			}
			dx := x - centerX
			dy := y - centerY
			if dx*dx+dy*dy <= radiusSq {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// drawCheckerboard draws a scrolling checkerboard.
func drawCheckerboard(img *image.RGBA, step int) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	squareSize := height / 10
	if squareSize < 8 {
		squareSize = 8
	}
	offset := step % (squareSize * 2)

	white := color.RGBA{255, 255, 255, 255}
	black := color.RGBA{0, 0, 0, 255}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if ((x+offset)/squareSize+y/squareSize)%2 == 0 {
				img.SetRGBA(x, y, white)
			} else {
				img.SetRGBA(x, y, black)
			}
		}
	}
}

// drawGradient draws an animated diagonal gradient.
func drawGradient(img *image.RGBA, step int) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8(int(float64(x)/float64(width)*255+float64(step)) % 256)
			g := uint8(int(float64(y)/float64(height)*255+float64(step)*2) % 256)
			b := uint8((math.Sin(float64(x+y+step)*0.005) + 1) * 127)
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
}

// rgbaToI420 converts an RGBA image to planar YUV 4:2:0 using integer
// BT.601 coefficients. Output layout is the full Y plane followed by the
// quarter-resolution U and V planes.
func rgbaToI420(img *image.RGBA) []byte {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	yuv := make([]byte, width*height+width*height/2)
	yOffset := 0
	uOffset := width * height
	vOffset := uOffset + width*height/4

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			r8 := int(row[x*4])
			g8 := int(row[x*4+1])
			b8 := int(row[x*4+2])

			yuv[yOffset] = uint8((19595*r8 + 38470*g8 + 7471*b8 + 32768) >> 16)
			yOffset++

			if x%2 == 0 && y%2 == 0 {
				// Saturated chroma can land exactly on 256 after rounding, so
				// clamp rather than truncate.
				uVal := clampByte(((-11056)*r8 + (-21712)*g8 + 32768*b8 + 8421376) >> 16)
				vVal := clampByte((32768*r8 + (-27440)*g8 + (-5328)*b8 + 8421376) >> 16)
				yuv[uOffset+(y/2)*(width/2)+x/2] = uVal
				yuv[vOffset+(y/2)*(width/2)+x/2] = vVal
			}
		}
	}
	return yuv
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

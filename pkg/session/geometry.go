package session

import (
	"fmt"
	"image"
)

// FitMode selects how a source frame is mapped onto the fixed-size output
// surface when no crop region is set.
type FitMode int

const (
	// FitCover scales uniformly so the source covers the whole surface,
	// cropping the overflow. Scale factor is max(targetW/sourceW,
	// targetH/sourceH).
	FitCover FitMode = iota

	// FitContain scales uniformly so the whole source stays visible,
	// letterboxing the remainder. Scale factor is min(targetW/sourceW,
	// targetH/sourceH).
	FitContain
)

// String returns the fit mode name.
func (m FitMode) String() string {
	switch m {
	case FitCover:
		return "cover"
	case FitContain:
		return "contain"
	default:
		return "unknown"
	}
}

// Region is a confirmed crop rectangle in source-frame coordinates. When
// set on the pipeline it replaces full-frame drawing with crop-then-stretch:
// the region is stretched to fill the entire output surface.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// validate checks the region against the source dimensions.
func (r Region) validate(sourceW, sourceH int) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("region %dx%d has no area", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > sourceW || r.Y+r.Height > sourceH {
		return fmt.Errorf("region (%d,%d %dx%d) outside source %dx%d", r.X, r.Y, r.Width, r.Height, sourceW, sourceH)
	}
	return nil
}

func (r Region) rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// renderPlan is the resolved source→destination mapping for one frame draw.
// SrcRect selects the source pixels, DstRect places them on the output
// surface; the scaler clips DstRect to the surface automatically, which is
// what produces the cover-fit crop.
type renderPlan struct {
	SrcRect image.Rectangle
	DstRect image.Rectangle
}

// planFrame computes the draw mapping for a source of the given dimensions
// onto a targetW x targetH surface. A non-nil region wins over the fit mode
// and stretches the region to fill the whole surface.
func planFrame(sourceW, sourceH, targetW, targetH int, mode FitMode, region *Region) (renderPlan, error) {
	if sourceW <= 0 || sourceH <= 0 {
		return renderPlan{}, fmt.Errorf("source has zero dimension %dx%d", sourceW, sourceH)
	}

	if region != nil {
		if err := region.validate(sourceW, sourceH); err != nil {
			return renderPlan{}, err
		}
		return renderPlan{
			SrcRect: region.rect(),
			DstRect: image.Rect(0, 0, targetW, targetH),
		}, nil
	}

	scaleW := float64(targetW) / float64(sourceW)
	scaleH := float64(targetH) / float64(sourceH)

	var scale float64
	switch mode {
	case FitContain:
		scale = scaleW
		if scaleH < scale {
			scale = scaleH
		}
	default: // FitCover
		scale = scaleW
		if scaleH > scale {
			scale = scaleH
		}
	}

	drawnW := int(float64(sourceW)*scale + 0.5)
	drawnH := int(float64(sourceH)*scale + 0.5)
	offsetX := (targetW - drawnW) / 2
	offsetY := (targetH - drawnH) / 2

	return renderPlan{
		SrcRect: image.Rect(0, 0, sourceW, sourceH),
		DstRect: image.Rect(offsetX, offsetY, offsetX+drawnW, offsetY+drawnH),
	}, nil
}

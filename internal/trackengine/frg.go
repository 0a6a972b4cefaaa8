package trackengine

import "image"

// FRGConfig tunes the foreground subtraction gate. The gate skips full
// detection on frames where the scene is static, which matters for streams
// that are idle most of the time.
type FRGConfig struct {
	// UpdateStep is the number of frames between background refreshes.
	UpdateStep int
	// ScaleSize is the longest side of the internal luminance plane.
	ScaleSize int
}

func (c FRGConfig) withDefaults() FRGConfig {
	if c.UpdateStep <= 0 {
		c.UpdateStep = 10
	}
	if c.ScaleSize <= 0 {
		c.ScaleSize = 160
	}
	return c
}

const (
	frgPixelDelta     = 24    // per-pixel luminance delta counted as change
	frgMotionFraction = 0.002 // changed-pixel fraction counted as motion
)

// foregroundGate is a frame-differencing foreground subtractor. It holds a
// downscaled luminance background and reports whether the current frame
// shows motion inside the stream's ROI.
type foregroundGate struct {
	cfg         FRGConfig
	background  []uint8
	w, h        int
	sinceUpdate int
}

func newForegroundGate(cfg FRGConfig) *foregroundGate {
	return &foregroundGate{cfg: cfg.withDefaults()}
}

// motion samples the frame and compares it with the stored background. The
// first frame always reports motion so the initial detection runs.
func (g *foregroundGate) motion(img image.Image, roi RectF) bool {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return false
	}

	w, h := g.planeSize(srcW, srcH)
	plane := luminancePlane(img, w, h)

	if g.background == nil || g.w != w || g.h != h {
		g.background = plane
		g.w, g.h = w, h
		g.sinceUpdate = 0
		return true
	}

	area := roi.Absolute(w, h)
	changed := 0
	total := 0
	for y := int(area.Y1); y < int(area.Y2) && y < h; y++ {
		if y < 0 {
			continue
		}
		for x := int(area.X1); x < int(area.X2) && x < w; x++ {
			if x < 0 {
				continue
			}
			total++
			d := int(plane[y*w+x]) - int(g.background[y*w+x])
			if d < 0 {
				d = -d
			}
			if d > frgPixelDelta {
				changed++
			}
		}
	}

	g.sinceUpdate++
	if g.sinceUpdate >= g.cfg.UpdateStep {
		g.background = plane
		g.sinceUpdate = 0
	}

	if total == 0 {
		return false
	}
	return float64(changed)/float64(total) > frgMotionFraction
}

func (g *foregroundGate) planeSize(srcW, srcH int) (int, int) {
	longest := srcW
	if srcH > longest {
		longest = srcH
	}
	scale := float64(g.cfg.ScaleSize) / float64(longest)
	if scale > 1 {
		scale = 1
	}
	w := int(float64(srcW) * scale)
	h := int(float64(srcH) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

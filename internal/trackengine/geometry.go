package trackengine

import "math"

// Point is a 2D point in pixel coordinates.
type Point struct {
	X float32
	Y float32
}

// Rect is an axis-aligned box in pixel coordinates (x1, y1, x2, y2).
type Rect struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

func (r Rect) Width() float32  { return r.X2 - r.X1 }
func (r Rect) Height() float32 { return r.Y2 - r.Y1 }

func (r Rect) Area() float32 {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return 0
	}
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

func (r Rect) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

func (r Rect) Contains(p Point) bool {
	return p.X >= r.X1 && p.X < r.X2 && p.Y >= r.Y1 && p.Y < r.Y2
}

// Scale returns the rect with all coordinates multiplied by f.
func (r Rect) Scale(f float32) Rect {
	return Rect{X1: r.X1 * f, Y1: r.Y1 * f, X2: r.X2 * f, Y2: r.Y2 * f}
}

// IOU computes intersection-over-union between two boxes.
func IOU(a, b Rect) float32 {
	x1 := float32(math.Max(float64(a.X1), float64(b.X1)))
	y1 := float32(math.Max(float64(a.Y1), float64(b.Y1)))
	x2 := float32(math.Min(float64(a.X2), float64(b.X2)))
	y2 := float32(math.Min(float64(a.Y2), float64(b.Y2)))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// RectF is a rectangle in relative coordinates, each component in [0, 1].
// Used for stream ROIs which are independent of the frame resolution.
type RectF struct {
	X      float32
	Y      float32
	Width  float32
	Height float32
}

// FullROI covers the whole frame.
func FullROI() RectF {
	return RectF{X: 0, Y: 0, Width: 1, Height: 1}
}

// Absolute converts the relative rect to pixel coordinates for a frame of
// the given size.
func (r RectF) Absolute(width, height int) Rect {
	w := float32(width)
	h := float32(height)
	return Rect{
		X1: r.X * w,
		Y1: r.Y * h,
		X2: (r.X + r.Width) * w,
		Y2: (r.Y + r.Height) * h,
	}
}

// cosineSimilarity computes cosine similarity between two vectors of equal
// length. Descriptors are expected to be L2-normalized, so the dot product
// is clamped into [-1, 1].
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(math.Min(1.0, math.Max(-1.0, dot)))
}

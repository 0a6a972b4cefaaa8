package trackengine

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// DetectionClass identifies what kind of object a detection or track refers to.
type DetectionClass uint8

const (
	ClassFace DetectionClass = iota
	ClassBody
)

func (c DetectionClass) String() string {
	switch c {
	case ClassFace:
		return "face"
	case ClassBody:
		return "body"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Detection is one raw detector hit on a frame.
type Detection struct {
	Class     DetectionClass
	BBox      Rect
	Score     float32
	Landmarks []Point // optional; 5 points for faces, 17 for bodies
}

// DetectRequest asks for a full detection pass over one image, restricted to
// the given pixel area.
type DetectRequest struct {
	Image   image.Image
	Area    Rect
	Classes []DetectionClass
}

// RedetectRequest asks the detector to re-find a single previously known
// object near its prior box. A nil result entry means the object was lost.
type RedetectRequest struct {
	Image image.Image
	Class DetectionClass
	Prior Rect
}

// EmbedRequest asks for a re-identification descriptor of one object crop.
type EmbedRequest struct {
	Image image.Image
	BBox  Rect
}

// Detector is the external detection collaborator. Both calls are
// batch-shaped so one engine step can fuse requests across streams into a
// single native invocation. Implementations must return one result slice per
// request, in request order.
type Detector interface {
	Detect(ctx context.Context, reqs []DetectRequest) ([][]Detection, error)
	Redetect(ctx context.Context, reqs []RedetectRequest) ([]*Detection, error)
}

// Embedder produces fixed-size descriptors usable for cosine similarity,
// consumed by re-identification of inactive tracks.
type Embedder interface {
	Embed(ctx context.Context, reqs []EmbedRequest) ([][]float32, error)
}

// TrackerType selects the short-term tracker used between full detection
// frames. With TrackerNone, tracks are updated only on full detection frames.
type TrackerType string

const (
	TrackerKCF       TrackerType = "kcf"
	TrackerOpenCV    TrackerType = "opencv"
	TrackerCarKalman TrackerType = "carkalman"
	TrackerVL        TrackerType = "vlTracker"
	TrackerNone      TrackerType = "none"
)

// ParseTrackerType parses a tracker-type config token, case-insensitively.
func ParseTrackerType(s string) (TrackerType, error) {
	switch strings.ToLower(s) {
	case "kcf":
		return TrackerKCF, nil
	case "opencv":
		return TrackerOpenCV, nil
	case "carkalman":
		return TrackerCarKalman, nil
	case "vltracker":
		return TrackerVL, nil
	case "none", "":
		return TrackerNone, nil
	}
	return "", fmt.Errorf("unknown tracker type %q", s)
}

package trackengine

// trackData is the immutable per-class view of a track inside one tracking
// result. It is a value snapshot: later track mutation never aliases into an
// already emitted result.
type trackData struct {
	BBox                 Rect
	Score                float32
	FirstFrameID         int64
	LastDetectionFrameID int64
	FromDetector         bool
	Landmarks            []Point
}

// Detection re-derives the honest detection from the track fields: the
// detection is a detector work result, not a tracker extrapolation, so it
// exists only while FromDetector holds.
func (t trackData) detection(class DetectionClass) *Detection {
	if !t.FromDetector {
		return nil
	}
	lm := make([]Point, len(t.Landmarks))
	copy(lm, t.Landmarks)
	return &Detection{Class: class, BBox: t.BBox, Score: t.Score, Landmarks: lm}
}

// FaceTrack is the face view of a human track on one frame.
type FaceTrack struct {
	trackData
}

// Detection returns the honest face detection, or nil when the current box
// is tracker-only.
func (t FaceTrack) Detection() *Detection { return t.detection(ClassFace) }

// BodyTrack is the body view of a human track on one frame.
type BodyTrack struct {
	trackData
}

// Detection returns the honest body detection, or nil when the current box
// is tracker-only.
func (t BodyTrack) Detection() *Detection { return t.detection(ClassBody) }

// HumanTrack pairs the optional face and body views sharing one logical
// person identity. At least one of Face and Body is non-nil.
type HumanTrack struct {
	TrackID int64
	Face    *FaceTrack
	Body    *BodyTrack
}

// TrackingResult is the output snapshot for one processed frame. Results for
// a given stream are emitted in non-decreasing frame order and consumed once.
type TrackingResult struct {
	StreamID    int64
	FrameID     int64
	HumanTracks []HumanTrack
	TrackStart  []int64
	TrackEnd    []int64
}

func snapshotTrack(t *Track) trackData {
	lm := make([]Point, len(t.Landmarks))
	copy(lm, t.Landmarks)
	return trackData{
		BBox:                 t.BBox,
		Score:                t.Score,
		FirstFrameID:         t.FirstFrameID,
		LastDetectionFrameID: t.LastDetectionFrameID,
		FromDetector:         t.FromDetector,
		Landmarks:            lm,
	}
}

package trackengine

// TrackState is the lifecycle state of one track.
type TrackState uint8

const (
	// TrackTentative: just created from an unmatched detection, not yet
	// confirmed by a second association.
	TrackTentative TrackState = iota
	// TrackActive: matched by detector or tracker within the last
	// skipFrames frames.
	TrackActive
	// TrackInactive: no detector match for up to inactiveTracksLifetime
	// frames, retained for re-identification. Body tracks only.
	TrackInactive
	// TrackRetired: removed from the stream's table.
	TrackRetired
)

func (s TrackState) String() string {
	switch s {
	case TrackTentative:
		return "tentative"
	case TrackActive:
		return "active"
	case TrackInactive:
		return "inactive"
	case TrackRetired:
		return "retired"
	}
	return "unknown"
}

// maxDescriptorHistory bounds the per-track re-identification history.
const maxDescriptorHistory = 16

// Track is the persistent state of one tracked object inside one stream.
// Track ids are scoped to the stream's registration lifetime and are never
// reused while the stream is open. A face track and a body track may share
// one id when they were fused into a single person identity.
type Track struct {
	ID    int64
	Class DetectionClass
	State TrackState

	FirstFrameID         int64
	LastDetectionFrameID int64
	BBox                 Rect
	Score                float32
	Landmarks            []Point

	// FromDetector is true while BBox comes from a genuine detector hit
	// (detect or redetect), false once the box is a stale extrapolation.
	FromDetector bool

	// DetectionsCount is the number of detect/redetect hits accumulated
	// over the whole track, compared against minimalTrackLength on close.
	DetectionsCount int

	missed      int // consecutive frames without a detector match
	inactiveFor int // frames spent in TrackInactive
	descriptors [][]float32
}

func newTrack(id int64, class DetectionClass, frameID int64, det Detection) *Track {
	t := &Track{
		ID:                   id,
		Class:                class,
		State:                TrackTentative,
		FirstFrameID:         frameID,
		LastDetectionFrameID: frameID,
		BBox:                 det.BBox,
		Score:                det.Score,
		Landmarks:            det.Landmarks,
		FromDetector:         true,
		DetectionsCount:      1,
	}
	return t
}

// recordDetection applies a detector or redetector hit.
func (t *Track) recordDetection(frameID int64, det Detection) {
	t.BBox = det.BBox
	t.Score = det.Score
	t.Landmarks = det.Landmarks
	t.LastDetectionFrameID = frameID
	t.FromDetector = true
	t.DetectionsCount++
	t.missed = 0
	t.inactiveFor = 0
	if t.State == TrackTentative || t.State == TrackInactive {
		t.State = TrackActive
	}
}

// recordMiss ages the track by one unmatched frame and applies the state
// transitions driven by skipFrames and inactiveTracksLifetime. Face tracks
// retire directly; body tracks pass through the inactive state so they can
// be reclaimed by re-identification.
func (t *Track) recordMiss(skipFrames, inactiveLifetime int) {
	t.FromDetector = false
	switch t.State {
	case TrackTentative, TrackActive:
		t.missed++
		if t.missed < skipFrames {
			return
		}
		if t.Class == ClassBody {
			t.State = TrackInactive
			t.inactiveFor = 0
			return
		}
		t.State = TrackRetired
	case TrackInactive:
		t.inactiveFor++
		if t.inactiveFor >= inactiveLifetime {
			t.State = TrackRetired
		}
	}
}

// addDescriptor appends a re-identification descriptor, keeping a bounded
// history of the most recent ones.
func (t *Track) addDescriptor(d []float32) {
	if len(d) == 0 {
		return
	}
	t.descriptors = append(t.descriptors, d)
	if len(t.descriptors) > maxDescriptorHistory {
		t.descriptors = t.descriptors[len(t.descriptors)-maxDescriptorHistory:]
	}
}

// reIDSimilarity returns the best cosine similarity between the candidate
// descriptor and the track's history, or 0 when the track has no history.
func (t *Track) reIDSimilarity(d []float32) float32 {
	var best float32
	for _, h := range t.descriptors {
		if s := cosineSimilarity(h, d); s > best {
			best = s
		}
	}
	return best
}

// visible reports whether the track should appear in tracking results.
func (t *Track) visible() bool {
	return t.State == TrackTentative || t.State == TrackActive
}

package trackengine

import (
	"log/slog"
	"sort"
)

// trackKey keys the track table. Class is part of the key because a fused
// face/body pair shares one logical track id.
type trackKey struct {
	class DetectionClass
	id    int64
}

// Stream owns one image sequence's tracking state: the active params
// snapshot, the track table, the detect-cadence counter and the bounded
// pending-results queue. All mutation happens inside the engine's processing
// step, never concurrently.
type Stream struct {
	id     int64
	params StreamParams
	cfg    Config
	log    *slog.Logger

	tracks      map[trackKey]*Track
	nextTrackID int64

	lastFrameNumber int64
	framesSeen      int64
	frg             *foregroundGate

	pending []TrackingResult
}

func newStream(id int64, params StreamParams, cfg Config, log *slog.Logger) *Stream {
	s := &Stream{
		id:              id,
		params:          params,
		cfg:             cfg,
		log:             log.With("stream", id),
		tracks:          make(map[trackKey]*Track),
		lastFrameNumber: -1,
	}
	if params.UseForegroundSubtraction {
		s.frg = newForegroundGate(cfg.FRG)
	}
	return s
}

// ID returns the stream's engine-wide unique identifier.
func (s *Stream) ID() int64 { return s.id }

type redetectRef struct {
	key trackKey
	req RedetectRequest
}

// framePlan is the inference work one frame needs. Plans are built before
// any native call and consume no stream state, so a failed batch leaves the
// stream untouched.
type framePlan struct {
	fullDetect bool
	scale      float32
	detect     *DetectRequest
	redetects  []redetectRef
}

// plan decides between a full detection pass and a tracker/redetect pass for
// the frame, per the stream's detector cadence and foreground gate.
func (s *Stream) plan(frame Frame) framePlan {
	p := framePlan{scale: 1}
	p.fullDetect = s.framesSeen%int64(s.params.DetectorStep) == 0

	if p.fullDetect && s.frg != nil && !s.frg.motion(frame.Image, s.params.ROI) && !s.hasVisibleTracks() {
		// Static scene with nothing tracked: skip the expensive pass.
		p.fullDetect = false
	}

	if p.fullDetect {
		img := frame.Image
		if s.params.DetectorScaling {
			img, p.scale = downscale(img, s.params.ScaledSize)
		}
		b := img.Bounds()
		p.detect = &DetectRequest{
			Image:   img,
			Area:    s.params.ROI.Absolute(b.Dx(), b.Dy()),
			Classes: s.cfg.detectorClasses(),
		}
		return p
	}

	if s.cfg.TrackerType == TrackerNone {
		return p
	}
	keys := s.sortedKeys()
	for _, key := range keys {
		tr := s.tracks[key]
		if !tr.visible() {
			continue
		}
		p.redetects = append(p.redetects, redetectRef{
			key: key,
			req: RedetectRequest{Image: frame.Image, Class: tr.Class, Prior: tr.BBox},
		})
	}
	return p
}

// step applies one frame's inference results to the track table and emits a
// tracking result. It is the only mutator of the stream's state.
func (s *Stream) step(frame Frame, plan framePlan, dets []Detection, descs [][]float32, redets []*Detection) {
	frameID := frame.Number
	s.lastFrameNumber = frameID
	s.framesSeen++

	matched := make(map[trackKey]bool)
	var started, ended []int64

	for i, ref := range plan.redetects {
		if i >= len(redets) || redets[i] == nil {
			continue
		}
		tr, ok := s.tracks[ref.key]
		if !ok {
			continue
		}
		tr.recordDetection(frameID, *redets[i])
		matched[ref.key] = true
	}

	if plan.fullDetect {
		b := frame.Image.Bounds()
		dets, descs = s.filterROI(dets, descs, b.Dx(), b.Dy())
		dets, descs = s.removeOverlapped(dets, descs)
		started = s.associate(frameID, dets, descs, matched)
	}

	for _, key := range s.sortedKeys() {
		if matched[key] {
			continue
		}
		tr := s.tracks[key]
		tr.recordMiss(s.params.SkipFrames, s.params.HumanTracking.InactiveTracksLifetime)
		if tr.State == TrackRetired {
			ended = appendUnique(ended, tr.ID)
			delete(s.tracks, key)
		}
	}

	s.pushResult(TrackingResult{
		StreamID:    s.id,
		FrameID:     frameID,
		HumanTracks: s.humanTracks(),
		TrackStart:  started,
		TrackEnd:    ended,
	})
}

// filterROI drops detections whose center lies outside the stream ROI.
func (s *Stream) filterROI(dets []Detection, descs [][]float32, w, h int) ([]Detection, [][]float32) {
	area := s.params.ROI.Absolute(w, h)
	outD := dets[:0]
	outE := descs[:0]
	for i, d := range dets {
		if !area.Contains(d.BBox.Center()) {
			continue
		}
		outD = append(outD, d)
		if descs != nil {
			outE = append(outE, descs[i])
		}
	}
	if descs == nil {
		return outD, nil
	}
	return outD, outE
}

// removeOverlapped applies kill-intersection suppression. Faces are always
// deduplicated by score; body detections follow the configured strategy,
// with the "both" strategy additionally discarding elongated boxes.
func (s *Stream) removeOverlapped(dets []Detection, descs [][]float32) ([]Detection, [][]float32) {
	strategy := s.params.HumanTracking.RemoveOverlappedStrategy
	keep := make([]bool, len(dets))
	for i := range keep {
		keep[i] = true
	}

	for i, d := range dets {
		if !keep[i] {
			continue
		}
		if d.Class == ClassBody {
			if strategy == OverlapNone {
				continue
			}
			if strategy == OverlapBoth && d.BBox.Height() > 0 &&
				d.BBox.Width()/d.BBox.Height() > s.params.HumanTracking.RemoveHorizontalRatio {
				keep[i] = false
				continue
			}
		}
		for j := i + 1; j < len(dets); j++ {
			if !keep[j] || dets[j].Class != d.Class {
				continue
			}
			if dets[j].Class == ClassBody && strategy == OverlapNone {
				continue
			}
			if IOU(d.BBox, dets[j].BBox) <= s.params.KillIntersectedIOUThreshold {
				continue
			}
			if dets[j].Score > d.Score {
				keep[i] = false
				break
			}
			keep[j] = false
		}
	}

	outD := make([]Detection, 0, len(dets))
	var outE [][]float32
	if descs != nil {
		outE = make([][]float32, 0, len(descs))
	}
	for i, d := range dets {
		if !keep[i] {
			continue
		}
		outD = append(outD, d)
		if descs != nil {
			outE = append(outE, descs[i])
		}
	}
	return outD, outE
}

type iouPair struct {
	key trackKey
	det int
	iou float32
}

// associate matches detections to live tracks by maximum IOU above the
// connection threshold. Residual detections try re-identification, then
// fusion adoption, then spawn fresh tentative tracks. Returns the ids of
// tracks started on this frame.
func (s *Stream) associate(frameID int64, dets []Detection, descs [][]float32, matched map[trackKey]bool) []int64 {
	threshold := s.params.HumanTracking.IOUConnectionThreshold

	var pairs []iouPair
	for _, key := range s.sortedKeys() {
		tr := s.tracks[key]
		if !tr.visible() || matched[key] {
			continue
		}
		for di, d := range dets {
			if d.Class != tr.Class {
				continue
			}
			if v := IOU(d.BBox, tr.BBox); v >= threshold {
				pairs = append(pairs, iouPair{key: key, det: di, iou: v})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	detTaken := make(map[int]bool)
	for _, p := range pairs {
		if matched[p.key] || detTaken[p.det] {
			continue
		}
		tr := s.tracks[p.key]
		tr.recordDetection(frameID, dets[p.det])
		if tr.Class == ClassBody && descs != nil {
			tr.addDescriptor(descs[p.det])
		}
		matched[p.key] = true
		detTaken[p.det] = true
	}

	var started []int64
	for di, d := range dets {
		if detTaken[di] {
			continue
		}

		var desc []float32
		if descs != nil {
			desc = descs[di]
		}

		if d.Class == ClassBody && desc != nil {
			if tr := s.reidentify(desc); tr != nil {
				tr.recordDetection(frameID, d)
				tr.addDescriptor(desc)
				matched[trackKey{class: ClassBody, id: tr.ID}] = true
				continue
			}
		}

		id, adopted := s.adoptFusedID(d)
		if !adopted {
			id = s.nextTrackID
			s.nextTrackID++
			started = append(started, id)
		}
		tr := newTrack(id, d.Class, frameID, d)
		tr.addDescriptor(desc)
		key := trackKey{class: d.Class, id: id}
		s.tracks[key] = tr
		matched[key] = true
	}
	return started
}

// reidentify finds the best inactive body track whose descriptor history
// matches the candidate above the reID threshold. Only tracks with enough
// supporting detections are eligible.
func (s *Stream) reidentify(desc []float32) *Track {
	ht := s.params.HumanTracking
	var best *Track
	var bestSim float32
	for _, key := range s.sortedKeys() {
		tr := s.tracks[key]
		if tr.Class != ClassBody || tr.State != TrackInactive {
			continue
		}
		if tr.DetectionsCount < ht.ReIDMatchingDetectionsCount {
			continue
		}
		if sim := tr.reIDSimilarity(desc); sim >= ht.ReIDMatchingThreshold && sim > bestSim {
			best, bestSim = tr, sim
		}
	}
	return best
}

// adoptFusedID links a new detection of one class to a live track of the
// other class when their geometry says they are the same person: a face
// inside a tracked body, or a body containing a tracked face. The detection
// then reuses the existing track id instead of starting a new identity.
func (s *Stream) adoptFusedID(d Detection) (int64, bool) {
	want := ClassBody
	if d.Class == ClassBody {
		want = ClassFace
	}
	for _, key := range s.sortedKeys() {
		if key.class != want {
			continue
		}
		tr := s.tracks[key]
		if !tr.visible() {
			continue
		}
		if _, taken := s.tracks[trackKey{class: d.Class, id: tr.ID}]; taken {
			continue
		}
		var inside bool
		if d.Class == ClassFace {
			inside = tr.BBox.Contains(d.BBox.Center())
		} else {
			inside = d.BBox.Contains(tr.BBox.Center())
		}
		if inside {
			return tr.ID, true
		}
	}
	return 0, false
}

// humanTracks snapshots all currently visible tracks, pairing face and body
// views that share an id.
func (s *Stream) humanTracks() []HumanTrack {
	byID := make(map[int64]*HumanTrack)
	var order []int64
	for _, key := range s.sortedKeys() {
		tr := s.tracks[key]
		if !tr.visible() {
			continue
		}
		h, ok := byID[tr.ID]
		if !ok {
			h = &HumanTrack{TrackID: tr.ID}
			byID[tr.ID] = h
			order = append(order, tr.ID)
		}
		snap := snapshotTrack(tr)
		if tr.Class == ClassFace {
			h.Face = &FaceTrack{trackData: snap}
		} else {
			h.Body = &BodyTrack{trackData: snap}
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]HumanTrack, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func (s *Stream) pushResult(res TrackingResult) {
	s.pending = append(s.pending, res)
	if over := len(s.pending) - s.params.TrackingResultsBufferSize; over > 0 {
		s.log.Warn("tracking results buffer overflow, dropping oldest", "dropped", over)
		s.pending = s.pending[over:]
	}
}

// drainResults hands out all ready results, oldest first.
func (s *Stream) drainResults() []TrackingResult {
	out := s.pending
	s.pending = nil
	return out
}

// close flushes undelivered results and retires every remaining track. The
// final flush contains body tracks unconditionally; face-only tracks are
// dropped when they accumulated fewer than minimalTrackLength detections.
func (s *Stream) close() []TrackingResult {
	out := s.drainResults()

	qualify := make(map[int64]bool)
	for _, key := range s.sortedKeys() {
		tr := s.tracks[key]
		if tr.Class == ClassBody || tr.DetectionsCount >= s.params.MinimalTrackLength {
			qualify[tr.ID] = true
		}
	}

	byID := make(map[int64]*HumanTrack)
	var order []int64
	var ended []int64
	for _, key := range s.sortedKeys() {
		tr := s.tracks[key]
		ended = appendUnique(ended, tr.ID)
		if qualify[tr.ID] {
			h, ok := byID[tr.ID]
			if !ok {
				h = &HumanTrack{TrackID: tr.ID}
				byID[tr.ID] = h
				order = append(order, tr.ID)
			}
			snap := snapshotTrack(tr)
			if tr.Class == ClassFace {
				h.Face = &FaceTrack{trackData: snap}
			} else {
				h.Body = &BodyTrack{trackData: snap}
			}
		}
		tr.State = TrackRetired
		delete(s.tracks, key)
	}

	if len(order) == 0 {
		return out
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	humans := make([]HumanTrack, 0, len(order))
	for _, id := range order {
		humans = append(humans, *byID[id])
	}
	out = append(out, TrackingResult{
		StreamID:    s.id,
		FrameID:     s.lastFrameNumber,
		HumanTracks: humans,
		TrackEnd:    ended,
	})
	return out
}

func (s *Stream) hasVisibleTracks() bool {
	for _, tr := range s.tracks {
		if tr.visible() {
			return true
		}
	}
	return false
}

// sortedKeys returns track keys in deterministic id order. Map iteration
// order must not leak into association or result ordering.
func (s *Stream) sortedKeys() []trackKey {
	keys := make([]trackKey, 0, len(s.tracks))
	for key := range s.tracks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].id != keys[j].id {
			return keys[i].id < keys[j].id
		}
		return keys[i].class < keys[j].class
	})
	return keys
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

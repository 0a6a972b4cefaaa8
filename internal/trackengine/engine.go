package trackengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/trackd/internal/observability"
)

// streamIDCounter allocates process-unique stream ids: two engines in one
// process never hand out the same id.
var streamIDCounter atomic.Int64

// Config is the engine-wide configuration shared by all streams.
type Config struct {
	// FaceDetector / BodyDetector gate which detection classes are
	// requested from the collaborator. At least one must be enabled.
	FaceDetector bool
	BodyDetector bool
	// TrackerType selects the short-term tracker between full detection
	// frames; TrackerNone disables redetection entirely.
	TrackerType TrackerType
	// FRG tunes the foreground subtraction gate for streams that enable it.
	FRG FRGConfig
	// DefaultParams seed newly registered streams; zero value means
	// DefaultStreamParams().
	DefaultParams StreamParams
}

func (c Config) detectorClasses() []DetectionClass {
	var classes []DetectionClass
	if c.FaceDetector {
		classes = append(classes, ClassFace)
	}
	if c.BodyDetector {
		classes = append(classes, ClassBody)
	}
	return classes
}

// Engine coordinates the set of active streams, routes frames to them and
// fuses their native detector work into shared batch calls.
//
// The engine permits at most one in-flight Track/CloseStream call at a time;
// callers are responsible for serializing calls (one driving loop). The
// internal mutex makes the bookkeeping race-free but does not lift that
// contract: overlapping calls on the same stream have unspecified ordering.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	det     Detector
	emb     Embedder
	log     *slog.Logger
	streams map[int64]*Stream
}

// New builds an engine around the injected detector collaborator. The
// embedder may be nil, which disables re-identification.
func New(cfg Config, det Detector, emb Embedder, log *slog.Logger) (*Engine, error) {
	if det == nil {
		return nil, errors.New("trackengine: detector is required")
	}
	if !cfg.FaceDetector && !cfg.BodyDetector {
		return nil, errors.New("trackengine: at least one detector class must be enabled")
	}
	if cfg.TrackerType == "" {
		cfg.TrackerType = TrackerNone
	}
	if cfg.DefaultParams == (StreamParams{}) {
		cfg.DefaultParams = DefaultStreamParams()
	}
	if err := cfg.DefaultParams.Validate(); err != nil {
		return nil, fmt.Errorf("default params: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		det:     det,
		emb:     emb,
		log:     log,
		streams: make(map[int64]*Stream),
	}, nil
}

// RegisterStream creates a stream from the engine defaults overridden by the
// optional patch and returns its fresh, process-unique id.
func (e *Engine) RegisterStream(patch *StreamParamsPatch) (int64, error) {
	params := e.cfg.DefaultParams.Apply(patch)
	if err := params.Validate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := streamIDCounter.Add(1)
	e.streams[id] = newStream(id, params, e.cfg, e.log)
	observability.ActiveStreams.Inc()
	e.log.Info("stream registered", "stream", id)
	return id, nil
}

// StreamParams returns a copy of a live stream's active configuration.
func (e *Engine) StreamParams(streamID int64) (StreamParams, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[streamID]
	if !ok {
		return StreamParams{}, fmt.Errorf("stream %d: %w", streamID, ErrUnknownStream)
	}
	return s.params, nil
}

// Reconfigure applies a partial parameter update to a live stream. On a
// validation error the stream's prior configuration is left unchanged. It
// must not be called concurrently with an in-flight Track call for the same
// stream.
func (e *Engine) Reconfigure(streamID int64, patch *StreamParamsPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %d: %w", streamID, ErrUnknownStream)
	}
	params := s.params.Apply(patch)
	if err := params.Validate(); err != nil {
		return err
	}
	s.params = params
	if params.UseForegroundSubtraction && s.frg == nil {
		s.frg = newForegroundGate(e.cfg.FRG)
	}
	if !params.UseForegroundSubtraction {
		s.frg = nil
	}
	e.log.Info("stream reconfigured", "stream", streamID)
	return nil
}

type trackEntry struct {
	frame  Frame
	stream *Stream
	plan   framePlan

	detIdx int // index into the fused detect batch, -1 if none

	dets  []Detection
	descs [][]float32
	reds  []*Detection
}

// Track updates each frame's stream and returns whatever tracking results
// are ready. The list must contain at most one frame per stream, and each
// frame number must be strictly greater than the stream's last accepted
// one; a repeated or regressed number fails the whole batch as invalid
// input. Native detect/redetect/embed work for all frames is fused into
// single batch calls; association and bookkeeping run synchronously
// afterwards, so a failed batch leaves every stream exactly as it was and
// its frame numbers stay unconsumed.
func (e *Engine) Track(ctx context.Context, frames []Frame) ([]TrackingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(frames) == 0 {
		return nil, nil
	}

	entries, err := e.validate(frames)
	if err != nil {
		return nil, err
	}

	if err := e.runBatches(ctx, entries); err != nil {
		return nil, err
	}

	var out []TrackingResult
	for i := range entries {
		en := &entries[i]
		en.stream.step(en.frame, en.plan, en.dets, en.descs, en.reds)
		sid := fmt.Sprint(en.stream.id)
		observability.FramesProcessed.WithLabelValues(sid).Inc()
		for _, r := range en.stream.pending {
			if n := len(r.TrackStart); n > 0 {
				observability.TracksStarted.WithLabelValues(sid).Add(float64(n))
			}
			if n := len(r.TrackEnd); n > 0 {
				observability.TracksEnded.WithLabelValues(sid).Add(float64(n))
			}
		}
		out = append(out, en.stream.drainResults()...)
	}
	return out, nil
}

func (e *Engine) validate(frames []Frame) ([]trackEntry, error) {
	seen := make(map[int64]bool, len(frames))
	entries := make([]trackEntry, 0, len(frames))
	for _, f := range frames {
		if f.Image == nil {
			return nil, invalidInputf("frame %d for stream %d has no image", f.Number, f.StreamID)
		}
		if seen[f.StreamID] {
			return nil, invalidInputf("duplicate frames for stream %d in one batch", f.StreamID)
		}
		s, ok := e.streams[f.StreamID]
		if !ok {
			return nil, invalidInputf("frame for unregistered stream %d", f.StreamID)
		}
		if f.Number <= s.lastFrameNumber {
			return nil, invalidInputf("frame number %d for stream %d is not increasing (last %d)",
				f.Number, f.StreamID, s.lastFrameNumber)
		}
		seen[f.StreamID] = true
		entries = append(entries, trackEntry{frame: f, stream: s, detIdx: -1})
	}
	return entries, nil
}

// runBatches executes the fused native calls: one detect batch, one
// redetect batch and one embed batch across every frame of the call. This is
// the only place execution suspends.
func (e *Engine) runBatches(ctx context.Context, entries []trackEntry) error {
	var detReqs []DetectRequest
	var redReqs []RedetectRequest
	redOwner := make([]int, 0) // entry index per redetect request

	for i := range entries {
		en := &entries[i]
		en.plan = en.stream.plan(en.frame)
		if en.plan.detect != nil {
			en.detIdx = len(detReqs)
			detReqs = append(detReqs, *en.plan.detect)
		}
		for _, ref := range en.plan.redetects {
			redReqs = append(redReqs, ref.req)
			redOwner = append(redOwner, i)
		}
	}

	if len(detReqs) > 0 {
		start := time.Now()
		batches, err := e.det.Detect(ctx, detReqs)
		observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
		if err != nil {
			return &NativeProcessingError{Stage: "detect", Err: err}
		}
		if len(batches) != len(detReqs) {
			return &NativeProcessingError{Stage: "detect",
				Err: fmt.Errorf("got %d result batches for %d requests", len(batches), len(detReqs))}
		}
		for i := range entries {
			en := &entries[i]
			if en.detIdx < 0 {
				continue
			}
			en.dets = batches[en.detIdx]
			if en.plan.scale != 1 && en.plan.scale > 0 {
				inv := 1 / en.plan.scale
				for di := range en.dets {
					en.dets[di] = scaleDetection(en.dets[di], inv)
				}
			}
		}
	}

	if len(redReqs) > 0 {
		start := time.Now()
		reds, err := e.det.Redetect(ctx, redReqs)
		observability.InferenceDuration.WithLabelValues("redetect").Observe(time.Since(start).Seconds())
		if err != nil {
			return &NativeProcessingError{Stage: "redetect", Err: err}
		}
		if len(reds) != len(redReqs) {
			return &NativeProcessingError{Stage: "redetect",
				Err: fmt.Errorf("got %d results for %d requests", len(reds), len(redReqs))}
		}
		for ri, red := range reds {
			en := &entries[redOwner[ri]]
			en.reds = append(en.reds, red)
		}
	}

	return e.runEmbedBatch(ctx, entries)
}

// runEmbedBatch requests re-identification descriptors for every body
// detection of the call, before association so the step itself stays purely
// in-memory.
func (e *Engine) runEmbedBatch(ctx context.Context, entries []trackEntry) error {
	if e.emb == nil || !e.cfg.BodyDetector {
		return nil
	}

	var reqs []EmbedRequest
	type slot struct{ entry, det int }
	var slots []slot
	for i := range entries {
		en := &entries[i]
		if en.detIdx < 0 {
			continue
		}
		en.descs = make([][]float32, len(en.dets))
		for di, d := range en.dets {
			if d.Class != ClassBody {
				continue
			}
			reqs = append(reqs, EmbedRequest{Image: en.frame.Image, BBox: d.BBox})
			slots = append(slots, slot{entry: i, det: di})
		}
	}
	if len(reqs) == 0 {
		return nil
	}

	start := time.Now()
	descs, err := e.emb.Embed(ctx, reqs)
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	if err != nil {
		return &NativeProcessingError{Stage: "embed", Err: err}
	}
	if len(descs) != len(reqs) {
		return &NativeProcessingError{Stage: "embed",
			Err: fmt.Errorf("got %d descriptors for %d requests", len(descs), len(reqs))}
	}
	for i, sl := range slots {
		entries[sl.entry].descs[sl.det] = descs[i]
	}
	return nil
}

// CloseStream flushes a stream's remaining results, retires its tracks and
// releases its resources. The id is invalid afterwards. It must not be
// called while a frame for the stream is mid-flight in an async task.
func (e *Engine) CloseStream(streamID int64) ([]TrackingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("stream %d: %w", streamID, ErrUnknownStream)
	}
	delete(e.streams, streamID)
	out := s.close()
	observability.ActiveStreams.Dec()
	e.log.Info("stream closed", "stream", streamID, "flushed", len(out))
	return out, nil
}

// Close retires every remaining stream, discarding their final results.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, s := range e.streams {
		s.close()
		delete(e.streams, id)
		observability.ActiveStreams.Dec()
	}
}

func scaleDetection(d Detection, f float32) Detection {
	d.BBox = d.BBox.Scale(f)
	if len(d.Landmarks) > 0 {
		lm := make([]Point, len(d.Landmarks))
		for i, p := range d.Landmarks {
			lm[i] = Point{X: p.X * f, Y: p.Y * f}
		}
		d.Landmarks = lm
	}
	return d
}

package trackengine

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptDetector is a scriptable Detector that records every batch it
// receives. With no script it reports zero hits.
type scriptDetector struct {
	detectFn   func(reqs []DetectRequest) ([][]Detection, error)
	redetectFn func(reqs []RedetectRequest) ([]*Detection, error)

	detectReqs   [][]DetectRequest
	redetectReqs [][]RedetectRequest
}

func (d *scriptDetector) Detect(_ context.Context, reqs []DetectRequest) ([][]Detection, error) {
	d.detectReqs = append(d.detectReqs, reqs)
	if d.detectFn != nil {
		return d.detectFn(reqs)
	}
	return make([][]Detection, len(reqs)), nil
}

func (d *scriptDetector) Redetect(_ context.Context, reqs []RedetectRequest) ([]*Detection, error) {
	d.redetectReqs = append(d.redetectReqs, reqs)
	if d.redetectFn != nil {
		return d.redetectFn(reqs)
	}
	return make([]*Detection, len(reqs)), nil
}

type scriptEmbedder struct {
	embedFn   func(reqs []EmbedRequest) ([][]float32, error)
	embedReqs [][]EmbedRequest
}

func (e *scriptEmbedder) Embed(_ context.Context, reqs []EmbedRequest) ([][]float32, error) {
	e.embedReqs = append(e.embedReqs, reqs)
	if e.embedFn != nil {
		return e.embedFn(reqs)
	}
	out := make([][]float32, len(reqs))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func engineConfig(face, body bool, tune func(*StreamParams)) Config {
	p := DefaultStreamParams()
	if tune != nil {
		tune(&p)
	}
	return Config{FaceDetector: face, BodyDetector: body, TrackerType: TrackerNone, DefaultParams: p}
}

func newTestEngine(t *testing.T, cfg Config, det Detector, emb Embedder) *Engine {
	t.Helper()
	if det == nil {
		det = &scriptDetector{}
	}
	eng, err := New(cfg, det, emb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return eng
}

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func hit(class DetectionClass, x1, y1, x2, y2, score float32) Detection {
	return Detection{Class: class, BBox: Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}, Score: score}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("detector is required", func(t *testing.T) {
		t.Parallel()
		_, err := New(engineConfig(true, false, nil), nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("at least one detector class", func(t *testing.T) {
		t.Parallel()
		_, err := New(engineConfig(false, false, nil), &scriptDetector{}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("invalid default params rejected", func(t *testing.T) {
		t.Parallel()
		cfg := engineConfig(true, false, func(p *StreamParams) { p.DetectorStep = 99 })
		_, err := New(cfg, &scriptDetector{}, nil, nil)
		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("zero default params fall back to documented defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{FaceDetector: true}
		eng := newTestEngine(t, cfg, nil, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		got, err := eng.StreamParams(id)
		require.NoError(t, err)
		assert.Equal(t, DefaultStreamParams(), got)
	})
}

func TestRegisterStream(t *testing.T) {
	t.Parallel()

	t.Run("ids are unique", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		a, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		b, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("patch overrides engine defaults", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		step := 3
		id, err := eng.RegisterStream(&StreamParamsPatch{DetectorStep: &step})
		require.NoError(t, err)
		got, err := eng.StreamParams(id)
		require.NoError(t, err)
		assert.Equal(t, 3, got.DetectorStep)
		assert.Equal(t, DefaultStreamParams().SkipFrames, got.SkipFrames)
	})

	t.Run("invalid patch rejected", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		step := 0
		_, err := eng.RegisterStream(&StreamParamsPatch{DetectorStep: &step})
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "detectorStep", cfgErr.Field)
	})
}

func TestStreamParamsUnknown(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
	_, err := eng.StreamParams(987654)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestReconfigure(t *testing.T) {
	t.Parallel()

	t.Run("partial update applies", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		step := 5
		threshold := float32(0.6)
		err = eng.Reconfigure(id, &StreamParamsPatch{
			DetectorStep:  &step,
			HumanTracking: &HumanTrackingParamsPatch{IOUConnectionThreshold: &threshold},
		})
		require.NoError(t, err)

		got, err := eng.StreamParams(id)
		require.NoError(t, err)
		assert.Equal(t, 5, got.DetectorStep)
		assert.Equal(t, threshold, got.HumanTracking.IOUConnectionThreshold)
	})

	t.Run("invalid patch leaves prior config untouched", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		bad := -1
		err = eng.Reconfigure(id, &StreamParamsPatch{SkipFrames: &bad})
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)

		got, err := eng.StreamParams(id)
		require.NoError(t, err)
		assert.Equal(t, DefaultStreamParams(), got)
	})

	t.Run("unknown stream", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		err := eng.Reconfigure(987654, nil)
		assert.ErrorIs(t, err, ErrUnknownStream)
	})
}

func TestTrackValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("empty batch is a no-op", func(t *testing.T) {
		t.Parallel()
		det := &scriptDetector{}
		eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
		res, err := eng.Track(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Empty(t, det.detectReqs)
	})

	t.Run("frame without image", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		_, err = eng.Track(ctx, []Frame{{Number: 1, StreamID: id}})
		var inErr *InvalidInputError
		assert.ErrorAs(t, err, &inErr)
	})

	t.Run("unregistered stream", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		_, err := eng.Track(ctx, []Frame{NewFrame(testImage(10, 10), 1, 987654)})
		var inErr *InvalidInputError
		assert.ErrorAs(t, err, &inErr)
	})

	t.Run("duplicate stream in one batch", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		_, err = eng.Track(ctx, []Frame{
			NewFrame(testImage(10, 10), 1, id),
			NewFrame(testImage(10, 10), 2, id),
		})
		var inErr *InvalidInputError
		assert.ErrorAs(t, err, &inErr)
	})

	t.Run("frame numbers must strictly increase", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(10, 10), 5, id)})
		require.NoError(t, err)

		var inErr *InvalidInputError
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(10, 10), 5, id)})
		assert.ErrorAs(t, err, &inErr)
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(10, 10), 4, id)})
		assert.ErrorAs(t, err, &inErr)

		// Gaps are fine.
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(10, 10), 30, id)})
		assert.NoError(t, err)
	})

	t.Run("one bad frame fails the whole batch without side effects", func(t *testing.T) {
		t.Parallel()
		det := &scriptDetector{}
		eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{
			NewFrame(testImage(10, 10), 1, id),
			NewFrame(testImage(10, 10), 1, 987654),
		})
		var inErr *InvalidInputError
		require.ErrorAs(t, err, &inErr)
		assert.Empty(t, det.detectReqs, "no native work for a rejected batch")

		// The valid stream did not consume its frame number.
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(10, 10), 1, id)})
		assert.NoError(t, err)
	})
}

func TestTrackDetection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	face := hit(ClassFace, 10, 10, 40, 40, 0.9)
	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			return [][]Detection{{face}}, nil
		},
	}
	eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
	require.NoError(t, err)
	require.Len(t, res, 1)

	r := res[0]
	assert.Equal(t, id, r.StreamID)
	assert.Equal(t, int64(1), r.FrameID)
	require.Len(t, r.TrackStart, 1)
	assert.Empty(t, r.TrackEnd)

	require.Len(t, r.HumanTracks, 1)
	h := r.HumanTracks[0]
	assert.Equal(t, r.TrackStart[0], h.TrackID)
	assert.Nil(t, h.Body)
	require.NotNil(t, h.Face)
	assert.Equal(t, face.BBox, h.Face.BBox)
	assert.Equal(t, face.Score, h.Face.Score)
	assert.Equal(t, int64(1), h.Face.FirstFrameID)
	assert.Equal(t, int64(1), h.Face.LastDetectionFrameID)
	assert.True(t, h.Face.FromDetector)
	require.NotNil(t, h.Face.Detection())
	assert.Equal(t, ClassFace, h.Face.Detection().Class)

	require.Len(t, det.detectReqs, 1)
	require.Len(t, det.detectReqs[0], 1)
	req := det.detectReqs[0][0]
	assert.Equal(t, []DetectionClass{ClassFace}, req.Classes)
	assert.Equal(t, Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}, req.Area)
}

func TestDetectorCadence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	face := hit(ClassFace, 10, 10, 40, 40, 0.9)
	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			return [][]Detection{{face}}, nil
		},
	}
	cfg := engineConfig(true, false, func(p *StreamParams) { p.DetectorStep = 3 })
	eng := newTestEngine(t, cfg, det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	byFrame := make(map[int64]TrackingResult)
	for n := int64(1); n <= 6; n++ {
		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), n, id)})
		require.NoError(t, err)
		require.Len(t, res, 1)
		byFrame[n] = res[0]
	}

	assert.Len(t, det.detectReqs, 2, "full detection on the 1st and 4th frame only")
	assert.Empty(t, det.redetectReqs, "tracker disabled")

	assert.Len(t, byFrame[1].TrackStart, 1)
	for n := int64(2); n <= 6; n++ {
		assert.Empty(t, byFrame[n].TrackStart, "frame %d", n)
		assert.Empty(t, byFrame[n].TrackEnd, "frame %d", n)
	}

	// Between detection frames the track persists but the box is stale.
	require.Len(t, byFrame[2].HumanTracks, 1)
	assert.False(t, byFrame[2].HumanTracks[0].Face.FromDetector)
	assert.Nil(t, byFrame[2].HumanTracks[0].Face.Detection())

	// The next detection frame refreshes it.
	require.Len(t, byFrame[4].HumanTracks, 1)
	assert.True(t, byFrame[4].HumanTracks[0].Face.FromDetector)
	assert.Equal(t, int64(4), byFrame[4].HumanTracks[0].Face.LastDetectionFrameID)
}

func TestRedetectBetweenDetectionFrames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	prior := hit(ClassFace, 10, 10, 40, 40, 0.9)
	moved := hit(ClassFace, 12, 10, 42, 40, 0.8)
	lost := false

	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			return [][]Detection{{prior}}, nil
		},
		redetectFn: func(reqs []RedetectRequest) ([]*Detection, error) {
			out := make([]*Detection, len(reqs))
			if !lost {
				d := moved
				out[0] = &d
			}
			return out, nil
		},
	}
	cfg := engineConfig(true, false, func(p *StreamParams) { p.DetectorStep = 10 })
	cfg.TrackerType = TrackerVL
	eng := newTestEngine(t, cfg, det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
	require.NoError(t, err)

	res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 2, id)})
	require.NoError(t, err)
	require.Len(t, res, 1)

	require.Len(t, det.redetectReqs, 1)
	req := det.redetectReqs[0][0]
	assert.Equal(t, ClassFace, req.Class)
	assert.Equal(t, prior.BBox, req.Prior)

	require.Len(t, res[0].HumanTracks, 1)
	face := res[0].HumanTracks[0].Face
	require.NotNil(t, face)
	assert.Equal(t, moved.BBox, face.BBox)
	assert.True(t, face.FromDetector)
	assert.Equal(t, int64(2), face.LastDetectionFrameID)
	assert.Empty(t, res[0].TrackStart)

	// A lost redetect counts as a miss: the box goes stale but the track
	// stays visible.
	lost = true
	res, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 3, id)})
	require.NoError(t, err)
	require.Len(t, res[0].HumanTracks, 1)
	assert.False(t, res[0].HumanTracks[0].Face.FromDetector)
	assert.Equal(t, moved.BBox, res[0].HumanTracks[0].Face.BBox)
}

func TestTrackFollowsTranslation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The subject slides 10px right on every frame. The track must keep a
	// single identity and its box must actually follow the motion.
	const frames = 10
	step := 0
	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			off := float32(10 * step)
			step++
			return [][]Detection{{hit(ClassFace, 10+off, 10, 40+off, 40, 0.9)}}, nil
		},
	}
	cfg := engineConfig(true, false, func(p *StreamParams) { p.DetectorStep = 1 })
	eng := newTestEngine(t, cfg, det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	center := func(r Rect) (float64, float64) {
		return float64(r.X1+r.X2) / 2, float64(r.Y1+r.Y2) / 2
	}

	var trackID int64
	var firstX, firstY, prevX, prevY float64
	for i := 0; i < frames; i++ {
		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), int64(i+1), id)})
		require.NoError(t, err)
		require.Len(t, res, 1)
		require.Len(t, res[0].HumanTracks, 1)

		ht := res[0].HumanTracks[0]
		require.NotNil(t, ht.Face)
		x, y := center(ht.Face.BBox)
		switch i {
		case 0:
			require.Len(t, res[0].TrackStart, 1)
			trackID = ht.TrackID
			firstX, firstY = x, y
		default:
			assert.Empty(t, res[0].TrackStart, "frame %d", i+1)
			assert.Equal(t, trackID, ht.TrackID, "frame %d", i+1)
			assert.Less(t, math.Hypot(x-prevX, y-prevY), 50.0, "frame %d", i+1)
		}
		assert.Empty(t, res[0].TrackEnd)
		prevX, prevY = x, y
	}

	assert.Greater(t, math.Hypot(prevX-firstX, prevY-firstY), 70.0)
}

func TestCrossStreamBatchFusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			out := make([][]Detection, len(reqs))
			for i := range out {
				out[i] = []Detection{hit(ClassFace, 10, 10, 40, 40, 0.9)}
			}
			return out, nil
		},
	}
	eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
	a, err := eng.RegisterStream(nil)
	require.NoError(t, err)
	b, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	res, err := eng.Track(ctx, []Frame{
		NewFrame(testImage(100, 100), 1, a),
		NewFrame(testImage(100, 100), 1, b),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)

	require.Len(t, det.detectReqs, 1, "one fused native call")
	assert.Len(t, det.detectReqs[0], 2)

	assert.Equal(t, a, res[0].StreamID)
	assert.Equal(t, b, res[1].StreamID)
	assert.Len(t, res[0].HumanTracks, 1)
	assert.Len(t, res[1].HumanTracks, 1)
}

func TestDetectorClassGating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	det := &scriptDetector{}
	eng := newTestEngine(t, engineConfig(true, true, nil), det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
	require.NoError(t, err)

	require.Len(t, det.detectReqs, 1)
	assert.Equal(t, []DetectionClass{ClassFace, ClassBody}, det.detectReqs[0][0].Classes)
}

func TestROIFiltering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A hit centered outside the left-half ROI.
	outside := hit(ClassFace, 80, 10, 90, 20, 0.9)
	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			return [][]Detection{{outside}}, nil
		},
	}
	eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
	roi := RectF{X: 0, Y: 0, Width: 0.5, Height: 1}
	id, err := eng.RegisterStream(&StreamParamsPatch{ROI: &roi})
	require.NoError(t, err)

	res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
	require.NoError(t, err)
	require.Len(t, res, 1)

	assert.Empty(t, res[0].HumanTracks)
	assert.Empty(t, res[0].TrackStart)

	// The detector was asked for the ROI area only.
	require.Len(t, det.detectReqs, 1)
	assert.Equal(t, Rect{X1: 0, Y1: 0, X2: 50, Y2: 100}, det.detectReqs[0][0].Area)
}

func TestOverlapSuppression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	weak := hit(ClassBody, 0, 0, 40, 100, 0.7)
	strong := hit(ClassBody, 2, 0, 42, 100, 0.9)

	run := func(t *testing.T, strategy OverlapStrategy, dets []Detection) TrackingResult {
		t.Helper()
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return [][]Detection{dets}, nil
			},
		}
		cfg := engineConfig(false, true, func(p *StreamParams) {
			p.HumanTracking.RemoveOverlappedStrategy = strategy
		})
		eng := newTestEngine(t, cfg, det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 1, id)})
		require.NoError(t, err)
		require.Len(t, res, 1)
		return res[0]
	}

	t.Run("score keeps the strongest body", func(t *testing.T) {
		t.Parallel()
		r := run(t, OverlapScore, []Detection{weak, strong})
		require.Len(t, r.HumanTracks, 1)
		assert.Equal(t, strong.BBox, r.HumanTracks[0].Body.BBox)
	})

	t.Run("none keeps both bodies", func(t *testing.T) {
		t.Parallel()
		r := run(t, OverlapNone, []Detection{weak, strong})
		assert.Len(t, r.HumanTracks, 2)
	})

	t.Run("both discards elongated bodies", func(t *testing.T) {
		t.Parallel()
		elongated := hit(ClassBody, 0, 0, 100, 20, 0.99)
		upright := hit(ClassBody, 120, 0, 160, 100, 0.8)
		r := run(t, OverlapBoth, []Detection{elongated, upright})
		require.Len(t, r.HumanTracks, 1)
		assert.Equal(t, upright.BBox, r.HumanTracks[0].Body.BBox)
	})

	t.Run("faces always deduplicate regardless of strategy", func(t *testing.T) {
		t.Parallel()
		faceWeak := hit(ClassFace, 10, 10, 40, 40, 0.6)
		faceStrong := hit(ClassFace, 12, 10, 42, 40, 0.95)
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return [][]Detection{{faceWeak, faceStrong}}, nil
			},
		}
		cfg := engineConfig(true, false, func(p *StreamParams) {
			p.HumanTracking.RemoveOverlappedStrategy = OverlapNone
		})
		eng := newTestEngine(t, cfg, det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		require.NoError(t, err)
		require.Len(t, res[0].HumanTracks, 1)
		assert.Equal(t, faceStrong.BBox, res[0].HumanTracks[0].Face.BBox)
	})
}

func TestReIDRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boxA := hit(ClassBody, 10, 10, 50, 90, 0.9)
	boxB := hit(ClassBody, 150, 10, 190, 90, 0.9)

	newReIDEngine := func(t *testing.T, script *[][]Detection, desc []float32) (*Engine, int64, *scriptEmbedder) {
		t.Helper()
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				if len(*script) == 0 {
					return make([][]Detection, len(reqs)), nil
				}
				out := [][]Detection{(*script)[0]}
				*script = (*script)[1:]
				return out, nil
			},
		}
		emb := &scriptEmbedder{
			embedFn: func(reqs []EmbedRequest) ([][]float32, error) {
				out := make([][]float32, len(reqs))
				for i := range out {
					out[i] = desc
				}
				return out, nil
			},
		}
		cfg := engineConfig(false, true, func(p *StreamParams) {
			p.DetectorStep = 1
			p.SkipFrames = 1
			p.HumanTracking.ReIDMatchingDetectionsCount = 2
		})
		eng := newTestEngine(t, cfg, det, emb)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)
		return eng, id, emb
	}

	t.Run("matching descriptor reclaims the inactive track", func(t *testing.T) {
		t.Parallel()
		script := [][]Detection{{boxA}, {boxA}, nil, {boxB}}
		eng, id, emb := newReIDEngine(t, &script, []float32{1, 0, 0})

		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 1, id)})
		require.NoError(t, err)
		require.Len(t, res[0].TrackStart, 1)
		trackID := res[0].TrackStart[0]

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 2, id)})
		require.NoError(t, err)

		// Miss: the body track turns inactive and disappears from results.
		res, err = eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 3, id)})
		require.NoError(t, err)
		assert.Empty(t, res[0].HumanTracks)
		assert.Empty(t, res[0].TrackEnd)

		// A far-away body with a matching descriptor resumes the identity.
		res, err = eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 4, id)})
		require.NoError(t, err)
		assert.Empty(t, res[0].TrackStart)
		require.Len(t, res[0].HumanTracks, 1)
		assert.Equal(t, trackID, res[0].HumanTracks[0].TrackID)
		assert.Equal(t, boxB.BBox, res[0].HumanTracks[0].Body.BBox)

		// A descriptor was requested for every body detection.
		assert.Len(t, emb.embedReqs, 3)
	})

	t.Run("track without enough detections is not eligible", func(t *testing.T) {
		t.Parallel()
		script := [][]Detection{{boxA}, {boxA}, nil}
		eng, id, _ := newReIDEngine(t, &script, []float32{1, 0, 0})

		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 1, id)})
		require.NoError(t, err)
		trackID := res[0].TrackStart[0]
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 2, id)})
		require.NoError(t, err)
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 3, id)})
		require.NoError(t, err)

		// Raise the eligibility bar above the two detections the inactive
		// track accumulated; the perfect descriptor match must not count.
		count := 5
		require.NoError(t, eng.Reconfigure(id, &StreamParamsPatch{
			HumanTracking: &HumanTrackingParamsPatch{ReIDMatchingDetectionsCount: &count},
		}))

		script = append(script, []Detection{boxB})
		res, err = eng.Track(ctx, []Frame{NewFrame(testImage(200, 100), 4, id)})
		require.NoError(t, err)
		require.Len(t, res[0].TrackStart, 1)
		assert.NotEqual(t, trackID, res[0].TrackStart[0])
	})
}

func TestFusedFaceBodyIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	body := hit(ClassBody, 10, 10, 60, 160, 0.9)
	face := hit(ClassFace, 25, 30, 45, 50, 0.85) // centered inside the body

	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			return [][]Detection{{body, face}}, nil
		},
	}
	eng := newTestEngine(t, engineConfig(true, true, nil), det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	res, err := eng.Track(ctx, []Frame{NewFrame(testImage(200, 200), 1, id)})
	require.NoError(t, err)
	require.Len(t, res, 1)

	require.Len(t, res[0].TrackStart, 1, "face and body share one identity")
	require.Len(t, res[0].HumanTracks, 1)
	h := res[0].HumanTracks[0]
	require.NotNil(t, h.Face)
	require.NotNil(t, h.Body)
	assert.Equal(t, res[0].TrackStart[0], h.TrackID)
	assert.Equal(t, face.BBox, h.Face.BBox)
	assert.Equal(t, body.BBox, h.Body.BBox)
}

func TestNativeErrorLeavesStreamsUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("detect stage", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("runtime exploded")
		fail := false
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				if fail {
					return nil, sentinel
				}
				return [][]Detection{{hit(ClassFace, 10, 10, 40, 40, 0.9)}}, nil
			},
		}
		cfg := engineConfig(true, false, func(p *StreamParams) { p.DetectorStep = 1 })
		eng := newTestEngine(t, cfg, det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		require.NoError(t, err)

		fail = true
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 2, id)})
		var npe *NativeProcessingError
		require.ErrorAs(t, err, &npe)
		assert.Equal(t, "detect", npe.Stage)
		assert.ErrorIs(t, err, sentinel)

		// Nothing advanced: the same frame number is accepted on retry and
		// the existing track is still matched rather than restarted.
		fail = false
		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 2, id)})
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, int64(2), res[0].FrameID)
		assert.Empty(t, res[0].TrackStart)
		assert.Len(t, res[0].HumanTracks, 1)
	})

	t.Run("embed stage", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("descriptor model failed")
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return [][]Detection{{hit(ClassBody, 10, 10, 50, 90, 0.9)}}, nil
			},
		}
		emb := &scriptEmbedder{
			embedFn: func(reqs []EmbedRequest) ([][]float32, error) {
				return nil, sentinel
			},
		}
		eng := newTestEngine(t, engineConfig(false, true, nil), det, emb)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		var npe *NativeProcessingError
		require.ErrorAs(t, err, &npe)
		assert.Equal(t, "embed", npe.Stage)

		emb.embedFn = nil
		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		require.NoError(t, err)
		assert.Len(t, res[0].TrackStart, 1)
	})

	t.Run("result count mismatch is a native error", func(t *testing.T) {
		t.Parallel()
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return nil, nil // wrong shape
			},
		}
		eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		var npe *NativeProcessingError
		require.ErrorAs(t, err, &npe)
	})
}

func TestCloseStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown stream", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
		_, err := eng.CloseStream(987654)
		assert.ErrorIs(t, err, ErrUnknownStream)
	})

	t.Run("flushes remaining tracks and invalidates the id", func(t *testing.T) {
		t.Parallel()
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return [][]Detection{{hit(ClassBody, 10, 10, 50, 90, 0.9)}}, nil
			},
		}
		eng := newTestEngine(t, engineConfig(false, true, nil), det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 7, id)})
		require.NoError(t, err)
		trackID := res[0].TrackStart[0]

		flushed, err := eng.CloseStream(id)
		require.NoError(t, err)
		require.Len(t, flushed, 1)
		final := flushed[0]
		assert.Equal(t, int64(7), final.FrameID)
		assert.Equal(t, []int64{trackID}, final.TrackEnd)
		require.Len(t, final.HumanTracks, 1)
		assert.NotNil(t, final.HumanTracks[0].Body)

		_, err = eng.StreamParams(id)
		assert.ErrorIs(t, err, ErrUnknownStream)
		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 8, id)})
		var inErr *InvalidInputError
		assert.ErrorAs(t, err, &inErr)
	})

	t.Run("short face tracks are dropped from the final flush", func(t *testing.T) {
		t.Parallel()
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return [][]Detection{{hit(ClassFace, 10, 10, 40, 40, 0.9)}}, nil
			},
		}
		cfg := engineConfig(true, false, func(p *StreamParams) { p.MinimalTrackLength = 5 })
		eng := newTestEngine(t, cfg, det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		require.NoError(t, err)

		flushed, err := eng.CloseStream(id)
		require.NoError(t, err)
		assert.Empty(t, flushed)
	})

	t.Run("body tracks survive the minimal length gate", func(t *testing.T) {
		t.Parallel()
		det := &scriptDetector{
			detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
				return [][]Detection{{hit(ClassBody, 10, 10, 50, 90, 0.9)}}, nil
			},
		}
		cfg := engineConfig(false, true, func(p *StreamParams) { p.MinimalTrackLength = 5 })
		eng := newTestEngine(t, cfg, det, nil)
		id, err := eng.RegisterStream(nil)
		require.NoError(t, err)

		_, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
		require.NoError(t, err)

		flushed, err := eng.CloseStream(id)
		require.NoError(t, err)
		require.Len(t, flushed, 1)
		assert.Len(t, flushed[0].HumanTracks, 1)
	})
}

func TestTrackIDsNeverReused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	script := [][]Detection{
		{hit(ClassFace, 10, 10, 40, 40, 0.9)},
		nil,
		{hit(ClassFace, 60, 60, 90, 90, 0.9)},
	}
	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			out := [][]Detection{script[0]}
			script = script[1:]
			return out, nil
		},
	}
	cfg := engineConfig(true, false, func(p *StreamParams) {
		p.DetectorStep = 1
		p.SkipFrames = 1
	})
	eng := newTestEngine(t, cfg, det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	res, err := eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
	require.NoError(t, err)
	first := res[0].TrackStart[0]

	res, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 2, id)})
	require.NoError(t, err)
	assert.Equal(t, []int64{first}, res[0].TrackEnd, "face retires after one miss")

	res, err = eng.Track(ctx, []Frame{NewFrame(testImage(100, 100), 3, id)})
	require.NoError(t, err)
	require.Len(t, res[0].TrackStart, 1)
	assert.Greater(t, res[0].TrackStart[0], first)
}

func TestEngineClose(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
	a, err := eng.RegisterStream(nil)
	require.NoError(t, err)
	b, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	eng.Close()

	_, err = eng.StreamParams(a)
	assert.ErrorIs(t, err, ErrUnknownStream)
	_, err = eng.StreamParams(b)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

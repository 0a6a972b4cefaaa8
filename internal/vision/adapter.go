package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/trackd/internal/config"
	"github.com/your-org/trackd/internal/observability"
	"github.com/your-org/trackd/internal/trackengine"
)

// redetect searches an area this much larger than the prior box, and accepts
// a hit only above this IOU with the prior.
const (
	redetectExpand       = 0.5
	redetectIOUThreshold = 0.3
)

// Adapter wires the ONNX models into the tracking engine's detection and
// embedding contracts.
type Adapter struct {
	face *FaceDetector
	body *BodyDetector
	reid *ReIDEmbedder
}

var (
	_ trackengine.Detector = (*Adapter)(nil)
	_ trackengine.Embedder = (*Adapter)(nil)
)

// NewAdapter loads the models required by the engine configuration. The reID
// embedder is loaded only when body tracking is enabled.
func NewAdapter(cfg config.VisionConfig, useFace, useBody bool, opts *ort.SessionOptions) (*Adapter, error) {
	a := &Adapter{}

	if useFace {
		path := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
		slog.Info("loading face detection model", "path", path)
		det, err := NewFaceDetector(path, float32(cfg.FaceDetectionThreshold), opts)
		if err != nil {
			return nil, fmt.Errorf("load face detector: %w", err)
		}
		a.face = det
	}

	if useBody {
		path := filepath.Join(cfg.ModelsDir, "yolov8n.onnx")
		slog.Info("loading body detection model", "path", path)
		det, err := NewBodyDetector(path, float32(cfg.BodyDetectionThreshold), opts)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load body detector: %w", err)
		}
		a.body = det

		path = filepath.Join(cfg.ModelsDir, "osnet_x0_25.onnx")
		slog.Info("loading reid model", "path", path)
		emb, err := NewReIDEmbedder(path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load reid embedder: %w", err)
		}
		a.reid = emb
	}

	return a, nil
}

// Detect runs the requested detector classes over each request area.
func (a *Adapter) Detect(ctx context.Context, reqs []trackengine.DetectRequest) ([][]trackengine.Detection, error) {
	out := make([][]trackengine.Detection, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		area, crop := a.cropArea(req.Image, req.Area)
		if crop == nil {
			continue
		}

		for _, class := range req.Classes {
			dets, err := a.detectClass(class, crop)
			if err != nil {
				return nil, err
			}
			for _, d := range dets {
				out[i] = append(out[i], toEngineDetection(class, d, area.X1, area.Y1))
			}
		}
	}
	return out, nil
}

// Redetect re-finds each object by running its class detector over an
// expanded region around the prior box. A nil entry means the object is lost.
func (a *Adapter) Redetect(ctx context.Context, reqs []trackengine.RedetectRequest) ([]*trackengine.Detection, error) {
	out := make([]*trackengine.Detection, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		search := expandRect(req.Prior, redetectExpand)
		area, crop := a.cropArea(req.Image, search)
		if crop == nil {
			continue
		}

		dets, err := a.detectClass(req.Class, crop)
		if err != nil {
			return nil, err
		}

		// Keep the hit closest to the prior, not the highest scoring one.
		var best *trackengine.Detection
		var bestIOU float32
		for _, d := range dets {
			cand := toEngineDetection(req.Class, d, area.X1, area.Y1)
			if v := trackengine.IOU(cand.BBox, req.Prior); v > bestIOU && v >= redetectIOUThreshold {
				bestIOU = v
				c := cand
				best = &c
			}
		}
		out[i] = best
	}
	return out, nil
}

// Embed extracts reID descriptors for each body crop.
func (a *Adapter) Embed(ctx context.Context, reqs []trackengine.EmbedRequest) ([][]float32, error) {
	if a.reid == nil {
		return nil, fmt.Errorf("reid embedder not loaded")
	}

	out := make([][]float32, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		crop := cropRegion(req.Image, rectToBBox(req.BBox), 0.1)
		if crop == nil {
			continue
		}

		start := time.Now()
		w, h := a.reid.InputSize()
		descriptor, err := a.reid.Extract(preprocessForReID(crop, w, h))
		if err != nil {
			return nil, err
		}
		observability.InferenceDuration.WithLabelValues("reid-model").Observe(time.Since(start).Seconds())

		out[i] = descriptor
	}
	return out, nil
}

func (a *Adapter) detectClass(class trackengine.DetectionClass, crop image.Image) ([]Detection, error) {
	bounds := crop.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	label := "face-model"
	if class == trackengine.ClassBody {
		label = "body-model"
	}
	start := time.Now()
	defer func() {
		observability.InferenceDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	switch class {
	case trackengine.ClassFace:
		if a.face == nil {
			return nil, fmt.Errorf("face detector not loaded")
		}
		inW, inH := a.face.InputSize()
		return a.face.Detect(preprocessForFaceDetection(crop, inW, inH), w, h)
	case trackengine.ClassBody:
		if a.body == nil {
			return nil, fmt.Errorf("body detector not loaded")
		}
		inW, inH := a.body.InputSize()
		return a.body.Detect(preprocessForBodyDetection(crop, inW, inH), w, h)
	}
	return nil, fmt.Errorf("unknown detection class %v", class)
}

// cropArea clamps the area to the image and crops it. It returns the clamped
// area so detector hits can be offset back into frame coordinates.
func (a *Adapter) cropArea(img image.Image, area trackengine.Rect) (trackengine.Rect, image.Image) {
	bounds := img.Bounds()
	clamped := trackengine.Rect{
		X1: clampF(area.X1, float32(bounds.Min.X), float32(bounds.Max.X)),
		Y1: clampF(area.Y1, float32(bounds.Min.Y), float32(bounds.Max.Y)),
		X2: clampF(area.X2, float32(bounds.Min.X), float32(bounds.Max.X)),
		Y2: clampF(area.Y2, float32(bounds.Min.Y), float32(bounds.Max.Y)),
	}
	crop := cropRegion(img, rectToBBox(clamped), 0)
	return clamped, crop
}

func toEngineDetection(class trackengine.DetectionClass, d Detection, offX, offY float32) trackengine.Detection {
	det := trackengine.Detection{
		Class: class,
		BBox: trackengine.Rect{
			X1: d.BBox[0] + offX,
			Y1: d.BBox[1] + offY,
			X2: d.BBox[2] + offX,
			Y2: d.BBox[3] + offY,
		},
		Score: d.Confidence,
	}
	if class == trackengine.ClassFace {
		det.Landmarks = make([]trackengine.Point, 0, len(d.Landmarks))
		for _, lm := range d.Landmarks {
			det.Landmarks = append(det.Landmarks, trackengine.Point{X: lm[0] + offX, Y: lm[1] + offY})
		}
	}
	return det
}

func expandRect(r trackengine.Rect, f float32) trackengine.Rect {
	dx := r.Width() * f / 2
	dy := r.Height() * f / 2
	return trackengine.Rect{X1: r.X1 - dx, Y1: r.Y1 - dy, X2: r.X2 + dx, Y2: r.Y2 + dy}
}

func rectToBBox(r trackengine.Rect) [4]float32 {
	return [4]float32{r.X1, r.Y1, r.X2, r.Y2}
}

// Close releases all ONNX sessions.
func (a *Adapter) Close() {
	if a.face != nil {
		a.face.Close()
	}
	if a.body != nil {
		a.body.Close()
	}
	if a.reid != nil {
		a.reid.Close()
	}
}

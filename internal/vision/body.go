package vision

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// BodyDetector runs YOLOv8 person detection using ONNX Runtime. Only the
// person class is kept from the model output.
type BodyDetector struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	threshold    float32
	inputW       int
	inputH       int
}

const (
	yoloBoxes   = 8400
	yoloClasses = 80
	personClass = 0
)

// NewBodyDetector loads the YOLOv8 ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewBodyDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*BodyDetector, error) {
	inputW, inputH := 640, 640

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// yolov8n output: [1, 84, 8400] = 4 box coords + 80 class scores per anchor
	outputShape := ort.NewShape(1, int64(4+yoloClasses), int64(yoloBoxes))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create body detector session: %w", err)
	}

	return &BodyDetector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		threshold:    threshold,
		inputW:       inputW,
		inputH:       inputH,
	}, nil
}

// Detect runs person detection on a preprocessed image.
// imgData should be CHW format [3, inputH, inputW], normalized to [0,1].
// origW/origH are the original image dimensions for coordinate scaling.
func (d *BodyDetector) Detect(imgData []float32, origW, origH int) ([]Detection, error) {
	inputSlice := d.inputTensor.GetData()
	copy(inputSlice, imgData)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run body detection: %w", err)
	}

	detections := d.parseDetections(origW, origH)
	detections = nms(detections, 0.45)

	return detections, nil
}

// parseDetections decodes the [84, 8400] YOLO output, keeping person hits.
func (d *BodyDetector) parseDetections(origW, origH int) []Detection {
	out := d.outputTensor.GetData()

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	var detections []Detection
	for i := 0; i < yoloBoxes; i++ {
		score := out[(4+personClass)*yoloBoxes+i]
		if score < d.threshold {
			continue
		}

		// Box is center x, center y, width, height in input pixels
		cx := out[0*yoloBoxes+i]
		cy := out[1*yoloBoxes+i]
		w := out[2*yoloBoxes+i]
		h := out[3*yoloBoxes+i]

		x1 := clampF((cx-w/2)*scaleW, 0, float32(origW))
		y1 := clampF((cy-h/2)*scaleH, 0, float32(origH))
		x2 := clampF((cx+w/2)*scaleW, 0, float32(origW))
		y2 := clampF((cy+h/2)*scaleH, 0, float32(origH))

		detections = append(detections, Detection{
			BBox:       [4]float32{x1, y1, x2, y2},
			Confidence: score,
		})
	}

	return detections
}

// InputSize returns the model's expected input dimensions.
func (d *BodyDetector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *BodyDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
}

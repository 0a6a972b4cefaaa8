package vision

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// ReIDEmbedder extracts body re-identification descriptors using an
// OSNet-style ONNX model.
type ReIDEmbedder struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	embDim       int
}

// NewReIDEmbedder loads the reID ONNX model for descriptor extraction.
func NewReIDEmbedder(modelPath string) (*ReIDEmbedder, error) {
	// osnet_x0_25 expects 128x256 (w x h) body crops
	inputW, inputH := 128, 256
	embDim := 512

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(embDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &ReIDEmbedder{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		embDim:       embDim,
	}, nil
}

// Extract runs descriptor extraction on a body crop.
// bodyData should be CHW format [3, 256, 128], normalized.
// Returns a normalized 512-dimensional descriptor.
func (e *ReIDEmbedder) Extract(bodyData []float32) ([]float32, error) {
	inputSlice := e.inputTensor.GetData()
	copy(inputSlice, bodyData)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	outputData := e.outputTensor.GetData()

	descriptor := make([]float32, e.embDim)
	copy(descriptor, outputData)

	// L2 normalize
	normalize(descriptor)

	return descriptor, nil
}

// InputSize returns the expected body crop dimensions.
func (e *ReIDEmbedder) InputSize() (int, int) {
	return e.inputW, e.inputH
}

// EmbeddingDim returns the descriptor vector dimension.
func (e *ReIDEmbedder) EmbeddingDim() int {
	return e.embDim
}

func (e *ReIDEmbedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}

// normalize performs L2 normalization in-place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}

package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/trackd/internal/trackengine"
)

func TestStreamParamsPatchToEngine(t *testing.T) {
	t.Parallel()

	t.Run("nil patch", func(t *testing.T) {
		t.Parallel()
		var p *StreamParamsPatch
		got, err := p.ToEngine()
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("set fields carry over", func(t *testing.T) {
		t.Parallel()
		step := 3
		strategy := "score"
		p := &StreamParamsPatch{
			DetectorStep: &step,
			ROI:          &ROI{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4},
			HumanTracking: &HumanTrackingParamsPatch{
				RemoveOverlappedStrategy: &strategy,
			},
		}

		got, err := p.ToEngine()
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NotNil(t, got.DetectorStep)
		assert.Equal(t, 3, *got.DetectorStep)
		require.NotNil(t, got.ROI)
		assert.Equal(t, trackengine.RectF{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}, *got.ROI)
		require.NotNil(t, got.HumanTracking)
		require.NotNil(t, got.HumanTracking.RemoveOverlappedStrategy)
		assert.Equal(t, trackengine.OverlapScore, *got.HumanTracking.RemoveOverlappedStrategy)

		assert.Nil(t, got.SkipFrames)
		assert.Nil(t, got.HumanTracking.ReIDMatchingThreshold)
	})

	t.Run("unknown strategy token rejected", func(t *testing.T) {
		t.Parallel()
		strategy := "aggressive"
		p := &StreamParamsPatch{
			HumanTracking: &HumanTrackingParamsPatch{RemoveOverlappedStrategy: &strategy},
		}
		_, err := p.ToEngine()
		assert.Error(t, err)
	})
}

func TestStreamParamsRoundTrip(t *testing.T) {
	t.Parallel()

	// Defaults, through the wire representation and a full patch, must land
	// back on the same engine params.
	engineParams := trackengine.DefaultStreamParams()
	wire := StreamParamsFromEngine(engineParams)

	data, err := json.Marshal(wire)
	require.NoError(t, err)

	var patch StreamParamsPatch
	require.NoError(t, json.Unmarshal(data, &patch))

	enginePatch, err := patch.ToEngine()
	require.NoError(t, err)

	got := trackengine.StreamParams{}.Apply(enginePatch)
	assert.Equal(t, engineParams, got)
}

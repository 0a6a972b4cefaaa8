package trackengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackLifecycle(t *testing.T) {
	t.Parallel()

	det := Detection{Class: ClassBody, BBox: Rect{X1: 10, Y1: 10, X2: 50, Y2: 90}, Score: 0.9}

	t.Run("starts tentative", func(t *testing.T) {
		t.Parallel()
		tr := newTrack(1, ClassBody, 5, det)
		assert.Equal(t, TrackTentative, tr.State)
		assert.True(t, tr.visible())
		assert.Equal(t, int64(5), tr.FirstFrameID)
		assert.Equal(t, int64(5), tr.LastDetectionFrameID)
		assert.Equal(t, 1, tr.DetectionsCount)
		assert.True(t, tr.FromDetector)
	})

	t.Run("detection confirms to active", func(t *testing.T) {
		t.Parallel()
		tr := newTrack(1, ClassBody, 5, det)
		tr.recordDetection(6, det)
		assert.Equal(t, TrackActive, tr.State)
		assert.Equal(t, int64(6), tr.LastDetectionFrameID)
		assert.Equal(t, 2, tr.DetectionsCount)
	})

	t.Run("body goes inactive after skipFrames misses", func(t *testing.T) {
		t.Parallel()
		tr := newTrack(1, ClassBody, 5, det)
		tr.recordDetection(6, det)

		tr.recordMiss(3, 100)
		assert.Equal(t, TrackActive, tr.State)
		assert.False(t, tr.FromDetector)
		tr.recordMiss(3, 100)
		assert.Equal(t, TrackActive, tr.State)
		tr.recordMiss(3, 100)
		assert.Equal(t, TrackInactive, tr.State)
		assert.False(t, tr.visible())
	})

	t.Run("face retires directly, no inactive stage", func(t *testing.T) {
		t.Parallel()
		tr := newTrack(1, ClassFace, 5, Detection{Class: ClassFace, BBox: det.BBox, Score: 0.9})
		tr.recordMiss(2, 100)
		assert.Equal(t, TrackTentative, tr.State)
		tr.recordMiss(2, 100)
		assert.Equal(t, TrackRetired, tr.State)
	})

	t.Run("inactive retires after lifetime", func(t *testing.T) {
		t.Parallel()
		tr := newTrack(1, ClassBody, 5, det)
		tr.recordMiss(1, 2)
		require.Equal(t, TrackInactive, tr.State)
		tr.recordMiss(1, 2)
		assert.Equal(t, TrackInactive, tr.State)
		tr.recordMiss(1, 2)
		assert.Equal(t, TrackRetired, tr.State)
	})

	t.Run("detection revives inactive track", func(t *testing.T) {
		t.Parallel()
		tr := newTrack(1, ClassBody, 5, det)
		tr.recordMiss(1, 100)
		require.Equal(t, TrackInactive, tr.State)

		tr.recordDetection(40, det)
		assert.Equal(t, TrackActive, tr.State)
		assert.True(t, tr.FromDetector)
		assert.Equal(t, int64(40), tr.LastDetectionFrameID)

		// Miss counters restart from scratch.
		tr.recordMiss(2, 100)
		assert.Equal(t, TrackActive, tr.State)
	})
}

func TestTrackDescriptorHistory(t *testing.T) {
	t.Parallel()

	tr := newTrack(1, ClassBody, 0, Detection{Class: ClassBody})

	tr.addDescriptor(nil)
	tr.addDescriptor([]float32{})
	assert.Empty(t, tr.descriptors)

	for i := 0; i < maxDescriptorHistory+5; i++ {
		tr.addDescriptor([]float32{float32(i), 0})
	}
	require.Len(t, tr.descriptors, maxDescriptorHistory)
	// The oldest entries were evicted.
	assert.Equal(t, float32(5), tr.descriptors[0][0])
}

func TestTrackReIDSimilarity(t *testing.T) {
	t.Parallel()

	tr := newTrack(1, ClassBody, 0, Detection{Class: ClassBody})
	probe := []float32{1, 0, 0}

	assert.Zero(t, tr.reIDSimilarity(probe), "no history scores zero")

	tr.addDescriptor([]float32{0, 1, 0})
	tr.addDescriptor([]float32{1, 0, 0})
	assert.InDelta(t, 1.0, tr.reIDSimilarity(probe), 1e-6, "best history match wins")

	assert.Zero(t, tr.reIDSimilarity([]float32{1, 0}), "length mismatch scores zero")
}

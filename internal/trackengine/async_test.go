package trackengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackAsyncParity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			return [][]Detection{{hit(ClassFace, 10, 10, 40, 40, 0.9)}}, nil
		},
	}
	eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	task := eng.TrackAsync(ctx, []Frame{NewFrame(testImage(100, 100), 1, id)})
	res, err := task.Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(1), res[0].FrameID)
	assert.Len(t, res[0].TrackStart, 1)

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel not closed after Result returned")
	}

	// Result is idempotent.
	again, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestTrackAsyncErrorSurfacesOnRetrieval(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, engineConfig(true, false, nil), nil, nil)
	task := eng.TrackAsync(context.Background(), []Frame{NewFrame(testImage(10, 10), 1, 987654)})

	_, err := task.Result()
	var inErr *InvalidInputError
	assert.ErrorAs(t, err, &inErr)
}

func TestTrackTaskWait(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	det := &scriptDetector{
		detectFn: func(reqs []DetectRequest) ([][]Detection, error) {
			<-block
			return make([][]Detection, len(reqs)), nil
		},
	}
	eng := newTestEngine(t, engineConfig(true, false, nil), det, nil)
	id, err := eng.RegisterStream(nil)
	require.NoError(t, err)

	task := eng.TrackAsync(context.Background(), []Frame{NewFrame(testImage(10, 10), 1, id)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The batch itself keeps running and completes once unblocked.
	close(block)
	res, err := task.Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(1), res[0].FrameID)
}

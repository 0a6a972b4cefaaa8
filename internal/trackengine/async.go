package trackengine

import "context"

// TrackTask is the future-like handle of a background tracking call. The
// task either completes with results or with the same error the synchronous
// call would have returned; errors surface when the result is retrieved.
type TrackTask struct {
	done    chan struct{}
	results []TrackingResult
	err     error
}

// TrackAsync runs the identical batch-processing routine as Track on a
// background goroutine. The single-caller discipline still applies: do not
// start a new call (sync or async) before this task completes, and do not
// close a stream whose frame is carried by an in-flight task.
func (e *Engine) TrackAsync(ctx context.Context, frames []Frame) *TrackTask {
	t := &TrackTask{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.results, t.err = e.Track(ctx, frames)
	}()
	return t
}

// Done returns a channel closed when the task completes, for cooperative
// awaiting in a select loop.
func (t *TrackTask) Done() <-chan struct{} { return t.done }

// Result blocks until the task completes and returns its outcome.
func (t *TrackTask) Result() ([]TrackingResult, error) {
	<-t.done
	return t.results, t.err
}

// Wait blocks until the task completes or the context is cancelled. The
// underlying batch is never cancelled; it runs to completion regardless.
func (t *TrackTask) Wait(ctx context.Context) ([]TrackingResult, error) {
	select {
	case <-t.done:
		return t.results, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

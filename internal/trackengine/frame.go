package trackengine

import "image"

// Frame is the immutable unit of work: one image of one stream's sequence.
// Frame numbers are per stream and must be non-decreasing; they are not
// required to be globally unique or contiguous.
type Frame struct {
	Image    image.Image
	Number   int64
	StreamID int64
}

// NewFrame builds a frame. Construction performs no validation; the frame is
// checked against its stream when submitted to the engine.
func NewFrame(img image.Image, number int64, streamID int64) Frame {
	return Frame{Image: img, Number: number, StreamID: streamID}
}

package dto

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/your-org/trackd/internal/trackengine"
)

// ROI is a region of interest in relative coordinates, each field in [0, 1].
type ROI struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// HumanTrackingParamsPatch is a partial update of the body tracking knobs.
// Absent fields keep their current value.
type HumanTrackingParamsPatch struct {
	InactiveTracksLifetime      *int     `json:"inactive_tracks_lifetime,omitempty"`
	IOUConnectionThreshold      *float32 `json:"iou_connection_threshold,omitempty"`
	ReIDMatchingDetectionsCount *int     `json:"reid_matching_detections_count,omitempty"`
	ReIDMatchingThreshold       *float32 `json:"reid_matching_threshold,omitempty"`
	RemoveHorizontalRatio       *float32 `json:"remove_horizontal_ratio,omitempty"`
	RemoveOverlappedStrategy    *string  `json:"remove_overlapped_strategy,omitempty"`
}

// StreamParamsPatch is a partial update of stream params. Absent fields keep
// their current value, so an empty body is a no-op.
type StreamParamsPatch struct {
	CallbackBufferSize          *int                      `json:"callback_buffer_size,omitempty"`
	DetectorScaling             *bool                     `json:"detector_scaling,omitempty"`
	DetectorStep                *int                      `json:"detector_step,omitempty"`
	FramesBufferSize            *int                      `json:"frames_buffer_size,omitempty"`
	ROI                         *ROI                      `json:"roi,omitempty"`
	KillIntersectedIOUThreshold *float32                  `json:"kill_intersected_iou_threshold,omitempty"`
	MinimalTrackLength          *int                      `json:"minimal_track_length,omitempty"`
	ScaledSize                  *int                      `json:"scaled_size,omitempty"`
	SkipFrames                  *int                      `json:"skip_frames,omitempty"`
	TrackingResultsBufferSize   *int                      `json:"tracking_results_buffer_size,omitempty"`
	UseForegroundSubtraction    *bool                     `json:"use_foreground_subtraction,omitempty"`
	HumanTracking               *HumanTrackingParamsPatch `json:"human_tracking,omitempty"`
}

// ToEngine converts the wire patch into the engine's patch type.
func (p *StreamParamsPatch) ToEngine() (*trackengine.StreamParamsPatch, error) {
	if p == nil {
		return nil, nil
	}
	out := &trackengine.StreamParamsPatch{
		CallbackBufferSize:          p.CallbackBufferSize,
		DetectorScaling:             p.DetectorScaling,
		DetectorStep:                p.DetectorStep,
		FramesBufferSize:            p.FramesBufferSize,
		KillIntersectedIOUThreshold: p.KillIntersectedIOUThreshold,
		MinimalTrackLength:          p.MinimalTrackLength,
		ScaledSize:                  p.ScaledSize,
		SkipFrames:                  p.SkipFrames,
		TrackingResultsBufferSize:   p.TrackingResultsBufferSize,
		UseForegroundSubtraction:    p.UseForegroundSubtraction,
	}
	if p.ROI != nil {
		out.ROI = &trackengine.RectF{X: p.ROI.X, Y: p.ROI.Y, Width: p.ROI.Width, Height: p.ROI.Height}
	}
	if hp := p.HumanTracking; hp != nil {
		out.HumanTracking = &trackengine.HumanTrackingParamsPatch{
			InactiveTracksLifetime:      hp.InactiveTracksLifetime,
			IOUConnectionThreshold:      hp.IOUConnectionThreshold,
			ReIDMatchingDetectionsCount: hp.ReIDMatchingDetectionsCount,
			ReIDMatchingThreshold:       hp.ReIDMatchingThreshold,
			RemoveHorizontalRatio:       hp.RemoveHorizontalRatio,
		}
		if hp.RemoveOverlappedStrategy != nil {
			strategy, err := trackengine.ParseOverlapStrategy(*hp.RemoveOverlappedStrategy)
			if err != nil {
				return nil, fmt.Errorf("remove_overlapped_strategy: %w", err)
			}
			out.HumanTracking.RemoveOverlappedStrategy = &strategy
		}
	}
	return out, nil
}

// HumanTrackingParams is the effective body tracking configuration.
type HumanTrackingParams struct {
	InactiveTracksLifetime      int     `json:"inactive_tracks_lifetime"`
	IOUConnectionThreshold      float32 `json:"iou_connection_threshold"`
	ReIDMatchingDetectionsCount int     `json:"reid_matching_detections_count"`
	ReIDMatchingThreshold       float32 `json:"reid_matching_threshold"`
	RemoveHorizontalRatio       float32 `json:"remove_horizontal_ratio"`
	RemoveOverlappedStrategy    string  `json:"remove_overlapped_strategy"`
}

// StreamParams is the effective per-stream configuration.
type StreamParams struct {
	CallbackBufferSize          int                 `json:"callback_buffer_size"`
	DetectorScaling             bool                `json:"detector_scaling"`
	DetectorStep                int                 `json:"detector_step"`
	FramesBufferSize            int                 `json:"frames_buffer_size"`
	ROI                         ROI                 `json:"roi"`
	KillIntersectedIOUThreshold float32             `json:"kill_intersected_iou_threshold"`
	MinimalTrackLength          int                 `json:"minimal_track_length"`
	ScaledSize                  int                 `json:"scaled_size"`
	SkipFrames                  int                 `json:"skip_frames"`
	TrackingResultsBufferSize   int                 `json:"tracking_results_buffer_size"`
	UseForegroundSubtraction    bool                `json:"use_foreground_subtraction"`
	HumanTracking               HumanTrackingParams `json:"human_tracking"`
}

// StreamParamsFromEngine renders the engine's params for the wire.
func StreamParamsFromEngine(p trackengine.StreamParams) StreamParams {
	return StreamParams{
		CallbackBufferSize:          p.CallbackBufferSize,
		DetectorScaling:             p.DetectorScaling,
		DetectorStep:                p.DetectorStep,
		FramesBufferSize:            p.FramesBufferSize,
		ROI:                         ROI{X: p.ROI.X, Y: p.ROI.Y, Width: p.ROI.Width, Height: p.ROI.Height},
		KillIntersectedIOUThreshold: p.KillIntersectedIOUThreshold,
		MinimalTrackLength:          p.MinimalTrackLength,
		ScaledSize:                  p.ScaledSize,
		SkipFrames:                  p.SkipFrames,
		TrackingResultsBufferSize:   p.TrackingResultsBufferSize,
		UseForegroundSubtraction:    p.UseForegroundSubtraction,
		HumanTracking: HumanTrackingParams{
			InactiveTracksLifetime:      p.HumanTracking.InactiveTracksLifetime,
			IOUConnectionThreshold:      p.HumanTracking.IOUConnectionThreshold,
			ReIDMatchingDetectionsCount: p.HumanTracking.ReIDMatchingDetectionsCount,
			ReIDMatchingThreshold:       p.HumanTracking.ReIDMatchingThreshold,
			RemoveHorizontalRatio:       p.HumanTracking.RemoveHorizontalRatio,
			RemoveOverlappedStrategy:    p.HumanTracking.RemoveOverlappedStrategy.String(),
		},
	}
}

type RegisterStreamRequest struct {
	Name   string             `json:"name"`
	Params *StreamParamsPatch `json:"params,omitempty"`
}

type StreamResponse struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	Params       *StreamParams `json:"params,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
}

type StreamListResponse struct {
	Streams []StreamResponse `json:"streams"`
	Total   int              `json:"total"`
}

// --- Control plane messages (API <-> worker over NATS request/reply) ---

type ControlRegisterRequest struct {
	StreamID uuid.UUID          `json:"stream_id"`
	Params   *StreamParamsPatch `json:"params,omitempty"`
}

type ControlRegisterReply struct {
	EngineID int64        `json:"engine_id"`
	Params   StreamParams `json:"params"`
}

type ControlStreamRequest struct {
	StreamID uuid.UUID `json:"stream_id"`
}

type ControlReconfigureRequest struct {
	StreamID uuid.UUID          `json:"stream_id"`
	Params   *StreamParamsPatch `json:"params,omitempty"`
}

type ControlParamsReply struct {
	Params StreamParams `json:"params"`
}

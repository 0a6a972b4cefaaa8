package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/trackd/internal/trackengine"
)

// ObjectView is the face or body side of a human track on one frame.
type ObjectView struct {
	BBox                 [4]float32   `json:"bbox"` // x1, y1, x2, y2
	Score                float32      `json:"score"`
	FirstFrameID         int64        `json:"first_frame_id"`
	LastDetectionFrameID int64        `json:"last_detection_frame_id"`
	FromDetector         bool         `json:"from_detector"`
	Landmarks            [][2]float32 `json:"landmarks,omitempty"`
}

// HumanTrackView pairs the face and body views sharing one track identity.
type HumanTrackView struct {
	TrackID int64       `json:"track_id"`
	Face    *ObjectView `json:"face,omitempty"`
	Body    *ObjectView `json:"body,omitempty"`
}

// TrackingResultMessage is one per-frame tracking result published on the
// TRACKS subject and fanned out over WebSocket.
type TrackingResultMessage struct {
	StreamID    uuid.UUID        `json:"stream_id"`
	FrameID     int64            `json:"frame_id"`
	Timestamp   time.Time        `json:"timestamp"`
	HumanTracks []HumanTrackView `json:"human_tracks"`
	TrackStart  []int64          `json:"track_start,omitempty"`
	TrackEnd    []int64          `json:"track_end,omitempty"`
	FrameKey    string           `json:"frame_key,omitempty"`
}

// TrackingResultFromEngine renders an engine result for the wire. The engine
// reports a worker-local stream id; the caller maps it to the public UUID.
func TrackingResultFromEngine(streamID uuid.UUID, ts time.Time, frameKey string, r trackengine.TrackingResult) TrackingResultMessage {
	msg := TrackingResultMessage{
		StreamID:   streamID,
		FrameID:    r.FrameID,
		Timestamp:  ts,
		TrackStart: r.TrackStart,
		TrackEnd:   r.TrackEnd,
		FrameKey:   frameKey,
	}
	for _, ht := range r.HumanTracks {
		view := HumanTrackView{TrackID: ht.TrackID}
		if ht.Face != nil {
			v := objectView(ht.Face.BBox, ht.Face.Score, ht.Face.FirstFrameID, ht.Face.LastDetectionFrameID, ht.Face.FromDetector, ht.Face.Landmarks)
			view.Face = &v
		}
		if ht.Body != nil {
			v := objectView(ht.Body.BBox, ht.Body.Score, ht.Body.FirstFrameID, ht.Body.LastDetectionFrameID, ht.Body.FromDetector, ht.Body.Landmarks)
			view.Body = &v
		}
		msg.HumanTracks = append(msg.HumanTracks, view)
	}
	return msg
}

func objectView(bbox trackengine.Rect, score float32, first, last int64, fromDetector bool, landmarks []trackengine.Point) ObjectView {
	v := ObjectView{
		BBox:                 [4]float32{bbox.X1, bbox.Y1, bbox.X2, bbox.Y2},
		Score:                score,
		FirstFrameID:         first,
		LastDetectionFrameID: last,
		FromDetector:         fromDetector,
	}
	for _, p := range landmarks {
		v.Landmarks = append(v.Landmarks, [2]float32{p.X, p.Y})
	}
	return v
}

// TrackEventResponse is one persisted track observation.
type TrackEventResponse struct {
	ID        uuid.UUID   `json:"id"`
	StreamID  uuid.UUID   `json:"stream_id"`
	TrackID   int64       `json:"track_id"`
	Kind      string      `json:"kind"`
	FrameID   int64       `json:"frame_id"`
	Timestamp string      `json:"timestamp"`
	FaceBBox  *[4]float32 `json:"face_bbox,omitempty"`
	BodyBBox  *[4]float32 `json:"body_bbox,omitempty"`
	FaceScore float32     `json:"face_score,omitempty"`
	BodyScore float32     `json:"body_score,omitempty"`
	FrameURL  string      `json:"frame_url,omitempty"`
	CreatedAt string      `json:"created_at"`
}

type TrackEventListResponse struct {
	Events []TrackEventResponse `json:"events"`
	Total  int                  `json:"total"`
}

type TrackEventQuery struct {
	StreamID string `form:"stream_id"`
	TrackID  *int64 `form:"track_id"`
	From     string `form:"from"`
	To       string `form:"to"`
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
}

// TrackSearchRequest looks up persisted tracks by reID descriptor similarity.
type TrackSearchRequest struct {
	Descriptor []float32 `json:"descriptor" binding:"required"`
	Threshold  float64   `json:"threshold"`
	Limit      int       `json:"limit"`
}

type TrackSearchResult struct {
	StreamID uuid.UUID `json:"stream_id"`
	TrackID  int64     `json:"track_id"`
	Score    float32   `json:"score"`
}

type TrackSearchResponse struct {
	Matches []TrackSearchResult `json:"matches"`
}

// WSEvent is a WebSocket message for real-time result delivery.
type WSEvent struct {
	Type     string                 `json:"type"` // tracking_result, stream_status
	StreamID uuid.UUID              `json:"stream_id"`
	Data     *TrackingResultMessage `json:"data,omitempty"`
	Status   string                 `json:"status,omitempty"`
}

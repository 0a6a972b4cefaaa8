package models

import (
	"time"

	"github.com/google/uuid"
)

type TrackEventKind string

const (
	TrackEventStarted TrackEventKind = "started"
	TrackEventUpdated TrackEventKind = "updated"
	TrackEventEnded   TrackEventKind = "ended"
)

// TrackEvent is one persisted observation of a track on a frame.
type TrackEvent struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	StreamID   uuid.UUID  `json:"stream_id" db:"stream_id"`
	TrackID    int64      `json:"track_id" db:"track_id"`
	Kind       TrackEventKind `json:"kind" db:"kind"`
	FrameID    int64      `json:"frame_id" db:"frame_id"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
	FaceBBox   *[4]float32 `json:"face_bbox,omitempty" db:"face_bbox"`   // x1, y1, x2, y2
	BodyBBox   *[4]float32 `json:"body_bbox,omitempty" db:"body_bbox"`   // x1, y1, x2, y2
	FaceScore  float32    `json:"face_score,omitempty" db:"face_score"`
	BodyScore  float32    `json:"body_score,omitempty" db:"body_score"`
	Descriptor []float32  `json:"-" db:"descriptor"` // latest body reID descriptor
	FrameKey   string     `json:"frame_key" db:"frame_key"` // MinIO key of the full frame
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// FrameTask is the message published to NATS for worker processing.
type FrameTask struct {
	TaskID    uuid.UUID `json:"task_id"`
	StreamID  uuid.UUID `json:"stream_id"`
	FrameID   int64     `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
	FrameRef  string    `json:"frame_ref"` // MinIO object key
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type StreamStatus string

const (
	StreamStatusActive StreamStatus = "active"
	StreamStatusClosed StreamStatus = "closed"
)

// Stream is the registry record for one tracked video stream. EngineID is
// the worker-local identifier handed out when the stream is registered with
// the tracking engine; the UUID is the stable external handle.
type Stream struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	EngineID     int64           `json:"engine_id" db:"engine_id"`
	Name         string          `json:"name" db:"name"`
	Status       StreamStatus    `json:"status" db:"status"`
	Params       json.RawMessage `json:"params" db:"params"` // effective stream params snapshot
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/trackd/internal/models"
	"github.com/your-org/trackd/internal/storage"
	"github.com/your-org/trackd/pkg/dto"
)

type EventHandler struct {
	db    *storage.PostgresStore
	minio *storage.MinIOStore
}

func NewEventHandler(db *storage.PostgresStore, minio *storage.MinIOStore) *EventHandler {
	return &EventHandler{db: db, minio: minio}
}

// List returns persisted track events for one stream, newest first.
func (h *EventHandler) List(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	var from, to *time.Time
	if fromStr := c.Query("from"); fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			from = &t
		}
	}
	if toStr := c.Query("to"); toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			to = &t
		}
	}

	var trackID *int64
	if tidStr := c.Query("track_id"); tidStr != "" {
		if tid, err := strconv.ParseInt(tidStr, 10, 64); err == nil {
			trackID = &tid
		}
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total, err := h.db.QueryTrackEvents(c.Request.Context(), streamID, trackID, from, to, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.TrackEventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, trackEventToResponse(&ev))
	}

	c.JSON(http.StatusOK, dto.TrackEventListResponse{Events: resp, Total: total})
}

// Frame proxies the stored full frame of a track event from MinIO.
func (h *EventHandler) Frame(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	ev, err := h.db.GetTrackEvent(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ev == nil || ev.FrameKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "frame not found"})
		return
	}

	data, err := h.minio.GetObject(c.Request.Context(), ev.FrameKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "frame not found"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", data)
}

// Search finds persisted tracks by reID descriptor similarity.
func (h *EventHandler) Search(c *gin.Context) {
	var req dto.TrackSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Threshold <= 0 {
		req.Threshold = 0.85
	}

	matches, err := h.db.SearchSimilarTracks(c.Request.Context(), req.Descriptor, req.Threshold, req.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.TrackSearchResponse{}
	for _, m := range matches {
		resp.Matches = append(resp.Matches, dto.TrackSearchResult{
			StreamID: m.StreamID,
			TrackID:  m.TrackID,
			Score:    m.Score,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func trackEventToResponse(ev *models.TrackEvent) dto.TrackEventResponse {
	r := dto.TrackEventResponse{
		ID:        ev.ID,
		StreamID:  ev.StreamID,
		TrackID:   ev.TrackID,
		Kind:      string(ev.Kind),
		FrameID:   ev.FrameID,
		Timestamp: ev.Timestamp.Format(time.RFC3339),
		FaceBBox:  ev.FaceBBox,
		BodyBBox:  ev.BodyBBox,
		FaceScore: ev.FaceScore,
		BodyScore: ev.BodyScore,
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
	if ev.FrameKey != "" {
		r.FrameURL = "/v1/events/" + ev.ID.String() + "/frame"
	}
	return r
}

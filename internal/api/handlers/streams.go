package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/trackd/internal/models"
	"github.com/your-org/trackd/internal/queue"
	"github.com/your-org/trackd/internal/storage"
	"github.com/your-org/trackd/pkg/dto"
)

const maxFrameBytes = 16 << 20

type StreamHandler struct {
	db       *storage.PostgresStore
	minio    *storage.MinIOStore
	producer *queue.Producer
}

func NewStreamHandler(db *storage.PostgresStore, minio *storage.MinIOStore, producer *queue.Producer) *StreamHandler {
	return &StreamHandler{db: db, minio: minio, producer: producer}
}

// Register creates a stream: the worker registers it with the tracking
// engine, then the registry record is persisted with the effective params.
func (h *StreamHandler) Register(c *gin.Context) {
	var req dto.RegisterStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.New()
	var reply dto.ControlRegisterReply
	err := h.producer.RequestControl(c.Request.Context(), queue.SubjectStreamRegister,
		dto.ControlRegisterRequest{StreamID: id, Params: req.Params}, &reply)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	paramsJSON, _ := json.Marshal(reply.Params)
	st := &models.Stream{
		ID:       id,
		EngineID: reply.EngineID,
		Name:     req.Name,
		Params:   paramsJSON,
	}
	if err := h.db.CreateStream(c.Request.Context(), st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := streamToResponse(st)
	p := reply.Params
	resp.Params = &p
	c.JSON(http.StatusCreated, resp)
}

func (h *StreamHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	st, err := h.db.GetStream(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	c.JSON(http.StatusOK, streamToResponse(st))
}

func (h *StreamHandler) List(c *gin.Context) {
	streams, err := h.db.ListStreams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.StreamResponse, 0, len(streams))
	for _, st := range streams {
		resp = append(resp, streamToResponse(&st))
	}

	c.JSON(http.StatusOK, dto.StreamListResponse{Streams: resp, Total: len(resp)})
}

// Params returns the live effective params from the worker.
func (h *StreamHandler) Params(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	var reply dto.ControlParamsReply
	err = h.producer.RequestControl(c.Request.Context(), queue.SubjectStreamParams,
		dto.ControlStreamRequest{StreamID: id}, &reply)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, reply.Params)
}

// Reconfigure applies a partial params update. Validation happens in the
// worker against the fully merged params; a rejected patch changes nothing.
func (h *StreamHandler) Reconfigure(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	var patch dto.StreamParamsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var reply dto.ControlParamsReply
	err = h.producer.RequestControl(c.Request.Context(), queue.SubjectStreamReconfigure,
		dto.ControlReconfigureRequest{StreamID: id, Params: &patch}, &reply)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	paramsJSON, _ := json.Marshal(reply.Params)
	if err := h.db.UpdateStreamParams(c.Request.Context(), id, paramsJSON); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, reply.Params)
}

// Close retires the stream's tracks in the worker and marks the registry
// record closed. Persisted track events survive the stream.
func (h *StreamHandler) Close(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	st, err := h.db.GetStream(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	err = h.producer.RequestControl(c.Request.Context(), queue.SubjectStreamClose,
		dto.ControlStreamRequest{StreamID: id}, nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.UpdateStreamStatus(c.Request.Context(), id, models.StreamStatusClosed, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "closed", "stream_id": id})
}

// SubmitFrame accepts one JPEG frame, stores it in MinIO and enqueues a
// frame task. frame_id must be strictly greater than any previous frame of
// the same stream; the worker rejects regressions.
func (h *StreamHandler) SubmitFrame(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	frameID, err := strconv.ParseInt(c.Query("frame_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frame_id query parameter required"})
		return
	}

	st, err := h.db.GetStream(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	if st.Status != models.StreamStatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "stream is closed"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes))
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty frame body"})
		return
	}

	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable frame"})
		return
	}

	key := storage.FrameKey(id, frameID)
	if err := h.minio.PutObject(c.Request.Context(), key, data, "image/jpeg"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	task := models.FrameTask{
		TaskID:    uuid.New(),
		StreamID:  id,
		FrameID:   frameID,
		Timestamp: time.Now().UTC(),
		FrameRef:  key,
		Width:     imgCfg.Width,
		Height:    imgCfg.Height,
	}
	if err := h.producer.PublishFrame(c.Request.Context(), id.String(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"stream_id": id, "frame_id": frameID, "frame_key": key})
}

func streamToResponse(st *models.Stream) dto.StreamResponse {
	resp := dto.StreamResponse{
		ID:           st.ID,
		Name:         st.Name,
		Status:       string(st.Status),
		ErrorMessage: st.ErrorMessage,
		CreatedAt:    st.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:    st.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
	if len(st.Params) > 0 {
		var p dto.StreamParams
		if err := json.Unmarshal(st.Params, &p); err == nil {
			resp.Params = &p
		}
	}
	return resp
}

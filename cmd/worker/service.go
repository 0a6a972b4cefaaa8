package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/trackd/internal/models"
	"github.com/your-org/trackd/internal/queue"
	"github.com/your-org/trackd/internal/storage"
	"github.com/your-org/trackd/internal/trackengine"
	"github.com/your-org/trackd/internal/vision"
	"github.com/your-org/trackd/pkg/dto"
)

// service owns the tracking engine and maps public stream UUIDs to the
// worker-local ids the engine hands out. All engine interaction is
// serialized through mu: frame batches and control commands arrive on
// separate goroutines.
type service struct {
	mu       sync.Mutex
	engine   *trackengine.Engine
	adapter  *vision.Adapter
	db       *storage.PostgresStore
	minio    *storage.MinIOStore
	producer *queue.Producer

	pubToEng map[uuid.UUID]int64
	engToPub map[int64]uuid.UUID
}

func newService(engine *trackengine.Engine, adapter *vision.Adapter, db *storage.PostgresStore, minio *storage.MinIOStore, producer *queue.Producer) *service {
	return &service{
		engine:   engine,
		adapter:  adapter,
		db:       db,
		minio:    minio,
		producer: producer,
		pubToEng: make(map[uuid.UUID]int64),
		engToPub: make(map[int64]uuid.UUID),
	}
}

// --- Control plane ---

func (s *service) handleRegister(ctx context.Context, data []byte) (interface{}, error) {
	var req dto.ControlRegisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode register request: %w", err)
	}

	patch, err := req.Params.ToEngine()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pubToEng[req.StreamID]; ok {
		return nil, fmt.Errorf("stream %s already registered", req.StreamID)
	}

	engID, err := s.engine.RegisterStream(patch)
	if err != nil {
		return nil, err
	}
	params, err := s.engine.StreamParams(engID)
	if err != nil {
		return nil, err
	}

	s.pubToEng[req.StreamID] = engID
	s.engToPub[engID] = req.StreamID

	return dto.ControlRegisterReply{
		EngineID: engID,
		Params:   dto.StreamParamsFromEngine(params),
	}, nil
}

func (s *service) handleParams(ctx context.Context, data []byte) (interface{}, error) {
	var req dto.ControlStreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode params request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	engID, ok := s.pubToEng[req.StreamID]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", req.StreamID, trackengine.ErrUnknownStream)
	}
	params, err := s.engine.StreamParams(engID)
	if err != nil {
		return nil, err
	}
	return dto.ControlParamsReply{Params: dto.StreamParamsFromEngine(params)}, nil
}

func (s *service) handleReconfigure(ctx context.Context, data []byte) (interface{}, error) {
	var req dto.ControlReconfigureRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode reconfigure request: %w", err)
	}

	patch, err := req.Params.ToEngine()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	engID, ok := s.pubToEng[req.StreamID]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", req.StreamID, trackengine.ErrUnknownStream)
	}
	if err := s.engine.Reconfigure(engID, patch); err != nil {
		return nil, err
	}
	params, err := s.engine.StreamParams(engID)
	if err != nil {
		return nil, err
	}
	return dto.ControlParamsReply{Params: dto.StreamParamsFromEngine(params)}, nil
}

func (s *service) handleClose(ctx context.Context, data []byte) (interface{}, error) {
	var req dto.ControlStreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode close request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	engID, ok := s.pubToEng[req.StreamID]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", req.StreamID, trackengine.ErrUnknownStream)
	}

	flushed, err := s.engine.CloseStream(engID)
	if err != nil {
		return nil, err
	}
	delete(s.pubToEng, req.StreamID)
	delete(s.engToPub, engID)

	now := time.Now().UTC()
	for _, r := range flushed {
		s.emitResult(ctx, req.StreamID, now, "", r)
	}

	// Stored frames are no longer needed once the stream is gone.
	if keys, err := s.minio.ListObjects(ctx, storage.StreamPrefix(req.StreamID)); err == nil && len(keys) > 0 {
		if err := s.minio.DeleteObjects(ctx, keys); err != nil {
			slog.Warn("cleanup stream frames", "stream", req.StreamID, "error", err)
		}
	}

	return map[string]int{"flushed": len(flushed)}, nil
}

// --- Frame processing ---

// processBatch drives one engine call per round. The engine accepts at most
// one frame per stream per call, so a fetched batch holding several frames of
// the same stream is split into consecutive rounds, preserving order.
func (s *service) processBatch(ctx context.Context, msgs []jetstream.Msg) error {
	var rounds [][]models.FrameTask
	occurrence := make(map[uuid.UUID]int)

	for _, msg := range msgs {
		var task models.FrameTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal frame task", "error", err)
			continue
		}
		n := occurrence[task.StreamID]
		occurrence[task.StreamID]++
		for len(rounds) <= n {
			rounds = append(rounds, nil)
		}
		rounds[n] = append(rounds[n], task)
	}

	for _, round := range rounds {
		if err := s.processRound(ctx, round); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) processRound(ctx context.Context, tasks []models.FrameTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []trackengine.Frame
	taskByEng := make(map[int64]models.FrameTask)

	for _, task := range tasks {
		engID, ok := s.pubToEng[task.StreamID]
		if !ok {
			slog.Warn("frame for unknown stream, dropping", "stream", task.StreamID, "frame", task.FrameID)
			continue
		}

		data, err := s.minio.GetObject(ctx, task.FrameRef)
		if err != nil {
			return fmt.Errorf("load frame %s: %w", task.FrameRef, err)
		}
		img, err := vision.DecodeImage(data)
		if err != nil {
			slog.Error("undecodable frame, dropping", "stream", task.StreamID, "frame", task.FrameID, "error", err)
			continue
		}

		frames = append(frames, trackengine.NewFrame(img, task.FrameID, engID))
		taskByEng[engID] = task
	}
	if len(frames) == 0 {
		return nil
	}

	results, err := s.engine.Track(ctx, frames)
	if err != nil {
		var npe *trackengine.NativeProcessingError
		if errors.As(err, &npe) {
			// Native failure left the streams untouched; retry the batch.
			return err
		}
		// Invalid input (stale frame numbers on redelivery, closed stream)
		// cannot succeed on retry.
		slog.Warn("dropping frame round", "error", err)
		return nil
	}

	for _, r := range results {
		pubID, ok := s.engToPub[r.StreamID]
		if !ok {
			continue
		}
		task := taskByEng[r.StreamID]
		s.emitResult(ctx, pubID, task.Timestamp, task.FrameRef, r)
	}
	return nil
}

// emitResult publishes one tracking result and persists its track lifecycle
// events.
func (s *service) emitResult(ctx context.Context, streamID uuid.UUID, ts time.Time, frameKey string, r trackengine.TrackingResult) {
	msg := dto.TrackingResultFromEngine(streamID, ts, frameKey, r)
	if err := s.producer.PublishTrackResult(ctx, streamID.String(), msg); err != nil {
		slog.Error("publish tracking result", "stream", streamID, "error", err)
	}

	started := make(map[int64]bool, len(r.TrackStart))
	for _, id := range r.TrackStart {
		started[id] = true
	}

	for _, ht := range r.HumanTracks {
		kind := models.TrackEventUpdated
		if started[ht.TrackID] {
			kind = models.TrackEventStarted
		} else if !detectionBacked(ht) {
			continue
		}
		ev := trackEventFrom(streamID, ht, kind, r.FrameID, ts, frameKey)
		if kind == models.TrackEventStarted && ht.Body != nil {
			ev.Descriptor = s.bodyDescriptor(ctx, streamID, ht)
		}
		if err := s.db.CreateTrackEvent(ctx, ev); err != nil {
			slog.Error("store track event", "stream", streamID, "track", ht.TrackID, "error", err)
		}
	}

	for _, id := range r.TrackEnd {
		ev := &models.TrackEvent{
			StreamID:  streamID,
			TrackID:   id,
			Kind:      models.TrackEventEnded,
			FrameID:   r.FrameID,
			Timestamp: ts,
			FrameKey:  frameKey,
		}
		if err := s.db.CreateTrackEvent(ctx, ev); err != nil {
			slog.Error("store track event", "stream", streamID, "track", id, "error", err)
		}
	}
}

// bodyDescriptor extracts a reID descriptor for the body box of a freshly
// started track so similarity search has an anchor per track.
func (s *service) bodyDescriptor(ctx context.Context, streamID uuid.UUID, ht trackengine.HumanTrack) []float32 {
	if s.adapter == nil || ht.Body == nil || ht.Body.Detection() == nil {
		return nil
	}
	key := storage.FrameKey(streamID, ht.Body.LastDetectionFrameID)
	data, err := s.minio.GetObject(ctx, key)
	if err != nil {
		return nil
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return nil
	}
	descs, err := s.adapter.Embed(ctx, []trackengine.EmbedRequest{{Image: img, BBox: ht.Body.BBox}})
	if err != nil || len(descs) != 1 {
		return nil
	}
	return descs[0]
}

func detectionBacked(ht trackengine.HumanTrack) bool {
	if ht.Face != nil && ht.Face.FromDetector {
		return true
	}
	if ht.Body != nil && ht.Body.FromDetector {
		return true
	}
	return false
}

func trackEventFrom(streamID uuid.UUID, ht trackengine.HumanTrack, kind models.TrackEventKind, frameID int64, ts time.Time, frameKey string) *models.TrackEvent {
	ev := &models.TrackEvent{
		StreamID:  streamID,
		TrackID:   ht.TrackID,
		Kind:      kind,
		FrameID:   frameID,
		Timestamp: ts,
		FrameKey:  frameKey,
	}
	if ht.Face != nil {
		b := [4]float32{ht.Face.BBox.X1, ht.Face.BBox.Y1, ht.Face.BBox.X2, ht.Face.BBox.Y2}
		ev.FaceBBox = &b
		ev.FaceScore = ht.Face.Score
	}
	if ht.Body != nil {
		b := [4]float32{ht.Body.BBox.X1, ht.Body.BBox.Y1, ht.Body.BBox.X2, ht.Body.BBox.Y2}
		ev.BodyBBox = &b
		ev.BodyScore = ht.Body.Score
	}
	return ev
}

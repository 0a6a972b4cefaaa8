package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/trackd/internal/config"
	"github.com/your-org/trackd/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Streams ---

func (s *PostgresStore) CreateStream(ctx context.Context, st *models.Stream) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	st.Status = models.StreamStatusActive
	if st.Params == nil {
		st.Params = json.RawMessage("{}")
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO streams (id, engine_id, name, status, params)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`,
		st.ID, st.EngineID, st.Name, st.Status, st.Params,
	).Scan(&st.CreatedAt, &st.UpdatedAt)
}

func (s *PostgresStore) GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	st := &models.Stream{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, engine_id, name, status, params, error_message, created_at, updated_at
		 FROM streams WHERE id = $1`, id,
	).Scan(&st.ID, &st.EngineID, &st.Name, &st.Status, &st.Params,
		&st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, engine_id, name, status, params, error_message, created_at, updated_at
		 FROM streams ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		var st models.Stream
		if err := rows.Scan(&st.ID, &st.EngineID, &st.Name, &st.Status, &st.Params,
			&st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, st)
	}
	return streams, nil
}

// UpdateStreamParams stores the effective params snapshot after a reconfigure.
func (s *PostgresStore) UpdateStreamParams(ctx context.Context, id uuid.UUID, params json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE streams SET params = $1, updated_at = now() WHERE id = $2`,
		params, id)
	return err
}

func (s *PostgresStore) UpdateStreamStatus(ctx context.Context, id uuid.UUID, status models.StreamStatus, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE streams SET status = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		status, errMsg, id)
	return err
}

func (s *PostgresStore) DeleteStream(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stream not found")
	}
	return nil
}

// --- Track events ---

func (s *PostgresStore) CreateTrackEvent(ctx context.Context, ev *models.TrackEvent) error {
	ev.ID = uuid.New()
	ev.CreatedAt = time.Now()
	var vec *pgvector.Vector
	if len(ev.Descriptor) > 0 {
		v := pgvector.NewVector(ev.Descriptor)
		vec = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO track_events (id, stream_id, track_id, kind, frame_id, timestamp, face_bbox, body_bbox, face_score, body_score, descriptor, frame_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, ev.StreamID, ev.TrackID, ev.Kind, ev.FrameID, ev.Timestamp,
		bboxSlice(ev.FaceBBox), bboxSlice(ev.BodyBBox), ev.FaceScore, ev.BodyScore,
		vec, ev.FrameKey, ev.CreatedAt)
	return err
}

func (s *PostgresStore) QueryTrackEvents(ctx context.Context, streamID uuid.UUID, trackID *int64, from, to *time.Time, limit, offset int) ([]models.TrackEvent, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	baseWhere := "WHERE stream_id = $1"
	args := []interface{}{streamID}
	argIdx := 2

	if trackID != nil {
		baseWhere += fmt.Sprintf(" AND track_id = $%d", argIdx)
		args = append(args, *trackID)
		argIdx++
	}
	if from != nil {
		baseWhere += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *from)
		argIdx++
	}
	if to != nil {
		baseWhere += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *to)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM track_events " + baseWhere
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count track events: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, stream_id, track_id, kind, frame_id, timestamp, face_bbox, body_bbox, face_score, body_score, frame_key, created_at
		 FROM track_events %s ORDER BY frame_id DESC LIMIT $%d OFFSET $%d`,
		baseWhere, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query track events: %w", err)
	}
	defer rows.Close()

	var events []models.TrackEvent
	for rows.Next() {
		ev, err := scanTrackEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *ev)
	}
	return events, total, nil
}

func (s *PostgresStore) GetTrackEvent(ctx context.Context, id uuid.UUID) (*models.TrackEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stream_id, track_id, kind, frame_id, timestamp, face_bbox, body_bbox, face_score, body_score, frame_key, created_at
		 FROM track_events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get track event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get track event: %w", err)
		}
		return nil, nil
	}
	return scanTrackEvent(rows)
}

// SearchSimilarTracks finds persisted track observations whose body reID
// descriptor is close to the probe, ordered by cosine similarity.
func (s *PostgresStore) SearchSimilarTracks(ctx context.Context, descriptor []float32, threshold float64, limit int) ([]TrackMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(descriptor)

	rows, err := s.pool.Query(ctx,
		`SELECT stream_id, track_id, 1 - (descriptor <=> $1) AS score
		 FROM track_events
		 WHERE descriptor IS NOT NULL
		   AND 1 - (descriptor <=> $1) >= $2
		 ORDER BY descriptor <=> $1
		 LIMIT $3`,
		vec, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar tracks: %w", err)
	}
	defer rows.Close()

	var matches []TrackMatch
	for rows.Next() {
		var m TrackMatch
		if err := rows.Scan(&m.StreamID, &m.TrackID, &m.Score); err != nil {
			return nil, fmt.Errorf("scan track match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

type TrackMatch struct {
	StreamID uuid.UUID `json:"stream_id"`
	TrackID  int64     `json:"track_id"`
	Score    float32   `json:"score"`
}

func scanTrackEvent(rows pgx.Rows) (*models.TrackEvent, error) {
	var ev models.TrackEvent
	var faceBox, bodyBox []float32
	if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.TrackID, &ev.Kind, &ev.FrameID, &ev.Timestamp,
		&faceBox, &bodyBox, &ev.FaceScore, &ev.BodyScore, &ev.FrameKey, &ev.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan track event: %w", err)
	}
	ev.FaceBBox = bboxArray(faceBox)
	ev.BodyBBox = bboxArray(bodyBox)
	return &ev, nil
}

func bboxSlice(b *[4]float32) []float32 {
	if b == nil {
		return nil
	}
	return b[:]
}

func bboxArray(s []float32) *[4]float32 {
	if len(s) != 4 {
		return nil
	}
	var b [4]float32
	copy(b[:], s)
	return &b
}

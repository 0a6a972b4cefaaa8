package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackd",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed by the tracking engine",
	}, []string{"stream_id"})

	TracksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackd",
		Name:      "tracks_started_total",
		Help:      "Total number of tracks started",
	}, []string{"stream_id"})

	TracksEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackd",
		Name:      "tracks_ended_total",
		Help:      "Total number of tracks ended",
	}, []string{"stream_id"})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackd",
		Name:      "active_streams",
		Help:      "Number of currently registered streams",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackd",
		Name:      "inference_duration_seconds",
		Help:      "Duration of native inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackd",
		Name:      "queue_depth",
		Help:      "Number of pending frame tasks in queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackd",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackd",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/trackd/internal/config"
	"github.com/your-org/trackd/internal/observability"
	"github.com/your-org/trackd/internal/queue"
	"github.com/your-org/trackd/internal/storage"
	"github.com/your-org/trackd/internal/trackengine"
	"github.com/your-org/trackd/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting trackd worker", "cpu_cores", runtime.NumCPU())

	engineCfg, err := cfg.TrackEngine()
	if err != nil {
		slog.Error("engine config", "error", err)
		os.Exit(1)
	}

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	adapter, err := vision.NewAdapter(cfg.Vision, engineCfg.FaceDetector, engineCfg.BodyDetector, nil)
	if err != nil {
		slog.Error("init vision models", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	engine, err := trackengine.New(engineCfg, adapter, adapter, slog.Default())
	if err != nil {
		slog.Error("init tracking engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	slog.Info("tracking engine initialized",
		"face", engineCfg.FaceDetector,
		"body", engineCfg.BodyDetector,
		"tracker", engineCfg.TrackerType,
	)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	svc := newService(engine, adapter, db, minioStore, producer)

	// Control plane: stream lifecycle commands from the API
	controlHandlers := map[string]queue.ControlHandler{
		queue.SubjectStreamRegister:    svc.handleRegister,
		queue.SubjectStreamParams:      svc.handleParams,
		queue.SubjectStreamReconfigure: svc.handleReconfigure,
		queue.SubjectStreamClose:       svc.handleClose,
	}
	for subject, handler := range controlHandlers {
		if _, err := consumer.RespondControl(subject, handler); err != nil {
			slog.Error("subscribe control", "subject", subject, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Frame tasks: fetched in batches so detect/redetect/embed work fuses
	// across streams inside one engine call.
	err = consumer.ConsumeFrameBatches(ctx, "track-workers", svc.processBatch,
		cfg.Engine.Experimental.DetectMaxBatchSize)
	if err != nil {
		slog.Error("start frame consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path
// based on the operating system.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}

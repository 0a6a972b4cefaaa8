package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/your-org/trackd/internal/trackengine"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Vision   VisionConfig   `yaml:"vision"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir              string  `yaml:"models_dir"`
	FaceDetectionThreshold float64 `yaml:"face_detection_threshold"`
	BodyDetectionThreshold float64 `yaml:"body_detection_threshold"`
}

// EngineConfig mirrors the hierarchical settings surface of the tracking
// engine. Section and key names match the native configuration file so
// operators can carry values over verbatim.
type EngineConfig struct {
	Other        OtherSettings        `yaml:"other"`
	FRG          FRGSettings          `yaml:"frg"`
	Face         FaceSettings         `yaml:"face"`
	Human        HumanSettings        `yaml:"human"`
	Detectors    DetectorsSettings    `yaml:"detectors"`
	Experimental ExperimentalSettings `yaml:"experimental"`
}

type OtherSettings struct {
	DetectorStep              int     `yaml:"detector-step"`
	SkipFrames                int     `yaml:"skip-frames"`
	FramesBufferSize          int     `yaml:"frames-buffer-size"`
	CallbackBufferSize        int     `yaml:"callback-buffer-size"`
	TrackingResultsBufferSize int     `yaml:"tracking-results-buffer-size"`
	DetectorScaling           bool    `yaml:"detector-scaling"`
	ScaleResultSize           int     `yaml:"scale-result-size"`
	MinimalTrackLength        int     `yaml:"minimal-track-length"`
	KillIntersectionValue     float64 `yaml:"kill-intersection-value"`
	FrgSubtractor             bool    `yaml:"frg-subtractor"`
	TrackerType               string  `yaml:"tracker-type"`
}

type FRGSettings struct {
	FrgUpdateStep int `yaml:"frg-update-step"`
	FrgScaleSize  int `yaml:"frg-scale-size"`
}

type FaceSettings struct {
	FaceLandmarksDetection bool `yaml:"face-landmarks-detection"`
}

type HumanSettings struct {
	RemoveOverlappedStrategy    string  `yaml:"remove-overlapped-strategy"`
	RemoveHorizontalRatio       float64 `yaml:"remove-horizontal-ratio"`
	IOUConnectionThreshold      float64 `yaml:"iou-connection-threshold"`
	UseBodyReid                 bool    `yaml:"use-body-reid"`
	ReidMatchingThreshold       float64 `yaml:"reid-matching-threshold"`
	ReidMatchingDetectionsCount int     `yaml:"reid-matching-detections-count"`
	InactiveTracksLifetime      int     `yaml:"inactive-tracks-lifetime"`
}

type DetectorsSettings struct {
	UseFaceDetector bool `yaml:"use-face-detector"`
	UseBodyDetector bool `yaml:"use-body-detector"`
}

type ExperimentalSettings struct {
	DetectMaxBatchSize   int `yaml:"detect-max-batch-size"`
	RedetectMaxBatchSize int `yaml:"redetect-max-batch-size"`
	ReidMaxBatchSize     int `yaml:"reid-max-batch-size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

// TrackEngine converts the engine section into the core configuration,
// including the default stream params new streams inherit.
func (c *Config) TrackEngine() (trackengine.Config, error) {
	e := c.Engine

	trackerType, err := trackengine.ParseTrackerType(e.Other.TrackerType)
	if err != nil {
		return trackengine.Config{}, fmt.Errorf("engine.other.tracker-type: %w", err)
	}
	strategy, err := trackengine.ParseOverlapStrategy(e.Human.RemoveOverlappedStrategy)
	if err != nil {
		return trackengine.Config{}, fmt.Errorf("engine.human.remove-overlapped-strategy: %w", err)
	}

	params := trackengine.DefaultStreamParams()
	params.CallbackBufferSize = e.Other.CallbackBufferSize
	params.DetectorScaling = e.Other.DetectorScaling
	params.DetectorStep = e.Other.DetectorStep
	params.FramesBufferSize = e.Other.FramesBufferSize
	params.KillIntersectedIOUThreshold = float32(e.Other.KillIntersectionValue)
	params.MinimalTrackLength = e.Other.MinimalTrackLength
	params.ScaledSize = e.Other.ScaleResultSize
	params.SkipFrames = e.Other.SkipFrames
	params.TrackingResultsBufferSize = e.Other.TrackingResultsBufferSize
	params.UseForegroundSubtraction = e.Other.FrgSubtractor
	params.HumanTracking = trackengine.HumanTrackingParams{
		InactiveTracksLifetime:      e.Human.InactiveTracksLifetime,
		IOUConnectionThreshold:      float32(e.Human.IOUConnectionThreshold),
		ReIDMatchingDetectionsCount: e.Human.ReidMatchingDetectionsCount,
		ReIDMatchingThreshold:       float32(e.Human.ReidMatchingThreshold),
		RemoveHorizontalRatio:       float32(e.Human.RemoveHorizontalRatio),
		RemoveOverlappedStrategy:    strategy,
	}
	if err := params.Validate(); err != nil {
		return trackengine.Config{}, fmt.Errorf("engine params: %w", err)
	}

	return trackengine.Config{
		FaceDetector: e.Detectors.UseFaceDetector,
		BodyDetector: e.Detectors.UseBodyDetector,
		TrackerType:  trackerType,
		FRG: trackengine.FRGConfig{
			UpdateStep: e.FRG.FrgUpdateStep,
			ScaleSize:  e.FRG.FrgScaleSize,
		},
		DefaultParams: params,
	}, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.FaceDetectionThreshold == 0 {
		cfg.Vision.FaceDetectionThreshold = 0.5
	}
	if cfg.Vision.BodyDetectionThreshold == 0 {
		cfg.Vision.BodyDetectionThreshold = 0.45
	}

	defaults := trackengine.DefaultStreamParams()
	e := &cfg.Engine
	if e.Other.DetectorStep == 0 {
		e.Other.DetectorStep = defaults.DetectorStep
	}
	if e.Other.SkipFrames == 0 {
		e.Other.SkipFrames = defaults.SkipFrames
	}
	if e.Other.FramesBufferSize == 0 {
		e.Other.FramesBufferSize = defaults.FramesBufferSize
	}
	if e.Other.CallbackBufferSize == 0 {
		e.Other.CallbackBufferSize = defaults.CallbackBufferSize
	}
	if e.Other.TrackingResultsBufferSize == 0 {
		e.Other.TrackingResultsBufferSize = defaults.TrackingResultsBufferSize
	}
	if e.Other.ScaleResultSize == 0 {
		e.Other.ScaleResultSize = defaults.ScaledSize
	}
	if e.Other.MinimalTrackLength == 0 {
		e.Other.MinimalTrackLength = defaults.MinimalTrackLength
	}
	if e.Other.KillIntersectionValue == 0 {
		e.Other.KillIntersectionValue = float64(defaults.KillIntersectedIOUThreshold)
	}
	if e.Other.TrackerType == "" {
		e.Other.TrackerType = "none"
	}
	if e.Human.RemoveOverlappedStrategy == "" {
		e.Human.RemoveOverlappedStrategy = "both"
	}
	if e.Human.RemoveHorizontalRatio == 0 {
		e.Human.RemoveHorizontalRatio = float64(defaults.HumanTracking.RemoveHorizontalRatio)
	}
	if e.Human.IOUConnectionThreshold == 0 {
		e.Human.IOUConnectionThreshold = float64(defaults.HumanTracking.IOUConnectionThreshold)
	}
	if e.Human.ReidMatchingThreshold == 0 {
		e.Human.ReidMatchingThreshold = float64(defaults.HumanTracking.ReIDMatchingThreshold)
	}
	if e.Human.ReidMatchingDetectionsCount == 0 {
		e.Human.ReidMatchingDetectionsCount = defaults.HumanTracking.ReIDMatchingDetectionsCount
	}
	if e.Human.InactiveTracksLifetime == 0 {
		e.Human.InactiveTracksLifetime = defaults.HumanTracking.InactiveTracksLifetime
	}
	if !e.Detectors.UseFaceDetector && !e.Detectors.UseBodyDetector {
		e.Detectors.UseFaceDetector = true
	}
	if e.FRG.FrgUpdateStep == 0 {
		e.FRG.FrgUpdateStep = 10
	}
	if e.FRG.FrgScaleSize == 0 {
		e.FRG.FrgScaleSize = 160
	}
	if e.Experimental.DetectMaxBatchSize == 0 {
		e.Experimental.DetectMaxBatchSize = 8
	}
	if e.Experimental.RedetectMaxBatchSize == 0 {
		e.Experimental.RedetectMaxBatchSize = 16
	}
	if e.Experimental.ReidMaxBatchSize == 0 {
		e.Experimental.ReidMaxBatchSize = 16
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRACKD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TRACKD_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("TRACKD_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("TRACKD_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("TRACKD_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("TRACKD_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("TRACKD_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("TRACKD_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("TRACKD_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("TRACKD_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("TRACKD_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("TRACKD_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("TRACKD_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
}

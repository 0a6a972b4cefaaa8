package trackengine

import (
	"fmt"
	"strings"
)

// OverlapStrategy selects how mutually overlapping detections are suppressed
// before association.
type OverlapStrategy uint8

const (
	// OverlapNone disables overlap suppression.
	OverlapNone OverlapStrategy = iota
	// OverlapScore keeps only the highest-confidence detection among a group
	// overlapping above the kill-intersection threshold.
	OverlapScore
	// OverlapBoth additionally discards elongated detections whose
	// width/height ratio exceeds the remove-horizontal ratio.
	OverlapBoth
)

func (s OverlapStrategy) String() string {
	switch s {
	case OverlapNone:
		return "none"
	case OverlapScore:
		return "score"
	case OverlapBoth:
		return "both"
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseOverlapStrategy parses a remove-overlapped-strategy config token.
// Tokens are matched case-insensitively; the canonical spelling is lowercase.
func ParseOverlapStrategy(s string) (OverlapStrategy, error) {
	switch strings.ToLower(s) {
	case "none":
		return OverlapNone, nil
	case "score":
		return OverlapScore, nil
	case "both", "":
		return OverlapBoth, nil
	}
	return 0, fmt.Errorf("unknown overlap strategy %q", s)
}

// HumanTrackingParams tunes body tracking and re-identification.
type HumanTrackingParams struct {
	// InactiveTracksLifetime is how many frames an inactive body track is
	// retained for possible re-identification.
	InactiveTracksLifetime int
	// IOUConnectionThreshold is the minimum IOU for matching a detection to
	// an existing track.
	IOUConnectionThreshold float32
	// ReIDMatchingDetectionsCount is how many supporting detections a track
	// must have accumulated to be eligible for re-identification.
	ReIDMatchingDetectionsCount int
	// ReIDMatchingThreshold is the minimum descriptor similarity for
	// re-identification.
	ReIDMatchingThreshold float32
	// RemoveHorizontalRatio is the width/height ratio above which a
	// detection is considered an elongated false positive.
	RemoveHorizontalRatio float32
	// RemoveOverlappedStrategy selects overlap suppression behaviour.
	RemoveOverlappedStrategy OverlapStrategy
}

// StreamParams is the immutable per-stream configuration snapshot. A stream
// holds exactly one active StreamParams at a time.
type StreamParams struct {
	// CallbackBufferSize and FramesBufferSize are accepted and validated
	// for settings compatibility but do not gate anything here: Track
	// emits results synchronously, so there is no callback queue and no
	// internal frame buffer. Only TrackingResultsBufferSize bounds the
	// pending results of an open stream.
	CallbackBufferSize          int
	DetectorScaling             bool
	DetectorStep                int
	FramesBufferSize            int
	ROI                         RectF
	KillIntersectedIOUThreshold float32
	MinimalTrackLength          int
	ScaledSize                  int
	SkipFrames                  int
	TrackingResultsBufferSize   int
	UseForegroundSubtraction    bool
	HumanTracking               HumanTrackingParams
}

// DefaultStreamParams returns the documented defaults.
func DefaultStreamParams() StreamParams {
	return StreamParams{
		CallbackBufferSize:          20,
		DetectorScaling:             false,
		DetectorStep:                7,
		FramesBufferSize:            20,
		ROI:                         FullROI(),
		KillIntersectedIOUThreshold: 0.55,
		MinimalTrackLength:          1,
		ScaledSize:                  640,
		SkipFrames:                  36,
		TrackingResultsBufferSize:   20,
		UseForegroundSubtraction:    false,
		HumanTracking: HumanTrackingParams{
			InactiveTracksLifetime:      100,
			IOUConnectionThreshold:      0.3,
			ReIDMatchingDetectionsCount: 7,
			ReIDMatchingThreshold:       0.85,
			RemoveHorizontalRatio:       0.8,
			RemoveOverlappedStrategy:    OverlapBoth,
		},
	}
}

// Validate checks every field against its documented range. The first
// violation is reported as a *ConfigurationError.
func (p StreamParams) Validate() error {
	if p.CallbackBufferSize < 1 {
		return &ConfigurationError{Field: "callbackBufferSize", Value: p.CallbackBufferSize, Reason: "must be >= 1"}
	}
	if p.DetectorStep < 1 || p.DetectorStep > 30 {
		return &ConfigurationError{Field: "detectorStep", Value: p.DetectorStep, Reason: "must be in [1, 30]"}
	}
	if p.FramesBufferSize < 10 {
		return &ConfigurationError{Field: "framesBufferSize", Value: p.FramesBufferSize, Reason: "must be >= 10"}
	}
	if err := validateROI(p.ROI); err != nil {
		return err
	}
	if p.KillIntersectedIOUThreshold < 0 || p.KillIntersectedIOUThreshold > 1 {
		return &ConfigurationError{Field: "killIntersectedIOUThreshold", Value: p.KillIntersectedIOUThreshold, Reason: "must be in [0, 1]"}
	}
	if p.MinimalTrackLength < 1 {
		return &ConfigurationError{Field: "minimalTrackLength", Value: p.MinimalTrackLength, Reason: "must be >= 1"}
	}
	if p.ScaledSize < 16 {
		return &ConfigurationError{Field: "scaledSize", Value: p.ScaledSize, Reason: "must be >= 16"}
	}
	if p.SkipFrames < 1 {
		return &ConfigurationError{Field: "skipFrames", Value: p.SkipFrames, Reason: "must be >= 1"}
	}
	if p.TrackingResultsBufferSize < 1 {
		return &ConfigurationError{Field: "trackingResultsBufferSize", Value: p.TrackingResultsBufferSize, Reason: "must be >= 1"}
	}
	return p.HumanTracking.validate()
}

func validateROI(roi RectF) error {
	if roi.X < 0 || roi.X > 1 || roi.Y < 0 || roi.Y > 1 {
		return &ConfigurationError{Field: "roi", Value: roi, Reason: "origin must be in [0, 1]"}
	}
	if roi.Width <= 0 || roi.Height <= 0 {
		return &ConfigurationError{Field: "roi", Value: roi, Reason: "size must be positive"}
	}
	if roi.X+roi.Width > 1 || roi.Y+roi.Height > 1 {
		return &ConfigurationError{Field: "roi", Value: roi, Reason: "must not exceed the frame"}
	}
	return nil
}

func (p HumanTrackingParams) validate() error {
	if p.InactiveTracksLifetime < 1 {
		return &ConfigurationError{Field: "inactiveTracksLifetime", Value: p.InactiveTracksLifetime, Reason: "must be >= 1"}
	}
	if p.IOUConnectionThreshold < 0 || p.IOUConnectionThreshold > 1 {
		return &ConfigurationError{Field: "iouConnectionThreshold", Value: p.IOUConnectionThreshold, Reason: "must be in [0, 1]"}
	}
	if p.ReIDMatchingDetectionsCount < 1 {
		return &ConfigurationError{Field: "reIDMatchingDetectionsCount", Value: p.ReIDMatchingDetectionsCount, Reason: "must be >= 1"}
	}
	if p.ReIDMatchingThreshold < 0 || p.ReIDMatchingThreshold > 1 {
		return &ConfigurationError{Field: "reIDMatchingThreshold", Value: p.ReIDMatchingThreshold, Reason: "must be in [0, 1]"}
	}
	if p.RemoveHorizontalRatio <= 0 {
		return &ConfigurationError{Field: "removeHorizontalRatio", Value: p.RemoveHorizontalRatio, Reason: "must be > 0"}
	}
	if p.RemoveOverlappedStrategy > OverlapBoth {
		return &ConfigurationError{Field: "removeOverlappedStrategy", Value: p.RemoveOverlappedStrategy, Reason: "unknown strategy"}
	}
	return nil
}

// HumanTrackingParamsPatch is a partial update of HumanTrackingParams. Nil
// fields inherit the current value.
type HumanTrackingParamsPatch struct {
	InactiveTracksLifetime      *int
	IOUConnectionThreshold      *float32
	ReIDMatchingDetectionsCount *int
	ReIDMatchingThreshold       *float32
	RemoveHorizontalRatio       *float32
	RemoveOverlappedStrategy    *OverlapStrategy
}

// StreamParamsPatch is a partial update of StreamParams. Nil fields inherit
// the current value, so a zero patch is a no-op.
type StreamParamsPatch struct {
	CallbackBufferSize          *int
	DetectorScaling             *bool
	DetectorStep                *int
	FramesBufferSize            *int
	ROI                         *RectF
	KillIntersectedIOUThreshold *float32
	MinimalTrackLength          *int
	ScaledSize                  *int
	SkipFrames                  *int
	TrackingResultsBufferSize   *int
	UseForegroundSubtraction    *bool
	HumanTracking               *HumanTrackingParamsPatch
}

// Apply returns a copy of p with all set patch fields overridden. The
// receiver is not modified and the result is not validated.
func (p StreamParams) Apply(patch *StreamParamsPatch) StreamParams {
	out := p
	if patch == nil {
		return out
	}
	if patch.CallbackBufferSize != nil {
		out.CallbackBufferSize = *patch.CallbackBufferSize
	}
	if patch.DetectorScaling != nil {
		out.DetectorScaling = *patch.DetectorScaling
	}
	if patch.DetectorStep != nil {
		out.DetectorStep = *patch.DetectorStep
	}
	if patch.FramesBufferSize != nil {
		out.FramesBufferSize = *patch.FramesBufferSize
	}
	if patch.ROI != nil {
		out.ROI = *patch.ROI
	}
	if patch.KillIntersectedIOUThreshold != nil {
		out.KillIntersectedIOUThreshold = *patch.KillIntersectedIOUThreshold
	}
	if patch.MinimalTrackLength != nil {
		out.MinimalTrackLength = *patch.MinimalTrackLength
	}
	if patch.ScaledSize != nil {
		out.ScaledSize = *patch.ScaledSize
	}
	if patch.SkipFrames != nil {
		out.SkipFrames = *patch.SkipFrames
	}
	if patch.TrackingResultsBufferSize != nil {
		out.TrackingResultsBufferSize = *patch.TrackingResultsBufferSize
	}
	if patch.UseForegroundSubtraction != nil {
		out.UseForegroundSubtraction = *patch.UseForegroundSubtraction
	}
	if hp := patch.HumanTracking; hp != nil {
		if hp.InactiveTracksLifetime != nil {
			out.HumanTracking.InactiveTracksLifetime = *hp.InactiveTracksLifetime
		}
		if hp.IOUConnectionThreshold != nil {
			out.HumanTracking.IOUConnectionThreshold = *hp.IOUConnectionThreshold
		}
		if hp.ReIDMatchingDetectionsCount != nil {
			out.HumanTracking.ReIDMatchingDetectionsCount = *hp.ReIDMatchingDetectionsCount
		}
		if hp.ReIDMatchingThreshold != nil {
			out.HumanTracking.ReIDMatchingThreshold = *hp.ReIDMatchingThreshold
		}
		if hp.RemoveHorizontalRatio != nil {
			out.HumanTracking.RemoveHorizontalRatio = *hp.RemoveHorizontalRatio
		}
		if hp.RemoveOverlappedStrategy != nil {
			out.HumanTracking.RemoveOverlappedStrategy = *hp.RemoveOverlappedStrategy
		}
	}
	return out
}

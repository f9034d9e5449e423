package pipeline

import (
	"image"
	"time"

	"spotter/internal/detector"
)

// FrameData represents one captured camera frame
type FrameData struct {
	Image     image.Image // decoded frame pixels
	Seq       uint64      // frame sequence number
	Timestamp time.Time   // capture timestamp
	Width     int         // frame width in pixels
	Height    int         // frame height in pixels
}

// DetectionBatch is the published result of one completed inference call.
// Observers always see the most recently completed call; results of calls
// that were in flight when the session stopped are never published.
type DetectionBatch struct {
	Detections   []detector.Detection `json:"detections"`
	FrameSeq     uint64               `json:"frame_seq"`
	Timestamp    time.Time            `json:"timestamp"`
	FrameWidth   int                  `json:"frame_width"`
	FrameHeight  int                  `json:"frame_height"`
	WatchedLabel string               `json:"watched_label,omitempty"`
	LowLight     bool                 `json:"low_light"`
}

// SessionConfig holds tunables for a detection session.
type SessionConfig struct {
	// ConfidenceThreshold gates auto-capture. Zero means use the
	// adapter's resolved threshold.
	ConfidenceThreshold float32
	// AutoSaveEnabled controls whether qualifying detections are
	// persisted automatically.
	AutoSaveEnabled bool
	// AutoCaptureCooldown is the minimum interval between automatic
	// captures. Zero means the 3 second default.
	AutoCaptureCooldown time.Duration
}

const (
	defaultAutoCaptureCooldown = 3 * time.Second

	// lowLightThreshold is the mean channel intensity (out of 255) below
	// which a frame is flagged as low light. A heuristic for warning the
	// user, not a photometric measurement.
	lowLightThreshold = 50

	// brightnessGrid is the sampling grid dimension for the brightness
	// estimate.
	brightnessGrid = 10
)

// SessionStats are process-local counters for one detection session.
type SessionStats struct {
	FramesSeen      uint64
	FramesDropped   uint64
	BatchesComplete uint64
	DetectionsSeen  uint64
	CapturesSaved   uint64
}

// CaptureRequest describes one persistence request handed to the capture
// sink. Frame is the exact frame the detection was produced from (or, for
// a manual capture, the most recent frame still holding the detection).
type CaptureRequest struct {
	Detection detector.Detection
	Frame     *FrameData
	Manual    bool
}

// CaptureSink persists a captured detection: image, thumbnail, optional
// location and the detection record. Implementations must be safe to call
// from the session's detached capture goroutines.
type CaptureSink interface {
	Save(req CaptureRequest) error
}

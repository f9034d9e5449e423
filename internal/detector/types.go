package detector

import (
	"math"
)

// Backend identifies the execution path used for inference.
type Backend string

const (
	// BackendAccelerated runs inference on the device's acceleration hardware
	BackendAccelerated Backend = "accelerated"
	// BackendStandard runs inference on the CPU
	BackendStandard Backend = "standard"
)

// BBox represents a bounding box in image pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Width returns the box width in pixels
func (b BBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the box height in pixels
func (b BBox) Height() float32 {
	return b.Y2 - b.Y1
}

// CenterX returns the horizontal center of the box
func (b BBox) CenterX() float32 {
	return (b.X1 + b.X2) / 2
}

// CenterY returns the vertical center of the box
func (b BBox) CenterY() float32 {
	return (b.Y1 + b.Y2) / 2
}

// Category is one class hypothesis for a raw detection
type Category struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// RawDetection is a single unfiltered proposal as reported by an engine.
// Categories are ordered by the engine, best first; a proposal with no
// categories carries no usable label and is discarded downstream.
type RawDetection struct {
	Box        BBox       `json:"bbox"`
	Categories []Category `json:"categories"`
}

// Detection is one recognized object instance in one frame after
// post-processing. Ephemeral: created per inference call, not persisted.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        BBox    `json:"bbox"`
	LatencyMs  int64   `json:"latency_ms"`
}

// dedupeKey identifies near-identical proposals of the same physical object:
// same label, box center rounded to the same integer pixel.
func (d Detection) dedupeKey() dedupeKey {
	return dedupeKey{
		label:   d.Label,
		centerX: int(math.Round(float64(d.Box.CenterX()))),
		centerY: int(math.Round(float64(d.Box.CenterY()))),
	}
}

type dedupeKey struct {
	label   string
	centerX int
	centerY int
}

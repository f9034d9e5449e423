package detector

import (
	"image"
)

// Engine runs inference on a single image and reports raw proposals.
// Implementations own their backend resources; Close releases them.
// An Engine is exclusively owned by one Adapter and is never shared
// across concurrent callers.
type Engine interface {
	// Infer runs one inference pass. The image is always *image.RGBA;
	// the adapter normalizes before calling.
	Infer(img *image.RGBA) ([]RawDetection, error)

	// Close releases backend resources. Must be idempotent.
	Close() error
}

// EngineOptions are fixed at engine construction. Changing the threshold
// or backend requires building a new engine.
type EngineOptions struct {
	ModelPath      string
	ScoreThreshold float32
	MaxResults     int
	NumThreads     int
	Backend        Backend
}

// EngineFactory reports backend capability and constructs engines.
// Construction failures are ordinary errors, not panics; the adapter
// maps an accelerated-backend failure to a single standard-backend retry.
type EngineFactory interface {
	// Supports reports whether the backend can run on this device.
	Supports(b Backend) bool

	// New constructs an engine with the given immutable options.
	New(opts EngineOptions) (Engine, error)
}

package detector

import (
	"fmt"
	"image"
	"image/draw"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Model files in priority order (best to fallback)
var modelFiles = []string{
	"1.tflite",                  // user's custom model
	"yolov8n.tflite",            // YOLOv8 Nano - fast & accurate
	"efficientdet_lite4.tflite", // EfficientDet - most accurate
	"ssd_mobilenet_v2.tflite",   // SSD MobileNet - balanced
	"detect.tflite",             // default fallback
}

// Confidence thresholds optimized per model. Different architectures
// calibrate confidence differently; a single global threshold produces
// uneven recall across models, so a known model overrides the caller's
// requested threshold.
var modelThresholds = map[string]float32{
	"1":             0.40,
	"yolov8n":       0.35,
	"efficientdet":  0.50,
	"ssd_mobilenet": 0.45,
	"detect":        0.55,
}

const (
	// DefaultConfidenceThreshold is used when the caller does not supply one
	DefaultConfidenceThreshold float32 = 0.45
	// MinConfidenceThreshold is the lowest accepted threshold
	MinConfidenceThreshold float32 = 0.25
	// MaxConfidenceThreshold is the highest accepted threshold
	MaxConfidenceThreshold float32 = 0.9
	// MaxResults caps the number of detections returned per frame
	MaxResults = 10

	// minBoxSize is the pixel floor below which box regression is noise
	minBoxSize float32 = 20

	numThreads = 4
)

// Adapter owns the lifecycle of an on-device inference backend. It selects
// a model artifact by priority, picks the best available execution backend
// with automatic fallback, runs inference on single images and
// post-processes raw proposals into a filtered, ranked detection list.
//
// State machine: uninitialized -> Initialize -> ready ->
// (UpdateConfidenceThreshold | Close) -> uninitialized. Detect is only
// meaningful when ready; in any other state it returns an empty list.
type Adapter struct {
	factory EngineFactory

	// model search tiers: a writable override directory first, then the
	// read-only bundled set. First match wins.
	overrideDir string
	bundleDir   string

	mu          sync.RWMutex
	engine      Engine
	initialized bool
	accelerated bool
	model       string // model file name, e.g. "yolov8n.tflite"
	threshold   float32
}

// NewAdapter creates an uninitialized adapter. overrideDir may be empty
// when no writable model tier exists.
func NewAdapter(factory EngineFactory, overrideDir, bundleDir string) *Adapter {
	return &Adapter{
		factory:     factory,
		overrideDir: overrideDir,
		bundleDir:   bundleDir,
	}
}

// Initialize selects a model, resolves the confidence threshold and builds
// an engine on the best available backend.
//
// If modelName is non-empty it is looked up in the override directory and
// then the bundled set; otherwise the fixed priority list is scanned in
// order. A known model identifier overrides the requested threshold with
// its calibrated value. Accelerated construction failures fall back to the
// standard backend exactly once; if that also fails, initialization fails
// and the adapter stays uninitialized.
func (a *Adapter) Initialize(requestedThreshold float32, modelName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
		a.initialized = false
		a.accelerated = false
	}

	modelPath, name, err := a.findModel(modelName)
	if err != nil {
		return err
	}

	threshold := resolveThreshold(name, requestedThreshold)
	log.Printf("[Detector] Using model %s with threshold %.2f", name, threshold)

	opts := EngineOptions{
		ModelPath:      modelPath,
		ScoreThreshold: threshold,
		MaxResults:     MaxResults,
		NumThreads:     numThreads,
	}

	accelerated := a.factory.Supports(BackendAccelerated)
	if accelerated {
		log.Printf("[Detector] Accelerated backend supported on this device")
	} else {
		log.Printf("[Detector] Accelerated backend not supported, using standard")
	}

	var engine Engine
	if accelerated {
		opts.Backend = BackendAccelerated
		engine, err = a.factory.New(opts)
		if err != nil {
			log.Printf("[Detector] Accelerated engine failed (%v), falling back to standard", err)
			accelerated = false
		}
	}
	if engine == nil {
		opts.Backend = BackendStandard
		engine, err = a.factory.New(opts)
		if err != nil {
			return fmt.Errorf("failed to create standard engine: %w", err)
		}
	}

	a.engine = engine
	a.initialized = true
	a.accelerated = accelerated
	a.model = name
	a.threshold = threshold

	backend := BackendStandard
	if accelerated {
		backend = BackendAccelerated
	}
	log.Printf("[Detector] Initialized with %s using %s backend", name, backend)
	return nil
}

// findModel resolves a model file across the two tiers. Returns the full
// path and the bare file name.
func (a *Adapter) findModel(modelName string) (string, string, error) {
	candidates := modelFiles
	if modelName != "" {
		candidates = []string{modelName}
	}

	for _, name := range candidates {
		if a.overrideDir != "" {
			p := filepath.Join(a.overrideDir, name)
			if fileExists(p) {
				log.Printf("[Detector] Found model in override dir: %s", name)
				return p, name, nil
			}
		}
		p := filepath.Join(a.bundleDir, name)
		if fileExists(p) {
			log.Printf("[Detector] Found bundled model: %s", name)
			return p, name, nil
		}
	}

	if modelName != "" {
		return "", "", fmt.Errorf("requested model %q not found", modelName)
	}
	return "", "", fmt.Errorf("no model file found in %s or %s", a.overrideDir, a.bundleDir)
}

// resolveThreshold returns the calibrated threshold for a known model
// identifier, or the requested threshold otherwise.
func resolveThreshold(modelName string, requested float32) float32 {
	base := strings.TrimSuffix(modelName, filepath.Ext(modelName))
	// Deterministic lookup order: longest keys first so "ssd_mobilenet"
	// wins over a hypothetical shorter substring match.
	keys := make([]string, 0, len(modelThresholds))
	for k := range modelThresholds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.Contains(strings.ToLower(base), k) {
			return modelThresholds[k]
		}
	}
	return requested
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Detect runs inference on one image and returns a filtered, ranked
// detection list. Calling Detect before a successful Initialize is the
// documented idle behavior and returns an empty list. Detect never
// panics or returns an error: transient inference failures are logged
// and surface as an empty result for that frame only.
func (a *Adapter) Detect(img image.Image) (results []Detection) {
	a.mu.RLock()
	engine := a.engine
	ready := a.initialized
	a.mu.RUnlock()

	results = []Detection{}
	if !ready || engine == nil {
		log.Printf("[Detector] Detect called before initialization")
		return results
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Detector] Recovered from detection panic: %v", r)
			results = []Detection{}
		}
	}()

	start := time.Now()
	raw, err := engine.Infer(normalizeRGBA(img))
	if err != nil {
		log.Printf("[Detector] Inference error: %v", err)
		return results
	}
	latency := time.Since(start).Milliseconds()

	return postFilter(raw, latency)
}

// postFilter applies the fixed post-processing chain: size floor, top
// category mapping, confidence sort, center dedupe, result cap.
func postFilter(raw []RawDetection, latencyMs int64) []Detection {
	detections := make([]Detection, 0, len(raw))
	for _, r := range raw {
		if r.Box.Width() < minBoxSize || r.Box.Height() < minBoxSize {
			continue
		}
		if len(r.Categories) == 0 {
			continue
		}
		top := r.Categories[0]
		detections = append(detections, Detection{
			Label:      strings.TrimSpace(top.Label),
			Confidence: top.Score,
			Box:        r.Box,
			LatencyMs:  latencyMs,
		})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	seen := make(map[dedupeKey]bool, len(detections))
	out := detections[:0]
	for _, d := range detections {
		key := d.dedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
		if len(out) == MaxResults {
			break
		}
	}
	return out
}

// normalizeRGBA converts an image to the fixed RGBA pixel format the
// engine requires. A no-op when the image is already RGBA; otherwise a
// copy is made so the caller's image is never mutated.
func normalizeRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba
}

// UpdateConfidenceThreshold validates and stages a new threshold. Values
// outside [MinConfidenceThreshold, MaxConfidenceThreshold] are rejected
// with a log only. On acceptance the engine is torn down and the adapter
// returns to the uninitialized state: engine options are immutable once
// constructed, so the caller must Initialize again for the new threshold
// to take effect.
func (a *Adapter) UpdateConfidenceThreshold(threshold float32) {
	if threshold < MinConfidenceThreshold || threshold > MaxConfidenceThreshold {
		log.Printf("[Detector] Confidence threshold out of range: %.2f", threshold)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
	}
	a.initialized = false
	a.accelerated = false
}

// Close releases backend resources. Idempotent: closing a closed or
// never-initialized adapter is a no-op.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
	}
	a.initialized = false
	a.accelerated = false
	log.Printf("[Detector] Closed and resources released")
}

// Initialized reports whether the adapter is ready to detect.
func (a *Adapter) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

// Accelerated reports whether the accelerated backend is in use.
func (a *Adapter) Accelerated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accelerated
}

// ActiveModel returns the active model file name, or "" when uninitialized.
func (a *Adapter) ActiveModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Threshold returns the resolved confidence threshold in use.
func (a *Adapter) Threshold() float32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// ModelAvailable reports whether any model of the priority list exists in
// either tier.
func (a *Adapter) ModelAvailable() bool {
	for _, name := range modelFiles {
		if a.overrideDir != "" && fileExists(filepath.Join(a.overrideDir, name)) {
			return true
		}
		if fileExists(filepath.Join(a.bundleDir, name)) {
			return true
		}
	}
	return false
}

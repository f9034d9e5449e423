package pipeline

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"spotter/internal/detector"
)

// Session coordinates the live frame stream against the detection adapter
// for one detection surface. It is the sole owner of the adapter for its
// lifetime: constructed once, closed on teardown, never re-created per
// frame.
//
// Frames are gated with a drop-while-busy policy: at most one inference
// call is in flight, and frames arriving while it runs are discarded
// immediately with no queuing. The drop decision is synchronous and cheap
// so it never stalls frame delivery.
type Session struct {
	adapter *detector.Adapter
	sink    CaptureSink
	bus     *EventBus
	clock   clock.Clock

	detecting  atomic.Bool
	busy       atomic.Bool
	generation atomic.Uint64

	mu              sync.Mutex
	cfg             SessionConfig
	cooldown        time.Duration
	lastAutoCapture time.Time
	pendingManual   *detector.Detection

	find findMode

	latest         atomic.Pointer[DetectionBatch]
	lastBrightness atomic.Int32
	lowLight       atomic.Bool

	framesSeen     atomic.Uint64
	framesDropped  atomic.Uint64
	batchesDone    atomic.Uint64
	detectionsSeen atomic.Uint64
	capturesSaved  atomic.Uint64

	foundCh chan string
	errCh   chan error
	wg      sync.WaitGroup
}

// NewSession creates a session around an adapter. sink may be nil when
// persistence is not wired (capture requests are then dropped). clk may
// be nil to use the wall clock.
func NewSession(adapter *detector.Adapter, sink CaptureSink, bus *EventBus, clk clock.Clock, cfg SessionConfig) *Session {
	if bus == nil {
		bus = NewEventBus()
	}
	if clk == nil {
		clk = clock.New()
	}
	cooldown := cfg.AutoCaptureCooldown
	if cooldown <= 0 {
		cooldown = defaultAutoCaptureCooldown
	}

	s := &Session{
		adapter:  adapter,
		sink:     sink,
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		cooldown: cooldown,
		foundCh:  make(chan string, 1),
		errCh:    make(chan error, 8),
	}
	s.find.onFound = func(label string) {
		select {
		case s.foundCh <- label:
		default:
		}
	}
	return s
}

// Bus returns the event bus batches are published on.
func (s *Session) Bus() *EventBus {
	return s.bus
}

// Start flips the session into the detecting state. Idempotent.
func (s *Session) Start() {
	if !s.detecting.CompareAndSwap(false, true) {
		return
	}
	log.Printf("[Session] Detection started")
}

// Stop leaves the detecting state, clears the published batch so stale
// boxes are not shown, and suppresses results of any inference call still
// in flight. Idempotent. A pending manual capture request is dropped.
func (s *Session) Stop() {
	if !s.detecting.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	s.generation.Add(1)
	s.pendingManual = nil
	cleared := &DetectionBatch{
		Detections: []detector.Detection{},
		Timestamp:  s.clock.Now(),
	}
	s.latest.Store(cleared)
	s.bus.Publish(cleared)
	s.mu.Unlock()

	log.Printf("[Session] Detection stopped")
}

// Close stops the session, waits for in-flight work and releases the
// adapter.
func (s *Session) Close() {
	s.Stop()
	s.wg.Wait()
	s.adapter.Close()
}

// IsDetecting reports whether the session is in the detecting state.
func (s *Session) IsDetecting() bool {
	return s.detecting.Load()
}

// HandleFrame is the frame source's entry point. It decides synchronously
// whether to process or drop the frame and returns true when processing
// was dispatched. Dropped frames are released by dropping the reference.
func (s *Session) HandleFrame(frame *FrameData) bool {
	s.framesSeen.Add(1)

	if frame == nil || frame.Image == nil {
		s.framesDropped.Add(1)
		return false
	}
	if !s.detecting.Load() {
		s.framesDropped.Add(1)
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		// Inference still in flight; backpressure by dropping.
		s.framesDropped.Add(1)
		return false
	}

	gen := s.generation.Load()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.process(frame, gen)
	}()
	return true
}

// process runs one inference call off the frame-delivery goroutine and
// publishes the completed batch.
func (s *Session) process(frame *FrameData, gen uint64) {
	brightness := averageBrightness(frame.Image)
	s.lastBrightness.Store(int32(brightness))
	low := brightness < lowLightThreshold
	s.lowLight.Store(low)

	// A manual capture requested while the previous frame was in flight
	// applies to this frame: the first one still holding the detection.
	s.mu.Lock()
	pending := s.pendingManual
	s.pendingManual = nil
	s.mu.Unlock()
	if pending != nil {
		s.dispatchCapture(*pending, frame, true)
	}

	results := s.adapter.Detect(frame.Image)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A call that was in flight when the session stopped must not
	// publish its result.
	if !s.detecting.Load() || s.generation.Load() != gen {
		return
	}

	batch := &DetectionBatch{
		Detections:   results,
		FrameSeq:     frame.Seq,
		Timestamp:    frame.Timestamp,
		FrameWidth:   frame.Width,
		FrameHeight:  frame.Height,
		WatchedLabel: s.find.Label(),
		LowLight:     low,
	}
	s.latest.Store(batch)
	s.batchesDone.Add(1)

	if len(results) > 0 {
		s.detectionsSeen.Add(uint64(len(results)))
		s.find.Check(results)
		s.evaluateAutoCapture(results, frame)
	}

	s.bus.Publish(batch)
}

// evaluateAutoCapture applies the auto-capture rule to a completed batch.
// Results are in descending confidence order, so the first qualifying
// detection is the highest-confidence one. The last-capture timestamp
// updates whenever the rule fires, even with auto-save disabled, so a
// disabled period cannot bypass the cooldown once re-enabled. Callers
// hold s.mu.
func (s *Session) evaluateAutoCapture(results []detector.Detection, frame *FrameData) {
	threshold := s.cfg.ConfidenceThreshold
	if threshold == 0 {
		threshold = s.adapter.Threshold()
	}

	var qualifying *detector.Detection
	for i := range results {
		if results[i].Confidence >= threshold {
			qualifying = &results[i]
			break
		}
	}
	if qualifying == nil {
		return
	}

	now := s.clock.Now()
	if now.Sub(s.lastAutoCapture) < s.cooldown {
		return
	}
	s.lastAutoCapture = now

	if s.cfg.AutoSaveEnabled {
		s.dispatchCapture(*qualifying, frame, false)
	}
}

// dispatchCapture hands a persistence request to the sink as detached
// work. Failures surface on the error channel; a failed save is lost, not
// retried, and never fails the detection loop.
func (s *Session) dispatchCapture(det detector.Detection, frame *FrameData, manual bool) {
	if s.sink == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.sink.Save(CaptureRequest{Detection: det, Frame: frame, Manual: manual})
		if err != nil {
			log.Printf("[Session] Failed to save detection %q: %v", det.Label, err)
			select {
			case s.errCh <- err:
			default:
			}
			return
		}
		s.capturesSaved.Add(1)
		log.Printf("[Session] Detection saved: %s", det.Label)
	}()
}

// RequestManualCapture marks a detection as pending manual capture. The
// request is consumed on the next completed batch with that batch's
// frame; a request never applies retroactively to an already-discarded
// frame.
func (s *Session) RequestManualCapture(det detector.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingManual = &det
}

// CancelManualCapture drops a pending manual capture with no effect.
func (s *Session) CancelManualCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingManual = nil
}

// StartFindMode sets the label to watch for, replacing any previous one.
func (s *Session) StartFindMode(label string) {
	s.find.Start(label)
}

// StopFindMode clears the watched label.
func (s *Session) StopFindMode() {
	s.find.Stop()
}

// WatchedLabel returns the current find-mode label, or "".
func (s *Session) WatchedLabel() string {
	return s.find.Label()
}

// ObjectFound reports whether an unacknowledged found event is raised.
func (s *Session) ObjectFound() bool {
	return s.find.Found()
}

// AcknowledgeFound clears the found event so it can fire again.
func (s *Session) AcknowledgeFound() {
	s.find.Acknowledge()
}

// FoundEvents returns a channel receiving the watched label when a found
// event is raised.
func (s *Session) FoundEvents() <-chan string {
	return s.foundCh
}

// Errors returns the channel capture failures surface on.
func (s *Session) Errors() <-chan error {
	return s.errCh
}

// Latest returns the most recently published batch, or nil before the
// first one.
func (s *Session) Latest() *DetectionBatch {
	return s.latest.Load()
}

// DetectionCount returns the running count of detections seen, summed
// over batch sizes.
func (s *Session) DetectionCount() uint64 {
	return s.detectionsSeen.Load()
}

// LowLight reports whether the last processed frame was flagged low
// light.
func (s *Session) LowLight() bool {
	return s.lowLight.Load()
}

// Brightness returns the last processed frame's estimated brightness.
func (s *Session) Brightness() int {
	return int(s.lastBrightness.Load())
}

// SetAutoSave toggles automatic persistence mid-session.
func (s *Session) SetAutoSave(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AutoSaveEnabled = enabled
}

// UpdateConfidenceThreshold forwards a threshold change to the adapter
// and, when accepted, re-initializes it with the new value. Rejected
// values leave the adapter untouched.
func (s *Session) UpdateConfidenceThreshold(threshold float32) error {
	s.adapter.UpdateConfidenceThreshold(threshold)
	if s.adapter.Initialized() {
		// Out-of-range value was rejected; nothing to rebuild.
		return nil
	}
	s.mu.Lock()
	s.cfg.ConfidenceThreshold = threshold
	s.mu.Unlock()
	return s.adapter.Initialize(threshold, "")
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		FramesSeen:      s.framesSeen.Load(),
		FramesDropped:   s.framesDropped.Load(),
		BatchesComplete: s.batchesDone.Load(),
		DetectionsSeen:  s.detectionsSeen.Load(),
		CapturesSaved:   s.capturesSaved.Load(),
	}
}

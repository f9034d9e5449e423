package pipeline

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotter/internal/detector"
)

// scriptedEngine returns canned proposals, optionally blocking until
// released to simulate slow inference.
type scriptedEngine struct {
	mu     sync.Mutex
	raw    []detector.RawDetection
	block  chan struct{}
	infers int
}

func (e *scriptedEngine) Infer(img *image.RGBA) ([]detector.RawDetection, error) {
	e.mu.Lock()
	e.infers++
	raw := e.raw
	block := e.block
	e.mu.Unlock()
	if block != nil {
		<-block
	}
	return raw, nil
}

func (e *scriptedEngine) Close() error { return nil }

func (e *scriptedEngine) setRaw(raw []detector.RawDetection) {
	e.mu.Lock()
	e.raw = raw
	e.mu.Unlock()
}

func (e *scriptedEngine) inferCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infers
}

type scriptedFactory struct {
	engine *scriptedEngine
}

func (f *scriptedFactory) Supports(b detector.Backend) bool { return b == detector.BackendStandard }

func (f *scriptedFactory) New(opts detector.EngineOptions) (detector.Engine, error) {
	return f.engine, nil
}

// recordingSink counts saves and remembers requests.
type recordingSink struct {
	mu       sync.Mutex
	requests []CaptureRequest
	err      error
}

func (s *recordingSink) Save(req CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *recordingSink) all() []CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CaptureRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func proposal(label string, score float32) detector.RawDetection {
	return detector.RawDetection{
		Box:        detector.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
		Categories: []detector.Category{{Label: label, Score: score}},
	}
}

func testAdapter(t *testing.T, engine *scriptedEngine) *detector.Adapter {
	t.Helper()
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "detect.tflite"), []byte("m"), 0o644))
	a := detector.NewAdapter(&scriptedFactory{engine: engine}, "", bundle)
	require.NoError(t, a.Initialize(detector.DefaultConfidenceThreshold, ""))
	return a
}

func brightFrame(seq uint64) *FrameData {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return &FrameData{Image: img, Seq: seq, Timestamp: time.Now(), Width: 64, Height: 64}
}

func darkFrame(seq uint64) *FrameData {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff // opaque black
	}
	return &FrameData{Image: img, Seq: seq, Timestamp: time.Now(), Width: 64, Height: 64}
}

type sessionFixture struct {
	session *Session
	engine  *scriptedEngine
	sink    *recordingSink
	clock   *clock.Mock
	batches <-chan *DetectionBatch
	cancel  func()
}

func newFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()
	engine := &scriptedEngine{}
	mock := clock.NewMock()
	sink := &recordingSink{}
	bus := NewEventBus()
	session := NewSession(testAdapter(t, engine), sink, bus, mock, cfg)
	batches, cancel := bus.SubscribeChannel(64)
	t.Cleanup(func() {
		cancel()
		session.Close()
	})
	return &sessionFixture{
		session: session,
		engine:  engine,
		sink:    sink,
		clock:   mock,
		batches: batches,
		cancel:  cancel,
	}
}

// processFrame pushes one frame and waits for its batch to publish.
func (f *sessionFixture) processFrame(t *testing.T, frame *FrameData) *DetectionBatch {
	t.Helper()
	require.True(t, f.session.HandleFrame(frame), "frame should be accepted")
	select {
	case batch := <-f.batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestFramesDroppedWhenNotDetecting(t *testing.T) {
	f := newFixture(t, SessionConfig{})

	assert.False(t, f.session.HandleFrame(brightFrame(1)))
	assert.Equal(t, uint64(1), f.session.Stats().FramesDropped)
	assert.Equal(t, 0, f.engine.inferCount())
}

func TestDropWhileBusy(t *testing.T) {
	f := newFixture(t, SessionConfig{})
	release := make(chan struct{})
	f.engine.block = release

	f.session.Start()

	require.True(t, f.session.HandleFrame(brightFrame(1)))

	// While inference is in flight every further frame is dropped
	// immediately, with no queuing.
	for seq := uint64(2); seq <= 6; seq++ {
		assert.False(t, f.session.HandleFrame(brightFrame(seq)))
	}

	close(release)
	select {
	case batch := <-f.batches:
		assert.Equal(t, uint64(1), batch.FrameSeq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}

	stats := f.session.Stats()
	assert.Equal(t, uint64(5), stats.FramesDropped)
	assert.Equal(t, 1, f.engine.inferCount())

	// Once the call completes the gate reopens.
	f.engine.block = nil
	f.processFrame(t, brightFrame(7))
	assert.Equal(t, 2, f.engine.inferCount())
}

func TestAutoCaptureRespectsCooldown(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.5, AutoSaveEnabled: true})
	f.engine.setRaw([]detector.RawDetection{proposal("keys", 0.9)})
	f.session.Start()

	// A qualifying detection on every frame, one frame per 100ms over
	// nine seconds: exactly one capture per 3000ms window.
	for i := 0; i < 90; i++ {
		f.processFrame(t, brightFrame(uint64(i+1)))
		f.clock.Add(100 * time.Millisecond)
	}

	f.session.Stop()
	f.session.Close()
	assert.Equal(t, 3, f.sink.count())
	for _, req := range f.sink.all() {
		assert.False(t, req.Manual)
		assert.Equal(t, "keys", req.Detection.Label)
	}
}

func TestAutoCaptureSkippedBelowThreshold(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.8, AutoSaveEnabled: true})
	f.engine.setRaw([]detector.RawDetection{proposal("keys", 0.6)})
	f.session.Start()

	f.processFrame(t, brightFrame(1))
	f.session.Close()
	assert.Equal(t, 0, f.sink.count())
}

func TestDisabledAutoSaveStillArmsCooldown(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.5, AutoSaveEnabled: false})
	f.engine.setRaw([]detector.RawDetection{proposal("wallet", 0.9)})
	f.session.Start()

	// Capture rule fires with saving disabled: no save, but the
	// timestamp arms the cooldown.
	f.processFrame(t, brightFrame(1))
	assert.Equal(t, 0, f.sink.count())

	// Re-enabling mid-session must not bypass the cooldown.
	f.session.SetAutoSave(true)
	f.clock.Add(100 * time.Millisecond)
	f.processFrame(t, brightFrame(2))
	f.session.Close()
	assert.Equal(t, 0, f.sink.count())
}

func TestManualCaptureAppliesToNextFrame(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.99})
	f.engine.setRaw([]detector.RawDetection{proposal("mug", 0.7)})
	f.session.Start()

	det := detector.Detection{Label: "mug", Confidence: 0.7}
	f.session.RequestManualCapture(det)

	frame := brightFrame(42)
	f.processFrame(t, frame)
	f.processFrame(t, brightFrame(43))
	f.session.Close()

	requests := f.sink.all()
	require.Len(t, requests, 1, "pending flag is consumed exactly once")
	assert.True(t, requests[0].Manual)
	assert.Equal(t, uint64(42), requests[0].Frame.Seq, "capture uses the next processed frame")
}

func TestCancelledManualCaptureHasNoEffect(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.99})
	f.session.Start()

	f.session.RequestManualCapture(detector.Detection{Label: "mug", Confidence: 0.7})
	f.session.CancelManualCapture()

	f.processFrame(t, brightFrame(1))
	f.session.Close()
	assert.Equal(t, 0, f.sink.count())
}

func TestStopSuppressesInFlightResult(t *testing.T) {
	f := newFixture(t, SessionConfig{})
	release := make(chan struct{})
	f.engine.block = release
	f.engine.setRaw([]detector.RawDetection{proposal("keys", 0.9)})

	f.session.Start()
	require.True(t, f.session.HandleFrame(brightFrame(1)))

	// Stop while inference is in flight. Stop publishes the cleared
	// batch immediately.
	f.session.Stop()
	select {
	case batch := <-f.batches:
		assert.Empty(t, batch.Detections)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cleared batch")
	}

	// The stale call completes but its result must never publish.
	close(release)
	f.session.Close()

	select {
	case batch := <-f.batches:
		t.Fatalf("stale batch published after stop: %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Empty(t, f.session.Latest().Detections)
	assert.Equal(t, uint64(0), f.session.DetectionCount())
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, SessionConfig{})

	f.session.Start()
	f.session.Start()
	assert.True(t, f.session.IsDetecting())

	f.session.Stop()
	f.session.Stop()
	assert.False(t, f.session.IsDetecting())

	// Exactly one cleared batch was published.
	select {
	case batch := <-f.batches:
		assert.Empty(t, batch.Detections)
	case <-time.After(time.Second):
		t.Fatal("expected cleared batch")
	}
	select {
	case <-f.batches:
		t.Fatal("second Stop must not publish again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetectionCounterSumsBatchSizes(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.99})
	f.session.Start()

	f.engine.setRaw([]detector.RawDetection{
		proposal("keys", 0.9),
		{Box: detector.BBox{X1: 200, Y1: 200, X2: 320, Y2: 320}, Categories: []detector.Category{{Label: "cup", Score: 0.8}}},
	})
	f.processFrame(t, brightFrame(1))

	f.engine.setRaw(nil)
	f.processFrame(t, brightFrame(2)) // empty batch does not count

	f.engine.setRaw([]detector.RawDetection{proposal("book", 0.7)})
	f.processFrame(t, brightFrame(3))

	assert.Equal(t, uint64(3), f.session.DetectionCount())
}

func TestLowLightFlag(t *testing.T) {
	f := newFixture(t, SessionConfig{})
	f.session.Start()

	batch := f.processFrame(t, darkFrame(1))
	assert.True(t, batch.LowLight)
	assert.True(t, f.session.LowLight())

	batch = f.processFrame(t, brightFrame(2))
	assert.False(t, batch.LowLight)
	assert.False(t, f.session.LowLight())
}

func TestFoundEventIsOneShot(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.99})
	f.engine.setRaw([]detector.RawDetection{proposal("Keys", 0.9)})
	f.session.Start()
	f.session.StartFindMode("keys")

	batch := f.processFrame(t, brightFrame(1))
	assert.Equal(t, "keys", batch.WatchedLabel)
	assert.True(t, f.session.ObjectFound(), "case-insensitive match raises the event")

	select {
	case label := <-f.session.FoundEvents():
		assert.Equal(t, "keys", label)
	case <-time.After(time.Second):
		t.Fatal("expected found event")
	}

	// Still in view on the next batch: no second event until
	// acknowledged.
	f.processFrame(t, brightFrame(2))
	select {
	case <-f.session.FoundEvents():
		t.Fatal("found event re-fired before acknowledgement")
	case <-time.After(50 * time.Millisecond):
	}

	f.session.AcknowledgeFound()
	f.processFrame(t, brightFrame(3))
	select {
	case <-f.session.FoundEvents():
	case <-time.After(time.Second):
		t.Fatal("event should fire again after acknowledgement")
	}
}

func TestCaptureFailureSurfacesOnErrorChannel(t *testing.T) {
	f := newFixture(t, SessionConfig{ConfidenceThreshold: 0.5, AutoSaveEnabled: true})
	f.sink.err = errors.New("disk full")
	f.engine.setRaw([]detector.RawDetection{proposal("keys", 0.9)})
	f.session.Start()

	f.processFrame(t, brightFrame(1))

	select {
	case err := <-f.session.Errors():
		assert.ErrorContains(t, err, "disk full")
	case <-time.After(2 * time.Second):
		t.Fatal("expected capture error")
	}

	// A failed save never stops the loop.
	f.processFrame(t, brightFrame(2))
	assert.True(t, f.session.IsDetecting())
}

func TestBrightness(t *testing.T) {
	black := image.NewRGBA(image.Rect(0, 0, 50, 50))
	assert.Equal(t, 0, averageBrightness(black))

	white := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for i := range white.Pix {
		white.Pix[i] = 0xff
	}
	assert.Equal(t, 255, averageBrightness(white))

	gray := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for i := 0; i < len(gray.Pix); i += 4 {
		gray.Pix[i], gray.Pix[i+1], gray.Pix[i+2], gray.Pix[i+3] = 40, 40, 40, 0xff
	}
	assert.Less(t, averageBrightness(gray), lowLightThreshold)
}

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // frame decoding
	_ "image/png"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// FrameConsumer receives frames on the source's cadence. The consumer
// decides synchronously whether to process or drop each frame.
type FrameConsumer interface {
	HandleFrame(frame *FrameData) bool
}

// HTTPFrameSource polls a camera's HTTP image endpoint at a fixed rate
// and pushes decoded frames to a consumer. The source never queues: a
// consumer that declines a frame simply never sees it again.
type HTTPFrameSource struct {
	url      string
	fps      int
	client   *http.Client
	consumer FrameConsumer

	running  atomic.Bool
	frameSeq atomic.Uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHTTPFrameSource creates a source polling url at fps frames per
// second.
func NewHTTPFrameSource(url string, fps int, consumer FrameConsumer) *HTTPFrameSource {
	if fps <= 0 {
		fps = 10
	}
	return &HTTPFrameSource{
		url:      url,
		fps:      fps,
		client:   &http.Client{Timeout: 10 * time.Second},
		consumer: consumer,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the capture loop.
func (s *HTTPFrameSource) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("frame source already started")
	}
	go s.run()
	log.Printf("[FrameSource] Started capture from %s (fps: %d)", s.url, s.fps)
	return nil
}

// Stop halts the capture loop and waits for it to exit.
func (s *HTTPFrameSource) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.running.Load() {
		<-s.done
	}
}

// IsRunning reports whether the capture loop is active.
func (s *HTTPFrameSource) IsRunning() bool {
	return s.running.Load()
}

func (s *HTTPFrameSource) run() {
	defer s.running.Store(false)
	defer close(s.done)

	interval := time.Second / time.Duration(s.fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			resp, err := s.client.Get(s.url)
			if err != nil {
				log.Printf("[FrameSource] Error fetching frame from %s: %v", s.url, err)
				continue
			}

			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("[FrameSource] Error reading frame: %v", err)
				continue
			}

			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				log.Printf("[FrameSource] Error decoding frame: %v", err)
				continue
			}

			seq := s.frameSeq.Add(1)
			bounds := img.Bounds()
			s.consumer.HandleFrame(&FrameData{
				Image:     img,
				Seq:       seq,
				Timestamp: time.Now(),
				Width:     bounds.Dx(),
				Height:    bounds.Dy(),
			})

			if seq%100 == 0 {
				log.Printf("[FrameSource] Frame %d captured", seq)
			}
		}
	}
}

package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotter/internal/detector"
	"spotter/internal/pipeline"
)

type fakeControl struct {
	mu        sync.Mutex
	watched   string
	acked     bool
	autoSave  *bool
	captured  []detector.Detection
	lastBatch *pipeline.DetectionBatch
}

func (f *fakeControl) StartFindMode(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = label
}

func (f *fakeControl) StopFindMode() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = ""
}

func (f *fakeControl) AcknowledgeFound() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
}

func (f *fakeControl) SetAutoSave(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoSave = &enabled
}

func (f *fakeControl) RequestManualCapture(det detector.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, det)
}

func (f *fakeControl) Latest() *pipeline.DetectionBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBatch
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func dialTest(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func sampleBatch() *pipeline.DetectionBatch {
	return &pipeline.DetectionBatch{
		Detections: []detector.Detection{
			{Label: "cup", Confidence: 0.9, Box: detector.BBox{X1: 10, Y1: 20, X2: 110, Y2: 220}, LatencyMs: 42},
			{Label: "keys", Confidence: 0.6, Box: detector.BBox{X1: 5, Y1: 5, X2: 60, Y2: 60}},
		},
		FrameSeq:    17,
		Timestamp:   time.Now(),
		FrameWidth:  640,
		FrameHeight: 480,
		LowLight:    true,
	}
}

func TestHubBroadcastOverlay(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Close()
	server := httptest.NewServer(NewHandler(hub, nil, quietLogger()))
	defer server.Close()

	conn := dialTest(t, server)
	waitForClients(t, hub, 1)

	hub.BroadcastOverlay(sampleBatch())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg OverlayMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "overlay", msg.Type)
	assert.Equal(t, uint64(17), msg.FrameSeq)
	assert.Equal(t, 640, msg.FrameWidth)
	assert.True(t, msg.LowLight)
	require.Len(t, msg.Objects, 2)
	assert.Equal(t, "cup", msg.Objects[0].Label)
	assert.Equal(t, [4]float32{10, 20, 110, 220}, msg.Objects[0].BBox)
	assert.Equal(t, int64(42), msg.Objects[0].LatencyMs)
}

func TestHubBroadcastFound(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Close()
	server := httptest.NewServer(NewHandler(hub, nil, quietLogger()))
	defer server.Close()

	conn := dialTest(t, server)
	waitForClients(t, hub, 1)

	hub.BroadcastFound("keys")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg FoundMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "found", msg.Type)
	assert.Equal(t, "keys", msg.Label)
}

func TestHubEvictsDeadClient(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Close()
	server := httptest.NewServer(NewHandler(hub, nil, quietLogger()))
	defer server.Close()

	conn := dialTest(t, server)
	waitForClients(t, hub, 1)
	conn.Close()

	// The read pump notices the close; broadcasting afterwards must not
	// leave the dead connection registered.
	require.Eventually(t, func() bool {
		hub.BroadcastOverlay(sampleBatch())
		return hub.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHubSkipsBroadcastWithoutClients(t *testing.T) {
	hub := NewHub(quietLogger())
	hub.BroadcastOverlay(sampleBatch())
	hub.BroadcastOverlay(nil)
	hub.BroadcastFound("keys")
	assert.Zero(t, hub.ClientCount())
}

func TestHandlerClientCommands(t *testing.T) {
	ctl := &fakeControl{lastBatch: sampleBatch()}
	hub := NewHub(quietLogger())
	defer hub.Close()
	server := httptest.NewServer(NewHandler(hub, ctl, quietLogger()))
	defer server.Close()

	conn := dialTest(t, server)
	waitForClients(t, hub, 1)

	send := func(cmd ClientCommand) {
		data, err := json.Marshal(cmd)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}

	send(ClientCommand{Action: "watch", Label: "keys"})
	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		return ctl.watched == "keys"
	}, 2*time.Second, 10*time.Millisecond)

	send(ClientCommand{Action: "ack_found"})
	send(ClientCommand{Action: "auto_save", Enable: true})
	send(ClientCommand{Action: "capture"})
	send(ClientCommand{Action: "unwatch"})

	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		return ctl.watched == "" && ctl.acked && ctl.autoSave != nil && len(ctl.captured) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.True(t, *ctl.autoSave)
	assert.Equal(t, "cup", ctl.captured[0].Label)
}

func TestHandlerIgnoresMalformedCommand(t *testing.T) {
	ctl := &fakeControl{}
	h := NewHandler(NewHub(quietLogger()), ctl, quietLogger())

	h.handleCommand([]byte("{not json"))
	h.handleCommand([]byte(`{"action":"teleport"}`))
	// Empty label and missing latest batch are ignored.
	h.handleCommand([]byte(`{"action":"watch"}`))
	h.handleCommand([]byte(`{"action":"capture"}`))

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.Empty(t, ctl.watched)
	assert.Empty(t, ctl.captured)
}

func TestPingLoopStopsWhenReaderDone(t *testing.T) {
	h := NewHandler(NewHub(quietLogger()), nil, quietLogger())

	done := make(chan struct{})
	close(done)

	finished := make(chan struct{})
	go func() {
		// The interval is far beyond the test timeout, so the loop may
		// only exit through the done channel.
		h.pingLoop(nil, time.Hour, done)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("ping loop kept running after reader finished")
	}
}

var _ http.Handler = (*Handler)(nil)

package ws

import (
	"time"

	"spotter/internal/pipeline"
)

// OverlayMessage carries one completed detection batch to viewfinder
// clients for bounding-box rendering.
type OverlayMessage struct {
	Type         string          `json:"type"` // "overlay"
	Timestamp    time.Time       `json:"timestamp"`
	FrameSeq     uint64          `json:"frame_seq"`
	FrameWidth   int             `json:"frame_width"`
	FrameHeight  int             `json:"frame_height"`
	WatchedLabel string          `json:"watched_label,omitempty"`
	LowLight     bool            `json:"low_light"`
	Objects      []OverlayObject `json:"objects"`
}

// OverlayObject is a single box in an overlay message.
type OverlayObject struct {
	Label      string     `json:"label"`
	Confidence float32    `json:"confidence"`
	BBox       [4]float32 `json:"bbox"` // [x1, y1, x2, y2] in frame pixels
	LatencyMs  int64      `json:"latency_ms"`
}

// FoundMessage announces a find-mode hit. Sent once per armed watch;
// clients acknowledge through the ack_found command.
type FoundMessage struct {
	Type      string    `json:"type"` // "found"
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientCommand is a control message sent by a viewfinder client.
type ClientCommand struct {
	Action string `json:"action"` // watch, unwatch, ack_found, capture, auto_save
	Label  string `json:"label,omitempty"`
	Enable bool   `json:"enable,omitempty"`
}

// NewOverlayMessage converts a published batch into its wire form.
func NewOverlayMessage(batch *pipeline.DetectionBatch) *OverlayMessage {
	msg := &OverlayMessage{
		Type:         "overlay",
		Timestamp:    batch.Timestamp,
		FrameSeq:     batch.FrameSeq,
		FrameWidth:   batch.FrameWidth,
		FrameHeight:  batch.FrameHeight,
		WatchedLabel: batch.WatchedLabel,
		LowLight:     batch.LowLight,
		Objects:      make([]OverlayObject, 0, len(batch.Detections)),
	}
	for _, det := range batch.Detections {
		msg.Objects = append(msg.Objects, OverlayObject{
			Label:      det.Label,
			Confidence: det.Confidence,
			BBox:       [4]float32{det.Box.X1, det.Box.Y1, det.Box.X2, det.Box.Y2},
			LatencyMs:  det.LatencyMs,
		})
	}
	return msg
}

// NewFoundMessage builds the announcement for a find-mode hit.
func NewFoundMessage(label string) *FoundMessage {
	return &FoundMessage{Type: "found", Label: label, Timestamp: time.Now()}
}

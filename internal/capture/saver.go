// Package capture persists qualifying detections: image file, thumbnail,
// optional location snapshot, then the database record.
package capture

import (
	"context"
	"fmt"
	"log"
	"time"

	"spotter/internal/imagefile"
	"spotter/internal/location"
	"spotter/internal/pipeline"
	"spotter/internal/store"
)

// Saver implements pipeline.CaptureSink against the media directory and
// the sqlite store.
type Saver struct {
	files    *imagefile.Manager
	store    *store.Store
	resolver *location.Resolver
	logger   *log.Logger

	// Timeout bounds the location snapshot and the database writes for
	// one save. Zero means 10 seconds.
	Timeout time.Duration
}

// NewSaver builds a saver. resolver may be nil when no location source
// is configured.
func NewSaver(files *imagefile.Manager, st *store.Store, resolver *location.Resolver, logger *log.Logger) *Saver {
	if logger == nil {
		logger = log.Default()
	}
	return &Saver{files: files, store: st, resolver: resolver, logger: logger}
}

// Save writes the capture image, its thumbnail and the detection record.
// Files already written are removed when a later step fails, so a failed
// save leaves neither orphan files nor a record pointing at nothing.
func (s *Saver) Save(req pipeline.CaptureRequest) error {
	if req.Frame == nil || req.Frame.Image == nil {
		return fmt.Errorf("capture request carries no frame")
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	capturedAt := req.Frame.Timestamp
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	imagePath, err := s.files.SaveJPEG(req.Frame.Image, req.Detection.Label, capturedAt)
	if err != nil {
		return fmt.Errorf("failed to save capture image: %w", err)
	}

	thumbPath, err := s.files.SaveThumbnail(req.Frame.Image, imagePath)
	if err != nil {
		s.files.Delete(imagePath, "")
		return fmt.Errorf("failed to save thumbnail: %w", err)
	}

	var locationID *string
	if snap := s.resolver.Snapshot(ctx); snap != nil {
		id, err := s.store.InsertLocation(ctx, &store.LocationRecord{
			Latitude:   snap.Latitude,
			Longitude:  snap.Longitude,
			Accuracy:   float32(snap.Accuracy),
			Address:    snap.Address,
			CapturedAt: capturedAt,
		})
		if err != nil {
			// Location is advisory; the capture still goes through.
			s.logger.Printf("[Capture] failed to store location: %v", err)
		} else {
			locationID = &id
		}
	}

	rec := &store.DetectionRecord{
		Label:         req.Detection.Label,
		Confidence:    req.Detection.Confidence,
		CapturedAt:    capturedAt,
		ImagePath:     imagePath,
		ThumbnailPath: thumbPath,
		LocationID:    locationID,
	}
	if _, err := s.store.InsertDetection(ctx, rec); err != nil {
		s.files.Delete(imagePath, thumbPath)
		return fmt.Errorf("failed to store detection record: %w", err)
	}

	kind := "auto"
	if req.Manual {
		kind = "manual"
	}
	s.logger.Printf("[Capture] saved %s capture %s (%s, %.2f)", kind, rec.ID, rec.Label, rec.Confidence)
	return nil
}

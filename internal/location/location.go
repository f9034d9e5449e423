// Package location resolves a best-effort position for captures.
// Position data is advisory: captures always succeed without it.
package location

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Accuracy thresholds in meters. Fixes between the two are kept but
// flagged degraded; fixes beyond the outer bound are discarded.
const (
	degradedAccuracy = 50.0
	maxAccuracy      = 100.0
)

// indoorAddress is reported when no usable fix exists.
const indoorAddress = "Indoor location — GPS unavailable"

// Fix is a raw position reading from a provider.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // meters, radial
	Timestamp time.Time
}

// FixProvider yields the most recent position reading, or nil when no
// reading is available (indoors, permissions, cold start).
type FixProvider interface {
	Current(ctx context.Context) (*Fix, error)
}

// Geocoder turns coordinates into a human-readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// Snapshot is the position attached to a capture.
type Snapshot struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Address   string
	Degraded  bool
}

// Resolver combines a fix provider with an optional geocoder.
type Resolver struct {
	provider FixProvider
	geocoder Geocoder
	logger   *log.Logger
}

// NewResolver builds a resolver. geocoder may be nil; addresses then
// fall back to formatted coordinates.
func NewResolver(provider FixProvider, geocoder Geocoder, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{provider: provider, geocoder: geocoder, logger: logger}
}

// Snapshot resolves the current position, applying the accuracy rules.
// It never returns an error: a missing or unusable fix yields nil and
// the capture proceeds without location.
func (r *Resolver) Snapshot(ctx context.Context) *Snapshot {
	if r == nil || r.provider == nil {
		return nil
	}

	fix, err := r.provider.Current(ctx)
	if err != nil {
		r.logger.Printf("[Location] fix unavailable: %v", err)
		return nil
	}
	if fix == nil {
		return nil
	}
	if fix.Accuracy > maxAccuracy {
		r.logger.Printf("[Location] discarding fix, accuracy %.0fm exceeds %.0fm", fix.Accuracy, maxAccuracy)
		return nil
	}

	snap := &Snapshot{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Degraded:  fix.Accuracy > degradedAccuracy,
	}
	snap.Address = r.resolveAddress(ctx, fix)
	return snap
}

func (r *Resolver) resolveAddress(ctx context.Context, fix *Fix) string {
	if r.geocoder != nil {
		addr, err := r.geocoder.ReverseGeocode(ctx, fix.Latitude, fix.Longitude)
		if err == nil && addr != "" {
			return addr
		}
		if err != nil {
			r.logger.Printf("[Location] reverse geocode failed: %v", err)
		}
	}
	return FormatCoordinates(fix.Latitude, fix.Longitude)
}

// FormatCoordinates renders a lat/lon pair the way the gallery shows
// addresses it could not resolve.
func FormatCoordinates(lat, lon float64) string {
	return fmt.Sprintf("%.5f, %.5f", lat, lon)
}

// IndoorAddress is the placeholder shown for captures saved with no
// position at all.
func IndoorAddress() string {
	return indoorAddress
}

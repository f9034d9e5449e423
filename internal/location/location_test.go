package location

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	fix *Fix
	err error
}

func (s *stubProvider) Current(context.Context) (*Fix, error) {
	return s.fix, s.err
}

type stubGeocoder struct {
	address string
	err     error
}

func (s *stubGeocoder) ReverseGeocode(context.Context, float64, float64) (string, error) {
	return s.address, s.err
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func goodFix(accuracy float64) *Fix {
	return &Fix{Latitude: 45.4642, Longitude: 9.19, Accuracy: accuracy, Timestamp: time.Now()}
}

func TestSnapshotAccurateFix(t *testing.T) {
	r := NewResolver(&stubProvider{fix: goodFix(12)}, &stubGeocoder{address: "Via Roma 1"}, quietLogger())

	snap := r.Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.InDelta(t, 45.4642, snap.Latitude, 1e-9)
	assert.Equal(t, "Via Roma 1", snap.Address)
	assert.False(t, snap.Degraded)
}

func TestSnapshotDegradedAccuracy(t *testing.T) {
	r := NewResolver(&stubProvider{fix: goodFix(75)}, nil, quietLogger())

	snap := r.Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.True(t, snap.Degraded)
}

func TestSnapshotDiscardsInaccurateFix(t *testing.T) {
	r := NewResolver(&stubProvider{fix: goodFix(150)}, nil, quietLogger())
	assert.Nil(t, r.Snapshot(context.Background()))
}

func TestSnapshotAccuracyBoundaries(t *testing.T) {
	// Exactly at a threshold counts as the better class.
	snap := NewResolver(&stubProvider{fix: goodFix(50)}, nil, quietLogger()).Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.False(t, snap.Degraded)

	snap = NewResolver(&stubProvider{fix: goodFix(100)}, nil, quietLogger()).Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.True(t, snap.Degraded)
}

func TestSnapshotNoFix(t *testing.T) {
	r := NewResolver(&stubProvider{}, nil, quietLogger())
	assert.Nil(t, r.Snapshot(context.Background()))

	r = NewResolver(&stubProvider{err: errors.New("gps cold start")}, nil, quietLogger())
	assert.Nil(t, r.Snapshot(context.Background()))

	var nilResolver *Resolver
	assert.Nil(t, nilResolver.Snapshot(context.Background()))
}

func TestIndoorAddressPlaceholder(t *testing.T) {
	assert.Equal(t, "Indoor location — GPS unavailable", IndoorAddress())
}

func TestSnapshotGeocodeFallback(t *testing.T) {
	r := NewResolver(&stubProvider{fix: goodFix(10)}, &stubGeocoder{err: errors.New("offline")}, quietLogger())

	snap := r.Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, "45.46420, 9.19000", snap.Address)

	// No geocoder at all behaves the same.
	r = NewResolver(&stubProvider{fix: goodFix(10)}, nil, quietLogger())
	snap = r.Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, FormatCoordinates(45.4642, 9.19), snap.Address)
}

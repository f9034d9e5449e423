package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertLocation stores a location and returns its assigned id.
func (s *Store) InsertLocation(ctx context.Context, loc *LocationRecord) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (id, latitude, longitude, accuracy, address, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, loc.Latitude, loc.Longitude, loc.Accuracy, loc.Address, loc.CapturedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert location: %w", err)
	}
	loc.ID = id
	return id, nil
}

// GetLocation returns a location by id, or nil when absent.
func (s *Store) GetLocation(ctx context.Context, id string) (*LocationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, latitude, longitude, accuracy, address, captured_at FROM locations WHERE id = ?`, id)

	var loc LocationRecord
	var address sql.NullString
	var capturedAt int64
	err := row.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &loc.Accuracy, &address, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	loc.Address = address.String
	loc.CapturedAt = time.UnixMilli(capturedAt)
	return &loc, nil
}

// DeleteLocation removes a location. Detections referencing it degrade to
// "no location" via the foreign key.
func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete location: %w", err)
	}
	return nil
}

// InsertDetection stores a detection record and returns its assigned id.
func (s *Store) InsertDetection(ctx context.Context, d *DetectionRecord) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (id, label, confidence, captured_at, image_path, thumbnail_path, location_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, d.Label, d.Confidence, d.CapturedAt.UnixMilli(), d.ImagePath, d.ThumbnailPath, d.LocationID)
	if err != nil {
		return "", fmt.Errorf("failed to insert detection: %w", err)
	}
	d.ID = id
	return id, nil
}

const detectionJoin = `
	SELECT d.id, d.label, d.confidence, d.captured_at, d.image_path, d.thumbnail_path, d.location_id,
	       l.id, l.latitude, l.longitude, l.accuracy, l.address, l.captured_at
	FROM detections d
	LEFT JOIN locations l ON d.location_id = l.id`

// GetDetection returns a detection with its optional location, or nil
// when absent.
func (s *Store) GetDetection(ctx context.Context, id string) (*DetectionWithLocation, error) {
	row := s.db.QueryRowContext(ctx, detectionJoin+` WHERE d.id = ?`, id)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return d, nil
}

// ListDetections returns detections newest first, with locations joined.
// limit <= 0 means no limit.
func (s *Store) ListDetections(ctx context.Context, limit int) ([]*DetectionWithLocation, error) {
	query := detectionJoin + ` ORDER BY d.captured_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryDetections(ctx, query, args...)
}

// SearchByLabel returns detections whose label contains the query
// substring, newest first.
func (s *Store) SearchByLabel(ctx context.Context, query string) ([]*DetectionWithLocation, error) {
	return s.queryDetections(ctx,
		detectionJoin+` WHERE d.label LIKE '%' || ? || '%' ORDER BY d.captured_at DESC`, query)
}

// ListOlderThan returns detections captured before the cutoff, oldest
// first. Used by the cleanup pass to delete image files before records.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*DetectionWithLocation, error) {
	return s.queryDetections(ctx,
		detectionJoin+` WHERE d.captured_at < ? ORDER BY d.captured_at ASC`, cutoff.UnixMilli())
}

// DeleteDetection removes one detection. Attached reminders cascade.
func (s *Store) DeleteDetection(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete detection: %w", err)
	}
	return nil
}

// DeleteOlderThan bulk-deletes detections captured before the cutoff and
// returns how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE captured_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	return res.RowsAffected()
}

// DistinctLabels returns all distinct detection labels, sorted. Feeds
// the find-mode label picker.
func (s *Store) DistinctLabels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT label FROM detections ORDER BY label ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// CountDetections returns the total number of stored detections.
func (s *Store) CountDetections(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detections`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return count, nil
}

func (s *Store) queryDetections(ctx context.Context, query string, args ...any) ([]*DetectionWithLocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []*DetectionWithLocation
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*DetectionWithLocation, error) {
	var d DetectionWithLocation
	var capturedAt int64
	var imagePath, thumbPath, locationID sql.NullString
	var locID, locAddress sql.NullString
	var locLat, locLon sql.NullFloat64
	var locAccuracy sql.NullFloat64
	var locCapturedAt sql.NullInt64

	err := row.Scan(&d.ID, &d.Label, &d.Confidence, &capturedAt, &imagePath, &thumbPath, &locationID,
		&locID, &locLat, &locLon, &locAccuracy, &locAddress, &locCapturedAt)
	if err != nil {
		return nil, err
	}

	d.CapturedAt = time.UnixMilli(capturedAt)
	d.ImagePath = imagePath.String
	d.ThumbnailPath = thumbPath.String
	if locationID.Valid {
		id := locationID.String
		d.LocationID = &id
	}
	if locID.Valid {
		d.Location = &LocationRecord{
			ID:         locID.String,
			Latitude:   locLat.Float64,
			Longitude:  locLon.Float64,
			Accuracy:   float32(locAccuracy.Float64),
			Address:    locAddress.String,
			CapturedAt: time.UnixMilli(locCapturedAt.Int64),
		}
	}
	return &d, nil
}

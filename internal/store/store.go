// Package store persists detections, their locations and attached
// reminders in a local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store handles SQLite database operations
type Store struct {
	db *sql.DB
}

// DetectionRecord is a persisted detection. Once written it is immutable
// except for its optional location reference and deletion.
type DetectionRecord struct {
	ID            string
	Label         string
	Confidence    float32
	CapturedAt    time.Time
	ImagePath     string
	ThumbnailPath string
	LocationID    *string
}

// LocationRecord is a geolocation captured alongside a detection.
type LocationRecord struct {
	ID         string
	Latitude   float64
	Longitude  float64
	Accuracy   float32
	Address    string
	CapturedAt time.Time
}

// DetectionWithLocation joins a detection with its location. Location is
// nil when none was captured or the referenced location was deleted.
type DetectionWithLocation struct {
	DetectionRecord
	Location *LocationRecord
}

// Open opens (creating if needed) the database at dbPath. WAL mode and
// foreign keys are set through the DSN so every pooled connection gets
// them; reminder cascade and location SET NULL depend on the latter.
func Open(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy REAL NOT NULL,
			address TEXT,
			captured_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			captured_at INTEGER NOT NULL,
			image_path TEXT,
			thumbnail_path TEXT,
			location_id TEXT,
			FOREIGN KEY (location_id) REFERENCES locations(id) ON DELETE SET NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			detection_id TEXT NOT NULL,
			remind_at INTEGER NOT NULL,
			title TEXT NOT NULL,
			message TEXT,
			triggered INTEGER DEFAULT 0,
			cancelled INTEGER DEFAULT 0,
			recurrence TEXT DEFAULT 'none',
			recurrence_interval INTEGER DEFAULT 0,
			last_triggered_at INTEGER DEFAULT 0,
			snooze_until INTEGER DEFAULT 0,
			snooze_count INTEGER DEFAULT 0,
			priority TEXT DEFAULT 'medium',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (detection_id) REFERENCES detections(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_captured ON detections(captured_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_detection ON reminders(detection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(remind_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

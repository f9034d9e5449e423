package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recurrence is the closed set of reminder repeat modes.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceCustom  Recurrence = "custom"
)

// Next returns the occurrence following after. interval scales the step
// for custom recurrence (days); a non-positive interval counts as one
// step. Returns the zero time for RecurrenceNone.
func (r Recurrence) Next(after time.Time, interval int) time.Time {
	if interval <= 0 {
		interval = 1
	}
	switch r {
	case RecurrenceNone:
		return time.Time{}
	case RecurrenceDaily:
		return after.AddDate(0, 0, interval)
	case RecurrenceWeekly:
		return after.AddDate(0, 0, 7*interval)
	case RecurrenceMonthly:
		return after.AddDate(0, interval, 0)
	case RecurrenceCustom:
		return after.AddDate(0, 0, interval)
	default:
		return time.Time{}
	}
}

// Valid reports whether r is a known recurrence mode.
func (r Recurrence) Valid() bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceCustom:
		return true
	default:
		return false
	}
}

// Priority is the closed set of reminder priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// ReminderRecord is a reminder attached to a saved detection. Deleting
// the detection cascades to its reminders.
type ReminderRecord struct {
	ID                 string
	DetectionID        string
	RemindAt           time.Time
	Title              string
	Message            string
	Triggered          bool
	Cancelled          bool
	Recurrence         Recurrence
	RecurrenceInterval int
	LastTriggeredAt    time.Time
	SnoozeUntil        time.Time
	SnoozeCount        int
	Priority           Priority
	CreatedAt          time.Time
}

// InsertReminder stores a reminder and returns its assigned id.
func (s *Store) InsertReminder(ctx context.Context, r *ReminderRecord) (string, error) {
	if r.Recurrence == "" {
		r.Recurrence = RecurrenceNone
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if !r.Recurrence.Valid() {
		return "", fmt.Errorf("unknown recurrence: %s", r.Recurrence)
	}
	if !r.Priority.Valid() {
		return "", fmt.Errorf("unknown priority: %s", r.Priority)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, detection_id, remind_at, title, message, triggered, cancelled,
			recurrence, recurrence_interval, last_triggered_at, snooze_until, snooze_count, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.DetectionID, r.RemindAt.UnixMilli(), r.Title, r.Message, r.Triggered, r.Cancelled,
		string(r.Recurrence), r.RecurrenceInterval, unixMilliOrZero(r.LastTriggeredAt),
		unixMilliOrZero(r.SnoozeUntil), r.SnoozeCount, string(r.Priority), r.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert reminder: %w", err)
	}
	r.ID = id
	return id, nil
}

// GetReminder returns a reminder by id, or nil when absent.
func (s *Store) GetReminder(ctx context.Context, id string) (*ReminderRecord, error) {
	row := s.db.QueryRowContext(ctx, reminderSelect+` WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return r, nil
}

// ListReminders returns all reminders for a detection, soonest first.
func (s *Store) ListReminders(ctx context.Context, detectionID string) ([]*ReminderRecord, error) {
	return s.queryReminders(ctx, reminderSelect+` WHERE detection_id = ? ORDER BY remind_at ASC`, detectionID)
}

// DueReminders returns reminders due at now: not triggered, not
// cancelled, past their remind time and past any snooze.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*ReminderRecord, error) {
	ts := now.UnixMilli()
	return s.queryReminders(ctx,
		reminderSelect+` WHERE triggered = 0 AND cancelled = 0 AND remind_at <= ?
			AND (snooze_until = 0 OR snooze_until <= ?) ORDER BY remind_at ASC`, ts, ts)
}

// MarkTriggered terminally triggers a non-recurring reminder.
func (s *Store) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET triggered = 1, last_triggered_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark reminder triggered: %w", err)
	}
	return nil
}

// RescheduleReminder advances a recurring reminder to its next
// occurrence, clearing any snooze.
func (s *Store) RescheduleReminder(ctx context.Context, id string, nextAt, triggeredAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET remind_at = ?, last_triggered_at = ?, snooze_until = 0 WHERE id = ?`,
		nextAt.UnixMilli(), triggeredAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule reminder: %w", err)
	}
	return nil
}

// SnoozeReminder pushes a reminder's next delivery to until.
func (s *Store) SnoozeReminder(ctx context.Context, id string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET snooze_until = ?, snooze_count = snooze_count + 1 WHERE id = ?`,
		until.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to snooze reminder: %w", err)
	}
	return nil
}

// CancelReminder marks a reminder cancelled without deleting it.
func (s *Store) CancelReminder(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE reminders SET cancelled = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to cancel reminder: %w", err)
	}
	return nil
}

// DeleteReminder removes a reminder.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	return nil
}

const reminderSelect = `
	SELECT id, detection_id, remind_at, title, message, triggered, cancelled,
	       recurrence, recurrence_interval, last_triggered_at, snooze_until,
	       snooze_count, priority, created_at
	FROM reminders`

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]*ReminderRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var out []*ReminderRecord
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReminder(row rowScanner) (*ReminderRecord, error) {
	var r ReminderRecord
	var remindAt, lastTriggered, snoozeUntil, createdAt int64
	var message sql.NullString
	var recurrence, priority string

	err := row.Scan(&r.ID, &r.DetectionID, &remindAt, &r.Title, &message, &r.Triggered, &r.Cancelled,
		&recurrence, &r.RecurrenceInterval, &lastTriggered, &snoozeUntil, &r.SnoozeCount, &priority, &createdAt)
	if err != nil {
		return nil, err
	}

	r.RemindAt = time.UnixMilli(remindAt)
	r.Message = message.String
	r.Recurrence = Recurrence(recurrence)
	r.Priority = Priority(priority)
	if lastTriggered > 0 {
		r.LastTriggeredAt = time.UnixMilli(lastTriggered)
	}
	if snoozeUntil > 0 {
		r.SnoozeUntil = time.UnixMilli(snoozeUntil)
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

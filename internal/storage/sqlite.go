package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface checks.
var (
	_ domain.ServiceDirectory = (*SQLiteStore)(nil)
	_ domain.CallLog          = (*SQLiteStore)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_entries (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	service_id      TEXT,
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'waiting',
	updated_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS appointments (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	service       TEXT,
	priority      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'scheduled',
	scheduled_for TEXT,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS calls (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	subject_name    TEXT NOT NULL,
	sequence_number INTEGER,
	service_label   TEXT,
	priority        INTEGER NOT NULL DEFAULT 0,
	record_id       TEXT,
	received_at     TEXT,
	completed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_completed_at ON calls(completed_at);
`

// SQLiteStore keeps the local copy of queue entries, appointments and
// services, plus the call history. It backs offline deployments and the
// polling feed.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	log.Debug("sqlite store ready at %s", path)
	return &SQLiteStore{db: db, log: log}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutService inserts or renames a service.
func (s *SQLiteStore) PutService(ctx context.Context, svc domain.Service) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, svc.ID, svc.Name)
	if err != nil {
		return fmt.Errorf("saving service %s: %w", svc.ID, err)
	}
	return nil
}

// ServiceName resolves a service id.
func (s *SQLiteStore) ServiceName(ctx context.Context, id string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM services WHERE id = ?`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up service %s: %w", id, err)
	}
	return name, nil
}

// PutQueueEntry inserts or replaces a queue entry. A missing id is
// generated.
func (s *SQLiteStore) PutQueueEntry(ctx context.Context, e *domain.QueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = "waiting"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, name, sequence_number, service_id, priority, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			sequence_number = excluded.sequence_number,
			service_id = excluded.service_id,
			priority = excluded.priority,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, e.ID, e.Name, e.SequenceNumber, nullString(e.ServiceID), e.Priority, e.Status, now())
	if err != nil {
		return fmt.Errorf("saving queue entry %s: %w", e.ID, err)
	}
	return nil
}

// PutAppointment inserts or replaces an appointment. A missing id is
// generated.
func (s *SQLiteStore) PutAppointment(ctx context.Context, a *domain.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = "scheduled"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, name, service, priority, status, scheduled_for, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			service = excluded.service,
			priority = excluded.priority,
			status = excluded.status,
			scheduled_for = excluded.scheduled_for,
			updated_at = excluded.updated_at
	`, a.ID, a.Name, nullString(a.Service), a.Priority, a.Status, nullString(a.ScheduledFor), now())
	if err != nil {
		return fmt.Errorf("saving appointment %s: %w", a.ID, err)
	}
	return nil
}

// SetStatus changes the status of one record of resource.
func (s *SQLiteStore) SetStatus(ctx context.Context, resource, id, status string) error {
	table, err := tableFor(resource)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", resource, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", resource, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", resource, id, domain.ErrNotFound)
	}
	s.log.Debug("%s %s -> %s", resource, id, status)
	return nil
}

// Snapshot returns every row of resource as column maps, the shape a
// change feed carries.
func (s *SQLiteStore) Snapshot(ctx context.Context, resource string) ([]map[string]any, error) {
	switch resource {
	case domain.ResourceQueue:
		return s.snapshotQueue(ctx)
	case domain.ResourceAppointments:
		return s.snapshotAppointments(ctx)
	default:
		return nil, fmt.Errorf("snapshot of %q: %w", resource, domain.ErrNotFound)
	}
}

func (s *SQLiteStore) snapshotQueue(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sequence_number, service_id, priority, status, updated_at
		FROM queue_entries ORDER BY sequence_number
	`)
	if err != nil {
		return nil, fmt.Errorf("listing queue entries: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id, name, status, updatedAt string
			number                      int
			serviceID                   sql.NullString
			priority                    bool
		)
		if err := rows.Scan(&id, &name, &number, &serviceID, &priority, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		out = append(out, map[string]any{
			"id":              id,
			"name":            name,
			"sequence_number": number,
			"service_id":      serviceID.String,
			"priority":        priority,
			"status":          status,
			"updated_at":      updatedAt,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) snapshotAppointments(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, service, priority, status, scheduled_for, updated_at
		FROM appointments ORDER BY scheduled_for
	`)
	if err != nil {
		return nil, fmt.Errorf("listing appointments: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id, name, status, updatedAt string
			service, scheduledFor       sql.NullString
			priority                    bool
		)
		if err := rows.Scan(&id, &name, &service, &priority, &status, &scheduledFor, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning appointment: %w", err)
		}
		out = append(out, map[string]any{
			"id":            id,
			"name":          name,
			"service":       service.String,
			"priority":      priority,
			"status":        status,
			"scheduled_for": scheduledFor.String,
			"updated_at":    updatedAt,
		})
	}
	return out, rows.Err()
}

// Record stores a finished call.
func (s *SQLiteStore) Record(ctx context.Context, rec domain.CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (
			id, kind, subject_name, sequence_number, service_label,
			priority, record_id, received_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Kind.String(),
		rec.SubjectName,
		rec.SequenceNumber,
		nullString(rec.ServiceLabel),
		rec.Priority,
		nullString(rec.RecordID),
		formatTime(rec.ReceivedAt),
		formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("recording call %s: %w", rec.ID, err)
	}
	return nil
}

// ListCalls returns up to limit calls, most recently completed first.
// A non-positive limit returns everything.
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject_name, sequence_number, service_label,
		       priority, record_id, received_at, completed_at
		FROM calls ORDER BY completed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var (
			rec                   domain.CallRecord
			kind                  string
			number                sql.NullInt64
			label, recordID       sql.NullString
			receivedAt, completed sql.NullString
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.SubjectName, &number, &label,
			&rec.Priority, &recordID, &receivedAt, &completed); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		rec.Kind = parseKind(kind)
		rec.SequenceNumber = int(number.Int64)
		rec.ServiceLabel = label.String
		rec.RecordID = recordID.String
		rec.ReceivedAt = parseTime(receivedAt.String)
		rec.CompletedAt = parseTime(completed.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func tableFor(resource string) (string, error) {
	switch resource {
	case domain.ResourceQueue, domain.ResourceAppointments:
		return resource, nil
	default:
		return "", fmt.Errorf("unknown resource %q: %w", resource, domain.ErrNotFound)
	}
}

func parseKind(s string) domain.CallKind {
	if s == domain.KindAppointment.String() {
		return domain.KindAppointment
	}
	return domain.KindQueue
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

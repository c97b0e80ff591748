package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is durable proof that a student was present for a session token.
// At most one record exists per (student_id, token) pair; the table's unique
// constraint is what makes concurrent scans safe.
type Record struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	StudentEmail string    `json:"student_email"`
	StudentName  string    `json:"student_name"`
	Department   string    `json:"department"`
	Year         string    `json:"year"`
	Semester     string    `json:"semester"`
	Subject      string    `json:"subject"`
	Token        string    `json:"token"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Notification is a message queued for a student after a successful scan.
type Notification struct {
	ID        string
	StudentID string
	Message   string
	CreatedAt time.Time
}

// Filter narrows admin attendance listings. Zero-valued fields are ignored.
type Filter struct {
	Department string
	Year       string
	Subject    string
	Date       string // YYYY-MM-DD, matched against recorded_at's date
	Limit      int
	Offset     int
}

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Find returns the record for a (student, token) pair, or nil when absent.
func (r *Repository) Find(ctx context.Context, studentID, token string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, student_email, student_name, department, year, semester, subject, token, recorded_at
		FROM attendance_records
		WHERE student_id = $1 AND token = $2
	`, studentID, token)
	var rec Record
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Insert writes a new record. The second return value reports whether a row
// was actually inserted; false means the unique (student_id, token)
// constraint already held a record, which is how a lost race surfaces.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, student_email, student_name, department, year, semester, subject, token, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (student_id, token) DO NOTHING
		RETURNING id
	`, rec.ID, rec.StudentID, rec.StudentEmail, rec.StudentName, rec.Department, rec.Year, rec.Semester, rec.Subject, rec.Token, rec.RecordedAt)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// List returns records matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, student_id, student_email, student_name, department, year, semester, subject, token, recorded_at FROM attendance_records`
	args := []any{}
	clauses := []string{}
	add := func(clause string, val any) {
		clauses = append(clauses, clause+" $"+strconv.Itoa(len(args)+1))
		args = append(args, val)
	}
	if f.Department != "" {
		add("department =", f.Department)
	}
	if f.Year != "" {
		add("year =", f.Year)
	}
	if f.Subject != "" {
		add("subject =", f.Subject)
	}
	if f.Date != "" {
		add("recorded_at::date =", f.Date)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// History returns a student's most recent records.
func (r *Repository) History(ctx context.Context, studentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, student_email, student_name, department, year, semester, subject, token, recorded_at
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SubjectCounts returns how many sessions the student attended per subject.
func (r *Repository) SubjectCounts(ctx context.Context, studentID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject, COUNT(*)
		FROM attendance_records
		WHERE student_id = $1
		GROUP BY subject
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var subject string
		var n int
		if err := rows.Scan(&subject, &n); err != nil {
			return nil, err
		}
		counts[subject] = n
	}
	return counts, rows.Err()
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, student_email, student_name, department, year, semester, subject, token, recorded_at
		FROM attendance_records WHERE id = $1
	`, id)
	var rec Record
	if err := scanRecord(row, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// InsertNotification writes a notification row for the worker.
func (r *Repository) InsertNotification(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, student_id, message)
		VALUES ($1, $2, $3)
	`, n.ID, n.StudentID, n.Message)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, rec *Record) error {
	return row.Scan(&rec.ID, &rec.StudentID, &rec.StudentEmail, &rec.StudentName,
		&rec.Department, &rec.Year, &rec.Semester, &rec.Subject, &rec.Token, &rec.RecordedAt)
}

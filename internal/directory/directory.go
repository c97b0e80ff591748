// Package directory is the student-directory collaborator: user login rows
// and the eligibility profiles that authorize attendance scans.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Profile is a student's class assignment, checked against a token's session
// metadata on every scan.
type Profile struct {
	StudentID  string    `json:"student_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	Year       string    `json:"year"`
	Semester   string    `json:"semester"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a login row for the identity collaborator.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	Department   string
	Year         string
	Semester     string
}

// Repository persists directory data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetProfile returns a student's eligibility profile, or nil when none exists.
func (r *Repository) GetProfile(ctx context.Context, studentID string) (*Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT student_id, email, name, department, year, semester, created_at
		FROM students WHERE student_id = $1
	`, studentID)
	var p Profile
	if err := row.Scan(&p.StudentID, &p.Email, &p.Name, &p.Department, &p.Year, &p.Semester, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// CreateProfile materializes a profile. Creating a profile that already
// exists is a no-op, so concurrent lazy provisioning cannot duplicate rows.
func (r *Repository) CreateProfile(ctx context.Context, p Profile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (student_id, email, name, department, year, semester)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (student_id) DO NOTHING
	`, p.StudentID, p.Email, p.Name, p.Department, p.Year, p.Semester)
	return err
}

// FindUserByEmail returns a login row, or nil when the email is unknown.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, role, department, year, semester
		FROM users WHERE email = $1
	`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Department, &u.Year, &u.Semester); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

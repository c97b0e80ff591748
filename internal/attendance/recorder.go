package attendance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendmax/internal/auth"
	"attendmax/internal/directory"
	"attendmax/internal/session"
)

// Kind classifies a scan outcome.
type Kind int

const (
	Success Kind = iota
	InvalidToken
	NotEligible
	AlreadyRecorded
	StorageFailure
)

// String returns the outcome name used in metrics labels and logs.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidToken:
		return "invalid_token"
	case NotEligible:
		return "not_eligible"
	case AlreadyRecorded:
		return "already_recorded"
	case StorageFailure:
		return "storage_failure"
	}
	return "unknown"
}

// Details is what a successful scan shows the student.
type Details struct {
	Subject    string    `json:"subject"`
	Department string    `json:"department"`
	Year       string    `json:"year"`
	Semester   string    `json:"semester"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Outcome is the recorder's caller-visible result. Every rejection carries a
// message explaining why, so students don't keep retrying a token that can
// never succeed for them.
type Outcome struct {
	Kind    Kind
	Message string
	Details *Details
	// RecordID is set on Success so the caller can reference the new record.
	RecordID string
}

// TokenSource is the registry view the recorder needs.
type TokenSource interface {
	Get(value string) (session.Token, bool)
}

// ProfileDirectory resolves and lazily provisions eligibility profiles.
type ProfileDirectory interface {
	GetProfile(ctx context.Context, studentID string) (*directory.Profile, error)
	CreateProfile(ctx context.Context, p directory.Profile) error
}

// RecordStore is the durable attendance store the recorder writes to.
type RecordStore interface {
	Find(ctx context.Context, studentID, token string) (*Record, error)
	Insert(ctx context.Context, rec Record) (Record, bool, error)
}

// Fallback class assignment for identities whose provider carries no
// department/year claims. Such students fail the eligibility gate until an
// admin fixes their profile, which is the safe direction to fail in.
const (
	unassignedDepartment = "UNASSIGNED"
	unassignedYear       = "UNASSIGNED"
)

// Recorder consumes a session token exactly once per student, enforcing
// eligibility and idempotence on the way.
type Recorder struct {
	tokens   TokenSource
	profiles ProfileDirectory
	records  RecordStore
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewRecorder wires a recorder to its collaborators.
func NewRecorder(tokens TokenSource, profiles ProfileDirectory, records RecordStore, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{
		tokens:   tokens,
		profiles: profiles,
		records:  records,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the recorder's time source. Tests only.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Record marks attendance for ident against token. The returned error is
// non-nil only when the outcome is StorageFailure, so callers can map it to
// a retryable 500 while everything else is an ordinary 400-class outcome.
//
// The existing-record check is only a fast path for the friendly message;
// the insert itself is a single atomic write guarded by the store's unique
// (student_id, token) constraint, so two concurrent scans cannot both
// succeed.
func (r *Recorder) Record(ctx context.Context, ident auth.Identity, token string) (Outcome, error) {
	profile, err := r.profiles.GetProfile(ctx, ident.Subject)
	if err != nil {
		return r.storageFailure("load profile", err)
	}
	if profile == nil {
		profile = r.provisionProfile(ident)
		if err := r.profiles.CreateProfile(ctx, *profile); err != nil {
			return r.storageFailure("create profile", err)
		}
	}

	tok, ok := r.tokens.Get(token)
	if !ok {
		return Outcome{Kind: InvalidToken, Message: "Invalid or expired QR code"}, nil
	}

	if profile.Department != tok.Department || profile.Year != tok.Year {
		return Outcome{
			Kind: NotEligible,
			Message: fmt.Sprintf("This session is for %s %s students, not %s %s",
				tok.Department, tok.Year, profile.Department, profile.Year),
		}, nil
	}

	existing, err := r.records.Find(ctx, ident.Subject, token)
	if err != nil {
		return r.storageFailure("check existing record", err)
	}
	if existing != nil {
		return Outcome{Kind: AlreadyRecorded, Message: "Attendance already marked"}, nil
	}

	rec := Record{
		StudentID:    ident.Subject,
		StudentEmail: profile.Email,
		StudentName:  profile.Name,
		Department:   tok.Department,
		Year:         tok.Year,
		Semester:     tok.Semester,
		Subject:      tok.Subject,
		Token:        token,
		RecordedAt:   r.now().UTC(),
	}
	inserted, ok, err := r.records.Insert(ctx, rec)
	if err != nil {
		return r.storageFailure("insert record", err)
	}
	if !ok {
		// A concurrent scan for the same pair won the insert.
		return Outcome{Kind: AlreadyRecorded, Message: "Attendance already marked"}, nil
	}

	return Outcome{
		Kind:     Success,
		Message:  "Attendance marked successfully",
		RecordID: inserted.ID,
		Details: &Details{
			Subject:    inserted.Subject,
			Department: inserted.Department,
			Year:       inserted.Year,
			Semester:   inserted.Semester,
			RecordedAt: inserted.RecordedAt,
		},
	}, nil
}

func (r *Recorder) provisionProfile(ident auth.Identity) *directory.Profile {
	p := &directory.Profile{
		StudentID:  ident.Subject,
		Email:      ident.Email,
		Name:       ident.Name,
		Department: ident.Department,
		Year:       ident.Year,
		Semester:   ident.Semester,
	}
	if p.Department == "" {
		p.Department = unassignedDepartment
	}
	if p.Year == "" {
		p.Year = unassignedYear
	}
	return p
}

func (r *Recorder) storageFailure(op string, err error) (Outcome, error) {
	r.logger.Errorf("attendance %s failed: %v", op, err)
	return Outcome{Kind: StorageFailure, Message: "Error marking attendance, please retry"},
		fmt.Errorf("attendance: %s: %w", op, err)
}

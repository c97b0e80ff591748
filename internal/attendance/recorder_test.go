package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attendmax/internal/auth"
	"attendmax/internal/directory"
	"attendmax/internal/session"
)

type fakeTokens struct {
	tokens map[string]session.Token
}

func (f *fakeTokens) Get(value string) (session.Token, bool) {
	tok, ok := f.tokens[value]
	return tok, ok
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]directory.Profile
	getErr   error
	created  int
}

func (f *fakeProfiles) GetProfile(_ context.Context, studentID string) (*directory.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if p, ok := f.profiles[studentID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (f *fakeProfiles) CreateProfile(_ context.Context, p directory.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if _, ok := f.profiles[p.StudentID]; ok {
		return nil // conflict is a no-op, matching ON CONFLICT DO NOTHING
	}
	f.profiles[p.StudentID] = p
	return nil
}

// fakeRecords mimics the durable store's unique (student_id, token)
// constraint under a mutex, so the concurrency test exercises the same
// lost-race path the real insert has.
type fakeRecords struct {
	mu        sync.Mutex
	records   map[[2]string]Record
	findErr   error
	insertErr error
	skipFind  bool // hide existing records from Find to force the race path
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[[2]string]Record)}
}

func (f *fakeRecords) Find(_ context.Context, studentID, token string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.skipFind {
		return nil, nil
	}
	if rec, ok := f.records[[2]string{studentID, token}]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (f *fakeRecords) Insert(_ context.Context, rec Record) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return Record{}, false, f.insertErr
	}
	key := [2]string{rec.StudentID, rec.Token}
	if _, ok := f.records[key]; ok {
		return Record{}, false, nil
	}
	if rec.ID == "" {
		rec.ID = "rec-" + rec.StudentID + "-" + rec.Token
	}
	f.records[key] = rec
	return rec, true, nil
}

func studentIdent(id, dept, year string) auth.Identity {
	return auth.Identity{
		Subject:    id,
		Role:       "student",
		Email:      id + "@college.edu",
		Name:       "Student " + id,
		Department: dept,
		Year:       year,
		Semester:   "SEM5",
	}
}

func newTestRecorder(tokens *fakeTokens, profiles *fakeProfiles, records *fakeRecords) *Recorder {
	return NewRecorder(tokens, profiles, records, zap.NewNop().Sugar())
}

func liveToken(value string) session.Token {
	now := time.Now()
	return session.Token{
		Value:      value,
		Department: "CSE",
		Year:       "TY",
		Semester:   "SEM5",
		Subject:    "OS",
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Minute),
		IssuedBy:   "admin-1",
	}
}

func TestRecorderScenario(t *testing.T) {
	tok := liveToken("CSE_TY_SEM5_OS_20260302100000")
	tokens := &fakeTokens{tokens: map[string]session.Token{tok.Value: tok}}
	profiles := &fakeProfiles{profiles: map[string]directory.Profile{
		"sa": {StudentID: "sa", Email: "sa@college.edu", Department: "CSE", Year: "TY", Semester: "SEM5"},
		"sb": {StudentID: "sb", Email: "sb@college.edu", Department: "AIML", Year: "TY", Semester: "SEM5"},
	}}
	records := newFakeRecords()
	rec := newTestRecorder(tokens, profiles, records)
	ctx := context.Background()

	// Student A (CSE/TY) scans: success with session details.
	out, err := rec.Record(ctx, studentIdent("sa", "CSE", "TY"), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, Success, out.Kind)
	require.NotNil(t, out.Details)
	assert.Equal(t, "OS", out.Details.Subject)
	assert.Equal(t, "CSE", out.Details.Department)
	assert.NotEmpty(t, out.RecordID)

	// Student A scans again: idempotent duplicate.
	out, err = rec.Record(ctx, studentIdent("sa", "CSE", "TY"), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, AlreadyRecorded, out.Kind)

	// Student B (AIML/TY) scans: wrong class population.
	out, err = rec.Record(ctx, studentIdent("sb", "AIML", "TY"), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, NotEligible, out.Kind)
	assert.Contains(t, out.Message, "CSE")

	// Any scan with an expired/unknown token.
	out, err = rec.Record(ctx, studentIdent("sa", "CSE", "TY"), "gone")
	require.NoError(t, err)
	assert.Equal(t, InvalidToken, out.Kind)

	// Exactly one durable record exists for (sa, token).
	assert.Len(t, records.records, 1)
}

func TestRecorderLazyProvisioning(t *testing.T) {
	tok := liveToken("tok")
	tokens := &fakeTokens{tokens: map[string]session.Token{tok.Value: tok}}
	profiles := &fakeProfiles{profiles: map[string]directory.Profile{}}
	records := newFakeRecords()
	rec := newTestRecorder(tokens, profiles, records)
	ctx := context.Background()

	// Unknown student with matching claims: profile materialized, scan
	// succeeds.
	out, err := rec.Record(ctx, studentIdent("new", "CSE", "TY"), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, Success, out.Kind)
	created, ok := profiles.profiles["new"]
	require.True(t, ok)
	assert.Equal(t, "CSE", created.Department)
	assert.Equal(t, "new@college.edu", created.Email)

	// Materializing twice does not duplicate; existing profile is used.
	out, err = rec.Record(ctx, studentIdent("new", "CSE", "TY"), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, AlreadyRecorded, out.Kind)
	assert.Equal(t, 1, profiles.created)
}

func TestRecorderProvisioningDefaults(t *testing.T) {
	tok := liveToken("tok")
	tokens := &fakeTokens{tokens: map[string]session.Token{tok.Value: tok}}
	profiles := &fakeProfiles{profiles: map[string]directory.Profile{}}
	rec := newTestRecorder(tokens, profiles, newFakeRecords())

	// Identity provider carried no class claims: defaults apply and the
	// student is not eligible until an admin assigns a class.
	ident := auth.Identity{Subject: "blank", Role: "student", Email: "blank@college.edu"}
	out, err := rec.Record(context.Background(), ident, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, NotEligible, out.Kind)
	assert.Equal(t, "UNASSIGNED", profiles.profiles["blank"].Department)
}

func TestRecorderStorageFailures(t *testing.T) {
	tok := liveToken("tok")
	tokens := &fakeTokens{tokens: map[string]session.Token{tok.Value: tok}}
	ident := studentIdent("sa", "CSE", "TY")
	profile := directory.Profile{StudentID: "sa", Department: "CSE", Year: "TY"}

	t.Run("profile load", func(t *testing.T) {
		profiles := &fakeProfiles{getErr: errors.New("db down")}
		rec := newTestRecorder(tokens, profiles, newFakeRecords())
		out, err := rec.Record(context.Background(), ident, tok.Value)
		require.Error(t, err)
		assert.Equal(t, StorageFailure, out.Kind)
	})

	t.Run("record check", func(t *testing.T) {
		records := newFakeRecords()
		records.findErr = errors.New("db down")
		rec := newTestRecorder(tokens, &fakeProfiles{profiles: map[string]directory.Profile{"sa": profile}}, records)
		out, err := rec.Record(context.Background(), ident, tok.Value)
		require.Error(t, err)
		assert.Equal(t, StorageFailure, out.Kind)
	})

	t.Run("insert", func(t *testing.T) {
		records := newFakeRecords()
		records.insertErr = errors.New("db down")
		rec := newTestRecorder(tokens, &fakeProfiles{profiles: map[string]directory.Profile{"sa": profile}}, records)
		out, err := rec.Record(context.Background(), ident, tok.Value)
		require.Error(t, err)
		assert.Equal(t, StorageFailure, out.Kind)
	})
}

func TestRecorderConcurrentScansExactlyOnce(t *testing.T) {
	tok := liveToken("tok")
	tokens := &fakeTokens{tokens: map[string]session.Token{tok.Value: tok}}
	profiles := &fakeProfiles{profiles: map[string]directory.Profile{
		"sa": {StudentID: "sa", Department: "CSE", Year: "TY"},
	}}
	records := newFakeRecords()
	// Force every goroutine past the friendly pre-check so they all race on
	// the insert, the way two truly simultaneous scans would.
	records.skipFind = true
	rec := newTestRecorder(tokens, profiles, records)

	const n = 16
	outcomes := make([]Kind, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := rec.Record(context.Background(), studentIdent("sa", "CSE", "TY"), tok.Value)
			assert.NoError(t, err)
			outcomes[i] = out.Kind
		}(i)
	}
	wg.Wait()

	successes, duplicates := 0, 0
	for _, k := range outcomes {
		switch k {
		case Success:
			successes++
		case AlreadyRecorded:
			duplicates++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, duplicates)
	assert.Len(t, records.records, 1)
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeArtifacts records saves and deletes, optionally failing them.
type fakeArtifacts struct {
	mu        sync.Mutex
	saved     map[string][]byte
	deleted   []string
	saveErr   error
	deleteErr error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{saved: make(map[string][]byte)}
}

func (f *fakeArtifacts) Save(_ context.Context, token string, png []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.saved[token] = png
	return f.URL(token), nil
}

func (f *fakeArtifacts) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.saved, token)
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeArtifacts) URL(token string) string {
	return "/static/qr_codes/" + token + ".png"
}

func (f *fakeArtifacts) deletedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestIssuerGenerate(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	registry.SetClock(func() time.Time { return base })
	artifacts := newFakeArtifacts()

	issuer := NewIssuer(registry, artifacts, 60*time.Second, 256, zap.NewNop().Sugar())
	issuer.SetClock(func() time.Time { return base })

	issued, err := issuer.Generate(context.Background(), "CSE", "TY", "SEM5", "OS", "admin-1")
	require.NoError(t, err)

	assert.Equal(t, "CSE_TY_SEM5_OS_20260302100000", issued.Token.Value)
	assert.Equal(t, 60, issued.ExpiresIn)
	assert.Equal(t, base.Add(60*time.Second), issued.Token.ExpiresAt)
	assert.Equal(t, "admin-1", issued.Token.IssuedBy)
	assert.Equal(t, "/static/qr_codes/CSE_TY_SEM5_OS_20260302100000.png", issued.ArtifactURL)

	// The registry holds the token and the artifact store holds a PNG.
	got, ok := registry.Get(issued.Token.Value)
	require.True(t, ok)
	assert.Equal(t, "OS", got.Subject)
	assert.NotEmpty(t, artifacts.saved[issued.Token.Value])
}

func TestIssuerGenerateValidation(t *testing.T) {
	registry := NewRegistry()
	issuer := NewIssuer(registry, newFakeArtifacts(), 60*time.Second, 256, zap.NewNop().Sugar())

	for _, tc := range []struct{ dept, year, sem, subject string }{
		{"", "TY", "SEM5", "OS"},
		{"CSE", "", "SEM5", "OS"},
		{"CSE", "TY", "", "OS"},
		{"CSE", "TY", "SEM5", ""},
		{"  ", "TY", "SEM5", "OS"},
	} {
		_, err := issuer.Generate(context.Background(), tc.dept, tc.year, tc.sem, tc.subject, "admin-1")
		assert.ErrorIs(t, err, ErrMissingField)
	}
	assert.Len(t, registry.Snapshot(), 0)
}

func TestIssuerGenerateSameSecondReusesToken(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	registry.SetClock(func() time.Time { return base })

	issuer := NewIssuer(registry, newFakeArtifacts(), 60*time.Second, 256, zap.NewNop().Sugar())
	issuer.SetClock(func() time.Time { return base })

	first, err := issuer.Generate(context.Background(), "CSE", "TY", "SEM5", "OS", "admin-1")
	require.NoError(t, err)
	second, err := issuer.Generate(context.Background(), "CSE", "TY", "SEM5", "OS", "admin-1")
	require.NoError(t, err)

	assert.Equal(t, first.Token.Value, second.Token.Value)
	assert.Equal(t, first.Token.IssuedAt, second.Token.IssuedAt)
	assert.Len(t, registry.Snapshot(), 1)
}

func TestIssuerGenerateArtifactFailureNonFatal(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	registry.SetClock(func() time.Time { return base })
	artifacts := newFakeArtifacts()
	artifacts.saveErr = errors.New("upload down")

	issuer := NewIssuer(registry, artifacts, 60*time.Second, 256, zap.NewNop().Sugar())
	issuer.SetClock(func() time.Time { return base })

	issued, err := issuer.Generate(context.Background(), "CSE", "TY", "SEM5", "OS", "admin-1")
	require.NoError(t, err)

	// Token is live and scannable even though its image never rendered.
	assert.Empty(t, issued.ArtifactURL)
	_, ok := registry.Get(issued.Token.Value)
	assert.True(t, ok)
}

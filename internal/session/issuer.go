package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"attendmax/internal/artifact"
)

// Issuer creates session tokens for admin-initiated class windows, renders
// their QR images, and registers them for scanning.
type Issuer struct {
	registry  *Registry
	artifacts artifact.Store
	window    time.Duration
	qrSize    int
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewIssuer wires an issuer to its registry and artifact store.
func NewIssuer(registry *Registry, artifacts artifact.Store, window time.Duration, qrSize int, logger *zap.SugaredLogger) *Issuer {
	if window <= 0 {
		window = 60 * time.Second
	}
	if qrSize <= 0 {
		qrSize = 256
	}
	return &Issuer{
		registry:  registry,
		artifacts: artifacts,
		window:    window,
		qrSize:    qrSize,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the issuer's time source. Tests only.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Issued is what the admin UI needs to display a freshly generated session.
type Issued struct {
	Token       Token
	ArtifactURL string
	ExpiresIn   int
}

// Generate validates the class identity, renders and stores the QR image,
// and registers the token for the configured window.
//
// The token value embeds a second-granularity timestamp, so two generations
// for the identical class within the same second collide; in that case the
// existing live entry is returned instead of an error, since it represents
// the same class window.
//
// A failed image render or upload is logged but does not fail generation:
// the token is valid regardless, and the response carries an empty URL.
func (i *Issuer) Generate(ctx context.Context, department, year, semester, subject, issuedBy string) (Issued, error) {
	for name, v := range map[string]string{
		"department": department,
		"year":       year,
		"semester":   semester,
		"subject":    subject,
	} {
		if strings.TrimSpace(v) == "" {
			return Issued{}, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	now := i.now()
	value := fmt.Sprintf("%s_%s_%s_%s_%s", department, year, semester, subject, now.Format("20060102150405"))

	tok := Token{
		Value:      value,
		Department: department,
		Year:       year,
		Semester:   semester,
		Subject:    subject,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.window),
		IssuedBy:   issuedBy,
	}

	if err := i.registry.Put(tok); err != nil {
		// Same class, same second: reuse the live entry.
		if existing, ok := i.registry.Get(value); ok {
			return Issued{
				Token:       existing,
				ArtifactURL: i.artifacts.URL(value),
				ExpiresIn:   existing.Remaining(i.now()),
			}, nil
		}
		return Issued{}, err
	}

	artifactURL := ""
	png, err := qrcode.Encode(value, qrcode.Medium, i.qrSize)
	if err != nil {
		i.logger.Errorf("qr render failed for %s: %v", value, err)
	} else if url, err := i.artifacts.Save(ctx, value, png); err != nil {
		i.logger.Errorf("qr upload failed for %s: %v", value, err)
	} else {
		artifactURL = url
	}

	return Issued{Token: tok, ArtifactURL: artifactURL, ExpiresIn: tok.Remaining(i.now())}, nil
}

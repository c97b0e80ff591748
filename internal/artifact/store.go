// Package artifact stores the rendered QR images separately from the token
// registry. The image's lifecycle is driven by the token's (saved on
// issuance, deleted on sweep) but losing an image never invalidates the
// token itself.
package artifact

import "context"

// Store persists rendered QR images keyed by token value.
type Store interface {
	// Save writes the PNG for a token and returns its public URL.
	Save(ctx context.Context, token string, png []byte) (string, error)
	// Delete removes the image for a token. Deleting an unknown token is
	// not an error.
	Delete(ctx context.Context, token string) error
	// URL returns the public URL the image would be served from.
	URL(token string) string
}

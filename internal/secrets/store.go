// Package secrets keeps control-API secrets out of ordinary configuration
// files. Secrets are stored keyed by record ID; the records that reference
// them persist without the secret material.
package secrets

import "errors"

// ErrNotFound is returned when no secret exists under the given id.
var ErrNotFound = errors.New("secret not found")

// Store is a minimal keyed secret store.
type Store interface {
	// Get returns the secret stored under id, or ErrNotFound.
	Get(id string) (string, error)
	// Set stores secret under id, replacing any previous value.
	Set(id, secret string) error
	// Delete removes the secret under id. Deleting a missing id is a no-op.
	Delete(id string) error
}

package featureflags

import (
	"context"
	"errors"
)

// ErrFlagNotFound is returned when a flag has no stored value.
var ErrFlagNotFound = errors.New("feature flag not found")

// Repository stores flag values that override the defaults.
type Repository interface {
	// List returns every stored flag keyed by flag key.
	List(ctx context.Context) (map[string]*Flag, error)

	// Save stores flags in one transaction.
	Save(ctx context.Context, flags []*Flag) error

	// Delete removes a stored flag so the default applies again.
	// Deleting a flag that is not stored returns ErrFlagNotFound.
	Delete(ctx context.Context, key string) error
}

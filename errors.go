package dewarp

import "github.com/pkg/errors"

var (
	errNotFound = errors.New("subscriber not found")

	// ErrUnknownBackend is returned by NewManager for unsupported backends.
	ErrUnknownBackend = errors.New("unknown capture backend")
)

package sandbox

import "errors"

// Error kinds returned across the Runtime boundary. Adapters wrap
// backend failures with one of these so callers can use errors.Is.
var (
	ErrNotFound              = errors.New("sandbox not found")
	ErrAlreadyExists         = errors.New("sandbox already exists")
	ErrNotRunning            = errors.New("sandbox not running")
	ErrAlreadyRunning        = errors.New("sandbox already running")
	ErrStartFailed           = errors.New("sandbox start failed")
	ErrExecFailed            = errors.New("sandbox exec failed")
	ErrAttachFailed          = errors.New("sandbox attach failed")
	ErrTimeout               = errors.New("sandbox operation timed out")
	ErrInvalidImage          = errors.New("invalid sandbox image")
	ErrResourceLimitExceeded = errors.New("sandbox resource limit exceeded")
)

var kinds = []error{
	ErrNotFound, ErrAlreadyExists, ErrNotRunning, ErrAlreadyRunning,
	ErrStartFailed, ErrExecFailed, ErrAttachFailed, ErrTimeout,
	ErrInvalidImage, ErrResourceLimitExceeded,
}

// Kind returns the error kind carried by err, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsKind reports whether err carries one of the error kinds above.
func IsKind(err error) bool {
	return Kind(err) != nil
}

package batching

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShuttingDown is returned to ingest callers once shutdown has begun.
var ErrShuttingDown = errors.New("batching service is shutting down")

// FatalError marks a processor failure that retrying cannot fix (a 4xx
// from the provider, a permanently malformed batch). It skips straight to
// the exhaustion path; the handling there is identical to a transient
// failure that ran out of retries, the tag only changes what the logs say.
type FatalError struct {
	cause error
}

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{cause: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.cause)
}

func (e *FatalError) Unwrap() error {
	return e.cause
}

// IsFatal reports whether err carries the fatal tag.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

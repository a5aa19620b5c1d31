package norm

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityViolation reports an identify callback returning an id in
	// the synthetic namespace.
	ErrIdentityViolation = errors.New("identify returned an id in the reserved synthetic namespace")

	// ErrIdentityOverwrite reports an attempt to replace a durable identity
	// with a synthetic one at the same slot.
	ErrIdentityOverwrite = errors.New("attempted to overwrite a real entity id with a generated one")

	// ErrMissingFragment reports a fragment spread naming a fragment absent
	// from the document.
	ErrMissingFragment = errors.New("fragment not found in document")

	// ErrUnknownSelection reports a selection node of an unrecognized kind.
	ErrUnknownSelection = errors.New("unknown selection kind")

	// ErrMalformedResult reports a result tree whose shape contradicts the
	// selection set walked against it.
	ErrMalformedResult = errors.New("result tree does not match selection set")
)

// errPartialWrite is the internal soft-failure signal: a selection named a
// field absent from the result tree. Fragment boundaries absorb it so that
// surrounding writes proceed.
var errPartialWrite = errors.New("partial write")

type partialWriteError struct {
	path Path
}

func (e *partialWriteError) Error() string {
	return fmt.Sprintf("field %s missing from result tree", e.path)
}

func (e *partialWriteError) Unwrap() error { return errPartialWrite }

// IsPartialWrite reports whether err is the writer's missing-field signal.
func IsPartialWrite(err error) bool { return errors.Is(err, errPartialWrite) }

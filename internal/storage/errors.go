package storage

import "errors"

// Kind identifies one of the error categories the wire protocol can
// represent. Every operation failure maps to exactly one Kind, and every
// Kind maps to exactly one response code (see responseCodeFor in
// internal/dispatch).
type Kind int

const (
	// KindInternal covers allocation failure or invariant violation. Fatal
	// for the request, not the process.
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNoContent
	KindForbidden
	KindCapacityExceeded
	KindMalformed
)

// Error is a typed storage-engine failure. Callers should use errors.As to
// recover the Kind rather than comparing strings.
type Error struct {
	Kind Kind
	Op   string
	Path string
}

func (e *Error) Error() string {
	msg := kindMessage[e.Kind]
	if e.Path == "" {
		return e.Op + ": " + msg
	}
	return e.Op + " " + e.Path + ": " + msg
}

var kindMessage = map[Kind]string{
	KindInternal:         "internal error",
	KindNotFound:         "file not found",
	KindAlreadyExists:    "already exists",
	KindNoContent:        "no content",
	KindForbidden:        "forbidden",
	KindCapacityExceeded: "capacity exceeded",
	KindMalformed:        "malformed request",
}

func newErr(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

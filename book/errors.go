package book

import "errors"

// Sentinel errors for the Book Engine's error taxonomy (spec §7). Callers
// wrap these with fmt.Errorf("...: %w", ...) to attach context; compare
// with errors.Is.
var (
	ErrDuplicateOid = errors.New("book: duplicate oid")
	ErrUnknownOid   = errors.New("book: unknown oid")
	ErrInvalidSize  = errors.New("book: invalid size")
	ErrInvalidPrice = errors.New("book: invalid price")
)

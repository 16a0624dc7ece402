package store

import "errors"

var (
	// ErrNotFound indicates the row does not exist (or a guarded
	// compare-and-set matched no row).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved indicates a resolution attempt on a proposal that
	// is no longer pending.
	ErrAlreadyResolved = errors.New("proposal already resolved")
	// ErrConstraintViolation indicates a canonical commit without
	// evidence. Correct callers go through the evaluator, which never
	// accepts an evidence-free proposal, so hitting this is a programming
	// error.
	ErrConstraintViolation = errors.New("canonical item requires evidence")
)

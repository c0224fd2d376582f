package domain

import "errors"

// Sentinel errors shared across services. The HTTP layer maps these to
// status codes; asynchronous failures carry them into Site.ErrorReason.
var (
	// ErrInvalidInput flags a malformed slug, domain, or visibility value.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict flags a duplicate slug or domain, or an already-active
	// deployment job for the slug.
	ErrConflict = errors.New("conflict")

	// ErrSiteNotFound flags an operation against an unknown slug.
	ErrSiteNotFound = errors.New("site not found")

	// ErrUnsafeArchive flags an upload rejected by the archive validator:
	// path traversal, size or entry-count limits, or a corrupt archive.
	ErrUnsafeArchive = errors.New("unsafe archive")

	// ErrStorageFailure flags a disk or I/O error while writing or
	// publishing a content version.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidTransition flags a status update that does not follow the
	// site or job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

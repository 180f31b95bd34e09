package errors

import "errors"

var (
	// ErrCourseNotFound is returned when the content service has no tree for a course.
	ErrCourseNotFound = errors.New("course not found")
	// ErrUnknownBlockType is returned when a block type has no registered
	// completion mode and no default mode is configured.
	ErrUnknownBlockType = errors.New("unknown block type")
	// ErrMalformedTree is returned when a course tree contains a cycle or a
	// dangling child reference.
	ErrMalformedTree = errors.New("malformed course tree")
	// ErrClaimConflict signals that another worker holds the aggregation run
	// lock. It is a normal retry signal, not a failure.
	ErrClaimConflict = errors.New("aggregation run already claimed")
	// ErrNoData is returned when an enrollment has never been aggregated.
	ErrNoData = errors.New("no aggregation data")
)

package errors

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrEntityExists indicates an entity with the same identity already exists.
	ErrEntityExists = errors.New("entity already exists")

	// ErrInvalidData indicates a malformed or incomplete entity.
	ErrInvalidData = errors.New("invalid data")

	// ErrMissingClientID indicates a request without a client identifier.
	ErrMissingClientID = errors.New("client id is required but missing")

	// ErrMissingJobID indicates a request without a job identifier.
	ErrMissingJobID = errors.New("job id is required but missing")
)

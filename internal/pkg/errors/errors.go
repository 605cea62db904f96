package errors

import "errors"

// Generic sentinels for infrastructure-level failures that are not part of
// the job-domain error taxonomy (see internal/domain.ErrorKind for that).
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
)

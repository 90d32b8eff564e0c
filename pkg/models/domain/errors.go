package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidDiffTarget   = errors.New("invalid diff target")
	ErrRunInProgress       = errors.New("audit run already in progress")
	ErrPersistence         = errors.New("audit run persistence failed")
	ErrRunDeadlineExceeded = errors.New("audit run deadline exceeded")
	ErrRateLimited         = errors.New("audit trigger rate limit exceeded")
	ErrUnauthorized        = errors.New("caller is not authorized")
)

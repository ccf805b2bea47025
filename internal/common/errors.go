package common

import "errors"

// Error kinds shared across packages. Package level errors wrap one of these
// so the transport layer can map them with errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrExpired      = errors.New("expired")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrBlocked      = errors.New("blocked")
)

// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid indicates a validation failure (missing/malformed fields, non-positive ids, empty body).
	ErrInvalid = errors.New("validation")

	// ErrForbidden indicates an authorization failure: not a chat member, blocked pair, identity mismatch.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized indicates missing or invalid caller identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., chat pair taken).
	ErrAlreadyExists = errors.New("already exists")
)

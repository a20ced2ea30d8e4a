package shared

import "errors"

// ErrInvalidToken occurs when a bearer token fails verification.
var ErrInvalidToken = errors.New("invalid token")

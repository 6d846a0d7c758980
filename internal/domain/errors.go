package domain

import "errors"

// Sentinel errors used across layers.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid call request")
	ErrFeedClosed     = errors.New("change feed closed")
)

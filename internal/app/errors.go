package app

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInput wraps input-validation failures on orchestrator operations.
var ErrInvalidInput = errors.New("invalid input")

// RateLimitError rejects an over-budget call and carries the earliest moment a
// retry could succeed. Retrying is the caller's decision, never automatic.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

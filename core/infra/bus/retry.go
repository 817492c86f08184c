package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError tells durable consumers (audit trail archivers and other
// JetStream subscribers) to nak the message and have it redelivered after
// Delay. Non-retryable handler errors terminate the message instead.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err so the subscription redelivers after delay.
// Negative delays clamp to an immediate retry.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay reports the delay carried by a retryable error in err's
// chain, and whether one was found.
func RetryDelay(err error) (time.Duration, bool) {
	type retryDelayProvider interface {
		RetryDelay() time.Duration
	}
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransient — временный сбой инструмента (сеть, 5xx). Повтор допустим.
var ErrTransient = errors.New("transient tool failure")

// ThrottleError — инструмент попросил подождать (например, прочитал Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// IsRetryable — можно ли повторить вызов. Политические отказы сюда не попадают никогда.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		return true
	}
	return errors.Is(err, ErrTransient)
}

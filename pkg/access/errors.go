package access

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the evaluator and the workflow.
var (
	ErrNotFound         = errors.New("not found")
	ErrThrottled        = errors.New("throttled")
	ErrExpired          = errors.New("grant expired")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ThrottledError carries the remaining cooldown. It matches ErrThrottled.
type ThrottledError struct {
	Wait    time.Duration
	Pending bool
}

func (e *ThrottledError) Error() string {
	if e.Pending {
		return "throttled: a request is already pending"
	}

	return fmt.Sprintf("throttled: retry in %s", e.Wait)
}

// Is makes errors.Is(err, ErrThrottled) hold.
func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"recurd/internal/storage"
)

// DispatchFailure is a failed or timed-out hook call for one claimed item.
type DispatchFailure struct {
	Ref     storage.ItemRef
	TaskID  string
	Attempt int // 1-based, counting this failure
	Timeout bool
	Err     error
}

func (e *DispatchFailure) Error() string {
	if e.Timeout {
		return fmt.Sprintf("dispatch %s attempt %d: hook timed out", e.Ref, e.Attempt)
	}
	return fmt.Sprintf("dispatch %s attempt %d: %v", e.Ref, e.Attempt, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

func newFailure(ref storage.ItemRef, taskID string, attempts int, err error) *DispatchFailure {
	return &DispatchFailure{
		Ref:     ref,
		TaskID:  taskID,
		Attempt: attempts + 1,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

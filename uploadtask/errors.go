package uploadtask

import "github.com/NebulousLabs/errors"

// Task-level failure classes. Callers match against these with
// errors.Contains, since a task's reported error is often an Extend of one
// of these onto the underlying adapter/network cause.
var (
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNetwork           = errors.New("adapter request failed")
	ErrIntegrity         = errors.New("server reported a chunk integrity mismatch")
	ErrRetriesExhausted  = errors.New("chunk upload retries exhausted")
)

package transfer

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError is returned when the metadata provider cannot resolve an item.
// Retrying without changing the request does not help.
type NotFoundError struct {
	ItemID string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("item %s not found: %v", e.ItemID, e.Err)
	}

	return fmt.Sprintf("item %s not found", e.ItemID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// TimeoutError means the server produced no data within the read deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: no data received for %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// TransportError covers connection failures and responses the transfer cannot
// use: unexpected status codes, a mismatched resume offset or a short body.
type TransportError struct {
	Operation  string // e.g. "open", "read", "probe"
	StatusCode int    // 0 for non-HTTP failures
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("transport error during %s: %s", e.Operation, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FilesystemError wraps failures creating, writing, syncing or renaming the
// download files.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether resuming the transfer may succeed without
// operator intervention.
func IsRetryable(err error) bool {
	var (
		timeoutErr   *TimeoutError
		transportErr *TransportError
	)

	return errors.As(err, &timeoutErr) || errors.As(err, &transportErr)
}

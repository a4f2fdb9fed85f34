package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed marks a failed history or room-list fetch. It is
	// retryable and never clears state that is already loaded.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrSendFailed marks a failed user send. Sends are never retried
	// automatically.
	ErrSendFailed = errors.New("send failed")

	// ErrStorage marks a local persistence failure.
	ErrStorage = errors.New("storage error")

	// ErrStreamDegraded is reported once the live connection has exhausted
	// its reconnect attempts.
	ErrStreamDegraded = errors.New("live stream degraded")

	ErrNotFound     = errors.New("not found")
	ErrEmptyMessage = errors.New("message has no content")
	ErrClosed       = errors.New("conversation closed")
)

// StorageError wraps a failure of the local persistence engine.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorage so callers can match the kind without a type assertion.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

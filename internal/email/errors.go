package email

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by session operations issued before Connect or after Disconnect
var ErrNotConnected = errors.New("not connected")

// ConnectionError means the mailbox could not be reached or the login was rejected.
// It is fatal for a poll.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FolderAccessError means a folder does not exist or cannot be selected
type FolderAccessError struct {
	Folder string
	Err    error
}

func (e *FolderAccessError) Error() string {
	return fmt.Sprintf("cannot access folder %q: %v", e.Folder, e.Err)
}

func (e *FolderAccessError) Unwrap() error { return e.Err }

// SearchError wraps a failed search or fetch in a single folder
type SearchError struct {
	Folder   string
	Strategy string
	Err      error
}

func (e *SearchError) Error() string {
	if e.Strategy == "" {
		return fmt.Sprintf("search in %q: %v", e.Folder, e.Err)
	}
	return fmt.Sprintf("search %q in %q: %v", e.Strategy, e.Folder, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// TimeoutError is returned when no code was found within the wait budget
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("verification code not found within %s (waited %s)", e.Limit, e.Elapsed.Round(time.Millisecond))
}

// IsTimeout reports whether err is a poll timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

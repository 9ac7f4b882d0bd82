package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreDisabled is returned by every operation of a store that failed to
	// open and runs in disabled mode for the rest of the process lifetime.
	ErrStoreDisabled = errors.New("cache store is disabled")

	// ErrPoolClosed is returned when work is submitted to a closed worker pool.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// ErrNotFound represents an error when a requested resource is not found.
type ErrNotFound struct {
	Resource string
	ID       interface{}
}

// Error implements the error interface.
func (e *ErrNotFound) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s with ID %v not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is allows for error checking with errors.Is().
func (e *ErrNotFound) Is(target error) bool {
	_, ok := target.(*ErrNotFound)
	return ok
}

// NewNotFoundError creates a new ErrNotFound.
func NewNotFoundError(resource string, id interface{}) *ErrNotFound {
	return &ErrNotFound{
		Resource: resource,
		ID:       id,
	}
}

// NewEntryNotFoundError creates the error returned by a store on a cache miss.
func NewEntryNotFoundError(key string) *ErrNotFound {
	return &ErrNotFound{
		Resource: "cache entry",
		ID:       key,
	}
}

// ErrEditInProgress is returned when a write transaction is already open for a key.
type ErrEditInProgress struct {
	Key string
}

// Error implements the error interface.
func (e *ErrEditInProgress) Error() string {
	return fmt.Sprintf("an edit is already in progress for key %s", e.Key)
}

// Is allows for error checking with errors.Is().
func (e *ErrEditInProgress) Is(target error) bool {
	_, ok := target.(*ErrEditInProgress)
	return ok
}

// ErrStoreUnavailable is returned when a store cannot be opened.
type ErrStoreUnavailable struct {
	Dir    string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ErrStoreUnavailable) Error() string {
	msg := fmt.Sprintf("cache store unavailable at %q: %s", e.Dir, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ErrStoreUnavailable) Unwrap() error {
	return e.Err
}

// Is allows for error checking with errors.Is().
func (e *ErrStoreUnavailable) Is(target error) bool {
	_, ok := target.(*ErrStoreUnavailable)
	return ok
}

// ErrFetchFailed is returned when an image could not be retrieved from the network.
type ErrFetchFailed struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *ErrFetchFailed) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetching %s failed with status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetching %s failed: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetching %s failed", e.URL)
	}
}

// Unwrap returns the underlying cause.
func (e *ErrFetchFailed) Unwrap() error {
	return e.Err
}

// Is allows for error checking with errors.Is().
func (e *ErrFetchFailed) Is(target error) bool {
	_, ok := target.(*ErrFetchFailed)
	return ok
}

// ErrDecodeFailed is returned when image bytes are corrupt, unsupported or too large.
type ErrDecodeFailed struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ErrDecodeFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image decode failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("image decode failed (%s)", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ErrDecodeFailed) Unwrap() error {
	return e.Err
}

// Is allows for error checking with errors.Is().
func (e *ErrDecodeFailed) Is(target error) bool {
	_, ok := target.(*ErrDecodeFailed)
	return ok
}

package storage

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	ErrNotConnected  = errors.New("storage not connected")
	ErrNotFound      = errors.New("document not found")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// StorageError represents a storage operation error
type StorageError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewConnectionError wraps a failure to reach the backend
func NewConnectionError(message string, cause error) *StorageError {
	return &StorageError{Message: message, Code: "CONNECTION_ERROR", Cause: cause}
}

// NewQueryError wraps a failed read or write
func NewQueryError(message string, cause error) *StorageError {
	return &StorageError{Message: message, Code: "QUERY_ERROR", Cause: cause}
}

// NotFoundError represents a missing document
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document not found: %s", e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(id string) *NotFoundError {
	return &NotFoundError{ID: id}
}

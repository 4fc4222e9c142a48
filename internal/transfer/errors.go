package transfer

import (
	"errors"
	"fmt"
)

// Class groups errors by the policy a worker loop applies to them.
type Class string

const (
	ClassTransient Class = "transient"
	ClassRejection Class = "rejection"
	ClassAuth      Class = "auth"
	ClassLocalIO   Class = "local_io"
	ClassUnknown   Class = "unknown"
)

// NetworkError represents connection failures, timeouts and retryable HTTP responses
// (5xx, 429) returned by the camera or photo service.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "list_recordings", "upload_bytes")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RemoteRejectionError represents a structured error payload returned by a remote service.
// Payload keeps the raw body so it can be logged verbatim.
type RemoteRejectionError struct {
	Operation  string
	StatusCode int    // HTTP status, or 200 when the rejection came inside a successful batch response
	Code       int    // status code from the payload (google.rpc.Code for the photo service)
	Message    string
	Payload    string
	Err        error
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("remote rejected %s (HTTP %d, code %d): %s", e.Operation, e.StatusCode, e.Code, e.Message)
}

func (e *RemoteRejectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later without changes.
func (e *RemoteRejectionError) Retryable() bool {
	switch {
	case e.StatusCode == 429, e.StatusCode >= 500:
		return true
	// RESOURCE_EXHAUSTED, ABORTED, INTERNAL, UNAVAILABLE, DEADLINE_EXCEEDED
	case e.Code == 8, e.Code == 10, e.Code == 13, e.Code == 14, e.Code == 4:
		return true
	}

	return false
}

// AuthenticationError represents authentication and authorization failures.
// Fatal is set when the failure cannot heal by itself, e.g. a revoked refresh token.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Fatal     bool
	Err       error // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("credentials rejected during %s, re-authorization required", e.Operation)
	}

	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// LocalIOError represents failures of the local filesystem: disk full, permission denied,
// a staging directory that cannot be created.
type LocalIOError struct {
	Path   string // The path that caused the error
	Reason string // Human-readable explanation of the failure
	Err    error  // Underlying error, if any
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io error for '%s': %s", e.Path, e.Reason)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// Classify maps an error chain onto its policy class.
func Classify(err error) Class {
	var (
		netErr   *NetworkError
		rejErr   *RemoteRejectionError
		authErr  *AuthenticationError
		localErr *LocalIOError
	)

	switch {
	case err == nil:
		return ClassUnknown
	case errors.As(err, &authErr):
		return ClassAuth
	case errors.As(err, &localErr):
		return ClassLocalIO
	case errors.As(err, &rejErr):
		return ClassRejection
	case errors.As(err, &netErr):
		return ClassTransient
	}

	return ClassUnknown
}

// IsFatal reports whether err must halt the engine instead of being retried next cycle.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) && authErr.Fatal {
		return true
	}

	var localErr *LocalIOError

	return errors.As(err, &localErr)
}

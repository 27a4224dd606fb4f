// Package faults defines the error taxonomy shared by all engine components.
// Storage and realtime failures are converted to one of these kinds at the
// component boundary; nothing propagates to the gateway unclassified.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means there is no current user. Terminal; the UI
	// redirects to sign-in instead of retrying.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound marks operations on already-deleted rows. Callers treat it
	// as a benign no-op.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a rejected non-monotonic status transition. Logged,
	// never surfaced to the user.
	ErrConflict = errors.New("non-monotonic status transition")
)

// NetworkError wraps a transient transport failure. Reads retry with backoff;
// writes surface a retry affordance instead.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Network wraps err as a NetworkError for the given operation.
func Network(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Op: op, Err: err}
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// UploadStage identifies where an attachment upload failed.
type UploadStage string

const (
	StagePermission UploadStage = "permission"
	StageTransfer   UploadStage = "transfer"
	StageCommit     UploadStage = "commit"
)

// UploadError carries the failed stage so callers can show a precise message
// and decide whether a retry can skip already-uploaded bytes. Permission
// failures are terminal; transfer failures are retryable.
type UploadError struct {
	Stage UploadStage
	Path  string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed at %s stage (path %s): %v", e.Stage, e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the upload can succeed without user action.
func (e *UploadError) Retryable() bool {
	return e.Stage == StageTransfer
}

// AsUpload extracts an UploadError from err, if present.
func AsUpload(err error) (*UploadError, bool) {
	var ue *UploadError
	ok := errors.As(err, &ue)
	return ue, ok
}

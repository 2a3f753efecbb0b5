package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Single-item operations return
// these (wrapped with %w) to the caller; batch operations swallow per-item
// failures into FileResult lists.
var (
	// ErrNotFound is returned when a path or ImageRef does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedFormat is returned when neither the NIfTI nor the DICOM
	// recognizer matches a file's signature.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrMemoryBudgetExceeded is returned when a rental cannot be satisfied
	// within the configured ceiling (immediately in fail mode, after the
	// configured timeout in block mode).
	ErrMemoryBudgetExceeded = errors.New("memory budget exceeded")

	// ErrCancelled is returned for batch items that were never started
	// because the caller's context was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrPartialFailure is returned by batch operations in which items were
	// present but every one of them failed.
	ErrPartialFailure = errors.New("all items in batch failed")
)

// FormatError reports a malformed header or magic value in a file that was
// dispatched to a decoder.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed image %s: %s", e.Path, e.Reason)
}

// UnsupportedDataTypeError reports a recognized header whose datatype code
// is outside the supported set.
type UnsupportedDataTypeError struct {
	Path string
	Code int
}

func (e *UnsupportedDataTypeError) Error() string {
	return fmt.Sprintf("unsupported datatype code %d in %s", e.Code, e.Path)
}

// TruncatedError reports a payload shorter than the header-declared extent.
type TruncatedError struct {
	Path string
	Want int64
	Got  int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated payload in %s: want %d bytes, got %d", e.Path, e.Want, e.Got)
}

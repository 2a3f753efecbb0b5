package voxmill

import "github.com/voxmill/voxmill/internal/model"

// Error taxonomy. Match with errors.Is / errors.As:
//
//	vol, err := app.Load(ctx, ref)
//	if errors.Is(err, voxmill.ErrNotFound) { ... }
//
//	var ferr *voxmill.FormatError
//	if errors.As(err, &ferr) { ... }
var (
	// ErrNotFound: the path or ImageRef does not resolve.
	ErrNotFound = model.ErrNotFound

	// ErrUnsupportedFormat: neither the NIfTI nor the DICOM recognizer
	// matched the file's signature.
	ErrUnsupportedFormat = model.ErrUnsupportedFormat

	// ErrMemoryBudgetExceeded: a rental could not be satisfied within the
	// configured ceiling and policy.
	ErrMemoryBudgetExceeded = model.ErrMemoryBudgetExceeded

	// ErrCancelled: a batch item was never started because the context was
	// cancelled.
	ErrCancelled = model.ErrCancelled

	// ErrPartialFailure: a batch had items and every one of them failed.
	ErrPartialFailure = model.ErrPartialFailure
)

// Typed errors carrying diagnostic detail.
type (
	// FormatError reports a malformed header or magic value.
	FormatError = model.FormatError

	// UnsupportedDataTypeError reports a header datatype outside the
	// supported set.
	UnsupportedDataTypeError = model.UnsupportedDataTypeError

	// TruncatedError reports a payload shorter than the header declares.
	TruncatedError = model.TruncatedError
)

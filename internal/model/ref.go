package model

import "fmt"

// ImageRef identifies a source image on disk and, implicitly, the location
// where a companion mask sidecar is persisted. Refs are created per
// load/save request and never persisted themselves.
type ImageRef struct {
	// Modality is an advisory tag such as "CT" or "MR".
	Modality string

	// FilePath locates the source file (NIfTI file or one file of a DICOM series).
	FilePath string

	// SeriesInstanceUID narrows a DICOM load to one series when the
	// directory holds several. Empty means "the series containing FilePath".
	SeriesInstanceUID string

	// InstanceNumber optionally pins a specific instance within the series.
	InstanceNumber int
}

// Validate checks that the ref can be dispatched.
func (r ImageRef) Validate() error {
	if r.FilePath == "" {
		return fmt.Errorf("model: image ref has no file path")
	}
	return nil
}

// String renders the ref for logs and audit entries.
func (r ImageRef) String() string {
	if r.SeriesInstanceUID != "" {
		return fmt.Sprintf("%s (series %s)", r.FilePath, r.SeriesInstanceUID)
	}
	return r.FilePath
}

// FileResult records the outcome of one file within a batch operation.
// Err is nil on success. Batch operations return these alongside aggregate
// counts so callers can distinguish "nothing to process" from "everything
// failed".
type FileResult struct {
	Path string
	Err  error
}

// ImportResult aggregates a DICOM import batch.
type ImportResult struct {
	StudiesImported int
	SeriesImported  int
	ImagesImported  int

	// PerFile holds one entry per enumerated file, in enumeration order.
	PerFile []FileResult
}

// Failed returns the number of per-file failures.
func (r *ImportResult) Failed() int {
	var n int
	for _, f := range r.PerFile {
		if f.Err != nil {
			n++
		}
	}
	return n
}

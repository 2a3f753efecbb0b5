package voxmill

import (
	"github.com/voxmill/voxmill/internal/dicomio"
	"github.com/voxmill/voxmill/internal/model"
)

// Public interchange types. These alias the canonical internal/model types
// rather than mirroring them: a Volume can carry gigabytes of voxels, and a
// copying boundary would defeat the memory budget the pipeline exists to
// enforce. External segmentation, classification, and reporting code
// consumes exactly these three shapes (Volume, Mask, ImageRef).
type (
	// Volume is a canonical 3D image: one intensity byte per voxel.
	Volume = model.Volume

	// Mask is a voxel-aligned label map (0 = background).
	Mask = model.Mask

	// ImageRef identifies a source image and its sidecar location.
	ImageRef = model.ImageRef

	// FileResult is the outcome of one file within a batch.
	FileResult = model.FileResult

	// ImportResult aggregates a DICOM import batch.
	ImportResult = model.ImportResult

	// AnonymizerProfile selects a redaction policy.
	AnonymizerProfile = model.AnonymizerProfile

	// AuditEntry is one append-only audit record.
	AuditEntry = model.AuditEntry

	// Operation is the audit category of a pipeline action.
	Operation = model.Operation

	// ImportOptions configures one import batch.
	ImportOptions = dicomio.ImportOptions
)

// NewVolume validates dimensions against the voxel buffer.
func NewVolume(width, height, depth int, vx, vy, vz float64, voxels []byte) (*Volume, error) {
	return model.NewVolume(width, height, depth, vx, vy, vz, voxels)
}

// NewMask validates dimensions against the label buffer.
func NewMask(width, height, depth int, labels []byte) (*Mask, error) {
	return model.NewMask(width, height, depth, labels)
}

// Audit operations.
const (
	OpImport    = model.OpImport
	OpAnonymize = model.OpAnonymize
	OpLoad      = model.OpLoad
	OpSaveMask  = model.OpSaveMask
)

// Anonymizer profile names.
const (
	ProfileBasic    = dicomio.ProfileBasic
	ProfileEnhanced = dicomio.ProfileEnhanced
	ProfileCustom   = dicomio.ProfileCustom
)

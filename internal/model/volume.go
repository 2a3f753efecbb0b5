// Package model holds the canonical data types exchanged between pipeline
// components: volumes, masks, image references, and audit entries.
// Source of truth for the error taxonomy as well (errors.go).
package model

import "fmt"

// Releaser frees a resource associated with a Volume, typically a memory
// budget lease acquired when the volume was loaded.
type Releaser interface {
	Release()
}

// Volume is the canonical in-memory representation of a 3D medical image:
// one intensity byte per voxel in x-fastest, z-slowest order.
//
// A Volume is immutable once constructed and owned exclusively by whoever
// holds it until handed to a consumer. Intensities are a lossy linear
// min/max rescale of the source data — callers needing the full dynamic
// range must not round-trip through Volume.
type Volume struct {
	Width  int
	Height int
	Depth  int

	// Physical voxel spacing in millimetres.
	VoxSizeX float64
	VoxSizeY float64
	VoxSizeZ float64

	// Voxels holds exactly Width*Height*Depth bytes.
	Voxels []byte

	lease Releaser
}

// NewVolume validates dimensions against the voxel buffer and returns a Volume.
func NewVolume(width, height, depth int, vx, vy, vz float64, voxels []byte) (*Volume, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("model: volume dimensions must be positive, got %dx%dx%d", width, height, depth)
	}
	if vx <= 0 || vy <= 0 || vz <= 0 {
		return nil, fmt.Errorf("model: voxel spacing must be positive, got (%g, %g, %g)", vx, vy, vz)
	}
	if len(voxels) != width*height*depth {
		return nil, fmt.Errorf("model: voxel buffer is %d bytes, dimensions require %d", len(voxels), width*height*depth)
	}
	return &Volume{
		Width: width, Height: height, Depth: depth,
		VoxSizeX: vx, VoxSizeY: vy, VoxSizeZ: vz,
		Voxels: voxels,
	}, nil
}

// AttachLease binds a budget lease to the volume. Close releases it.
func (v *Volume) AttachLease(l Releaser) { v.lease = l }

// Close releases the memory budget lease held by this volume, if any.
// Safe to call more than once.
func (v *Volume) Close() error {
	if v.lease != nil {
		v.lease.Release()
		v.lease = nil
	}
	return nil
}

// SizeBytes is the voxel payload size.
func (v *Volume) SizeBytes() int64 { return int64(len(v.Voxels)) }

// CountAbove returns the number of voxels with intensity strictly greater
// than threshold, where threshold is a fraction of the full intensity range
// (0.0 .. 1.0).
func (v *Volume) CountAbove(threshold float64) int64 {
	cut := thresholdByte(threshold)
	var n int64
	for _, b := range v.Voxels {
		if b > cut {
			n++
		}
	}
	return n
}

func thresholdByte(threshold float64) uint8 {
	switch {
	case threshold < 0:
		return 0
	case threshold >= 1:
		return 255
	default:
		return uint8(threshold * 255)
	}
}

// Mask is a voxel-aligned label map derived from a Volume: one label id per
// voxel, 0 = background. Dimensions must match the source volume; the
// sidecar format on disk is not self-describing, so that match is enforced
// by the caller, not by this type.
type Mask struct {
	Width  int
	Height int
	Depth  int
	Labels []byte
}

// NewMask validates dimensions against the label buffer and returns a Mask.
func NewMask(width, height, depth int, labels []byte) (*Mask, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("model: mask dimensions must be positive, got %dx%dx%d", width, height, depth)
	}
	if len(labels) != width*height*depth {
		return nil, fmt.Errorf("model: label buffer is %d bytes, dimensions require %d", len(labels), width*height*depth)
	}
	return &Mask{Width: width, Height: height, Depth: depth, Labels: labels}, nil
}

// MatchesVolume reports whether the mask dimensions equal the volume's.
func (m *Mask) MatchesVolume(v *Volume) bool {
	return m.Width == v.Width && m.Height == v.Height && m.Depth == v.Depth
}

package nifti

import (
	"encoding/binary"
	"math"

	"github.com/voxmill/voxmill/internal/model"
)

// NIfTI-1 fixed header constants.
const (
	headerSize = 348 // sizeof_hdr must equal this after byte-order correction

	// Field offsets within the 348-byte header.
	offSizeofHdr = 0
	offDim       = 40  // dim[0..7], int16 each
	offDatatype  = 70  // int16
	offBitpix    = 72  // int16
	offPixdim    = 76  // pixdim[0..7], float32 each
	offVoxOffset = 108 // float32
	offSclSlope  = 112 // float32
	offSclInter  = 116 // float32
	offCalMax    = 124 // float32
	offCalMin    = 128 // float32
	offMagic     = 344 // [4]byte
)

// Datatype codes from the NIfTI-1 standard. Only scalar integer and float
// types are supported; RGB, complex and bit types are rejected.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// header is the decoded subset of the NIfTI-1 fixed header that the
// pipeline consumes.
type header struct {
	order     binary.ByteOrder
	dim       [8]int16
	datatype  int16
	bitpix    int16
	pixdim    [8]float32
	voxOffset int64
	sclSlope  float64
	sclInter  float64
	calMin    float64
	calMax    float64
}

// parseHeader decodes raw, which must hold at least headerSize bytes.
// The header declares its own size; when the little-endian reading of
// sizeof_hdr is not 348 the whole header is re-read big-endian, supporting
// files written on either byte order.
func parseHeader(path string, raw []byte) (*header, error) {
	if len(raw) < headerSize {
		return nil, &model.FormatError{Path: path, Reason: "file shorter than the NIfTI-1 header"}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[offSizeofHdr:]) != headerSize {
		order = binary.BigEndian
		if order.Uint32(raw[offSizeofHdr:]) != headerSize {
			return nil, &model.FormatError{Path: path, Reason: "sizeof_hdr is not 348 in either byte order"}
		}
	}

	magic := raw[offMagic : offMagic+4]
	if !(magic[0] == 'n' && (magic[1] == '+' || magic[1] == 'i') && magic[2] == '1' && magic[3] == 0) {
		return nil, &model.FormatError{Path: path, Reason: "magic field is neither \"n+1\" nor \"ni1\""}
	}

	h := &header{order: order}
	for i := range h.dim {
		h.dim[i] = int16(order.Uint16(raw[offDim+2*i:]))
	}
	h.datatype = int16(order.Uint16(raw[offDatatype:]))
	h.bitpix = int16(order.Uint16(raw[offBitpix:]))
	for i := range h.pixdim {
		h.pixdim[i] = math.Float32frombits(order.Uint32(raw[offPixdim+4*i:]))
	}
	h.voxOffset = int64(math.Float32frombits(order.Uint32(raw[offVoxOffset:])))
	h.sclSlope = float64(math.Float32frombits(order.Uint32(raw[offSclSlope:])))
	h.sclInter = float64(math.Float32frombits(order.Uint32(raw[offSclInter:])))
	h.calMax = float64(math.Float32frombits(order.Uint32(raw[offCalMax:])))
	h.calMin = float64(math.Float32frombits(order.Uint32(raw[offCalMin:])))

	// Single-file NIfTI payloads start at vox_offset, which must leave room
	// for the header itself. Two-file ("ni1") headers carry 0 here; the
	// payload then starts at byte 0 of the .img companion — not supported,
	// treated as offset right after the header for single-file reads.
	if h.voxOffset < headerSize {
		h.voxOffset = headerSize + 4 // header + empty extension marker
	}

	if h.dim[0] < 3 || h.dim[1] <= 0 || h.dim[2] <= 0 || h.dim[3] <= 0 {
		return nil, &model.FormatError{Path: path, Reason: "header does not declare three positive spatial dimensions"}
	}

	switch h.datatype {
	case dtUint8, dtInt16, dtInt32, dtFloat32, dtFloat64, dtInt8, dtUint16, dtUint32:
	default:
		return nil, &model.UnsupportedDataTypeError{Path: path, Code: int(h.datatype)}
	}

	return h, nil
}

func (h *header) width() int  { return int(h.dim[1]) }
func (h *header) height() int { return int(h.dim[2]) }
func (h *header) depth() int  { return int(h.dim[3]) }

// timepoints returns the declared 4th-dimension extent (1 for 3D files).
func (h *header) timepoints() int {
	if h.dim[0] >= 4 && h.dim[4] > 1 {
		return int(h.dim[4])
	}
	return 1
}

func (h *header) spacing() (x, y, z float64) {
	x, y, z = float64(h.pixdim[1]), float64(h.pixdim[2]), float64(h.pixdim[3])
	// Some writers emit zero or negative spacing; fall back to unit voxels
	// rather than violating the Volume invariant.
	if x <= 0 {
		x = 1
	}
	if y <= 0 {
		y = 1
	}
	if z <= 0 {
		z = 1
	}
	return x, y, z
}

// elemSize returns the byte width of one voxel element.
func (h *header) elemSize() int {
	switch h.datatype {
	case dtUint8, dtInt8:
		return 1
	case dtInt16, dtUint16:
		return 2
	case dtInt32, dtUint32, dtFloat32:
		return 4
	case dtFloat64:
		return 8
	}
	return 0
}

// slope returns the scl_slope to apply; the standard defines 0 as "unset".
func (h *header) slope() float64 {
	if h.sclSlope == 0 {
		return 1
	}
	return h.sclSlope
}

// calRange reports the header-declared display range, if set.
func (h *header) calRange() (lo, hi float64, ok bool) {
	if h.calMax > h.calMin {
		return h.calMin, h.calMax, true
	}
	return 0, 0, false
}

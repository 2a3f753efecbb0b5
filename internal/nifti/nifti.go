// Package nifti decodes NIfTI-1 volume files into the canonical Volume
// representation. Both byte orders and gzip-framed files are handled
// transparently. Intensities are normalized to one byte per voxel with a
// linear min/max rescale — a deliberate, lossy simplification; consumers
// needing the source dynamic range must read the file themselves.
package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/voxmill/voxmill/internal/model"
)

// gzip stream magic bytes.
var gzipMagic = [2]byte{0x1f, 0x8b}

// Decoder reads NIfTI-1 files.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode reads one NIfTI file into a Volume.
//
// Files with a 4th dimension greater than 1 (time series) are truncated to
// the first volume; this is logged at WARN level, never silent.
func (d *Decoder) Decode(path string) (*model.Volume, error) {
	r, closeFn, err := openPayload(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, &model.FormatError{Path: path, Reason: "file shorter than the NIfTI-1 header"}
	}
	h, err := parseHeader(path, raw)
	if err != nil {
		return nil, err
	}

	if tp := h.timepoints(); tp > 1 {
		d.logger.Warn("nifti: 4D file truncated to first volume",
			"path", path, "timepoints", tp)
	}

	if err := discard(r, h.voxOffset-headerSize); err != nil {
		return nil, &model.TruncatedError{Path: path, Want: h.voxOffset, Got: headerSize}
	}

	w, ht, dp := h.width(), h.height(), h.depth()
	voxelCount := int64(w) * int64(ht) * int64(dp)
	payload := make([]byte, voxelCount*int64(h.elemSize()))
	n, err := io.ReadFull(r, payload)
	if err != nil {
		return nil, &model.TruncatedError{Path: path, Want: int64(len(payload)), Got: int64(n)}
	}

	voxels := rescaleToBytes(payload, h)
	vx, vy, vz := h.spacing()
	return model.NewVolume(w, ht, dp, vx, vy, vz, voxels)
}

// Dims reads only the header and returns the spatial extents, letting
// callers size a budget rental before paying for the payload.
func (d *Decoder) Dims(path string) (width, height, depth int, err error) {
	r, closeFn, err := openPayload(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer closeFn()

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return 0, 0, 0, &model.FormatError{Path: path, Reason: "file shorter than the NIfTI-1 header"}
	}
	h, err := parseHeader(path, raw)
	if err != nil {
		return 0, 0, 0, err
	}
	return h.width(), h.height(), h.depth(), nil
}

// openPayload opens path and returns a reader positioned at byte 0 of the
// (decompressed) file contents.
func openPayload(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("nifti: %s: %w", path, model.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("nifti: open %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err != nil {
		// Shorter than two bytes: not NIfTI in any framing.
		f.Close()
		return nil, nil, &model.FormatError{Path: path, Reason: "file shorter than the NIfTI-1 header"}
	}

	if head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, &model.FormatError{Path: path, Reason: "corrupt gzip framing"}
		}
		return zr, func() { zr.Close(); f.Close() }, nil
	}
	return br, func() { f.Close() }, nil
}

// discard skips n bytes of r.
func discard(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// rescaleToBytes converts the native element payload into one intensity byte
// per voxel via a linear min/max rescale, honoring scl_slope/scl_inter.
func rescaleToBytes(payload []byte, h *header) []byte {
	es := h.elemSize()
	count := len(payload) / es
	out := make([]byte, count)

	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < count; i++ {
		v := elemAt(payload, i, h)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return out // constant image normalizes to all zeros
	}

	scale := 255.0 / (hi - lo)
	for i := 0; i < count; i++ {
		out[i] = uint8((elemAt(payload, i, h) - lo) * scale)
	}
	return out
}

// elemAt decodes element i of payload as a scaled float64.
func elemAt(payload []byte, i int, h *header) float64 {
	var raw float64
	switch h.datatype {
	case dtUint8:
		raw = float64(payload[i])
	case dtInt8:
		raw = float64(int8(payload[i]))
	case dtInt16:
		raw = float64(int16(h.order.Uint16(payload[2*i:])))
	case dtUint16:
		raw = float64(h.order.Uint16(payload[2*i:]))
	case dtInt32:
		raw = float64(int32(h.order.Uint32(payload[4*i:])))
	case dtUint32:
		raw = float64(h.order.Uint32(payload[4*i:]))
	case dtFloat32:
		raw = float64(math.Float32frombits(h.order.Uint32(payload[4*i:])))
	case dtFloat64:
		raw = math.Float64frombits(h.order.Uint64(payload[8*i:]))
	}
	return raw*h.slope() + h.sclInter
}

// Probe reports whether raw (the first bytes of a file) looks like a NIfTI
// file: either a gzip stream or a plausible fixed header. Used by the store
// to dispatch by signature rather than extension.
func Probe(raw []byte) bool {
	if len(raw) >= 2 && raw[0] == gzipMagic[0] && raw[1] == gzipMagic[1] {
		// Gzipped; assume NIfTI — DICOM files are not gzip-framed.
		return true
	}
	if len(raw) < headerSize {
		return false
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		if order.Uint32(raw[offSizeofHdr:]) == headerSize {
			m := raw[offMagic : offMagic+4]
			if m[0] == 'n' && (m[1] == '+' || m[1] == 'i') && m[2] == '1' && m[3] == 0 {
				return true
			}
		}
	}
	return false
}

package nifti

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/voxmill/voxmill/internal/model"
)

// SlabReader streams a NIfTI payload in windows of consecutive depth slices
// without materializing the whole volume. It implements the memory
// manager's ChunkSource.
//
// Uncompressed files support random slab order via ReadAt. Gzip-framed files
// are sequential-only: slabs must be requested in increasing z0 order, which
// is exactly what chunked access does.
//
// Intensity normalization needs a global min/max. The header-declared
// cal_min/cal_max range is used when present; otherwise OpenSlabs makes one
// streaming pass over the payload to measure it before any slab is served.
type SlabReader struct {
	path string
	hdr  *header

	f   *os.File
	zr  *gzip.Reader
	seq io.Reader // non-nil for gzip (sequential) reads
	gz  bool

	lo, hi  float64
	nextZ   int // next expected slice for sequential reads
	scratch []byte
}

// OpenSlabs opens path for chunked slab reads.
func (d *Decoder) OpenSlabs(path string) (*SlabReader, error) {
	r, closeFn, err := openPayload(path)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		closeFn()
		return nil, &model.FormatError{Path: path, Reason: "file shorter than the NIfTI-1 header"}
	}
	h, err := parseHeader(path, raw)
	if err != nil {
		closeFn()
		return nil, err
	}
	if tp := h.timepoints(); tp > 1 {
		d.logger.Warn("nifti: 4D file truncated to first volume",
			"path", path, "timepoints", tp)
	}
	closeFn()

	s := &SlabReader{path: path, hdr: h}
	if lo, hi, ok := h.calRange(); ok {
		s.lo, s.hi = lo, hi
	} else if err := s.measureRange(); err != nil {
		return nil, err
	}

	if err := s.reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dims implements membudget.ChunkSource.
func (s *SlabReader) Dims() (int, int, int) {
	return s.hdr.width(), s.hdr.height(), s.hdr.depth()
}

// ReadSlab fills dst with `depth` normalized slices starting at z0.
// Implements membudget.ChunkSource.
func (s *SlabReader) ReadSlab(dst []byte, z0, depth int) error {
	w, h, d := s.Dims()
	if z0 < 0 || depth <= 0 || z0+depth > d {
		return fmt.Errorf("nifti: slab [%d,%d) out of range for depth %d", z0, z0+depth, d)
	}
	es := s.hdr.elemSize()
	sliceElems := w * h
	want := sliceElems * depth
	if len(dst) < want {
		return fmt.Errorf("nifti: slab buffer is %d bytes, need %d", len(dst), want)
	}

	if cap(s.scratch) < want*es {
		s.scratch = make([]byte, want*es)
	}
	raw := s.scratch[:want*es]

	if s.gz {
		if z0 < s.nextZ {
			return fmt.Errorf("nifti: gzip payloads only support forward slab reads (have %d, asked %d)", s.nextZ, z0)
		}
		if skip := int64(z0-s.nextZ) * int64(sliceElems) * int64(es); skip > 0 {
			if err := discard(s.seq, skip); err != nil {
				return fmt.Errorf("nifti: skip to slice %d: %w", z0, err)
			}
		}
		if _, err := io.ReadFull(s.seq, raw); err != nil {
			return fmt.Errorf("nifti: read slab at slice %d: %w", z0, err)
		}
		s.nextZ = z0 + depth
	} else {
		off := s.hdr.voxOffset + int64(z0)*int64(sliceElems)*int64(es)
		if _, err := s.f.ReadAt(raw, off); err != nil {
			return fmt.Errorf("nifti: read slab at slice %d: %w", z0, err)
		}
	}

	scale := 0.0
	if s.hi > s.lo {
		scale = 255.0 / (s.hi - s.lo)
	}
	for i := 0; i < want; i++ {
		v := (elemAt(raw, i, s.hdr) - s.lo) * scale
		switch {
		case v <= 0:
			dst[i] = 0
		case v >= 255:
			dst[i] = 255
		default:
			dst[i] = uint8(v)
		}
	}
	return nil
}

// Close releases the underlying file handles.
func (s *SlabReader) Close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// measureRange streams the payload once to find the global min/max used for
// normalization. Memory stays bounded by the fixed scratch window.
func (s *SlabReader) measureRange() error {
	if err := s.reopen(); err != nil {
		return err
	}
	defer func() {
		if s.zr != nil {
			s.zr.Close()
			s.zr = nil
		}
		if s.f != nil {
			s.f.Close()
			s.f = nil
		}
	}()

	w, h, d := s.Dims()
	es := s.hdr.elemSize()
	total := int64(w) * int64(h) * int64(d) * int64(es)

	var src io.Reader
	if s.gz {
		src = s.seq
	} else {
		if _, err := s.f.Seek(s.hdr.voxOffset, io.SeekStart); err != nil {
			return fmt.Errorf("nifti: seek payload: %w", err)
		}
		src = bufio.NewReader(s.f)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	buf := make([]byte, 64*1024/es*es) // whole elements only
	var read int64
	for read < total {
		n := int64(len(buf))
		if total-read < n {
			n = total - read
		}
		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return fmt.Errorf("nifti: scan payload of %s: %w", s.path, err)
		}
		for i := 0; i < int(n)/es; i++ {
			v := elemAt(buf[:n], i, s.hdr)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		read += n
	}
	s.lo, s.hi = lo, hi
	return nil
}

// reopen (re)positions the reader at the start of the payload.
func (s *SlabReader) reopen() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("nifti: reopen %s: %w", s.path, err)
	}
	s.f = f
	s.nextZ = 0

	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err != nil {
		f.Close()
		return fmt.Errorf("nifti: reopen %s: %w", s.path, err)
	}
	s.gz = head[0] == gzipMagic[0] && head[1] == gzipMagic[1]
	if s.gz {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return fmt.Errorf("nifti: reopen gzip %s: %w", s.path, err)
		}
		s.zr = zr
		if err := discard(zr, s.hdr.voxOffset); err != nil {
			return fmt.Errorf("nifti: skip to payload: %w", err)
		}
		s.seq = zr
	}
	return nil
}

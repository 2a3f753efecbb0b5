// Package store is the persistence facade of the pipeline: it dispatches
// loads to the NIfTI decoder or the DICOM adapter by probing file
// signatures, keeps loaded volumes inside the memory budget, and persists
// mask sidecars.
//
// The mask sidecar is raw label bytes with no embedded header; dimensions
// must be supplied externally when re-reading. A self-describing header
// (magic, dims, checksum) has been proposed but is intentionally not part
// of the on-disk format.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/voxmill/voxmill/internal/audit"
	"github.com/voxmill/voxmill/internal/dicomio"
	"github.com/voxmill/voxmill/internal/membudget"
	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/nifti"
)

// MaskSuffix is appended to the extension-stripped source path to derive
// the sidecar location.
const MaskSuffix = ".mask"

// probeLen covers the NIfTI fixed header (348 bytes) and the DICM marker
// at offset 128.
const probeLen = 348

// Store dispatches loads and persists masks.
type Store struct {
	logger   *slog.Logger
	budget   *membudget.Manager
	decoder  *nifti.Decoder
	importer *dicomio.Importer
	auditLog *audit.Log
}

// New creates a Store.
func New(logger *slog.Logger, budget *membudget.Manager, decoder *nifti.Decoder, importer *dicomio.Importer, auditLog *audit.Log) *Store {
	return &Store{
		logger:   logger,
		budget:   budget,
		decoder:  decoder,
		importer: importer,
		auditLog: auditLog,
	}
}

// Load reads the volume identified by ref, dispatching on the file's
// signature — the extension is a hint, never the authority. The returned
// volume holds a budget lease; callers release it with Volume.Close.
// Decoder and adapter errors propagate unmodified.
func (s *Store) Load(ctx context.Context, ref model.ImageRef) (*model.Volume, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	head, err := readHead(ref.FilePath)
	if err != nil {
		return nil, err
	}

	var vol *model.Volume
	switch {
	case nifti.Probe(head):
		vol, err = s.loadNIfTI(ctx, ref.FilePath)
	case dicomio.Probe(head):
		vol, err = s.loadDICOM(ctx, ref)
	default:
		err = fmt.Errorf("store: %s: %w", ref.FilePath, model.ErrUnsupportedFormat)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error: " + err.Error()
	}
	s.auditLog.Append(model.OpLoad, uuid.New(), ref.String(), outcome, "")
	return vol, err
}

// loadNIfTI rents the volume's bytes (known from the header) before
// decoding, so the decode itself is inside the ceiling.
func (s *Store) loadNIfTI(ctx context.Context, path string) (*model.Volume, error) {
	w, h, d, err := s.decoder.Dims(path)
	if err != nil {
		return nil, err
	}

	lease, err := s.budget.Rent(ctx, int64(w)*int64(h)*int64(d))
	if err != nil {
		return nil, err
	}
	vol, err := s.decoder.Decode(path)
	if err != nil {
		lease.Release()
		return nil, err
	}
	vol.AttachLease(lease)
	return vol, nil
}

// loadDICOM assembles the series, then rents the assembled size. The
// external toolkit materializes pixel data before the rent, so the ceiling
// serializes holders of decoded volumes rather than the toolkit's own
// transient buffers.
func (s *Store) loadDICOM(ctx context.Context, ref model.ImageRef) (*model.Volume, error) {
	vol, err := s.importer.LoadSeries(ctx, ref)
	if err != nil {
		return nil, err
	}
	lease, err := s.budget.Rent(ctx, vol.SizeBytes())
	if err != nil {
		return nil, err
	}
	vol.AttachLease(lease)
	return vol, nil
}

// readHead reads the probe window. Short files return a short (valid)
// buffer — the recognizers treat insufficient bytes as "not mine".
func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: %s: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, probeLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("store: probe %s: %w", path, err)
	}
	return head[:n], nil
}

// MaskPath derives the sidecar location from a source path: all recognized
// extensions are stripped (so volume.nii and volume.nii.gz share a sidecar)
// and MaskSuffix appended.
func MaskPath(srcPath string) string {
	base := srcPath
	for {
		ext := filepath.Ext(base)
		switch strings.ToLower(ext) {
		case ".gz", ".nii", ".dcm", ".dicom", ".img", ".hdr":
			base = strings.TrimSuffix(base, ext)
		default:
			return base + MaskSuffix
		}
	}
}

// SaveMask writes the mask's label bytes to the sidecar derived from
// ref.FilePath, overwriting any prior sidecar for that reference.
//
// There is no locking protocol for concurrent writers to the same sidecar:
// two simultaneous SaveMask calls for one ref race on the file write. That
// hazard is inherited and documented rather than patched here.
func (s *Store) SaveMask(ctx context.Context, ref model.ImageRef, mask *model.Mask) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if len(mask.Labels) != mask.Width*mask.Height*mask.Depth {
		return fmt.Errorf("store: mask labels are %d bytes, dimensions require %d",
			len(mask.Labels), mask.Width*mask.Height*mask.Depth)
	}

	path := MaskPath(ref.FilePath)
	err := os.WriteFile(path, mask.Labels, 0o644)

	outcome := "ok"
	if err != nil {
		outcome = "error: " + err.Error()
		err = fmt.Errorf("store: write mask %s: %w", path, err)
	}
	s.auditLog.Append(model.OpSaveMask, uuid.New(), ref.String(), outcome,
		fmt.Sprintf("sidecar=%s bytes=%d", path, len(mask.Labels)))
	return err
}

// LoadMask reads a sidecar back. The sidecar carries no dimensions, so the
// caller supplies them; a size mismatch is an error rather than a guess.
func (s *Store) LoadMask(ctx context.Context, ref model.ImageRef, width, height, depth int) (*model.Mask, error) {
	path := MaskPath(ref.FilePath)
	labels, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: mask sidecar %s: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("store: read mask %s: %w", path, err)
	}
	if len(labels) != width*height*depth {
		return nil, fmt.Errorf("store: sidecar %s holds %d bytes, caller dims require %d",
			path, len(labels), width*height*depth)
	}
	return model.NewMask(width, height, depth, labels)
}

// CountAbove streams src through the memory budget in chunkDepth windows
// and counts voxels with intensity above threshold (a 0..1 fraction of the
// byte range). Works for volumes larger than the ceiling.
func (s *Store) CountAbove(ctx context.Context, src membudget.ChunkSource, chunkDepth int, threshold float64) (int64, error) {
	var cut uint8
	switch {
	case threshold < 0:
		cut = 0
	case threshold >= 1:
		cut = 255
	default:
		cut = uint8(threshold * 255)
	}

	var count int64
	err := s.budget.WithChunkedAccess(ctx, src, chunkDepth, func(c membudget.Chunk) error {
		for _, b := range c.Data {
			if b > cut {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

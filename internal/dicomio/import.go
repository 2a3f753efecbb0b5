// Package dicomio is the DICOM boundary of the pipeline: it enumerates
// files and series, delegates tag and pixel decoding to the external
// suyashkumar/dicom toolkit, assembles canonical Volumes, and redacts
// identifying tags. Transfer-syntax/pixel-codec decoding beyond what the
// toolkit natively supports is out of scope; encapsulated (compressed)
// pixel data is reported as an error.
package dicomio

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/voxmill/voxmill/internal/audit"
	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/parallel"
)

// dicmOffset is where the "DICM" marker sits in a Part-10 file, after the
// 128-byte preamble.
const dicmOffset = 128

// Probe reports whether raw (the first bytes of a file) carries the DICM
// marker. Used for signature dispatch; extension is never authoritative.
func Probe(raw []byte) bool {
	return len(raw) >= dicmOffset+4 && string(raw[dicmOffset:dicmOffset+4]) == "DICM"
}

// Importer enumerates and assembles DICOM series.
type Importer struct {
	logger   *slog.Logger
	workers  int
	anon     *Anonymizer
	auditLog *audit.Log
}

// NewImporter creates an Importer. anon may be nil when anonymize-on-import
// is never requested; auditLog may be nil in tests.
func NewImporter(logger *slog.Logger, workers int, anon *Anonymizer, auditLog *audit.Log) *Importer {
	return &Importer{logger: logger, workers: workers, anon: anon, auditLog: auditLog}
}

// ImportOptions configures one import batch.
type ImportOptions struct {
	// Anonymize routes every file through the anonymizer before extraction.
	Anonymize bool
	Profile   model.AnonymizerProfile
}

// fileMeta is the per-file scan result used for grouping and ordering.
type fileMeta struct {
	path      string
	studyUID  string
	seriesUID string
	instance  int
	posZ      float64
	hasPosZ   bool
}

// Import enumerates DICOM files under root (recursively for directories),
// groups them by study and series, and returns aggregate counters plus a
// per-file result list. A malformed file is skipped, recorded in PerFile,
// and never aborts the batch; if files were present but every one failed,
// the error is model.ErrPartialFailure.
func (im *Importer) Import(ctx context.Context, root string, opts ImportOptions) (*model.ImportResult, error) {
	files, err := im.enumerate(root)
	if err != nil {
		return nil, err
	}
	res := &model.ImportResult{}
	if len(files) == 0 {
		return res, nil
	}

	if opts.Anonymize {
		if im.anon == nil {
			return nil, fmt.Errorf("dicomio: anonymize requested but no anonymizer configured")
		}
		if _, _, err := im.anon.Anonymize(ctx, files, opts.Profile); err != nil {
			return nil, fmt.Errorf("dicomio: anonymize before import: %w", err)
		}
	}

	results, runErr := parallel.RunBatch(ctx, files, im.workers,
		func(_ context.Context, _ int, path string) (fileMeta, error) {
			return scanFile(path)
		})

	studies := map[string]struct{}{}
	series := map[string]struct{}{}
	res.PerFile = make([]model.FileResult, len(files))
	for i, r := range results {
		res.PerFile[i] = model.FileResult{Path: files[i], Err: r.Err}
		if r.Err != nil {
			im.logger.Warn("dicomio: file skipped", "path", files[i], "error", r.Err)
			continue
		}
		studies[r.Value.studyUID] = struct{}{}
		series[r.Value.seriesUID] = struct{}{}
		res.ImagesImported++
	}
	res.StudiesImported = len(studies)
	res.SeriesImported = len(series)

	if im.auditLog != nil {
		im.auditLog.Append(model.OpImport, uuid.New(), root,
			fmt.Sprintf("%d/%d", res.ImagesImported, len(files)),
			fmt.Sprintf("studies=%d series=%d anonymize=%t", res.StudiesImported, res.SeriesImported, opts.Anonymize))
	}

	if runErr != nil {
		return res, runErr
	}
	if res.ImagesImported == 0 {
		return res, fmt.Errorf("dicomio: import of %s: %w", root, model.ErrPartialFailure)
	}
	return res, nil
}

// enumerate resolves root to the list of DICOM candidate files, probing
// signatures rather than trusting extensions.
func (im *Importer) enumerate(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dicomio: %s: %w", root, model.ErrNotFound)
		}
		return nil, fmt.Errorf("dicomio: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, err := probeFile(path)
		if err != nil {
			im.logger.Warn("dicomio: probe failed", "path", path, "error", err)
			return nil
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dicomio: walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func probeFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, dicmOffset+4)
	n, _ := f.Read(head)
	return Probe(head[:n]), nil
}

// scanFile parses a file's metadata (pixel data skipped) into a fileMeta.
func scanFile(path string) (fileMeta, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return fileMeta{}, fmt.Errorf("dicomio: parse %s: %w", path, err)
	}
	m := fileMeta{
		path:      path,
		studyUID:  findString(ds, tag.StudyInstanceUID),
		seriesUID: findString(ds, tag.SeriesInstanceUID),
	}
	if m.seriesUID == "" {
		return fileMeta{}, fmt.Errorf("dicomio: %s has no SeriesInstanceUID", path)
	}
	if n, ok := findInt(ds, tag.InstanceNumber); ok {
		m.instance = n
	}
	if pos := findFloats(ds, tag.ImagePositionPatient); len(pos) == 3 {
		m.posZ = pos[2]
		m.hasPosZ = true
	}
	return m, nil
}

// LoadSeries assembles the Volume for the series identified by ref: the
// series containing ref.FilePath, or ref.SeriesInstanceUID when set.
func (im *Importer) LoadSeries(ctx context.Context, ref model.ImageRef) (*model.Volume, error) {
	if _, err := os.Stat(ref.FilePath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dicomio: %s: %w", ref.FilePath, model.ErrNotFound)
		}
		return nil, fmt.Errorf("dicomio: stat %s: %w", ref.FilePath, err)
	}

	wantSeries := ref.SeriesInstanceUID
	if wantSeries == "" {
		m, err := scanFile(ref.FilePath)
		if err != nil {
			return nil, err
		}
		wantSeries = m.seriesUID
	}

	// Sibling files of the reference make up the candidate series members.
	dir := filepath.Dir(ref.FilePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dicomio: read dir %s: %w", dir, err)
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if ok, _ := probeFile(path); ok {
			candidates = append(candidates, path)
		}
	}

	scans, _ := parallel.RunBatch(ctx, candidates, im.workers,
		func(_ context.Context, _ int, path string) (fileMeta, error) {
			return scanFile(path)
		})
	var metas []fileMeta
	for _, r := range scans {
		if r.Err == nil && r.Value.seriesUID == wantSeries {
			metas = append(metas, r.Value)
		}
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("dicomio: series %s: %w", wantSeries, model.ErrNotFound)
	}

	sortSlices(metas)

	slices, runErr := parallel.RunBatch(ctx, metas, im.workers,
		func(_ context.Context, _ int, m fileMeta) (sliceData, error) {
			return extractSlice(m.path)
		})
	if runErr != nil {
		return nil, runErr
	}
	for i, r := range slices {
		if r.Err != nil {
			// One bad slice makes the volume geometrically unusable —
			// unlike a batch import, a single-ref load propagates.
			return nil, fmt.Errorf("dicomio: slice %s: %w", metas[i].path, r.Err)
		}
	}

	return assembleVolume(metas, slices)
}

// sliceData is one decoded slice's samples plus its geometry tags.
type sliceData struct {
	samples      []float64
	rows, cols   int
	pixSpacing   [2]float64 // row spacing, column spacing
	sliceSpacing float64    // SpacingBetweenSlices or SliceThickness, 0 if absent
}

// extractSlice fully parses one file and decodes frame 0.
func extractSlice(path string) (sliceData, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return sliceData{}, fmt.Errorf("parse: %w", err)
	}

	var out sliceData
	rows, ok := findInt(ds, tag.Rows)
	if !ok {
		return sliceData{}, fmt.Errorf("missing Rows")
	}
	cols, ok := findInt(ds, tag.Columns)
	if !ok {
		return sliceData{}, fmt.Errorf("missing Columns")
	}
	out.rows, out.cols = rows, cols

	if sp := findFloats(ds, tag.PixelSpacing); len(sp) == 2 {
		out.pixSpacing = [2]float64{sp[0], sp[1]}
	} else {
		out.pixSpacing = [2]float64{1, 1}
	}
	if v, ok := findFloat(ds, tag.SpacingBetweenSlices); ok && v > 0 {
		out.sliceSpacing = v
	} else if v, ok := findFloat(ds, tag.SliceThickness); ok && v > 0 {
		out.sliceSpacing = v
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return sliceData{}, fmt.Errorf("missing PixelData")
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return sliceData{}, fmt.Errorf("unexpected PixelData value type")
	}
	if len(info.Frames) == 0 {
		return sliceData{}, fmt.Errorf("no frames in PixelData")
	}

	out.samples, err = frameSamples(info.Frames[0], rows*cols)
	if err != nil {
		return sliceData{}, err
	}
	return out, nil
}

// frameSamples flattens a native frame into float64 samples.
func frameSamples(fr *frame.Frame, want int) ([]float64, error) {
	if fr.Encapsulated {
		return nil, fmt.Errorf("encapsulated (compressed) pixel data is not supported; transcode to a native transfer syntax first")
	}
	out := make([]float64, 0, want)
	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		for _, v := range nf.RawData {
			out = append(out, float64(v))
		}
	case *frame.NativeFrame[uint16]:
		for _, v := range nf.RawData {
			out = append(out, float64(v))
		}
	case *frame.NativeFrame[uint32]:
		for _, v := range nf.RawData {
			out = append(out, float64(v))
		}
	default:
		return nil, fmt.Errorf("unsupported native frame representation %T", fr.NativeData)
	}
	if len(out) < want {
		return nil, fmt.Errorf("frame has %d samples, geometry requires %d", len(out), want)
	}
	// Multi-sample (e.g. RGB) frames: keep the first sample per pixel.
	if len(out) > want {
		stride := len(out) / want
		packed := make([]float64, want)
		for i := range packed {
			packed[i] = out[i*stride]
		}
		out = packed
	}
	return out, nil
}

// sortSlices orders series members by InstanceNumber, falling back to the
// z component of ImagePositionPatient.
func sortSlices(metas []fileMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].instance != metas[j].instance {
			return metas[i].instance < metas[j].instance
		}
		if metas[i].hasPosZ && metas[j].hasPosZ {
			return metas[i].posZ < metas[j].posZ
		}
		return metas[i].path < metas[j].path
	})
}

// assembleVolume stacks ordered slices into one Volume, normalizing the
// native sample range to one byte per voxel.
func assembleVolume(metas []fileMeta, slices []parallel.Result[sliceData]) (*model.Volume, error) {
	first := slices[0].Value
	w, h := first.cols, first.rows
	depth := len(slices)

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, r := range slices {
		s := r.Value
		if s.cols != w || s.rows != h {
			return nil, fmt.Errorf("dicomio: slice %s is %dx%d, series is %dx%d", metas[i].path, s.cols, s.rows, w, h)
		}
		for _, v := range s.samples {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	voxels := make([]byte, w*h*depth)
	if hi > lo {
		scale := 255.0 / (hi - lo)
		for z, r := range slices {
			base := z * w * h
			for i, v := range r.Value.samples {
				voxels[base+i] = uint8((v - lo) * scale)
			}
		}
	}

	vz := first.sliceSpacing
	if vz <= 0 {
		vz = zSpacingFromPositions(metas)
	}
	if vz <= 0 {
		vz = 1
	}
	// PixelSpacing is (row spacing, column spacing): row spacing is the
	// y step, column spacing the x step.
	return model.NewVolume(w, h, depth, first.pixSpacing[1], first.pixSpacing[0], vz, voxels)
}

func zSpacingFromPositions(metas []fileMeta) float64 {
	for i := 1; i < len(metas); i++ {
		if metas[i-1].hasPosZ && metas[i].hasPosZ {
			if d := math.Abs(metas[i].posZ - metas[i-1].posZ); d > 0 {
				return d
			}
		}
	}
	return 0
}

// Tag value helpers. The toolkit returns []string for string VRs and []int
// for binary integer VRs; decimal strings (DS) arrive as strings.

func findString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func findInt(ds dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch vals := el.Value.GetValue().(type) {
	case []int:
		if len(vals) > 0 {
			return vals[0], true
		}
	case []string:
		if len(vals) > 0 {
			if n, err := strconv.Atoi(vals[0]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func findFloat(ds dicom.Dataset, t tag.Tag) (float64, bool) {
	if vals := findFloats(ds, t); len(vals) > 0 {
		return vals[0], true
	}
	return 0, false
}

func findFloats(ds dicom.Dataset, t tag.Tag) []float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	switch vals := el.Value.GetValue().(type) {
	case []string:
		out := make([]float64, 0, len(vals))
		for _, s := range vals {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
		return out
	case []float64:
		return vals
	}
	return nil
}

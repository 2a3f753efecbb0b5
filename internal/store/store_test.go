package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxmill/voxmill/internal/audit"
	"github.com/voxmill/voxmill/internal/dicomio"
	"github.com/voxmill/voxmill/internal/membudget"
	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/nifti"
	"github.com/voxmill/voxmill/internal/testutil"
)

func newTestStore(t *testing.T, ceiling int64) (*Store, *audit.Log) {
	t.Helper()
	logger := testutil.TestLogger()

	budget, err := membudget.New(logger, ceiling, membudget.ModeFail, 0)
	require.NoError(t, err)

	auditLog, err := audit.Open(logger, filepath.Join(t.TempDir(), "audit.db"), 64, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	decoder := nifti.NewDecoder(logger)
	importer := dicomio.NewImporter(logger, 2, nil, auditLog)
	return New(logger, budget, decoder, importer, auditLog), auditLog
}

func rampVoxels(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = uint8(i % 256)
	}
	return out
}

func TestMaskPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/data/brain.nii", "/data/brain.mask"},
		{"/data/brain.nii.gz", "/data/brain.mask"},
		{"/data/slice.dcm", "/data/slice.mask"},
		{"/data/slice.DCM", "/data/slice.mask"},
		{"/data/old.img", "/data/old.mask"},
		{"/data/noext", "/data/noext.mask"},
		{"/data/report.pdf", "/data/report.pdf.mask"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MaskPath(tc.in), "MaskPath(%q)", tc.in)
	}
}

func TestMaskPathSharedAcrossCompression(t *testing.T) {
	assert.Equal(t, MaskPath("/d/vol.nii"), MaskPath("/d/vol.nii.gz"))
}

func TestLoadDispatchesNIfTI(t *testing.T) {
	dir := t.TempDir()
	voxels := rampVoxels(10 * 10 * 5)
	path := testutil.WriteNIfTI(t, filepath.Join(dir, "vol.nii"), testutil.NIfTIOpts{
		W: 10, H: 10, D: 5,
	}, voxels)

	s, _ := newTestStore(t, 1<<20)
	vol, err := s.Load(context.Background(), model.ImageRef{FilePath: path})
	require.NoError(t, err)
	defer vol.Close()

	assert.Equal(t, 10, vol.Width)
	assert.Equal(t, 5, vol.Depth)
	assert.Equal(t, voxels, vol.Voxels)
}

func TestLoadDispatchesDICOM(t *testing.T) {
	dir := t.TempDir()
	pixels := make([]uint16, 6*6)
	for i := range pixels {
		pixels[i] = uint16(i * 10)
	}
	var path string
	for i := 0; i < 3; i++ {
		p := testutil.WriteDICOMSlice(t, filepath.Join(dir, "s"+string(rune('a'+i))+".dcm"), testutil.DICOMSliceOpts{
			StudyUID: "1.2.3", SeriesUID: "1.2.3.1", Instance: i + 1,
			Rows: 6, Cols: 6, PosZ: float64(i) * 2.5,
		}, pixels)
		if i == 0 {
			path = p
		}
	}

	s, _ := newTestStore(t, 1<<20)
	vol, err := s.Load(context.Background(), model.ImageRef{FilePath: path})
	require.NoError(t, err)
	defer vol.Close()

	assert.Equal(t, 6, vol.Width)
	assert.Equal(t, 3, vol.Depth)
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)
	_, err := s.Load(context.Background(), model.ImageRef{FilePath: filepath.Join(t.TempDir(), "gone.nii")})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	s, _ := newTestStore(t, 1<<20)
	_, err := s.Load(context.Background(), model.ImageRef{FilePath: path})
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)
}

func TestLoadEnforcesBudget(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteNIfTI(t, filepath.Join(dir, "vol.nii"), testutil.NIfTIOpts{
		W: 10, H: 10, D: 10,
	}, rampVoxels(1000))

	s, _ := newTestStore(t, 500) // ceiling below the volume size
	_, err := s.Load(context.Background(), model.ImageRef{FilePath: path})
	assert.ErrorIs(t, err, model.ErrMemoryBudgetExceeded)
}

func TestLoadReleasesBudgetOnClose(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteNIfTI(t, filepath.Join(dir, "vol.nii"), testutil.NIfTIOpts{
		W: 10, H: 10, D: 5,
	}, rampVoxels(500))

	logger := testutil.TestLogger()
	budget, err := membudget.New(logger, 1000, membudget.ModeFail, 0)
	require.NoError(t, err)
	auditLog, err := audit.Open(logger, filepath.Join(t.TempDir(), "audit.db"), 64, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })
	s := New(logger, budget, nifti.NewDecoder(logger), dicomio.NewImporter(logger, 2, nil, auditLog), auditLog)

	vol, err := s.Load(context.Background(), model.ImageRef{FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, int64(500), budget.Rented())

	require.NoError(t, vol.Close())
	assert.Equal(t, int64(0), budget.Rented())
}

func TestSaveMaskWritesRawLabelBytes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "vol.nii.gz")
	ref := model.ImageRef{FilePath: src}

	labels := make([]byte, 10*10*5)
	for i := range labels {
		labels[i] = uint8(i % 3)
	}
	mask, err := model.NewMask(10, 10, 5, labels)
	require.NoError(t, err)

	s, _ := newTestStore(t, 1<<20)
	require.NoError(t, s.SaveMask(context.Background(), ref, mask))

	raw, err := os.ReadFile(filepath.Join(dir, "vol.mask"))
	require.NoError(t, err)
	assert.Equal(t, labels, raw, "sidecar must hold the label bytes verbatim")
}

func TestSaveMaskOverwrites(t *testing.T) {
	dir := t.TempDir()
	ref := model.ImageRef{FilePath: filepath.Join(dir, "vol.nii")}
	s, _ := newTestStore(t, 1<<20)

	m1, err := model.NewMask(2, 2, 2, []byte{1, 1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, s.SaveMask(context.Background(), ref, m1))

	m2, err := model.NewMask(2, 2, 2, []byte{2, 2, 2, 2, 2, 2, 2, 2})
	require.NoError(t, err)
	require.NoError(t, s.SaveMask(context.Background(), ref, m2))

	got, err := s.LoadMask(context.Background(), ref, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, m2.Labels, got.Labels)
}

func TestLoadMaskMissing(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)
	_, err := s.LoadMask(context.Background(), model.ImageRef{FilePath: filepath.Join(t.TempDir(), "vol.nii")}, 2, 2, 2)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLoadMaskSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	ref := model.ImageRef{FilePath: filepath.Join(dir, "vol.nii")}
	s, _ := newTestStore(t, 1<<20)

	m, err := model.NewMask(2, 2, 2, make([]byte, 8))
	require.NoError(t, err)
	require.NoError(t, s.SaveMask(context.Background(), ref, m))

	_, err = s.LoadMask(context.Background(), ref, 3, 3, 3)
	assert.Error(t, err)
}

func TestCountAboveStreamsPastCeiling(t *testing.T) {
	dir := t.TempDir()
	// 0..255 ramp over 100 voxels, repeated per slice layout.
	voxels := make([]byte, 10*10*10)
	for i := range voxels {
		voxels[i] = uint8(i * 255 / (len(voxels) - 1))
	}
	path := testutil.WriteNIfTI(t, filepath.Join(dir, "big.nii"), testutil.NIfTIOpts{
		W: 10, H: 10, D: 10,
	}, voxels)

	// Ceiling holds two slices; the full volume never fits.
	s, _ := newTestStore(t, 10*10*2)

	logger := testutil.TestLogger()
	src, err := nifti.NewDecoder(logger).OpenSlabs(path)
	require.NoError(t, err)
	defer src.Close()

	n, err := s.CountAbove(context.Background(), src, 2, 0.5)
	require.NoError(t, err)

	var want int64
	for _, b := range voxels {
		if b > 127 {
			want++
		}
	}
	assert.Equal(t, want, n)
}

func TestLoadWritesAuditEntry(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteNIfTI(t, filepath.Join(dir, "vol.nii"), testutil.NIfTIOpts{
		W: 4, H: 4, D: 4,
	}, rampVoxels(64))

	s, auditLog := newTestStore(t, 1<<20)
	vol, err := s.Load(context.Background(), model.ImageRef{FilePath: path})
	require.NoError(t, err)
	defer vol.Close()

	ctx := context.Background()
	require.NoError(t, auditLog.Flush(ctx))
	entries, err := auditLog.Recent(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.OpLoad, entries[0].Operation)
	assert.Equal(t, "ok", entries[0].Outcome)
	assert.Equal(t, path, entries[0].Resource)
}

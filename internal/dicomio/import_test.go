package dicomio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/testutil"
)

// writeSeries writes n constant-intensity slices of one series, slice i
// filled with value i*100.
func writeSeries(t *testing.T, dir, studyUID, seriesUID string, n int) []string {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		pixels := make([]uint16, 8*8)
		for j := range pixels {
			pixels[j] = uint16(i * 100)
		}
		paths[i] = testutil.WriteDICOMSlice(t, filepath.Join(dir, fmt.Sprintf("%s-%d.dcm", seriesUID, i)), testutil.DICOMSliceOpts{
			StudyUID:  studyUID,
			SeriesUID: seriesUID,
			Instance:  i + 1,
			Rows:      8,
			Cols:      8,
			PosZ:      float64(i) * 2.5,
		}, pixels)
	}
	return paths
}

func TestProbeDICOM(t *testing.T) {
	dir := t.TempDir()
	paths := writeSeries(t, dir, "1.2.3", "1.2.3.1", 1)

	head := readFileBytes(t, paths[0])[:200]
	assert.True(t, Probe(head))
	assert.False(t, Probe([]byte("DICM")), "magic must sit at offset 128")
	assert.False(t, Probe(make([]byte, 200)))
}

func TestImportCountsStudiesSeriesImages(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "1.2.3", "1.2.3.1", 3)
	writeSeries(t, dir, "1.2.3", "1.2.3.2", 2)
	writeSeries(t, dir, "1.2.4", "1.2.4.1", 1)

	// A stray non-DICOM file is not a candidate and not a failure.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("readme"), 0o644))

	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	res, err := im.Import(context.Background(), dir, ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.StudiesImported)
	assert.Equal(t, 3, res.SeriesImported)
	assert.Equal(t, 6, res.ImagesImported)
	assert.Len(t, res.PerFile, 6)
	assert.Zero(t, res.Failed())
}

func TestImportSingleFileRoot(t *testing.T) {
	dir := t.TempDir()
	paths := writeSeries(t, dir, "1.2.3", "1.2.3.1", 1)

	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	res, err := im.Import(context.Background(), paths[0], ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ImagesImported)
}

func TestImportEmptyDir(t *testing.T) {
	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	res, err := im.Import(context.Background(), t.TempDir(), ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.ImagesImported)
	assert.Empty(t, res.PerFile)
}

func TestImportMissingRoot(t *testing.T) {
	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	_, err := im.Import(context.Background(), filepath.Join(t.TempDir(), "nope"), ImportOptions{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestImportWithAnonymize(t *testing.T) {
	dir := t.TempDir()
	pixels := make([]uint16, 8*8)
	path := testutil.WriteDICOMSlice(t, filepath.Join(dir, "s.dcm"), testutil.DICOMSliceOpts{
		StudyUID: "1.2.3", SeriesUID: "1.2.3.1", Instance: 1,
		Rows: 8, Cols: 8, WithPHI: true,
	}, pixels)

	anon := NewAnonymizer(testutil.TestLogger(), 2, nil)
	im := NewImporter(testutil.TestLogger(), 2, anon, nil)
	res, err := im.Import(context.Background(), dir, ImportOptions{
		Anonymize: true,
		Profile:   model.AnonymizerProfile{Name: ProfileBasic},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ImagesImported)

	// Identity tags are gone from the imported file.
	assert.False(t, hasTag(t, path, tag.PatientName))
}

func TestImportAnonymizeWithoutAnonymizer(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "1.2.3", "1.2.3.1", 1)

	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	_, err := im.Import(context.Background(), dir, ImportOptions{Anonymize: true})
	assert.Error(t, err)
}

func TestLoadSeriesAssemblesOrderedVolume(t *testing.T) {
	dir := t.TempDir()
	paths := writeSeries(t, dir, "1.2.3", "1.2.3.1", 4)
	// A second series in the same directory must not leak into the volume.
	writeSeries(t, dir, "1.2.3", "1.2.3.9", 2)

	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	vol, err := im.LoadSeries(context.Background(), model.ImageRef{FilePath: paths[0]})
	require.NoError(t, err)

	assert.Equal(t, 8, vol.Width)
	assert.Equal(t, 8, vol.Height)
	assert.Equal(t, 4, vol.Depth)
	assert.InDelta(t, 0.8, vol.VoxSizeX, 1e-6)
	assert.InDelta(t, 0.8, vol.VoxSizeY, 1e-6)
	assert.InDelta(t, 2.5, vol.VoxSizeZ, 1e-6)

	// Slices are constant 0, 100, 200, 300; min/max rescale maps them to
	// 0, 85, 170, 255 in instance order.
	want := []uint8{0, 85, 170, 255}
	for z := 0; z < 4; z++ {
		assert.Equal(t, want[z], vol.Voxels[z*64], "slice %d", z)
		assert.Equal(t, want[z], vol.Voxels[z*64+63], "slice %d", z)
	}
}

func TestLoadSeriesBySeriesUID(t *testing.T) {
	dir := t.TempDir()
	a := writeSeries(t, dir, "1.2.3", "1.2.3.1", 2)
	writeSeries(t, dir, "1.2.3", "1.2.3.2", 3)

	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	vol, err := im.LoadSeries(context.Background(), model.ImageRef{
		FilePath:          a[0],
		SeriesInstanceUID: "1.2.3.2",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, vol.Depth)
}

func TestLoadSeriesMissingFile(t *testing.T) {
	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	_, err := im.LoadSeries(context.Background(), model.ImageRef{FilePath: filepath.Join(t.TempDir(), "gone.dcm")})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLoadSeriesUnknownSeries(t *testing.T) {
	dir := t.TempDir()
	paths := writeSeries(t, dir, "1.2.3", "1.2.3.1", 1)

	im := NewImporter(testutil.TestLogger(), 2, nil, nil)
	_, err := im.LoadSeries(context.Background(), model.ImageRef{
		FilePath:          paths[0],
		SeriesInstanceUID: "9.9.9",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

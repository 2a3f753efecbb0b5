// Package testutil writes synthetic NIfTI and DICOM fixtures for tests.
package testutil

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NIfTIOpts shapes a synthetic NIfTI-1 file.
type NIfTIOpts struct {
	W, H, D    int
	Timepoints int // 0 or 1 means a plain 3D file
	Datatype   int // NIfTI datatype code; 0 means uint8 (2)
	Spacing    [3]float64
	Gzip       bool
	BigEndian  bool
	Truncate   int // drop this many bytes from the end of the payload
}

// WriteNIfTI writes a synthetic volume whose uint8 intensities are the
// given voxels (len must be W*H*D for datatype uint8; for int16 each voxel
// byte is widened). Returns the written path.
func WriteNIfTI(t *testing.T, path string, opts NIfTIOpts, voxels []byte) string {
	t.Helper()

	if opts.Datatype == 0 {
		opts.Datatype = 2 // uint8
	}
	if opts.Spacing == [3]float64{} {
		opts.Spacing = [3]float64{1, 1, 1}
	}
	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}

	hdr := make([]byte, 352) // 348-byte header + 4-byte extension marker
	order.PutUint32(hdr[0:], 348)

	ndim := int16(3)
	tp := opts.Timepoints
	if tp < 1 {
		tp = 1
	}
	if tp > 1 {
		ndim = 4
	}
	dims := []int16{ndim, int16(opts.W), int16(opts.H), int16(opts.D), int16(tp), 1, 1, 1}
	for i, v := range dims {
		order.PutUint16(hdr[40+2*i:], uint16(v))
	}

	var bitpix int16
	switch opts.Datatype {
	case 2, 256:
		bitpix = 8
	case 4, 512:
		bitpix = 16
	case 8, 768, 16:
		bitpix = 32
	case 64:
		bitpix = 64
	default:
		bitpix = 8
	}
	order.PutUint16(hdr[70:], uint16(opts.Datatype))
	order.PutUint16(hdr[72:], uint16(bitpix))

	pixdim := []float32{1, float32(opts.Spacing[0]), float32(opts.Spacing[1]), float32(opts.Spacing[2]), 1, 1, 1, 1}
	for i, v := range pixdim {
		order.PutUint32(hdr[76+4*i:], math.Float32bits(v))
	}
	order.PutUint32(hdr[108:], math.Float32bits(352)) // vox_offset
	copy(hdr[344:], []byte{'n', '+', '1', 0})

	payload := encodePayload(t, voxels, tp, opts.Datatype, order)
	if opts.Truncate > 0 && opts.Truncate < len(payload) {
		payload = payload[:len(payload)-opts.Truncate]
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("testutil: create %s: %v", path, err)
	}
	defer f.Close()

	if opts.Gzip {
		zw := gzip.NewWriter(f)
		_, err = zw.Write(hdr)
		mustWrite(t, err)
		_, err = zw.Write(payload)
		mustWrite(t, err)
		if err := zw.Close(); err != nil {
			t.Fatalf("testutil: close gzip: %v", err)
		}
		return path
	}
	_, err = f.Write(hdr)
	mustWrite(t, err)
	_, err = f.Write(payload)
	mustWrite(t, err)
	return path
}

func encodePayload(t *testing.T, voxels []byte, timepoints, datatype int, order binary.ByteOrder) []byte {
	t.Helper()
	one := func() []byte {
		switch datatype {
		case 2, 256:
			return append([]byte(nil), voxels...)
		case 4, 512:
			out := make([]byte, 2*len(voxels))
			for i, v := range voxels {
				order.PutUint16(out[2*i:], uint16(v))
			}
			return out
		case 16:
			out := make([]byte, 4*len(voxels))
			for i, v := range voxels {
				order.PutUint32(out[4*i:], math.Float32bits(float32(v)))
			}
			return out
		default:
			t.Fatalf("testutil: unsupported fixture datatype %d", datatype)
			return nil
		}
	}
	var payload []byte
	for i := 0; i < timepoints; i++ {
		payload = append(payload, one()...)
	}
	return payload
}

func mustWrite(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("testutil: write fixture: %v", err)
	}
}

// DICOMSliceOpts shapes one synthetic DICOM file.
type DICOMSliceOpts struct {
	StudyUID  string
	SeriesUID string
	Instance  int
	Rows      int
	Cols      int
	PosZ      float64
	WithPHI   bool // include patient-identifying tags
}

// WriteDICOMSlice writes a single-frame MR image with the given uint16
// pixels (len must be Rows*Cols). Returns the written path.
func WriteDICOMSlice(t *testing.T, path string, opts DICOMSliceOpts, pixels []uint16) string {
	t.Helper()

	if len(pixels) != opts.Rows*opts.Cols {
		t.Fatalf("testutil: %d pixels for %dx%d slice", len(pixels), opts.Rows, opts.Cols)
	}

	nf := frame.NewNativeFrame[uint16](16, opts.Rows, opts.Cols, opts.Rows*opts.Cols, 1)
	copy(nf.RawData, pixels)
	pixelData := dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
	}

	elements := []*dicom.Element{
		mustNewElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(t, tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		mustNewElement(t, tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", opts.SeriesUID, opts.Instance)}),
		mustNewElement(t, tag.StudyInstanceUID, []string{opts.StudyUID}),
		mustNewElement(t, tag.SeriesInstanceUID, []string{opts.SeriesUID}),
		mustNewElement(t, tag.Modality, []string{"MR"}),
		mustNewElement(t, tag.InstanceNumber, []string{fmt.Sprintf("%d", opts.Instance)}),
		mustNewElement(t, tag.ImagePositionPatient, []string{"0.0", "0.0", fmt.Sprintf("%.3f", opts.PosZ)}),
		mustNewElement(t, tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
		mustNewElement(t, tag.PixelSpacing, []string{"0.8", "0.8"}),
		mustNewElement(t, tag.SliceThickness, []string{"2.5"}),
		mustNewElement(t, tag.ImageType, []string{"ORIGINAL", "PRIMARY"}),
		mustNewElement(t, tag.Rows, []int{opts.Rows}),
		mustNewElement(t, tag.Columns, []int{opts.Cols}),
		mustNewElement(t, tag.BitsAllocated, []int{16}),
		mustNewElement(t, tag.BitsStored, []int{16}),
		mustNewElement(t, tag.HighBit, []int{15}),
		mustNewElement(t, tag.PixelRepresentation, []int{0}),
		mustNewElement(t, tag.SamplesPerPixel, []int{1}),
		mustNewElement(t, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
	}
	if opts.WithPHI {
		elements = append(elements,
			mustNewElement(t, tag.PatientName, []string{"DOE^JANE"}),
			mustNewElement(t, tag.PatientID, []string{"PAT-0001"}),
			mustNewElement(t, tag.PatientBirthDate, []string{"19700101"}),
			mustNewElement(t, tag.InstitutionName, []string{"General Hospital"}),
			mustNewElement(t, tag.ReferringPhysicianName, []string{"SMITH^JOHN"}),
			mustNewElement(t, tag.StudyDate, []string{"20260102"}),
			mustNewElement(t, tag.StudyDescription, []string{"HEAD ROUTINE"}),
			mustNewElement(t, tag.AccessionNumber, []string{"ACC-42"}),
		)
	}
	elements = append(elements, mustNewElement(t, tag.PixelData, pixelData))

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("testutil: create %s: %v", path, err)
	}
	defer f.Close()
	if err := dicom.Write(f, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("testutil: write dicom %s: %v", path, err)
	}
	return path
}

func mustNewElement(t *testing.T, tg tag.Tag, value any) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, value)
	if err != nil {
		t.Fatalf("testutil: new element %v: %v", tg, err)
	}
	return el
}

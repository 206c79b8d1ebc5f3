// Package normalizertest builds small, well-formed DICOM files for tests.
package normalizertest

import (
	"bytes"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

// Frame describes a single native frame. Pixel returns the samples of pixel i
// in row-major order; it must return SamplesPerPixel values.
type Frame struct {
	Rows            int
	Cols            int
	BitsAllocated   int
	SamplesPerPixel int
	Pixel           func(i int) []int
}

// Gray16 is a 16-bit single-channel frame whose pixel i has value f(i)
func Gray16(rows, cols int, f func(i int) int) Frame {
	return Frame{Rows: rows, Cols: cols, BitsAllocated: 16, SamplesPerPixel: 1,
		Pixel: func(i int) []int { return []int{f(i)} }}
}

// RGB8 is an 8-bit three-channel frame. rows*cols must be even.
func RGB8(rows, cols int, f func(i int) [3]int) Frame {
	return Frame{Rows: rows, Cols: cols, BitsAllocated: 8, SamplesPerPixel: 3,
		Pixel: func(i int) []int { p := f(i); return p[:] }}
}

// Encode writes fr as an uncompressed DICOM file
func Encode(t testing.TB, fr Frame) []byte {
	t.Helper()

	data := make([][]int, fr.Rows*fr.Cols)
	for i := range data {
		data[i] = fr.Pixel(i)
	}

	elements := []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.826.0.1.3680043.8.498.1"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ImplicitVRLittleEndian}),
		mustElement(t, tag.Rows, []int{fr.Rows}),
		mustElement(t, tag.Columns, []int{fr.Cols}),
		mustElement(t, tag.BitsAllocated, []int{fr.BitsAllocated}),
		mustElement(t, tag.NumberOfFrames, []string{"1"}),
		mustElement(t, tag.SamplesPerPixel, []int{fr.SamplesPerPixel}),
		mustElement(t, tag.PixelData, dicom.PixelDataInfo{
			IsEncapsulated: false,
			Frames: []*frame.Frame{{
				Encapsulated: false,
				NativeData: frame.NativeFrame{
					BitsPerSample: fr.BitsAllocated,
					Rows:          fr.Rows,
					Cols:          fr.Cols,
					Data:          data,
				},
			}},
		}),
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("write dicom %dx%d at %d bits: %v", fr.Cols, fr.Rows, fr.BitsAllocated, err)
	}
	return buf.Bytes()
}

func mustElement(t testing.TB, tg tag.Tag, value any) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, value)
	if err != nil {
		t.Fatalf("new element %v: %v", tg, err)
	}
	return e
}

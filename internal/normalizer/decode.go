package normalizer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrNoPixelData is returned when a dataset carries no usable image frame
var ErrNoPixelData = errors.New("dicom dataset has no pixel data")

// Decoder turns fetched bytes into a pixel plane
type Decoder interface {
	Decode(data []byte) (*Plane, error)
}

// DecoderFunc adapts a function to the Decoder interface
type DecoderFunc func(data []byte) (*Plane, error)

// Decode calls f(data)
func (f DecoderFunc) Decode(data []byte) (*Plane, error) {
	return f(data)
}

// DICOMDecoder reads the first frame of a DICOM PixelData element
type DICOMDecoder struct{}

// Decode parses data as a DICOM dataset. Panics raised by the parser on
// malformed input are returned as errors.
func (DICOMDecoder) Decode(data []byte) (plane *Plane, err error) {
	defer func() {
		if r := recover(); r != nil {
			plane = nil
			err = fmt.Errorf("dicom parser panic: %v", r)
		}
	}()

	dataset, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dicom: %w", err)
	}

	pixelDataElement, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPixelData, err)
	}

	info := dicom.MustGetPixelDataInfo(pixelDataElement.Value)
	if len(info.Frames) == 0 {
		return nil, ErrNoPixelData
	}

	fr := info.Frames[0]
	if fr.Encapsulated {
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("unsupported encapsulated frame: %w", err)
		}
		return planeFromImage(img), nil
	}

	native := fr.NativeData
	if native.Rows <= 0 || native.Cols <= 0 || len(native.Data) != native.Rows*native.Cols {
		return nil, fmt.Errorf("%w: frame geometry %dx%d with %d pixels",
			ErrNoPixelData, native.Cols, native.Rows, len(native.Data))
	}

	channels := len(native.Data[0])
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported samples per pixel: %d", channels)
	}

	p := &Plane{
		Width:         native.Cols,
		Height:        native.Rows,
		Channels:      channels,
		BitsPerSample: native.BitsPerSample,
		Pix:           make([]int, 0, len(native.Data)*channels),
	}
	for _, sample := range native.Data {
		if len(sample) != channels {
			return nil, fmt.Errorf("inconsistent samples per pixel in frame")
		}
		p.Pix = append(p.Pix, sample...)
	}
	return p, nil
}

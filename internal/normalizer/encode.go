package normalizer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
)

// Format is an output raster format
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

const (
	jpegQuality     = 95
	placeholderSize = 512
)

// ParseFormat converts a caller-supplied extension into a Format. Empty means jpeg.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("unsupported image format %q", s)
	}
}

// ContentType returns the media type for the format
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// EncodeError reports a failure to serialize an image. It is never masked by a fallback.
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode %s image: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Encode serializes an 8-bit image to the requested format
func Encode(img Image8, format Format) ([]byte, error) {
	if img.Width <= 0 || img.Height <= 0 || len(img.Pix) != img.Width*img.Height*img.Channels {
		return nil, &EncodeError{Format: format, Err: fmt.Errorf("invalid image geometry %dx%dx%d with %d samples",
			img.Width, img.Height, img.Channels, len(img.Pix))}
	}

	var src image.Image
	switch img.Channels {
	case 1:
		gray := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
		copy(gray.Pix, img.Pix)
		src = gray
	case 3:
		rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
		for i := 0; i < img.Width*img.Height; i++ {
			rgba.Pix[i*4] = img.Pix[i*3]
			rgba.Pix[i*4+1] = img.Pix[i*3+1]
			rgba.Pix[i*4+2] = img.Pix[i*3+2]
			rgba.Pix[i*4+3] = 0xff
		}
		src = rgba
	default:
		return nil, &EncodeError{Format: format, Err: fmt.Errorf("unsupported channel count %d", img.Channels)}
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, src)
	case FormatJPEG:
		err = jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality})
	default:
		err = fmt.Errorf("unsupported format")
	}
	if err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}
	return buf.Bytes(), nil
}

// BlackImage returns the 512x512 solid black placeholder used when decoding fails
func BlackImage(format Format) ([]byte, error) {
	return Encode(Image8{
		Width:    placeholderSize,
		Height:   placeholderSize,
		Channels: 1,
		Pix:      make([]uint8, placeholderSize*placeholderSize),
	}, format)
}

// planeFromImage converts a decoded raster into a Plane, keeping 16-bit depth when present
func planeFromImage(img image.Image) *Plane {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		p := &Plane{Width: w, Height: h, Channels: 1, BitsPerSample: 8, Pix: make([]int, 0, w*h)}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				p.Pix = append(p.Pix, int(src.GrayAt(x, y).Y))
			}
		}
		return p
	case *image.Gray16:
		p := &Plane{Width: w, Height: h, Channels: 1, BitsPerSample: 16, Pix: make([]int, 0, w*h)}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				p.Pix = append(p.Pix, int(src.Gray16At(x, y).Y))
			}
		}
		return p
	}

	p := &Plane{Width: w, Height: h, Channels: 3, BitsPerSample: 8, Pix: make([]int, 0, w*h*3)}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			p.Pix = append(p.Pix, int(c.R), int(c.G), int(c.B))
		}
	}
	return p
}

package normalizer

import (
	"bytes"
	"cdss-inference/internal/normalizer/normalizertest"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func serveBytes(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gradientDecoder(calls *int32) Decoder {
	return DecoderFunc(func(data []byte) (*Plane, error) {
		atomic.AddInt32(calls, 1)
		p := &Plane{Width: 16, Height: 16, Channels: 1, BitsPerSample: 16, Pix: make([]int, 256)}
		for i := range p.Pix {
			p.Pix[i] = 500 + i*10
		}
		return p, nil
	})
}

func TestNormalize_NotFoundSkipsDecode(t *testing.T) {
	srv := serveBytes(t, http.StatusNotFound, []byte("missing"))
	var calls int32
	n := New(WithDecoder(gradientDecoder(&calls)), WithLogger(zaptest.NewLogger(t)))

	_, err := n.Normalize(context.Background(), srv.URL, FormatJPEG)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestNormalize_ServerErrorIsNotFound(t *testing.T) {
	srv := serveBytes(t, http.StatusInternalServerError, nil)
	n := New()

	_, err := n.Normalize(context.Background(), srv.URL, FormatPNG)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNormalize_MalformedDICOMFallsBackToBlack(t *testing.T) {
	srv := serveBytes(t, http.StatusOK, bytes.Repeat([]byte("not a dicom file "), 40))
	n := New(WithLogger(zaptest.NewLogger(t)))

	for _, format := range []Format{FormatPNG, FormatJPEG} {
		out, err := n.Normalize(context.Background(), srv.URL, format)
		require.NoError(t, err)

		assert.True(t, out.UsedFallback)
		assert.Error(t, out.DecodeErr)
		assert.Equal(t, format, out.Format)
		assert.Equal(t, 512, out.Width)
		assert.Equal(t, 512, out.Height)

		cfg, name, err := image.DecodeConfig(bytes.NewReader(out.Data))
		require.NoError(t, err)
		assert.Equal(t, string(format), name)
		assert.Equal(t, 512, cfg.Width)
		assert.Equal(t, 512, cfg.Height)
	}

	out, err := n.Normalize(context.Background(), srv.URL, FormatPNG)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(256, 256).RGBA()
	assert.Zero(t, r+g+b)
}

func TestNormalize_Success(t *testing.T) {
	srv := serveBytes(t, http.StatusOK, []byte("dicom bytes"))
	var calls int32
	n := New(WithDecoder(gradientDecoder(&calls)))

	out, err := n.Normalize(context.Background(), srv.URL, FormatPNG)
	require.NoError(t, err)

	assert.False(t, out.UsedFallback)
	assert.NoError(t, out.DecodeErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	decoded, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())

	first, _, _, _ := decoded.At(0, 0).RGBA()
	last, _, _, _ := decoded.At(15, 15).RGBA()
	assert.Equal(t, uint32(0), first)
	assert.Equal(t, uint32(0xffff), last)
}

func TestNormalize_ContrastStretchDisabled(t *testing.T) {
	srv := serveBytes(t, http.StatusOK, []byte("dicom bytes"))
	n := New(
		WithContrastStretch(false),
		WithDecoder(DecoderFunc(func(data []byte) (*Plane, error) {
			return &Plane{Width: 2, Height: 1, Channels: 1, BitsPerSample: 8, Pix: []int{100, 120}}, nil
		})),
	)

	out, err := n.Normalize(context.Background(), srv.URL, FormatPNG)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	gray := image.NewGray(decoded.Bounds())
	for x := 0; x < 2; x++ {
		gray.Set(x, 0, decoded.At(x, 0))
	}
	assert.Equal(t, []uint8{100, 120}, gray.Pix)
}

func TestNormalize_EncodeErrorIsNotMasked(t *testing.T) {
	srv := serveBytes(t, http.StatusOK, []byte("dicom bytes"))
	n := New(WithDecoder(DecoderFunc(func(data []byte) (*Plane, error) {
		return &Plane{Width: 1, Height: 1, Channels: 2, BitsPerSample: 8, Pix: []int{1, 2}}, nil
	})))

	out, err := n.Normalize(context.Background(), srv.URL, FormatJPEG)

	assert.Nil(t, out)
	var encErr *EncodeError
	assert.True(t, errors.As(err, &encErr))
}

func TestNormalize_TransportError(t *testing.T) {
	srv := serveBytes(t, http.StatusOK, nil)
	url := srv.URL
	srv.Close()

	_, err := New().Normalize(context.Background(), url, FormatJPEG)

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestDICOMDecoder_RejectsGarbage(t *testing.T) {
	_, err := DICOMDecoder{}.Decode([]byte("definitely not dicom"))
	assert.Error(t, err)

	_, err = DICOMDecoder{}.Decode(nil)
	assert.Error(t, err)
}

func TestDICOMDecoder_Gray16(t *testing.T) {
	data := normalizertest.Encode(t, normalizertest.Gray16(6, 4, func(i int) int { return i * 100 }))

	p, err := DICOMDecoder{}.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, 4, p.Width)
	assert.Equal(t, 6, p.Height)
	assert.Equal(t, 1, p.Channels)
	assert.Equal(t, 16, p.BitsPerSample)
	require.Len(t, p.Pix, 24)
	assert.Equal(t, 0, p.Pix[0])
	assert.Equal(t, 500, p.Pix[5])
	assert.Equal(t, 2300, p.Pix[23])
}

func TestDICOMDecoder_RGB8(t *testing.T) {
	data := normalizertest.Encode(t, normalizertest.RGB8(2, 4, func(i int) [3]int {
		return [3]int{i, i * 2, 255 - i}
	}))

	p, err := DICOMDecoder{}.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, 4, p.Width)
	assert.Equal(t, 2, p.Height)
	assert.Equal(t, 3, p.Channels)
	assert.Equal(t, 8, p.BitsPerSample)
	require.Len(t, p.Pix, 24)
	assert.Equal(t, []int{7, 14, 248}, p.Pix[21:24])
}

func TestNormalize_WellFormedDICOM(t *testing.T) {
	tests := []struct {
		name   string
		frame  normalizertest.Frame
		format Format
	}{
		{"gray16 png", normalizertest.Gray16(24, 32, func(i int) int { return i * 40 }), FormatPNG},
		{"gray16 jpeg", normalizertest.Gray16(24, 32, func(i int) int { return 1000 + i }), FormatJPEG},
		{"rgb8 jpeg", normalizertest.RGB8(16, 20, func(i int) [3]int { return [3]int{i % 256, 128, 0} }), FormatJPEG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveBytes(t, http.StatusOK, normalizertest.Encode(t, tt.frame))
			n := New(WithLogger(zaptest.NewLogger(t)))

			out, err := n.Normalize(context.Background(), srv.URL, tt.format)
			require.NoError(t, err)

			assert.False(t, out.UsedFallback)
			assert.NoError(t, out.DecodeErr)
			assert.Equal(t, tt.frame.Cols, out.Width)
			assert.Equal(t, tt.frame.Rows, out.Height)

			cfg, name, err := image.DecodeConfig(bytes.NewReader(out.Data))
			require.NoError(t, err)
			assert.Equal(t, string(tt.format), name)
			assert.Equal(t, tt.frame.Cols, cfg.Width)
			assert.Equal(t, tt.frame.Rows, cfg.Height)
		})
	}
}

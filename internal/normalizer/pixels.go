package normalizer

import "math"

const (
	contrastLowCutoff  = 0.01
	contrastHighCutoff = 0.99
)

// Plane is a decoded pixel array at its native sample depth.
// Pix is row-major with Channels samples per pixel.
type Plane struct {
	Width         int
	Height        int
	Channels      int
	BitsPerSample int
	Pix           []int
}

// Image8 is a plane rescaled to 8-bit samples
type Image8 struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// RescaleToUint8 linearly maps the full intensity range of p onto [0, 255].
// Planes that already hold 8-bit samples are copied unchanged.
func RescaleToUint8(p Plane) Image8 {
	out := Image8{
		Width:    p.Width,
		Height:   p.Height,
		Channels: p.Channels,
		Pix:      make([]uint8, len(p.Pix)),
	}
	if len(p.Pix) == 0 {
		return out
	}

	minVal, maxVal := p.Pix[0], p.Pix[0]
	for _, v := range p.Pix {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}

	if p.BitsPerSample == 8 && minVal >= 0 && maxVal <= 255 {
		for i, v := range p.Pix {
			out.Pix[i] = uint8(v)
		}
		return out
	}

	// A flat plane has no range to stretch; it maps to black.
	if maxVal == minVal {
		return out
	}

	scale := 255.0 / float64(maxVal-minVal)
	for i, v := range p.Pix {
		out.Pix[i] = clampUint8(math.Round(float64(v-minVal) * scale))
	}
	return out
}

// Histogram counts occurrences of each 8-bit intensity
func Histogram(img Image8) [256]int {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	return hist
}

// ContrastBounds returns the smallest intensities whose cumulative distribution
// reaches 1% and 99% respectively.
func ContrastBounds(img Image8) (low, high int) {
	hist := Histogram(img)
	total := len(img.Pix)
	if total == 0 {
		return 0, 0
	}

	low, high = -1, -1
	cumulative := 0
	for i, count := range hist {
		cumulative += count
		cdf := float64(cumulative) / float64(total)
		if low < 0 && cdf >= contrastLowCutoff {
			low = i
		}
		if high < 0 && cdf >= contrastHighCutoff {
			high = i
			break
		}
	}
	return low, high
}

// AutoContrast stretches the 1st..99th percentile intensity band onto [0, 255].
// When the band is empty the image is returned unchanged.
func AutoContrast(img Image8) Image8 {
	low, high := ContrastBounds(img)
	if high <= low {
		return img
	}

	var lut [256]uint8
	for v := range lut {
		lut[v] = StretchValue(v, low, high)
	}

	out := img
	out.Pix = make([]uint8, len(img.Pix))
	for i, v := range img.Pix {
		out.Pix[i] = lut[v]
	}
	return out
}

// StretchValue applies the contrast map for the given bounds to a single intensity
func StretchValue(v, low, high int) uint8 {
	if high <= low {
		return clampUint8(float64(v))
	}
	scale := 255.0 / float64(high-low)
	return clampUint8(math.Round(float64(v)*scale - scale*float64(low)))
}

func clampUint8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

package normalizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultFetchTimeout bounds the download of the source image
const DefaultFetchTimeout = 300 * time.Second

// ErrNotFound is returned when the source image cannot be retrieved (non-200 response)
var ErrNotFound = errors.New("dicom file not found at the provided URL")

// NormalizedImage is the encoded output of one normalization run
type NormalizedImage struct {
	Data         []byte
	Format       Format
	Width        int
	Height       int
	UsedFallback bool
	// DecodeErr holds the decode failure that UsedFallback masked
	DecodeErr error
}

// Normalizer fetches, decodes, rescales and re-encodes medical images
type Normalizer struct {
	client          *http.Client
	decoder         Decoder
	contrastStretch bool
	logger          *zap.Logger
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithHTTPClient replaces the client used to fetch source images
func WithHTTPClient(client *http.Client) Option {
	return func(n *Normalizer) { n.client = client }
}

// WithFetchTimeout sets the download timeout on the default client
func WithFetchTimeout(timeout time.Duration) Option {
	return func(n *Normalizer) { n.client = &http.Client{Timeout: timeout} }
}

// WithDecoder replaces the DICOM decoder
func WithDecoder(decoder Decoder) Option {
	return func(n *Normalizer) { n.decoder = decoder }
}

// WithContrastStretch toggles the percentile contrast stretch
func WithContrastStretch(enabled bool) Option {
	return func(n *Normalizer) { n.contrastStretch = enabled }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// New creates a normalizer
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		client:          &http.Client{Timeout: DefaultFetchTimeout},
		decoder:         DICOMDecoder{},
		contrastStretch: true,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize runs fetch -> decode -> rescale -> contrast -> encode.
// Fetch errors and encode errors are returned; decode errors are replaced by a
// black placeholder with UsedFallback set.
func (n *Normalizer) Normalize(ctx context.Context, sourceURL string, format Format) (*NormalizedImage, error) {
	data, err := n.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	plane, decodeErr := n.decoder.Decode(data)
	if decodeErr != nil {
		n.logger.Warn("failed to decode dicom, returning black image",
			zap.String("source_url", sourceURL),
			zap.Error(decodeErr),
		)
		placeholder, err := BlackImage(format)
		if err != nil {
			return nil, err
		}
		return &NormalizedImage{
			Data:         placeholder,
			Format:       format,
			Width:        placeholderSize,
			Height:       placeholderSize,
			UsedFallback: true,
			DecodeErr:    decodeErr,
		}, nil
	}

	img := RescaleToUint8(*plane)
	if n.contrastStretch {
		img = AutoContrast(img)
	}

	encoded, err := Encode(img, format)
	if err != nil {
		return nil, err
	}

	return &NormalizedImage{
		Data:   encoded,
		Format: format,
		Width:  img.Width,
		Height: img.Height,
	}, nil
}

// Fetch downloads the resource at sourceURL. Any non-200 status yields ErrNotFound.
func (n *Normalizer) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sourceURL, err)
	}
	return data, nil
}

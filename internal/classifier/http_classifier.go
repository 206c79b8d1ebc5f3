package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxErrorBody = 512

// HTTPClassifier sends the encoded image to a model-serving endpoint
type HTTPClassifier struct {
	endpoint    string
	contentType string
	client      *http.Client
}

type predictResponse struct {
	Class       string   `json:"class"`
	Probability *float64 `json:"probability"`
}

// NewHTTPClassifier creates a classifier that POSTs images of contentType to endpoint
func NewHTTPClassifier(endpoint, contentType string, timeout time.Duration) *HTTPClassifier {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &HTTPClassifier{
		endpoint:    endpoint,
		contentType: contentType,
		client:      &http.Client{Timeout: timeout},
	}
}

// Classify posts image as the raw request body and decodes {"class", "probability"}
func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) (Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", c.contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("classify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Prediction{}, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	if out.Class == "" {
		return Prediction{}, fmt.Errorf("classifier response has no class")
	}
	if out.Probability == nil {
		return Prediction{}, fmt.Errorf("classifier response has no probability")
	}
	if p := *out.Probability; p < 0 || p > 1 {
		return Prediction{}, fmt.Errorf("classifier probability %v outside [0, 1]", p)
	}

	return Prediction{Label: out.Class, Probability: *out.Probability}, nil
}

package client

import (
	"bytes"
	"cdss-inference/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiKeyHeader = "X-API-KEY"

// APIError is returned for any non-2xx response
type APIError struct {
	StatusCode int
	Message    string
	TaskID     string
}

func (e *APIError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("API error (status %d): %s (task %s)", e.StatusCode, e.Message, e.TaskID)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to the inference API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the API rooted at baseURL, e.g. http://localhost:8000
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Preview is a rendered DICOM image
type Preview struct {
	Data         []byte
	ContentType  string
	UsedFallback bool
}

func submitPath(model models.ModelKind) (string, error) {
	switch model {
	case models.ModelBrainMRI:
		return "/api/v1/inference/brain-tumors-classification", nil
	case models.ModelLungCT:
		return "/api/v1/inference/chest-ct-cancer-classification", nil
	default:
		return "", fmt.Errorf("unknown model %q", model)
	}
}

// Submit queues an inference job and returns its task id
func (c *Client) Submit(ctx context.Context, model models.ModelKind, predictionID, instance string) (string, error) {
	path, err := submitPath(model)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(models.InferenceRequest{PredictionID: predictionID, Instance: instance})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp models.SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, path, bytes.NewReader(body), http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Status fetches the current status of a task
func (c *Client) Status(ctx context.Context, taskID string) (*models.StatusResponse, error) {
	var resp models.StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/models/tasks/"+url.PathEscape(taskID), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wait polls Status every interval until the task is terminal or ctx ends.
// onPoll, when set, sees every intermediate status. On error the last status
// received, if any, is returned along with it.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration, onPoll func(*models.StatusResponse)) (*models.StatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *models.StatusResponse
	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		last = status
		if onPoll != nil {
			onPoll(status)
		}
		if models.IsTerminal(status.Status) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Job fetches the full job record
func (c *Client) Job(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs in the given status
func (c *Client) ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []*models.Job
	path := "/api/v1/jobs?status=" + url.QueryEscape(string(status))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Stats fetches the counter snapshot
func (c *Client) Stats(ctx context.Context) (map[string]int64, error) {
	var stats map[string]int64
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/stats", nil, http.StatusOK, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Preview renders the DICOM file at fileURL as format ("jpeg" or "png")
func (c *Client) Preview(ctx context.Context, fileURL, format string) (*Preview, error) {
	q := url.Values{}
	q.Set("fileURL", fileURL)
	if format != "" {
		q.Set("extension", format)
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/v1/dicom/preview?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	fallback, _ := strconv.ParseBool(resp.Header.Get("X-Used-Fallback"))
	return &Preview{Data: data, ContentType: resp.Header.Get("Content-Type"), UsedFallback: fallback}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to API: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	var payload struct {
		Error  string `json:"error"`
		TaskID string `json:"task_id"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.TaskID = payload.TaskID
	}
	return apiErr
}

package client

import (
	"cdss-inference/internal/models"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/inference/chest-ct-cancer-classification", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))

		var req models.InferenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pred-1", req.PredictionID)
		assert.Equal(t, "http://files/a.dcm", req.Instance)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(models.SubmitResponse{TaskID: "task-1"})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret", time.Second)
	id, err := c.Submit(context.Background(), models.ModelLungCT, "pred-1", "http://files/a.dcm")
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
}

func TestSubmit_UnknownModel(t *testing.T) {
	c := New("http://unused", "", time.Second)
	_, err := c.Submit(context.Background(), "retina", "p", "http://files/a.dcm")
	assert.Error(t, err)
}

func TestSubmit_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"service is at capacity, job was not queued","task_id":"task-9"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Submit(context.Background(), models.ModelBrainMRI, "p", "http://files/a.dcm")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "task-9", apiErr.TaskID)
	assert.Contains(t, apiErr.Error(), "at capacity")
}

func TestWait_PollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/models/tasks/task-1", r.URL.Path)
		resp := models.StatusResponse{TaskID: "task-1", Status: models.StatusPending}
		if calls.Add(1) >= 3 {
			resp.Status = models.StatusSuccess
			resp.Result = &models.Result{Label: "glioma", Probability: 0.93}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	var seen int
	c := New(srv.URL, "", time.Second)
	status, err := c.Wait(context.Background(), "task-1", 5*time.Millisecond, func(*models.StatusResponse) { seen++ })
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, status.Status)
	assert.Equal(t, "glioma", status.Result.Label)
	assert.Equal(t, 3, seen)
}

func TestWait_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.StatusResponse{TaskID: "t", Status: models.StatusRunning})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	c := New(srv.URL, "", time.Second)
	status, err := c.Wait(ctx, "t", 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, status)
	assert.Equal(t, models.StatusRunning, status.Status)
}

func TestWait_DeadlineDuringRequestKeepsLastStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			<-r.Context().Done()
			return
		}
		json.NewEncoder(w).Encode(models.StatusResponse{TaskID: "t", Status: models.StatusPending})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(srv.URL, "", time.Second)
	status, err := c.Wait(ctx, "t", 5*time.Millisecond, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, status)
	assert.Equal(t, models.StatusPending, status.Status)
}

func TestStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Status(context.Background(), "missing")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "task not found", apiErr.Message)
}

func TestPreview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "http://files/a.dcm", r.URL.Query().Get("fileURL"))
		assert.Equal(t, "png", r.URL.Query().Get("extension"))
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Used-Fallback", "true")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "", time.Second).Preview(context.Background(), "http://files/a.dcm", "png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.ContentType)
	assert.True(t, p.UsedFallback)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, p.Data)
}

func TestListJobsAndStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs":
			assert.Equal(t, "FAILURE", r.URL.Query().Get("status"))
			json.NewEncoder(w).Encode([]*models.Job{{ID: "a", Status: models.StatusFailure}})
		case "/api/v1/stats":
			json.NewEncoder(w).Encode(map[string]int64{"cdss_jobs_submitted_total": 4})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	jobs, err := c.ListJobs(context.Background(), models.StatusFailure)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats["cdss_jobs_submitted_total"])
}

package handler

import (
	"cdss-inference/internal/classifier"
	"cdss-inference/internal/metrics"
	"cdss-inference/internal/models"
	"cdss-inference/internal/normalizer"
	"cdss-inference/internal/queue"
	"cdss-inference/internal/service"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

// JobHandler handles HTTP requests for inference jobs
type JobHandler struct {
	jobService *service.JobService
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, metrics *metrics.Metrics, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		jobService: jobService,
		metrics:    metrics,
		logger:     logger,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// SubmitBrainTumor handles POST /api/v1/inference/brain-tumors-classification
func (h *JobHandler) SubmitBrainTumor(w http.ResponseWriter, r *http.Request) {
	h.submitInference(w, r, models.ModelBrainMRI)
}

// SubmitChestCT handles POST /api/v1/inference/chest-ct-cancer-classification
func (h *JobHandler) SubmitChestCT(w http.ResponseWriter, r *http.Request) {
	h.submitInference(w, r, models.ModelLungCT)
}

func (h *JobHandler) submitInference(w http.ResponseWriter, r *http.Request, model models.ModelKind) {
	var req models.InferenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PredictionID == "" {
		writeError(w, http.StatusBadRequest, "predictionId is required")
		return
	}
	if req.Instance == "" {
		writeError(w, http.StatusBadRequest, "instance is required")
		return
	}

	h.submit(w, r, service.SubmitRequest{
		PredictionID:   req.PredictionID,
		Model:          model,
		InputReference: req.Instance,
	})
}

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PredictionID == "" {
		writeError(w, http.StatusBadRequest, "prediction_id is required")
		return
	}
	if req.InputReference == "" {
		writeError(w, http.StatusBadRequest, "input_reference is required")
		return
	}

	h.submit(w, r, service.SubmitRequest{
		PredictionID:   req.PredictionID,
		Model:          models.ModelKind(req.Model),
		InputReference: req.InputReference,
	})
}

func (h *JobHandler) submit(w http.ResponseWriter, r *http.Request, req service.SubmitRequest) {
	req.ClientKey = r.Header.Get(APIKeyHeader)

	job, err := h.jobService.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimitExceeded):
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, service.ErrInvalidRequest),
			errors.Is(err, service.ErrInvalidReference),
			errors.Is(err, classifier.ErrUnknownModel):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
			resp := errorResponse{Error: "service is at capacity, job was not queued"}
			if job != nil {
				resp.TaskID = job.ID
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
		default:
			h.logger.Error("error submitting job", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "job submission failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, models.SubmitResponse{TaskID: job.ID})
}

// GetTaskStatus handles GET /api/v1/models/tasks/{task_id}
func (h *JobHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	status, err := h.jobService.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("error getting task status", zap.String("job_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// GetJob handles GET /api/v1/jobs/{id} and returns the full record
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.jobService.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("error getting job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs?status=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statusStr := r.URL.Query().Get("status")
	if statusStr == "" {
		writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}

	status, err := models.ParseJobStatus(statusStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	jobs, err := h.jobService.ListJobsByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("error listing jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

// Preview handles GET /api/v1/dicom/preview?fileURL=&extension=
func (h *JobHandler) Preview(w http.ResponseWriter, r *http.Request) {
	fileURL := r.URL.Query().Get("fileURL")
	if fileURL == "" {
		writeError(w, http.StatusBadRequest, "fileURL query parameter is required")
		return
	}
	format, err := normalizer.ParseFormat(r.URL.Query().Get("extension"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	img, err := h.jobService.Preview(r.Context(), fileURL, format)
	if err != nil {
		var encErr *normalizer.EncodeError
		switch {
		case errors.Is(err, service.ErrInvalidReference):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, normalizer.ErrNotFound):
			writeError(w, http.StatusNotFound, "DICOM file not found at the provided URL")
		case errors.As(err, &encErr):
			h.logger.Error("error encoding preview", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to encode image")
		default:
			h.logger.Warn("error fetching preview source", zap.Error(err))
			writeError(w, http.StatusBadGateway, "failed to fetch DICOM file")
		}
		return
	}

	w.Header().Set("Content-Type", img.Format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("X-Used-Fallback", strconv.FormatBool(img.UsedFallback))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		h.logger.Debug("error writing preview response", zap.Error(err))
	}
}

// GetStats handles GET /api/v1/stats with a JSON snapshot of the counters
func (h *JobHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// Health handles GET /health
func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package handler

import (
	"cdss-inference/internal/tracing"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RouterConfig holds what the router needs beyond the handler
type RouterConfig struct {
	APIKey string
	Logger *zap.Logger
	Tracer trace.Tracer
}

// APIPrefix is the path prefix of every authenticated route
const APIPrefix = "/api/v1"

// RegisterRoutes registers the API routes on r with their full paths, each
// wrapped by auth. Using full paths on one router rather than a PathPrefix
// subrouter keeps the 405 response for a known path with the wrong method.
func (h *JobHandler) RegisterRoutes(r *mux.Router, auth mux.MiddlewareFunc) {
	handle := func(path string, fn http.HandlerFunc, method string) {
		r.Handle(APIPrefix+path, auth(fn)).Methods(method)
	}

	handle("/inference/brain-tumors-classification", h.SubmitBrainTumor, http.MethodPost)
	handle("/inference/chest-ct-cancer-classification", h.SubmitChestCT, http.MethodPost)
	handle("/models/tasks/{task_id}", h.GetTaskStatus, http.MethodGet)

	handle("/jobs", h.CreateJob, http.MethodPost)
	handle("/jobs", h.ListJobs, http.MethodGet)
	handle("/jobs/{id}", h.GetJob, http.MethodGet)

	handle("/dicom/preview", h.Preview, http.MethodGet)
	handle("/stats", h.GetStats, http.MethodGet)
}

// NewRouter builds the full HTTP surface: authenticated /api/v1 routes plus
// unauthenticated /health and /metrics.
func NewRouter(h *JobHandler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}

	router := mux.NewRouter()
	router.Use(AccessLog(logger))
	router.Use(tracing.HTTPMiddleware(tracer))

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	h.RegisterRoutes(router, APIKeyAuth(cfg.APIKey))

	return router
}

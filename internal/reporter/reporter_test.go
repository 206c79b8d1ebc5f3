package reporter

import (
	"cdss-inference/internal/metrics"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedRequest struct {
	method string
	path   string
	apiKey string
	body   []byte
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	statuses []int
	calls    int32
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n := atomic.AddInt32(&b.calls, 1)

	b.mu.Lock()
	b.requests = append(b.requests, recordedRequest{
		method: r.Method,
		path:   r.URL.EscapedPath(),
		apiKey: r.Header.Get("x-api-key"),
		body:   body,
	})
	status := http.StatusOK
	if int(n) <= len(b.statuses) {
		status = b.statuses[n-1]
	}
	b.mu.Unlock()

	w.WriteHeader(status)
}

func (b *fakeBackend) recorded() []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedRequest(nil), b.requests...)
}

func newBackend(t *testing.T, statuses ...int) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{statuses: statuses}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func TestBackendReporter_ReportSuccess(t *testing.T) {
	backend, srv := newBackend(t)
	r := NewBackendReporter(Config{BackendURL: srv.URL + "/", APIKey: "secret"}, zaptest.NewLogger(t), nil)

	r.ReportSuccess(context.Background(), "pred-1", "glioma", 0.93)

	requests := backend.recorded()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, http.MethodPatch, req.method)
	assert.Equal(t, "/cdss/pred-1", req.path)
	assert.Equal(t, "secret", req.apiKey)

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.body, &body))
	assert.Equal(t, "glioma", body["result"])
	assert.Equal(t, 0.93, body["probability"])
}

func TestBackendReporter_ReportFailure(t *testing.T) {
	backend, srv := newBackend(t)
	r := NewBackendReporter(Config{BackendURL: srv.URL, APIKey: "secret"}, nil, nil)

	r.ReportFailure(context.Background(), "pred-2")

	requests := backend.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPatch, requests[0].method)
	assert.Equal(t, "/cdss/pred-2/fail", requests[0].path)
	assert.Empty(t, requests[0].body)
}

func TestBackendReporter_EscapesPredictionID(t *testing.T) {
	backend, srv := newBackend(t)
	r := NewBackendReporter(Config{BackendURL: srv.URL}, nil, nil)

	r.ReportFailure(context.Background(), "a/b c")

	requests := backend.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "/cdss/a%2Fb%20c/fail", requests[0].path)
}

func TestBackendReporter_ErrorsAreSwallowedAndCounted(t *testing.T) {
	_, srv := newBackend(t, http.StatusInternalServerError)
	m := metrics.NewMetrics()
	r := NewBackendReporter(Config{BackendURL: srv.URL}, zaptest.NewLogger(t), m)

	assert.NotPanics(t, func() {
		r.ReportSuccess(context.Background(), "pred-3", "notumor", 0.5)
	})
	assert.Equal(t, int64(1), m.GetSnapshot()["cdss_report_failures_total"])
}

func TestBackendReporter_UnreachableBackend(t *testing.T) {
	_, srv := newBackend(t)
	url := srv.URL
	srv.Close()
	m := metrics.NewMetrics()
	r := NewBackendReporter(Config{BackendURL: url, Timeout: time.Second}, nil, m)

	r.ReportFailure(context.Background(), "pred-4")

	assert.Equal(t, int64(1), m.GetSnapshot()["cdss_report_failures_total"])
}

func TestBackendReporter_SingleAttemptByDefault(t *testing.T) {
	backend, srv := newBackend(t, http.StatusBadGateway, http.StatusOK)
	r := NewBackendReporter(Config{BackendURL: srv.URL}, nil, nil)

	r.ReportFailure(context.Background(), "pred-5")

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls))
}

func TestBackendReporter_RetriesTransientErrors(t *testing.T) {
	backend, srv := newBackend(t, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK)
	m := metrics.NewMetrics()
	r := NewBackendReporter(Config{
		BackendURL:      srv.URL,
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
	}, nil, m)

	r.ReportSuccess(context.Background(), "pred-6", "glioma", 0.9)

	assert.Equal(t, int32(3), atomic.LoadInt32(&backend.calls))
	assert.Equal(t, int64(0), m.GetSnapshot()["cdss_report_failures_total"])
}

func TestBackendReporter_ClientErrorsAreNotRetried(t *testing.T) {
	backend, srv := newBackend(t, http.StatusNotFound, http.StatusOK)
	m := metrics.NewMetrics()
	r := NewBackendReporter(Config{
		BackendURL:      srv.URL,
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
	}, nil, m)

	r.ReportFailure(context.Background(), "pred-7")

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls))
	assert.Equal(t, int64(1), m.GetSnapshot()["cdss_report_failures_total"])
}

func TestNopReporter(t *testing.T) {
	var r Reporter = NopReporter{}
	assert.NotPanics(t, func() {
		r.ReportSuccess(context.Background(), "p", "l", 1)
		r.ReportFailure(context.Background(), "p")
	})
}

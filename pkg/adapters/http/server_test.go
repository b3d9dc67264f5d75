package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/internal/metrics"
	sbhttp "github.com/aretw0/sigbridge/pkg/adapters/http"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	workers []orchestrator.WorkerStatus
	ticks   uint64
	running int
}

func (f *fakeSource) Snapshot() []orchestrator.WorkerStatus { return f.workers }
func (f *fakeSource) Ticks() uint64                         { return f.ticks }
func (f *fakeSource) Running() int                          { return f.running }

func newSource() *fakeSource {
	return &fakeSource{
		ticks:   7,
		running: 1,
		workers: []orchestrator.WorkerStatus{
			{Rank: 0, PID: 100, Address: "/tmp/a.sock", Status: "running", Ticks: 7, Last: map[string]string{"data_out": "10"}},
			{Rank: 1, PID: 101, Address: "/tmp/b.sock", Status: "stopped", Reason: orchestrator.ReasonFailed, Code: "TRANSPORT_FAILED", Error: "boom", Ticks: 3},
		},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandler_Healthz(t *testing.T) {
	src := newSource()
	h := sbhttp.NewHandler(src, nil, nil)

	w := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var health sbhttp.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, sbhttp.Health{Status: sbhttp.HealthRunning, Ticks: 7, Running: 1, Workers: 2}, health)

	src.running = 0
	w = get(t, h, "/healthz")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, sbhttp.HealthDone, health.Status)

	src.ticks = 0
	w = get(t, h, "/healthz")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, sbhttp.HealthRunning, health.Status, "not done before the first tick")
}

func TestHandler_MatchesOpenAPI(t *testing.T) {
	ctx := context.Background()
	doc, err := sbhttp.Spec(ctx)
	require.NoError(t, err)
	router, err := legacy.NewRouter(doc)
	require.NoError(t, err)

	src := newSource()
	h := sbhttp.NewHandler(src, nil, nil)
	for _, path := range []string{"/healthz", "/workers", "/workers/0", "/workers/1", "/workers/9", "/workers/x"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			route, params, err := router.FindRoute(req)
			require.NoError(t, err)
			in := &openapi3filter.ResponseValidationInput{
				RequestValidationInput: &openapi3filter.RequestValidationInput{Request: req, PathParams: params, Route: route},
				Status:                 w.Code,
				Header:                 w.Header(),
				Options:                &openapi3filter.Options{IncludeResponseStatus: true},
			}
			in.SetBodyBytes(w.Body.Bytes())
			assert.NoError(t, openapi3filter.ValidateResponse(ctx, in))
		})
	}

	src.workers = nil
	w := get(t, h, "/workers")
	assert.JSONEq(t, `[]`, w.Body.String(), "an empty fleet is an empty array")
}

func TestHandler_OpenAPIDocument(t *testing.T) {
	w := get(t, sbhttp.NewHandler(newSource(), nil, nil), "/openapi.yaml")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "/workers/{rank}:")
}

func TestHandler_EncodeFailureLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.NewWithWriter(&logs, slog.LevelDebug, logging.FormatText)
	h := sbhttp.NewHandler(newSource(), nil, logger)

	w := httptest.NewRecorder()
	h.ServeHTTP(failingWriter{w}, httptest.NewRequest(http.MethodGet, "/workers", nil))
	assert.Contains(t, logs.String(), "response encode failed")
}

// failingWriter accepts headers but fails every body write.
type failingWriter struct {
	*httptest.ResponseRecorder
}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestHandler_Workers(t *testing.T) {
	h := sbhttp.NewHandler(newSource(), nil, nil)

	w := get(t, h, "/workers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `[
		{"rank":0,"pid":100,"address":"/tmp/a.sock","status":"running","ticks":7,"last":{"data_out":"10"}},
		{"rank":1,"pid":101,"address":"/tmp/b.sock","status":"stopped","reason":"failed","code":"TRANSPORT_FAILED","error":"boom","ticks":3}
	]`, w.Body.String())

	w = get(t, h, "/workers/1")
	require.Equal(t, http.StatusOK, w.Code)
	var one orchestrator.WorkerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, 101, one.PID)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/workers/2").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/workers/x").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code, "metrics disabled without a gatherer")
}

func TestHandler_Metrics(t *testing.T) {
	c := metrics.New()
	c.TickCompleted(1, time.Millisecond, 2)
	h := sbhttp.NewHandler(newSource(), c.Registry(), nil)

	w := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sigbridge_ticks_total 1")
	assert.Contains(t, w.Body.String(), "sigbridge_workers_running 2")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, err := sbhttp.Listen("127.0.0.1:0", sbhttp.NewHandler(newSource(), nil, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ticks":7`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListen_BadAddress(t *testing.T) {
	_, err := sbhttp.Listen("256.0.0.1:99999", sbhttp.NewHandler(newSource(), nil, nil))
	assert.Error(t, err)
}

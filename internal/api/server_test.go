package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/queue"
	"github.com/dunamismax/darkroom/internal/ratelimit"
	"github.com/dunamismax/darkroom/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.ExportSessionPayload
	canceled []string
	err      error
	pending  bool
}

func (q *fakeQueue) EnqueueExport(_ context.Context, p queue.ExportSessionPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, p)
	return &asynq.TaskInfo{ID: p.ExportID, Queue: "exports", State: asynq.TaskStatePending}, nil
}

func (q *fakeQueue) CancelExport(exportID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled = append(q.canceled, exportID)
	return q.pending, nil
}

type fakeSigner struct{}

func (fakeSigner) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.example.com/" + key + "?sig=1", nil
}

type harness struct {
	t        *testing.T
	handler  http.Handler
	queue    *fakeQueue
	sessions *store.MemorySessionStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := &fakeQueue{pending: true}
	sessions := store.NewMemorySessionStore()
	srv := NewServer(Options{Queue: q, Sessions: sessions, Downloads: fakeSigner{}})
	return &harness{t: t, handler: srv.Handler(), queue: q, sessions: sessions}
}

func (h *harness) do(method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(DefaultUserIDHeader, "user-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (h *harness) openSession() string {
	h.t.Helper()
	rec, out := h.do(http.MethodPost, "/v1/sessions", map[string]any{
		"source": map[string]any{"type": "local_file", "path": "/photos/harbor.jpg", "width": 4000, "height": 3000},
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	return out["id"].(string)
}

func TestCreateAndGetSession(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()

	rec, out := h.do(http.MethodGet, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "open", out["state"])
	assert.Equal(t, "light", out["panel"])
	assert.Equal(t, "user-1", out["user_id"])
	assert.Contains(t, out["filter_css"], "brightness(100%)")
	assert.InDelta(t, 1.0, out["zoom_factor"], 1e-9)

	rec, _ = h.do(http.MethodGet, "/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(http.MethodPost, "/v1/sessions", map[string]any{"source": map[string]any{"path": " "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyEditsClampsAndDerives(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()

	rec, out := h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", `{"exposure": 20, "contrast": "10", "saturation": 150, "tint": "abc"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "editing", out["state"])

	edit := out["edit"].(map[string]any)
	assert.EqualValues(t, 20, edit["exposure"])
	assert.EqualValues(t, 10, edit["contrast"])
	assert.EqualValues(t, 100, edit["saturation"])
	assert.EqualValues(t, 0, edit["tint"])

	filter := out["filter"].(map[string]any)
	assert.EqualValues(t, 120, filter["brightness"])
	assert.EqualValues(t, 110, filter["contrast"])

	rec, _ = h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", `{"sharpness": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", `{"exposure": [1]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotationDrivesZoomAfterBaseline(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()

	rec, out := h.do(http.MethodPost, "/v1/sessions/"+id+"/baseline", map[string]any{"display_width": 800, "natural_width": 4000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	geo := out["geometry"].(map[string]any)
	assert.InDelta(t, 0.2, geo["baseline_scale"], 1e-9)

	rec, _ = h.do(http.MethodPost, "/v1/sessions/"+id+"/baseline", map[string]any{"display_width": 800, "natural_width": 4000})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, out = h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", map[string]any{"rotate": 45})
	require.Equal(t, http.StatusOK, rec.Code)
	geo = out["geometry"].(map[string]any)
	assert.InDelta(t, 0.2*1.41421356, geo["zoom"], 1e-6)
	assert.InDelta(t, 1.41421356, out["zoom_factor"], 1e-6)

	rec, out = h.do(http.MethodPost, "/v1/sessions/"+id+"/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "open", out["state"])
	geo = out["geometry"].(map[string]any)
	assert.InDelta(t, 0.2, geo["zoom"], 1e-9)
}

func TestCropAndPanel(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()

	rec, out := h.do(http.MethodPut, "/v1/sessions/"+id+"/crop", map[string]any{"x": 10, "y": 20, "width": 300, "height": 200})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	crop := out["effective_crop"].(map[string]any)
	assert.EqualValues(t, 300, crop["width"])

	rec, _ = h.do(http.MethodPut, "/v1/sessions/"+id+"/crop", map[string]any{"x": 0, "y": 0, "width": 0, "height": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = h.do(http.MethodPut, "/v1/sessions/"+id+"/crop", "null")
	require.Equal(t, http.StatusOK, rec.Code)
	crop = out["effective_crop"].(map[string]any)
	assert.EqualValues(t, 4000, crop["width"])

	rec, out = h.do(http.MethodPut, "/v1/sessions/"+id+"/panel", map[string]any{"panel": "geo"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "geo", out["panel"])

	rec, _ = h.do(http.MethodPut, "/v1/sessions/"+id+"/panel", map[string]any{"panel": "curves"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportRequiresCropData(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()

	rec, out := h.do(http.MethodPost, "/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no crop data", out["error"])
	assert.Empty(t, h.queue.payloads)
}

func TestExportAtMostOneInFlight(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()
	rec, _ := h.do(http.MethodPost, "/v1/sessions/"+id+"/baseline", map[string]any{"display_width": 800, "natural_width": 4000})
	require.Equal(t, http.StatusOK, rec.Code)

	var wg sync.WaitGroup
	codes := make([]int, 16)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/export", nil)
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, c := range codes {
		switch c {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
		default:
			t.Fatalf("unexpected status %d", c)
		}
	}
	assert.Equal(t, 1, accepted)
	require.Len(t, h.queue.payloads, 1)

	rec, _ = h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", map[string]any{"exposure": 5})
	assert.Equal(t, http.StatusConflict, rec.Code, "edits are frozen while exporting")

	rec, _ = h.do(http.MethodDelete, "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, out := h.do(http.MethodGet, "/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	export := out["export"].(map[string]any)
	assert.Equal(t, "queued", export["status"])
	assert.Equal(t, h.queue.payloads[0].ExportID, export["id"])
}

func TestCancelQueuedExport(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()
	h.do(http.MethodPost, "/v1/sessions/"+id+"/baseline", map[string]any{"display_width": 800, "natural_width": 4000})

	rec, _ := h.do(http.MethodPost, "/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, out := h.do(http.MethodDelete, "/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "canceled", out["export"].(map[string]any)["status"])
	assert.Len(t, h.queue.canceled, 1)

	rec, _ = h.do(http.MethodDelete, "/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = h.do(http.MethodPost, "/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, "a canceled export frees the slot")
}

func TestEnqueueFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("redis down")
	id := h.openSession()
	h.do(http.MethodPost, "/v1/sessions/"+id+"/baseline", map[string]any{"display_width": 800, "natural_width": 4000})

	rec, _ := h.do(http.MethodPost, "/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	snap, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportStatusFailed, snap.Export.Status)
	assert.False(t, snap.Export.InFlight())
}

func TestGetExportIncludesDownloadURL(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()

	snap, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	snap.State = domain.SessionClosed
	snap.Export = domain.Export{ID: "exp-1", Status: domain.ExportStatusSucceeded, OutputKey: "exports/" + id + "/exp-1.jpg"}
	require.NoError(t, h.sessions.Save(context.Background(), snap))

	rec, out := h.do(http.MethodGet, "/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://objects.example.com/exports/"+id+"/exp-1.jpg?sig=1", out["download_url"])
}

func TestCloseDiscardsEdits(t *testing.T) {
	h := newHarness(t)
	id := h.openSession()
	h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", map[string]any{"exposure": 40})

	rec, out := h.do(http.MethodDelete, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", out["state"])
	assert.EqualValues(t, 0, out["edit"].(map[string]any)["exposure"])

	rec, _ = h.do(http.MethodPatch, "/v1/sessions/"+id+"/edits", map[string]any{"exposure": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimitRejectsMutations(t *testing.T) {
	limiter, err := ratelimit.NewLocalTokenBucket(2, time.Hour)
	require.NoError(t, err)
	srv := NewServer(Options{Queue: &fakeQueue{}, Sessions: store.NewMemorySessionStore(), RateLimiter: limiter})

	body := `{"source":{"type":"local_file","path":"/a.jpg"}}`
	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		codes[i] = rec.Code
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/sessions", routeLabel("/v1/sessions"))
	assert.Equal(t, "/v1/sessions/{id}", routeLabel("/v1/sessions/abc"))
	assert.Equal(t, "/v1/sessions/{id}/export", routeLabel("/v1/sessions/abc/export"))
	assert.Equal(t, "/metrics", routeLabel("/metrics"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	rec, _ := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `darkroom_api_requests_total{method="POST",route="/v1/sessions",status="201"} 1`)
}

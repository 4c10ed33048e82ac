package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/editor"
	"github.com/dunamismax/darkroom/internal/id"
	"github.com/dunamismax/darkroom/internal/queue"
	"github.com/dunamismax/darkroom/internal/ratelimit"
	"github.com/dunamismax/darkroom/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultUserIDHeader = "X-User-ID"

type Server struct {
	logger                *zap.Logger
	queueClient           exportQueue
	sessions              store.SessionStore
	downloads             downloadSigner
	urlExpiry             time.Duration
	webhookURL            string
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
	handler               http.Handler
}

type exportQueue interface {
	EnqueueExport(ctx context.Context, payload queue.ExportSessionPayload) (*asynq.TaskInfo, error)
	CancelExport(exportID string) (bool, error)
}

type downloadSigner interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Options configure the API server. Downloads, WebhookURL and RateLimiter are
// optional.
type Options struct {
	Logger       *zap.Logger
	Queue        exportQueue
	Sessions     store.SessionStore
	Downloads    downloadSigner
	URLExpiry    time.Duration
	WebhookURL   string
	RateLimiter  ratelimit.Limiter
	UserIDHeader string
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	urlExpiry := opts.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = 15 * time.Minute
	}
	header := strings.TrimSpace(opts.UserIDHeader)
	if header == "" {
		header = DefaultUserIDHeader
	}

	s := &Server{
		logger:                logger.Named("api"),
		queueClient:           opts.Queue,
		sessions:              opts.Sessions,
		downloads:             opts.Downloads,
		urlExpiry:             urlExpiry,
		webhookURL:            opts.WebhookURL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("darkroom/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	s.handler = s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	s.mux.HandleFunc("PATCH /v1/sessions/{id}/edits", s.handleApplyEdits)
	s.mux.HandleFunc("POST /v1/sessions/{id}/baseline", s.handleCaptureBaseline)
	s.mux.HandleFunc("PUT /v1/sessions/{id}/crop", s.handleSetCrop)
	s.mux.HandleFunc("PUT /v1/sessions/{id}/panel", s.handleSetPanel)
	s.mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleReset)
	s.mux.HandleFunc("POST /v1/sessions/{id}/export", s.handleStartExport)
	s.mux.HandleFunc("GET /v1/sessions/{id}/export", s.handleGetExport)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/export", s.handleCancelExport)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionResponse is a session snapshot plus the values derived from it.
type sessionResponse struct {
	domain.Session
	Filter        editor.Filter    `json:"filter"`
	FilterCSS     string           `json:"filter_css"`
	ZoomFactor    float64          `json:"zoom_factor"`
	EffectiveCrop *domain.CropRect `json:"effective_crop,omitempty"`
}

func newSessionResponse(snap domain.Session) sessionResponse {
	f := editor.Derive(snap.Edit)
	resp := sessionResponse{
		Session:    snap,
		Filter:     f,
		FilterCSS:  f.CSS(),
		ZoomFactor: editor.ZoomFactor(snap.Geometry.RotationDeg),
	}
	if w, h := snap.Source.NaturalSize(); w > 0 && h > 0 && snap.State.Active() {
		crop := editor.EffectiveCrop(snap.Geometry, w, h)
		resp.EffectiveCrop = &crop
	}
	return resp
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sess := editor.NewSession(id.New())
	if err := sess.Open(req.Source); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	snap := sess.Snapshot()
	snap.UserID = strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))

	if err := s.sessions.Create(r.Context(), snap); err != nil {
		s.writeError(w, r, "create session", err)
		return
	}

	s.logger.Info("session opened",
		zap.String("session_id", snap.ID),
		zap.String("source", snap.Source.Path),
		zap.String("source_type", snap.Source.SourceType()),
	)
	writeJSON(w, http.StatusCreated, newSessionResponse(snap))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "load session", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(sess *editor.Session) error {
		return sess.Close()
	})
}

// handleApplyEdits accepts numbers or numeric strings per field. Strings are
// read the way a range input reports them: unparsable text counts as 0.
func (s *Server) handleApplyEdits(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no edits given"})
		return
	}

	values := make(map[domain.Field]float64, len(raw))
	for name, msg := range raw {
		field, err := domain.ParseField(name)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		v, err := sliderValue(msg)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("%s: %v", field, err)})
			return
		}
		values[field] = v
	}

	s.mutate(w, r, func(sess *editor.Session) error {
		if err := sess.Apply(values); err != nil {
			return err
		}
		for field := range values {
			s.metrics.editsApplied.WithLabelValues(string(field)).Inc()
		}
		return nil
	})
}

func sliderValue(msg json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(msg, &n); err == nil {
		return n, nil
	}
	var str string
	if err := json.Unmarshal(msg, &str); err == nil {
		v, perr := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if perr != nil {
			return 0, nil
		}
		return v, nil
	}
	return 0, errors.New("value must be a number or numeric string")
}

func (s *Server) handleCaptureBaseline(w http.ResponseWriter, r *http.Request) {
	var req domain.BaselineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mutate(w, r, func(sess *editor.Session) error {
		return sess.CaptureBaseline(req.DisplayWidth, req.NaturalWidth)
	})
}

// handleSetCrop takes a rect, or null to return to the frame-filling crop.
func (s *Server) handleSetCrop(w http.ResponseWriter, r *http.Request) {
	var rect *domain.CropRect
	if err := decodeJSON(r, &rect); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if rect != nil {
		if err := rect.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	s.mutate(w, r, func(sess *editor.Session) error {
		return sess.SetCrop(rect)
	})
}

func (s *Server) handleSetPanel(w http.ResponseWriter, r *http.Request) {
	var req domain.PanelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := domain.ParsePanel(req.Panel); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mutate(w, r, func(sess *editor.Session) error {
		return sess.SetPanel(req.Panel)
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(sess *editor.Session) error {
		return sess.Reset()
	})
}

// mutate loads a session, applies fn and saves the result.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func(*editor.Session) error) {
	snap, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "load session", err)
		return
	}

	sess := editor.Restore(snap)
	if err := fn(sess); err != nil {
		s.writeError(w, r, "update session", err)
		return
	}

	next := sess.Snapshot()
	if err := s.sessions.Save(r.Context(), next); err != nil {
		s.writeError(w, r, "save session", err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(next))
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "load session", err)
		return
	}

	exportID := id.New()
	begun, err := editor.Restore(snap).BeginExport(exportID)
	if err != nil {
		s.metrics.exportRejected.WithLabelValues(rejectReason(err)).Inc()
		s.writeError(w, r, "begin export", err)
		return
	}

	exp := begun.Export
	exp.TaskID = exportID
	claimed, err := s.sessions.ClaimExport(r.Context(), snap.ID, exp)
	if err != nil {
		s.metrics.exportRejected.WithLabelValues(rejectReason(err)).Inc()
		s.writeError(w, r, "claim export", err)
		return
	}

	payload := queue.ExportSessionPayload{
		ExportID:    exportID,
		SessionID:   snap.ID,
		WebhookURL:  s.webhookURL,
		RequestedAt: exp.RequestedAt,
	}
	taskInfo, err := s.queueClient.EnqueueExport(r.Context(), payload)
	if err != nil {
		s.logger.Error("enqueue export failed", zap.String("export_id", exportID), zap.Error(err))
		failed := claimed.Export
		failed.Status = domain.ExportStatusFailed
		failed.Error = "export could not be queued"
		failed.FinishedAt = time.Now().UTC()
		if _, uerr := s.sessions.UpdateExport(context.WithoutCancel(r.Context()), snap.ID, failed); uerr != nil {
			s.logger.Error("release export claim failed", zap.String("export_id", exportID), zap.Error(uerr))
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to enqueue export"})
		return
	}
	s.metrics.exportsEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	s.logger.Info("export queued",
		zap.String("session_id", snap.ID),
		zap.String("export_id", exportID),
		zap.String("queue", taskInfo.Queue),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": snap.ID,
		"export":     claimed.Export,
		"queue":      taskInfo.Queue,
		"state":      taskInfo.State.String(),
		"status_url": fmt.Sprintf("/v1/sessions/%s/export", snap.ID),
	})
}

type exportResponse struct {
	SessionID   string        `json:"session_id"`
	Export      domain.Export `json:"export"`
	DownloadURL string        `json:"download_url,omitempty"`
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "load session", err)
		return
	}

	resp := exportResponse{SessionID: snap.ID, Export: snap.Export}
	if snap.Export.Status == domain.ExportStatusSucceeded && snap.Export.OutputKey != "" && s.downloads != nil {
		u, err := s.downloads.PresignedGetURL(r.Context(), snap.Export.OutputKey, s.urlExpiry)
		if err != nil {
			s.logger.Warn("presign download failed", zap.String("export_id", snap.Export.ID), zap.Error(err))
		} else {
			resp.DownloadURL = u
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancelExport drops a queued export at once; a running export is
// signaled and reaches canceled when the worker notices.
func (s *Server) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "load session", err)
		return
	}
	if !snap.Export.InFlight() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no export in flight"})
		return
	}

	removed, err := s.queueClient.CancelExport(snap.Export.ID)
	if err != nil {
		s.writeError(w, r, "cancel export", err)
		return
	}
	if !removed && snap.Export.Status == domain.ExportStatusProcessing {
		writeJSON(w, http.StatusAccepted, exportResponse{SessionID: snap.ID, Export: snap.Export})
		return
	}

	canceled := snap.Export
	canceled.Status = domain.ExportStatusCanceled
	canceled.FinishedAt = time.Now().UTC()
	updated, err := s.sessions.UpdateExport(r.Context(), snap.ID, canceled)
	if err != nil {
		s.writeError(w, r, "cancel export", err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{SessionID: updated.ID, Export: updated.Export})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, editor.ErrNoCropData):
		return "no_crop_data"
	case errors.Is(err, editor.ErrExportInFlight), errors.Is(err, store.ErrExportInFlight):
		return "in_flight"
	case errors.Is(err, editor.ErrSessionClosed), errors.Is(err, store.ErrSessionInactive):
		return "closed"
	default:
		return "other"
	}
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognized is
// logged and reported as a 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, editor.ErrNoCropData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, editor.ErrExportInFlight),
		errors.Is(err, store.ErrExportInFlight),
		errors.Is(err, store.ErrExportMismatch),
		errors.Is(err, editor.ErrSessionClosed),
		errors.Is(err, store.ErrSessionInactive),
		errors.Is(err, editor.ErrBaselineCaptured),
		errors.Is(err, store.ErrSessionExists):
		status = http.StatusConflict
	case errors.Is(err, editor.ErrInvalidBaseline):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, map[string]string{"error": op + " failed"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

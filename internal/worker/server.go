package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/darkroom/internal/config"
	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/editor"
	"github.com/dunamismax/darkroom/internal/gallery"
	"github.com/dunamismax/darkroom/internal/pipeline"
	"github.com/dunamismax/darkroom/internal/queue"
	"github.com/dunamismax/darkroom/internal/store"
	"github.com/dunamismax/darkroom/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// outcomeSkipped labels tasks whose export was already finished or replaced.
const outcomeSkipped = "skipped"

type Server struct {
	logger         *zap.Logger
	server         *asynq.Server
	sem            chan struct{}
	processor      baker
	sessions       store.SessionStore
	ledger         store.ExportLedger
	gallery        editedSaver
	gallerySession gallery.Session
	webhookClient  webhookSender
	webhookURL     string
	export         config.ExportConfig
	metrics        *metrics
	tracer         trace.Tracer
}

type baker interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type editedSaver interface {
	SaveEdited(ctx context.Context, sess gallery.Session, dataURL string) (gallery.Image, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators of the export worker. Gallery and Webhook are
// optional.
type Deps struct {
	Processor      *pipeline.Processor
	Sessions       store.SessionStore
	Ledger         store.ExportLedger
	Gallery        *gallery.Client
	GallerySession gallery.Session
	Webhook        *webhook.Client
	WebhookURL     string
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	exportCfg config.ExportConfig,
	deps Deps,
) (*Server, error) {
	if deps.Processor == nil {
		return nil, fmt.Errorf("pipeline processor is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	if deps.Ledger == nil {
		if ledger, ok := deps.Sessions.(store.ExportLedger); ok {
			deps.Ledger = ledger
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					taskID, _ := asynq.GetTaskID(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.String("task_id", taskID),
						zap.Error(err),
					)
				}),
			},
		),
		sem:            make(chan struct{}, max(1, workerCfg.MaxActiveExports)),
		processor:      deps.Processor,
		sessions:       deps.Sessions,
		ledger:         deps.Ledger,
		gallerySession: deps.GallerySession,
		webhookURL:     deps.WebhookURL,
		export:         exportCfg,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("darkroom/worker"),
	}
	if deps.Gallery != nil && deps.GallerySession.Valid() {
		s.gallery = deps.Gallery
	}
	if deps.Webhook != nil {
		s.webhookClient = deps.Webhook
	}
	return s, nil
}

// NewProcessor wires the bake pipeline: sources are read from local disk, the
// object store or the gallery; exports go to the object store when one is
// configured and to exportCfg.LocalDir otherwise.
func NewProcessor(exportCfg config.ExportConfig, objects pipeline.ObjectStore, images pipeline.ImageFetcher) (*pipeline.Processor, error) {
	fetchers := pipeline.SourceFetcher{
		domain.SourceTypeLocalFile: pipeline.LocalFileFetcher{},
	}
	if objects != nil {
		fetchers[domain.SourceTypeObject] = pipeline.ObjectStoreFetcher{Storage: objects}
	}
	if images != nil {
		fetchers[domain.SourceTypeGallery] = pipeline.GalleryFetcher{Gallery: images}
	}

	var emitter pipeline.Emitter = pipeline.LocalFileEmitter{OutputDir: exportCfg.LocalDir}
	if objects != nil {
		emitter = pipeline.ObjectStoreEmitter{Storage: objects, OutputPrefix: exportCfg.OutputPrefix}
	}
	return pipeline.NewProcessor(fetchers, emitter)
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeExportSession, s.handleExportSession)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleExportSession(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseExportSessionPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.export_session", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("export.id", payload.ExportID),
		attribute.String("session.id", payload.SessionID),
	)
	defer span.End()

	s.sem <- struct{}{}
	s.metrics.activeExports.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeExports.Dec()
	}()

	sourceType, outcome, err := s.exportSession(ctx, payload)
	s.metrics.exportDuration.WithLabelValues(sourceType, outcome).Observe(time.Since(startedAt).Seconds())
	s.metrics.exportsTotal.WithLabelValues(sourceType, outcome).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		return err
	}
	span.SetStatus(codes.Ok, outcome)
	return nil
}

// exportSession bakes one queued export and records its outcome on the
// session. It returns the source type and final status for metrics.
func (s *Server) exportSession(ctx context.Context, payload queue.ExportSessionPayload) (string, string, error) {
	log := s.logger.With(zap.String("export_id", payload.ExportID), zap.String("session_id", payload.SessionID))

	snap, err := s.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			log.Warn("session gone before export ran")
			return "unknown", outcomeSkipped, nil
		}
		return "unknown", domain.ExportStatusFailed, fmt.Errorf("load session: %w", err)
	}
	sourceType := snap.Source.SourceType()

	if snap.Export.ID != payload.ExportID || !snap.Export.InFlight() {
		log.Info("export no longer current", zap.String("current_export_id", snap.Export.ID), zap.String("status", snap.Export.Status))
		return sourceType, outcomeSkipped, nil
	}

	processing := snap.Export
	processing.Status = domain.ExportStatusProcessing
	snap, err = s.sessions.UpdateExport(ctx, payload.SessionID, processing)
	if errors.Is(err, store.ErrExportMismatch) {
		return sourceType, outcomeSkipped, nil
	}
	if err != nil {
		return sourceType, domain.ExportStatusFailed, fmt.Errorf("mark export processing: %w", err)
	}

	log.Info("baking export", zap.String("source_type", sourceType), zap.String("source", snap.Source.Path))
	session := editor.Restore(snap)

	req := pipeline.NewRequest(payload.ExportID, snap)
	if s.export.Quality > 0 {
		req.Quality = s.export.Quality
	}
	req.MaxDimension = s.export.MaxDimension

	result, exportErr := s.processor.Process(ctx, req)
	var galleryPath string
	if exportErr == nil {
		galleryPath, exportErr = s.saveToGallery(ctx, result)
	}
	// Only a cancel is a cancel; a task timeout is a failure.
	if exportErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		exportErr = fmt.Errorf("%w: %v", editor.ErrExportCanceled, exportErr)
	}

	if err := session.FinishExport(result.Output.Key, exportErr); err != nil {
		return sourceType, domain.ExportStatusFailed, fmt.Errorf("finish export: %w", err)
	}
	final := session.Snapshot()
	final.Export.GalleryPath = galleryPath

	// The task context is canceled on cancellation or timeout; the outcome
	// must still be written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.sessions.Save(writeCtx, final); err != nil {
		log.Error("session save failed", zap.Error(err))
		return sourceType, domain.ExportStatusFailed, fmt.Errorf("save session: %w", err)
	}

	event := webhook.ExportEvent{
		ExportID:    payload.ExportID,
		SessionID:   payload.SessionID,
		Status:      final.Export.Status,
		OutputKey:   final.Export.OutputKey,
		GalleryPath: galleryPath,
		Error:       final.Export.Error,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  final.Export.FinishedAt,
	}

	if exportErr != nil {
		log.Warn("export failed", zap.String("status", final.Export.Status), zap.Error(exportErr))
		s.dispatchWebhook(writeCtx, payload, webhook.EventExportFailed, event)
		if errors.Is(exportErr, editor.ErrExportCanceled) {
			return sourceType, domain.ExportStatusCanceled, nil
		}
		return sourceType, domain.ExportStatusFailed, fmt.Errorf("run export: %w", exportErr)
	}

	log.Info("export baked",
		zap.String("output_key", result.Output.Key),
		zap.Int("width", result.Output.Width),
		zap.Int("height", result.Output.Height),
		zap.Int("bytes", result.Output.Bytes),
		zap.Duration("elapsed", result.Elapsed),
	)
	s.recordExport(writeCtx, final, result)

	event.Width, event.Height = result.Output.Width, result.Output.Height
	event.Bytes = result.Output.Bytes
	event.Swatch = result.Output.Swatch
	s.dispatchWebhook(writeCtx, payload, webhook.EventExportCompleted, event)

	return sourceType, domain.ExportStatusSucceeded, nil
}

// saveToGallery hands the baked image to the gallery's save-edited endpoint.
func (s *Server) saveToGallery(ctx context.Context, result pipeline.Result) (string, error) {
	if s.gallery == nil {
		return "", nil
	}
	img, err := s.gallery.SaveEdited(ctx, s.gallerySession, result.DataURL())
	if err != nil {
		s.metrics.gallerySavesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("save to gallery: %w", err)
	}
	s.metrics.gallerySavesTotal.WithLabelValues("ok").Inc()
	return img.FilePath, nil
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ExportSessionPayload, event string, body webhook.ExportEvent) {
	endpoint := payload.WebhookURL
	if strings.TrimSpace(endpoint) == "" {
		endpoint = s.webhookURL
	}
	if endpoint == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.Send(ctx, endpoint, event, body); err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("export_id", payload.ExportID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (s *Server) recordExport(ctx context.Context, sess domain.Session, result pipeline.Result) {
	if s.ledger == nil {
		return
	}

	userID := strings.TrimSpace(sess.UserID)
	if userID == "" {
		userID = "anonymous"
	}

	computeTimeMS := max(1, result.Elapsed.Milliseconds())

	rec := domain.ExportRecord{
		UserID:        userID,
		SessionID:     sess.ID,
		ExportID:      sess.Export.ID,
		PixelsBaked:   result.PixelsBaked,
		OutputBytes:   int64(len(result.Data)),
		ComputeTimeMS: computeTimeMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.ledger.RecordExport(ctx, rec); err != nil {
		s.logger.Warn("export record write failed", zap.String("export_id", rec.ExportID), zap.Error(err))
		return
	}

	s.metrics.pixelsBakedTotal.Add(float64(rec.PixelsBaked))
	s.metrics.outputBytesTotal.Add(float64(rec.OutputBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

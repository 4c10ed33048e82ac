package worker

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/darkroom/internal/config"
	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/gallery"
	"github.com/dunamismax/darkroom/internal/pipeline"
	"github.com/dunamismax/darkroom/internal/queue"
	"github.com/dunamismax/darkroom/internal/store"
	"github.com/dunamismax/darkroom/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func writeSourcePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	p := filepath.Join(dir, "source.png")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode source: %v", err)
	}
	return p
}

func seedQueuedSession(t *testing.T, sessions *store.MemorySessionStore, sourcePath string) queue.ExportSessionPayload {
	t.Helper()
	now := time.Now().UTC()
	sess := domain.Session{
		ID:     "sess-1",
		UserID: "user-1",
		State:  domain.SessionEditing,
		Source: domain.SourceImage{Type: domain.SourceTypeLocalFile, Path: sourcePath, Width: 120, Height: 80},
		Edit:   domain.EditState{Exposure: 20, Contrast: 10},
		Geometry: domain.Geometry{
			BaselineScale: 0.5,
			Zoom:          0.5,
		},
		Panel:     domain.DefaultPanel,
		Export:    domain.Export{Status: domain.ExportStatusNone},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sessions.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := sessions.ClaimExport(context.Background(), sess.ID, domain.Export{
		ID: "exp-1", Status: domain.ExportStatusQueued, RequestedAt: now,
	}); err != nil {
		t.Fatalf("claim export: %v", err)
	}
	return queue.ExportSessionPayload{ExportID: "exp-1", SessionID: sess.ID, RequestedAt: now}
}

func newTestServer(t *testing.T, sessions *store.MemorySessionStore, outDir string) *Server {
	t.Helper()
	exportCfg := config.ExportConfig{Quality: 85, LocalDir: outDir}
	processor, err := NewProcessor(exportCfg, nil, nil)
	if err != nil {
		t.Fatalf("build processor: %v", err)
	}
	return &Server{
		logger:    zap.NewNop(),
		sem:       make(chan struct{}, 1),
		processor: processor,
		sessions:  sessions,
		ledger:    sessions,
		export:    exportCfg,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("darkroom/worker-test"),
	}
}

func TestExportSessionClosesSessionOnSuccess(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewMemorySessionStore()
	payload := seedQueuedSession(t, sessions, writeSourcePNG(t, dir, 120, 80))

	s := newTestServer(t, sessions, filepath.Join(dir, "out"))
	saver := &captureSaver{path: "/uploads/edited-1.jpg"}
	s.gallery = saver
	s.gallerySession = gallery.Session{Token: "tok", UserID: 1}
	hooks := &captureWebhook{}
	s.webhookClient = hooks
	s.webhookURL = "https://hooks.example.com"

	sourceType, outcome, err := s.exportSession(context.Background(), payload)
	if err != nil {
		t.Fatalf("exportSession returned error: %v", err)
	}
	if sourceType != domain.SourceTypeLocalFile || outcome != domain.ExportStatusSucceeded {
		t.Fatalf("unexpected labels source_type=%s outcome=%s", sourceType, outcome)
	}

	got, err := sessions.Get(context.Background(), payload.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.State != domain.SessionClosed {
		t.Fatalf("expected closed session, got %s", got.State)
	}
	if got.Export.Status != domain.ExportStatusSucceeded {
		t.Fatalf("expected succeeded export, got %s", got.Export.Status)
	}
	if got.Export.GalleryPath != "/uploads/edited-1.jpg" {
		t.Fatalf("expected gallery path to be recorded, got %q", got.Export.GalleryPath)
	}
	if _, err := os.Stat(got.Export.OutputKey); err != nil {
		t.Fatalf("expected baked file at %s: %v", got.Export.OutputKey, err)
	}

	if !strings.HasPrefix(saver.dataURL, "data:image/jpeg;base64,") {
		t.Fatalf("expected jpeg data url, got %.32q", saver.dataURL)
	}

	records := sessions.Records()
	if len(records) != 1 {
		t.Fatalf("expected one export record, got %d", len(records))
	}
	if records[0].PixelsBaked != 120*80 {
		t.Fatalf("expected pixels_baked=%d, got %d", 120*80, records[0].PixelsBaked)
	}
	if records[0].UserID != "user-1" || records[0].ComputeTimeMS < 1 {
		t.Fatalf("unexpected record %+v", records[0])
	}

	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventExportCompleted {
		t.Fatalf("expected one completed webhook, got %v", hooks.events)
	}
}

func TestExportSessionKeepsEditingOnGalleryFailure(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewMemorySessionStore()
	payload := seedQueuedSession(t, sessions, writeSourcePNG(t, dir, 40, 40))

	s := newTestServer(t, sessions, filepath.Join(dir, "out"))
	s.gallery = &captureSaver{err: gallery.ErrUnauthorized}
	hooks := &captureWebhook{}
	s.webhookClient = hooks
	s.webhookURL = "https://hooks.example.com"

	_, outcome, err := s.exportSession(context.Background(), payload)
	if !errors.Is(err, gallery.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if outcome != domain.ExportStatusFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}

	got, _ := sessions.Get(context.Background(), payload.SessionID)
	if got.State != domain.SessionEditing {
		t.Fatalf("expected session to stay in editing, got %s", got.State)
	}
	if got.Export.Status != domain.ExportStatusFailed || got.Export.Error == "" {
		t.Fatalf("expected failed export with error, got %+v", got.Export)
	}
	if got.Edit.Exposure != 20 {
		t.Fatalf("expected edits to survive a failed export, got exposure=%v", got.Edit.Exposure)
	}
	if len(sessions.Records()) != 0 {
		t.Fatal("failed exports must not be recorded")
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventExportFailed {
		t.Fatalf("expected one failed webhook, got %v", hooks.events)
	}

	if _, err := sessions.ClaimExport(context.Background(), payload.SessionID, domain.Export{ID: "exp-2", Status: domain.ExportStatusQueued}); err != nil {
		t.Fatalf("expected a new export to be claimable after failure: %v", err)
	}
}

func TestExportSessionCanceledContext(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewMemorySessionStore()
	payload := seedQueuedSession(t, sessions, writeSourcePNG(t, dir, 40, 40))
	s := newTestServer(t, sessions, filepath.Join(dir, "out"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, outcome, err := s.exportSession(ctx, payload)
	if err != nil {
		t.Fatalf("cancellation is not a task error, got %v", err)
	}
	if outcome != domain.ExportStatusCanceled {
		t.Fatalf("expected canceled outcome, got %s", outcome)
	}
	got, _ := sessions.Get(context.Background(), payload.SessionID)
	if got.Export.Status != domain.ExportStatusCanceled || got.State != domain.SessionEditing {
		t.Fatalf("unexpected session after cancel state=%s export=%s", got.State, got.Export.Status)
	}
}

type blockingBaker struct{}

func (blockingBaker) Process(ctx context.Context, _ pipeline.Request) (pipeline.Result, error) {
	<-ctx.Done()
	return pipeline.Result{}, ctx.Err()
}

func TestExportSessionTimeoutIsFailure(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewMemorySessionStore()
	payload := seedQueuedSession(t, sessions, writeSourcePNG(t, dir, 20, 20))
	s := newTestServer(t, sessions, filepath.Join(dir, "out"))
	s.processor = blockingBaker{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, outcome, err := s.exportSession(ctx, payload)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if outcome != domain.ExportStatusFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	got, _ := sessions.Get(context.Background(), payload.SessionID)
	if got.Export.Status != domain.ExportStatusFailed || got.State != domain.SessionEditing {
		t.Fatalf("unexpected session after timeout state=%s export=%s", got.State, got.Export.Status)
	}
	if !strings.Contains(got.Export.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected timeout message on export, got %q", got.Export.Error)
	}
}

func TestExportSessionSkipsStaleTasks(t *testing.T) {
	dir := t.TempDir()
	sessions := store.NewMemorySessionStore()
	payload := seedQueuedSession(t, sessions, writeSourcePNG(t, dir, 10, 10))
	s := newTestServer(t, sessions, filepath.Join(dir, "out"))

	stale := payload
	stale.ExportID = "exp-0"
	if _, outcome, err := s.exportSession(context.Background(), stale); err != nil || outcome != outcomeSkipped {
		t.Fatalf("expected skipped stale export, got outcome=%s err=%v", outcome, err)
	}

	gone := payload
	gone.SessionID = "missing"
	if _, outcome, err := s.exportSession(context.Background(), gone); err != nil || outcome != outcomeSkipped {
		t.Fatalf("expected skipped missing session, got outcome=%s err=%v", outcome, err)
	}
}

func TestHandleExportSessionRejectsBadPayload(t *testing.T) {
	s := newTestServer(t, store.NewMemorySessionStore(), t.TempDir())
	err := s.handleExportSession(context.Background(), asynq.NewTask(queue.TypeExportSession, []byte(`{}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestRecordExportDefaultsUser(t *testing.T) {
	sessions := store.NewMemorySessionStore()
	s := newTestServer(t, sessions, t.TempDir())

	s.recordExport(context.Background(), domain.Session{ID: "sess-2", Export: domain.Export{ID: "exp-9"}}, pipeline.Result{
		Data:        make([]byte, 300),
		PixelsBaked: 500,
	})

	records := sessions.Records()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %q", records[0].UserID)
	}
	if records[0].OutputBytes != 300 || records[0].ComputeTimeMS != 1 {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

type captureSaver struct {
	path    string
	err     error
	dataURL string
}

func (c *captureSaver) SaveEdited(_ context.Context, _ gallery.Session, dataURL string) (gallery.Image, error) {
	c.dataURL = dataURL
	if c.err != nil {
		return gallery.Image{}, c.err
	}
	return gallery.Image{ID: 1, FilePath: c.path}, nil
}

type captureWebhook struct {
	mu     sync.Mutex
	events []string
}

func (c *captureWebhook) Send(_ context.Context, _, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

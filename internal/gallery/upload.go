package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MaxUploadBytes     = 50 << 20
	DefaultBatchWidth  = 3
	DefaultBatchPause  = 300 * time.Millisecond
	uploadFormFieldKey = "file"
)

var ErrTooLarge = fmt.Errorf("file exceeds %d MiB upload limit", MaxUploadBytes>>20)

// Upload sends one image as a multipart form and returns the stored image.
func (c *Client) Upload(ctx context.Context, sess Session, name string, r io.Reader) (Image, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile(uploadFormFieldKey, filepath.Base(name))
	if err != nil {
		return Image{}, fmt.Errorf("build upload form: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("read upload %s: %w", name, err)
	}
	if n > MaxUploadBytes {
		return Image{}, ErrTooLarge
	}
	if err := form.Close(); err != nil {
		return Image{}, fmt.Errorf("build upload form: %w", err)
	}

	req, err := c.newRequest(ctx, &sess, http.MethodPost, "/api/image/upload", &buf, form.FormDataContentType())
	if err != nil {
		return Image{}, err
	}
	raw, err := c.do(req)
	if err != nil {
		return Image{}, fmt.Errorf("upload %s: %w", name, err)
	}

	var img Image
	if err := decodeEnvelope(raw, &img); err != nil {
		return Image{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return img, nil
}

// UploadFile uploads the file at path, refusing files above MaxUploadBytes
// before reading them.
func (c *Client) UploadFile(ctx context.Context, sess Session, path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Image{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxUploadBytes {
		return Image{}, ErrTooLarge
	}
	return c.Upload(ctx, sess, path, f)
}

type UploadResult struct {
	Path    string
	Image   Image
	Err     error
	Skipped bool
}

type BatchOptions struct {
	// Width is the number of concurrent uploads per batch.
	Width int
	// Pause separates consecutive batches.
	Pause time.Duration
}

// UploadTask is a running batch upload. Results keep the input order.
type UploadTask struct {
	results []UploadResult
	err     error
	done    chan struct{}
	cancel  context.CancelFunc
}

// Done is closed once every batch has finished or the task was canceled.
func (t *UploadTask) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the task after the in-flight uploads return.
func (t *UploadTask) Cancel() {
	t.cancel()
}

// Wait blocks until the task ends. The error is non-nil only when the task
// was canceled; per-file failures are reported in the results.
func (t *UploadTask) Wait() ([]UploadResult, error) {
	<-t.done
	return t.results, t.err
}

// Succeeded counts the results that produced a gallery image.
func Succeeded(results []UploadResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil && !r.Skipped {
			n++
		}
	}
	return n
}

// UploadBatch uploads paths in consecutive batches. Files in a batch upload
// concurrently, a failed file never aborts the rest, and files above
// MaxUploadBytes are skipped.
func (c *Client) UploadBatch(ctx context.Context, sess Session, paths []string, opts BatchOptions) *UploadTask {
	width := opts.Width
	if width <= 0 {
		width = DefaultBatchWidth
	}
	pause := opts.Pause
	if pause < 0 {
		pause = 0
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &UploadTask{
		results: make([]UploadResult, len(paths)),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	go func() {
		defer close(t.done)
		defer cancel()
		t.err = c.runBatches(ctx, sess, paths, width, pause, t.results)
	}()
	return t
}

func (c *Client) runBatches(ctx context.Context, sess Session, paths []string, width int, pause time.Duration, results []UploadResult) error {
	for start := 0; start < len(paths); start += width {
		if err := ctx.Err(); err != nil {
			for i := start; i < len(paths); i++ {
				results[i] = UploadResult{Path: paths[i], Err: err, Skipped: true}
			}
			return err
		}

		end := min(start+width, len(paths))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = c.uploadOne(ctx, sess, paths[i])
				return nil
			})
		}
		_ = g.Wait()

		c.logger.Info("upload batch finished",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("total", len(paths)),
		)

		if end < len(paths) && pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
	}
	return ctx.Err()
}

func (c *Client) uploadOne(ctx context.Context, sess Session, path string) UploadResult {
	img, err := c.UploadFile(ctx, sess, path)
	switch {
	case errors.Is(err, ErrTooLarge):
		c.logger.Warn("skipping oversized upload", zap.String("path", path))
		return UploadResult{Path: path, Err: err, Skipped: true}
	case err != nil:
		c.logger.Warn("upload failed", zap.String("path", path), zap.Error(err))
		return UploadResult{Path: path, Err: err}
	default:
		return UploadResult{Path: path, Image: img}
	}
}

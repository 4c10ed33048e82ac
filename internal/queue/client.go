package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const DefaultExportTimeout = 2 * time.Minute

// Client enqueues bake jobs. Exports are never retried: a failed bake returns
// the session to editing and the user decides whether to try again.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	timeout   time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultExportTimeout
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
		timeout:   timeout,
	}
}

// EnqueueExport uses the export ID as the task ID, so a replayed request
// cannot queue the same export twice.
func (c *Client) EnqueueExport(ctx context.Context, payload ExportSessionPayload) (*asynq.TaskInfo, error) {
	task, err := NewExportSessionTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.ExportID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
	)
}

// CancelExport removes a still-pending export task and reports true, or
// signals a running one to stop and reports false. A task that no longer
// exists is not an error.
func (c *Client) CancelExport(exportID string) (bool, error) {
	err := c.inspector.DeleteTask(c.queue, exportID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, asynq.ErrTaskNotFound):
		return false, nil
	}
	if cancelErr := c.inspector.CancelProcessing(exportID); cancelErr != nil {
		return false, fmt.Errorf("cancel export %s: %w", exportID, cancelErr)
	}
	return false, nil
}

func (c *Client) Close() error {
	err := c.client.Close()
	if ierr := c.inspector.Close(); err == nil {
		err = ierr
	}
	return err
}

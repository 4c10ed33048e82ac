package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeExportSession = "export:session"

type ExportSessionPayload struct {
	ExportID    string    `json:"export_id"`
	SessionID   string    `json:"session_id"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p ExportSessionPayload) Validate() error {
	if strings.TrimSpace(p.ExportID) == "" {
		return errors.New("export_id is required")
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return errors.New("session_id is required")
	}
	return nil
}

func NewExportSessionTask(payload ExportSessionPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid export payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal export payload: %w", err)
	}
	return asynq.NewTask(TypeExportSession, body), nil
}

func ParseExportSessionPayload(task *asynq.Task) (ExportSessionPayload, error) {
	var payload ExportSessionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExportSessionPayload{}, fmt.Errorf("unmarshal export payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return ExportSessionPayload{}, fmt.Errorf("invalid export payload: %w", err)
	}
	return payload, nil
}

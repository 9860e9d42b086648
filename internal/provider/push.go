package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type pushEventWire struct {
	JobID       string   `json:"job_id"`
	UserID      string   `json:"user_id"`
	JobOrUserID string   `json:"jobOrUserId"`
	ResourceID  string   `json:"resource_id"`
	Progress    *float64 `json:"progress"`
	Status      string   `json:"status"`
	Message     string   `json:"message"`
}

// DecodePushEvent parses one push payload. A bare jobOrUserId is kept in JobID
// with AccountID empty; the orchestrator decides which of the two it names.
func DecodePushEvent(data []byte, now time.Time) (PushEvent, error) {
	var wire pushEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return PushEvent{}, fmt.Errorf("decode push event: %w", err)
	}
	status, err := ParsePushStatus(wire.Status)
	if err != nil {
		return PushEvent{}, err
	}
	ev := PushEvent{
		AccountID:  strings.TrimSpace(wire.UserID),
		JobID:      strings.TrimSpace(wire.JobID),
		ResourceID: strings.TrimSpace(wire.ResourceID),
		Status:     status,
		Message:    wire.Message,
		ReceivedAt: now,
	}
	if ev.JobID == "" && ev.AccountID == "" {
		ev.JobID = strings.TrimSpace(wire.JobOrUserID)
	}
	if ev.JobID == "" && ev.AccountID == "" && ev.ResourceID == "" {
		return PushEvent{}, fmt.Errorf("decode push event: job, user or resource id required")
	}
	if wire.Progress != nil {
		ev.Progress = clampProgress(*wire.Progress)
	}
	if status == PushComplete {
		ev.Progress = 100
	}
	return ev, nil
}

func clampProgress(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

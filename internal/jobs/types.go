package jobs

import (
	"encoding/json"
	"time"
)

// Status はジョブの実行状態を表します。
// COMPLETED / FAILED / TIMEOUT は終端状態で、以後遷移しません。
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// LogEntry はステータス応答に載せるイベントログ1件です。
type LogEntry struct {
	TS    time.Time      `json:"ts"`
	Level string         `json:"level"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID     string          `json:"jobId"`
	Status    Status          `json:"status"`
	Progress  ProgressInfo    `json:"progress"`
	Output    json.RawMessage `json:"output,omitempty"`
	Logs      []LogEntry      `json:"logs,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

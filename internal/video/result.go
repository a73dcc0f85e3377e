package video

import (
	"encoding/json"
	"time"

	"github.com/yourusername/talkforge/internal/storage"
)

// ItemStatus はジョブ/アイテムの結果種別を表します。
type ItemStatus string

const (
	StatusSuccess ItemStatus = "success"
	StatusError   ItemStatus = "error"
	StatusPartial ItemStatus = "partial"
)

// Checkpoint はステージ遷移の不変レコードです。
// 追記のみで、一度発行された後の並び替え・削除は行いません。
type Checkpoint struct {
	Event string    `json:"event"`
	TS    time.Time `json:"ts"`
}

// Timings は主要ステージの所要時間（ミリ秒）を保持します。
type Timings struct {
	GenerationMS int64 `json:"generation_ms,omitempty"`
	TotalMS      int64 `json:"total_ms,omitempty"`
}

// VideoSummary は成功エンベロープ直下の主要動画情報です。
type VideoSummary struct {
	URL   string `json:"url,omitempty"`
	MIME  string `json:"mime,omitempty"`
	Bytes int64  `json:"bytes"`
}

// EchoedParams は成功時にエコーバックする生成パラメータの抜粋です。
type EchoedParams struct {
	Size        SizePreset `json:"size"`
	FrameNum    int        `json:"frame_num"`
	SampleSteps int        `json:"sample_steps"`
	MotionFrame int        `json:"motion_frame"`
	UseTeaCache bool       `json:"use_teacache"`
	UseAPG      bool       `json:"use_apg"`
	BaseSeed    int64      `json:"base_seed"`
}

// ErrorDetails はエラーエンベロープの詳細情報です。
type ErrorDetails struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	AtStage      string `json:"at_stage,omitempty"`
	CauseClass   string `json:"cause_class,omitempty"`
	CauseMessage string `json:"cause_message,omitempty"`
}

// Diagnostics は失敗時の補助情報です。
type Diagnostics struct {
	StderrTail string `json:"stderr_tail,omitempty"`
}

// ItemResult は1ジョブ（またはバッチ内1アイテム）の最終結果です。
// Status によって success / error のどちらかの形を取ります。
type ItemResult struct {
	JobID       string             `json:"job_id"`
	Status      ItemStatus         `json:"status"`
	Video       *VideoSummary      `json:"video,omitempty"`
	Timings     Timings            `json:"timings"`
	Params      *EchoedParams      `json:"params,omitempty"`
	Artifacts   []storage.Artifact `json:"artifacts,omitempty"`
	Error       *ErrorDetails      `json:"error,omitempty"`
	Diagnostics *Diagnostics       `json:"diagnostics,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Checkpoints []Checkpoint       `json:"checkpoints"`
}

// BatchItemResult はバッチ内アイテムの結果をIDに紐付けます。
type BatchItemResult struct {
	ID     string      `json:"id"`
	Result *ItemResult `json:"result"`
}

// BatchResult はバッチ全体の外側エンベロープです。
// 1件でも失敗があれば Status は partial になります。
type BatchResult struct {
	JobID  string            `json:"job_id"`
	Status ItemStatus        `json:"status"`
	Items  []BatchItemResult `json:"items"`
}

// JobResult は単発・バッチいずれかの最終結果を表すタグ付きユニオンです。
type JobResult struct {
	Single *ItemResult
	Batch  *BatchResult
}

// Failed はジョブ全体を失敗として扱うべきか返します。
// バッチは partial でも外側としては完了扱いです。
func (r *JobResult) Failed() bool {
	return r.Single != nil && r.Single.Status == StatusError
}

// MarshalJSON は単発ならアイテムエンベロープ、バッチなら外側
// エンベロープをそのまま出力します。
func (r *JobResult) MarshalJSON() ([]byte, error) {
	if r.Batch != nil {
		return json.Marshal(r.Batch)
	}
	return json.Marshal(r.Single)
}

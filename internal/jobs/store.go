package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	maxLogTail   = 200
)

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// UpdateProgress は進捗を更新します。終端状態のレコードは変更しません。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		if record.Status.Terminal() {
			return
		}
		record.Status = StatusInProgress
		record.Progress = progress
	})
}

// AppendLog はイベントログを末尾に追記します。保持件数は直近
// maxLogTail 件に制限されます。
func (s *Store) AppendLog(ctx context.Context, jobID string, entry LogEntry) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Logs = append(record.Logs, entry)
		if len(record.Logs) > maxLogTail {
			record.Logs = record.Logs[len(record.Logs)-maxLogTail:]
		}
	})
}

// MarkCompleted はジョブ完了時の結果エンベロープを保存します。
func (s *Store) MarkCompleted(ctx context.Context, jobID string, output json.RawMessage) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusCompleted
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
		}
		record.Output = output
	})
}

// MarkFailed はジョブ失敗時のエラーエンベロープを保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, output json.RawMessage) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusFailed
		record.Output = output
	})
}

// MarkTimeout はジョブをタイムアウト終端として記録します。
func (s *Store) MarkTimeout(ctx context.Context, jobID string, output json.RawMessage) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusTimeout
		if output != nil {
			record.Output = output
		}
	})
}

func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	for {
		tx := s.rdb.TxPipeline()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("job not found: %s", jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		tx.Set(ctx, key, payload, s.ttl)
		_, err = tx.Exec(ctx)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

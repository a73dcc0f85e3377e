package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/talkforge/internal/config"
	"github.com/yourusername/talkforge/internal/logging"
	"github.com/yourusername/talkforge/internal/metrics"
	"github.com/yourusername/talkforge/internal/video"
)

const (
	taskTypeGenerate = "video:generate"
	queueName        = "video"
)

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg     *config.Config
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	store   *Store
	service *video.Service
	logger  *log.Logger
}

// TaskPayload は生成ジョブのペイロードです。Input には受信した
// エンベロープの input をそのまま保持します。
type TaskPayload struct {
	JobID string          `json:"jobId"`
	Input json.RawMessage `json:"input"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, service *video.Service, store *Store, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if service == nil {
		return nil, errors.New("service is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			// 生成はアクセラレータメモリを占有するため直列実行
			Concurrency: 1,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:     cfg,
		client:  client,
		server:  server,
		mux:     mux,
		store:   store,
		service: service,
		logger:  logger,
	}
	mux.HandleFunc(taskTypeGenerate, manager.handleGenerateTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue はジョブをキューに投入し、IN_QUEUE レコードを作成します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return fmt.Errorf("payload.JobID is required")
	}

	record := &Record{
		JobID:  payload.JobID,
		Status: StatusInQueue,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeGenerate, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return err
	}
	return nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) handleGenerateTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	if err := m.store.UpdateProgress(ctx, payload.JobID, ProgressInfo{
		Percent: 0,
		Stage:   "starting",
	}); err != nil {
		return err
	}

	// 相関IDはジョブIDと同一。ロガーはジョブ入口で一度だけ生成し、
	// 以後は参照渡しする。
	logger := logging.New(os.Stdout, payload.JobID, payload.JobID)

	started := time.Now()
	result := m.service.Run(ctx, payload.JobID, &video.Envelope{Input: payload.Input}, logger,
		func(stage string, percent int) {
			_ = m.store.UpdateProgress(ctx, payload.JobID, ProgressInfo{
				Percent: percent,
				Stage:   stage,
			})
			_ = m.store.AppendLog(ctx, payload.JobID, LogEntry{
				TS:    time.Now().UTC(),
				Level: "INFO",
				Event: stage,
				Data:  map[string]any{"pct": percent},
			})
		})
	metrics.JobDuration.Observe(time.Since(started).Seconds())

	return m.finishJob(ctx, payload.JobID, result)
}

func (m *Manager) finishJob(ctx context.Context, jobID string, result *video.JobResult) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	output, err := json.Marshal(result)
	if err != nil {
		return err
	}

	if result.Failed() {
		if result.Single.Error != nil {
			metrics.ErrorsTotal.WithLabelValues(string(result.Single.Error.Code)).Inc()
			if result.Single.Error.Code == video.CodeTimeout {
				metrics.JobsTotal.WithLabelValues(string(StatusTimeout)).Inc()
				return m.store.MarkTimeout(ctx, jobID, output)
			}
		}
		metrics.JobsTotal.WithLabelValues(string(StatusFailed)).Inc()
		return m.store.MarkFailed(ctx, jobID, output)
	}

	metrics.JobsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	if result.Batch != nil {
		for _, item := range result.Batch.Items {
			if item.Result != nil && item.Result.Error != nil {
				metrics.ErrorsTotal.WithLabelValues(string(item.Result.Error.Code)).Inc()
			}
		}
	}
	return m.store.MarkCompleted(ctx, jobID, output)
}

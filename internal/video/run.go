package video

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/talkforge/internal/config"
	"github.com/yourusername/talkforge/internal/logging"
	"github.com/yourusername/talkforge/internal/storage"
)

// Service は生成ジョブのオーケストレーターです。
// 1ジョブ（またはバッチ）の JobResult と Checkpoint 列の
// ライフサイクルを所有します。
type Service struct {
	cfg      *config.Config
	engine   Engine
	transfer *storage.Transfer
	defaults *Defaults

	now      func() time.Time
	rng      *rand.Rand
	keepWarm func(ctx context.Context)
}

// NewService は Service を初期化します。デフォルトドキュメントは
// 起動時に一度だけ読み込まれます。
func NewService(cfg *config.Config, engine Engine) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is nil")
	}
	defaults, err := LoadDefaults(cfg.DefaultsPath)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		engine:   engine,
		transfer: storage.NewTransfer(nil),
		defaults: defaults,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.keepWarm = s.pingKeepWarm
	return s, nil
}

// Defaults は読み込み済みのデフォルトドキュメントを返します。
func (s *Service) Defaults() *Defaults {
	return s.defaults
}

// Run は1ジョブを終端状態まで実行します。失敗は値として
// エンベロープに畳み込まれ、呼び出し元ランタイムへ例外的に
// 伝播することはありません。
func (s *Service) Run(ctx context.Context, jobID string, env *Envelope, logger *logging.Logger, reporter ProgressReporter) *JobResult {
	if logger == nil {
		logger = logging.Nop()
	}
	logger.Info("received", map[string]any{"job_id": jobID})
	s.maybeKeepWarm(ctx)

	normalized, err := NormalizeAndValidate(env, s.defaults)
	if err != nil {
		verr := Classify(err, "validate")
		logger.Error("error", map[string]any{"code": string(verr.Code), "message": verr.Message})
		details := verr.Details()
		return &JobResult{Single: &ItemResult{
			JobID:       jobID,
			Status:      StatusError,
			Error:       &details,
			Checkpoints: []Checkpoint{},
		}}
	}

	baseDir := filepath.Join(s.cfg.WorkDir, "job-"+jobID)

	if !normalized.IsBatch() {
		p := *normalized.Single
		if p.BaseSeed >= 0 {
			s.seedRNG(p.BaseSeed, logger)
		}
		outCfg := s.resolveOutput(p.OutputConfig, nil)
		item := s.runItem(ctx, jobID, "", -1, p, outCfg, baseDir, false, logger, reporter)
		return &JobResult{Single: item}
	}

	// バッチ全体を1回のシード呼び出しが支配する。明示シード付きの
	// アイテムのみ、生成直前に個別へシードし直す。
	if first := normalized.Batch[0]; first.BaseSeed >= 0 {
		s.seedRNG(first.BaseSeed, logger)
	}

	batch := &BatchResult{
		JobID:  jobID,
		Status: StatusSuccess,
		Items:  make([]BatchItemResult, 0, len(normalized.Batch)),
	}
	for idx, item := range normalized.Batch {
		itemID := item.ID
		if itemID == "" {
			itemID = fmt.Sprintf("item-%d", idx)
		}
		workdir := filepath.Join(baseDir, itemID)
		outCfg := s.resolveOutput(item.OutputConfig, normalized.OutputConfig)

		res := s.runItem(ctx, jobID, itemID, idx, item.Payload, outCfg, workdir, item.SeedSet, logger, reporter)
		if res.Status != StatusSuccess {
			batch.Status = StatusPartial
		}
		batch.Items = append(batch.Items, BatchItemResult{ID: itemID, Result: res})

		s.maybeKeepWarm(ctx)
	}
	return &JobResult{Batch: batch}
}

// runItem は1アイテムをステージマシンに従って実行します。
// ステージの省略・並び替えはなく、失敗はどのステージからでも
// 吸収状態（エラーエンベロープ）へ遷移します。
func (s *Service) runItem(ctx context.Context, jobID, itemID string, itemIndex int, p Payload, outCfg *OutputConfig, workdir string, seedExplicit bool, logger *logging.Logger, reporter ProgressReporter) *ItemResult {
	started := s.now()
	res := &ItemResult{
		JobID:       jobID,
		Status:      StatusSuccess,
		Checkpoints: make([]Checkpoint, 0, 10),
	}

	cp := func(event string, pct int) {
		res.Checkpoints = append(res.Checkpoints, Checkpoint{Event: event, TS: s.now().UTC()})
		reportProgress(reporter, event, pct)
		data := map[string]any{"pct": pct}
		if itemID != "" {
			data["item_id"] = itemID
			data["item_index"] = itemIndex
		}
		logger.Info(event, data)
	}

	failClassified := func(classified *Error) *ItemResult {
		logger.Error("error", map[string]any{
			"code":     string(classified.Code),
			"message":  classified.Message,
			"at_stage": classified.Stage,
		})
		details := classified.Details()
		res.Status = StatusError
		res.Error = &details
		res.Video = nil
		res.Params = nil
		res.Timings.TotalMS = s.now().Sub(started).Milliseconds()
		var engErr *EngineError
		if errors.As(classified, &engErr) && engErr.Stderr != "" {
			res.Diagnostics = &Diagnostics{StderrTail: engErr.Stderr}
		}
		_ = removeDir(workdir)
		return res
	}

	// 各ステージ境界の単一キャッチ地点で一度だけ分類する
	fail := func(err error, stage string) *ItemResult {
		return failClassified(Classify(err, stage))
	}

	cp("received", 1)
	cp("validated", 2)

	if err := ensureDir(workdir); err != nil {
		return fail(err, "prepare")
	}

	// モデルのロードと生成はパイプライン側で一続きに行われるため、
	// ここでは境界のチェックポイントのみを発行する。
	cp("models_loading", 15)
	cp("models_ready", 18)

	inputs, err := s.prepareInputs(ctx, &p, workdir, logger)
	if err != nil {
		return fail(err, "preprocess")
	}
	cp("preprocessing_done", 19)

	if seedExplicit && p.BaseSeed >= 0 {
		s.seedRNG(p.BaseSeed, logger)
	}
	if p.BaseSeed < 0 {
		p.BaseSeed = s.rng.Int63()
	}

	cp("generation_start", 20)
	endStage := logger.Stage("generation", nil)
	genStart := s.now()
	engRes, err := s.engine.Execute(ctx, &p, inputs, workdir)
	if err != nil {
		classified := Classify(err, "generation")
		if classified.Code == CodeOOM {
			// OOM時のみ縮退設定で1回だけ自動リトライする
			reduced := p
			reduced.Size = Size480
			if reduced.SampleSteps > 8 {
				reduced.SampleSteps = 8
			}
			logger.Warn("oom_retry", map[string]any{
				"size":         string(reduced.Size),
				"sample_steps": reduced.SampleSteps,
			})
			engRes, err = s.engine.Execute(ctx, &reduced, inputs, workdir)
			if err == nil {
				p = reduced
				res.Warnings = append(res.Warnings, "generation retried with reduced settings after out-of-memory")
			} else {
				classified = Classify(err, "generation")
			}
		}
		endStage(err)
		if err != nil {
			return failClassified(classified)
		}
	} else {
		endStage(nil)
	}
	res.Timings.GenerationMS = s.now().Sub(genStart).Milliseconds()
	cp("generation_done", 85)

	cp("postprocess_mux", 90)

	cp("uploading_artifacts", 92)
	artifacts, warnings, summary, upErr := s.uploadArtifacts(ctx, outCfg, engRes, logger)
	if upErr != nil {
		return fail(upErr, "upload")
	}
	res.Artifacts = artifacts
	res.Warnings = append(res.Warnings, warnings...)
	res.Video = summary
	res.Params = echoParams(&p)

	cp("completed", 100)
	res.Timings.TotalMS = s.now().Sub(started).Milliseconds()

	if summary != nil && summary.URL != "" {
		s.scheduleCleanup(workdir)
	}
	return res
}

// prepareInputs は参照メディアをワークディレクトリへ取得します。
func (s *Service) prepareInputs(ctx context.Context, p *Payload, workdir string, logger *logging.Logger) (*EngineInputs, error) {
	vid, err := s.transfer.Fetch(ctx, p.CondVideo, workdir, "cond_video", p.CondVideoSHA256)
	if err != nil {
		return nil, newError(CodeDownloadFailed, fmt.Sprintf("failed to fetch cond_video: %v", err), err)
	}
	logger.Info("input_fetched", map[string]any{"name": "cond_video", "bytes": vid.Bytes, "mime": vid.MIME})

	inputs := &EngineInputs{CondVideoPath: vid.Path, BBox: p.BBox}

	switch {
	case p.CondAudio != nil && p.CondAudio.Person1 != "":
		p1, err := s.transfer.Fetch(ctx, p.CondAudio.Person1, workdir, "p1", "")
		if err != nil {
			return nil, newError(CodeDownloadFailed, fmt.Sprintf("failed to fetch cond_audio.person1: %v", err), err)
		}
		logger.Info("input_fetched", map[string]any{"name": "person1", "bytes": p1.Bytes, "mime": p1.MIME})
		inputs.AudioPaths = map[string]string{"person1": p1.Path}

		if p.CondAudio.Person2 != "" {
			p2, err := s.transfer.Fetch(ctx, p.CondAudio.Person2, workdir, "p2", "")
			if err != nil {
				return nil, newError(CodeDownloadFailed, fmt.Sprintf("failed to fetch cond_audio.person2: %v", err), err)
			}
			logger.Info("input_fetched", map[string]any{"name": "person2", "bytes": p2.Bytes, "mime": p2.MIME})
			inputs.AudioPaths["person2"] = p2.Path
			inputs.AudioType = p.AudioType
			if inputs.AudioType == "" {
				inputs.AudioType = AudioTypePara
			}
		}
	case p.TTSAudio != nil && p.TTSAudio.Text != "":
		// このワーカービルドではTTSフローを持たない。スキーマ上は
		// 受理されるため、実行時境界で明示的に拒否する。
		return nil, newError(CodeGenerationRuntime, "tts_audio is not supported by this worker build; provide cond_audio instead", nil)
	}

	return inputs, nil
}

// uploadArtifacts は成果物を配送し、成果物レコードと警告、
// 主要動画サマリーを組み立てます。
func (s *Service) uploadArtifacts(ctx context.Context, outCfg *OutputConfig, engRes *EngineResult, logger *logging.Logger) ([]storage.Artifact, []string, *VideoSummary, error) {
	const mime = "video/mp4"
	if outCfg == nil {
		outCfg = &OutputConfig{Store: StoreS3}
	}

	if outCfg.VideoURL != "" {
		status, err := s.transfer.Deliver(ctx, engRes.VideoPath, outCfg.VideoURL, mime)
		if err != nil {
			return nil, nil, nil, newError(CodeUpload, fmt.Sprintf("upload to presigned URL failed with status %d", status), err)
		}
		artifacts := []storage.Artifact{
			storage.NewArtifact(storage.ArtifactVideo, outCfg.VideoURL, "", mime, engRes.Bytes),
		}
		summary := &VideoSummary{URL: outCfg.VideoURL, MIME: mime, Bytes: engRes.Bytes}

		// サムネイルは任意成果物。配送失敗はジョブを失敗させず、
		// 明示的にログへ残して抑制する。
		if outCfg.ThumbnailURL != "" && engRes.ThumbnailPath != "" {
			if _, err := s.transfer.Deliver(ctx, engRes.ThumbnailPath, outCfg.ThumbnailURL, "image/jpeg"); err != nil {
				logger.Warn("thumbnail_upload_skipped", map[string]any{"message": err.Error()})
			} else {
				artifacts = append(artifacts, storage.NewArtifact(storage.ArtifactThumbnail, outCfg.ThumbnailURL, "", "image/jpeg", 0))
			}
		}
		return artifacts, nil, summary, nil
	}

	// フォールバック: 配送先が未設定ならローカルパスを成果物として返す
	artifacts := []storage.Artifact{
		storage.NewArtifact(storage.ArtifactVideo, "", engRes.VideoPath, mime, engRes.Bytes),
	}
	summary := &VideoSummary{MIME: mime, Bytes: engRes.Bytes}
	var warnings []string

	if outCfg.Store == StoreInline {
		// inline はエンベロープ本体の肥大化を避けるため、base64 を
		// 1つの成果物レコードにのみ埋め込む
		data, err := os.ReadFile(engRes.VideoPath)
		if err != nil {
			logger.Warn("inline_encode_skipped", map[string]any{"message": err.Error()})
			warnings = append(warnings, "no presigned URL provided; returning local path. Configure S3 uploads for production.")
		} else {
			artifacts[0].Base64 = base64.StdEncoding.EncodeToString(data)
			warnings = append(warnings, "returning inline base64 video. This is not recommended for large outputs.")
		}
	} else {
		warnings = append(warnings, "no presigned URL provided; returning local path. Configure S3 uploads for production.")
	}
	return artifacts, warnings, summary, nil
}

// resolveOutput はアイテム > エンベロープ > デフォルトドキュメント
// の順で配送先設定を解決します。
func (s *Service) resolveOutput(item, envelope *OutputConfig) *OutputConfig {
	switch {
	case item != nil:
		return item
	case envelope != nil:
		return envelope
	case s.defaults.Output != nil:
		return s.defaults.Output
	default:
		return nil
	}
}

// seedRNG は決定的シードを乱数源へ一度適用します。
func (s *Service) seedRNG(seed int64, logger *logging.Logger) {
	s.rng = rand.New(rand.NewSource(seed))
	logger.Info("seeded", map[string]any{"base_seed": seed})
}

func (s *Service) maybeKeepWarm(ctx context.Context) {
	if s.keepWarm != nil {
		s.keepWarm(ctx)
	}
}

// pingKeepWarm はアイドル中のホストが回収されないよう軽量な
// ハートビートを送ります。ジョブ意味論には影響しません。
func (s *Service) pingKeepWarm(ctx context.Context) {
	if s.cfg.KeepWarmURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.KeepWarmURL, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func echoParams(p *Payload) *EchoedParams {
	return &EchoedParams{
		Size:        p.Size,
		FrameNum:    p.FrameNum,
		SampleSteps: p.SampleSteps,
		MotionFrame: p.MotionFrame,
		UseTeaCache: p.UseTeaCache,
		UseAPG:      p.UseAPG,
		BaseSeed:    p.BaseSeed,
	}
}

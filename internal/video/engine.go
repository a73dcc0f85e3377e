package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yourusername/talkforge/internal/config"
)

// EngineInputs は前処理済みのローカル入力一式です。
type EngineInputs struct {
	CondVideoPath string            `json:"cond_video"`
	AudioPaths    map[string]string `json:"cond_audio,omitempty"`
	AudioType     AudioType         `json:"audio_type,omitempty"`
	BBox          []int             `json:"bbox,omitempty"`
}

// EngineResult は生成パイプラインの出力です。
type EngineResult struct {
	VideoPath     string
	ThumbnailPath string
	Bytes         int64
}

// Engine は外部の生成パイプラインとの境界です。
// モデルのロード・生成・マックスまでを1回の呼び出しで行います。
type Engine interface {
	Execute(ctx context.Context, params *Payload, inputs *EngineInputs, workdir string) (*EngineResult, error)
}

// EngineErrorKind はパイプライン境界で確定するエラー種別です。
type EngineErrorKind string

const (
	EngineOOM            EngineErrorKind = "oom"
	EngineFFmpeg         EngineErrorKind = "ffmpeg"
	EngineAudioEmbedding EngineErrorKind = "audio_embedding"
	EnginePipelineLoad   EngineErrorKind = "pipeline_load"
	EngineRuntime        EngineErrorKind = "runtime"
)

func (k EngineErrorKind) code() Code {
	switch k {
	case EngineOOM:
		return CodeOOM
	case EngineFFmpeg:
		return CodeFFmpeg
	case EngineAudioEmbedding:
		return CodeAudioEmbedding
	case EnginePipelineLoad:
		return CodePipelineLoad
	default:
		return CodeGenerationRuntime
	}
}

// EngineError はパイプライン起因の失敗を型付きで表します。
// メッセージ文字列の照合に頼らない分類のための境界エラーです。
type EngineError struct {
	Kind    EngineErrorKind
	Message string
	Stderr  string
	cause   error
}

func (e *EngineError) Error() string {
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.cause
}

// CommandEngine は設定されたパイプラインバイナリを起動する実装です。
// パラメータをJSONファイルに書き出し、標準エラー出力から失敗種別を
// 判定します。
type CommandEngine struct {
	cfg *config.Config
}

// NewCommandEngine は CommandEngine を作成します。
func NewCommandEngine(cfg *config.Config) *CommandEngine {
	return &CommandEngine{cfg: cfg}
}

// Execute は生成パイプラインを1回実行します。
// 必須のモデルパスが未設定の場合はロードエラーを返します。
func (e *CommandEngine) Execute(ctx context.Context, params *Payload, inputs *EngineInputs, workdir string) (*EngineResult, error) {
	if e.cfg.CkptDir == "" || e.cfg.InfiniteTalkDir == "" {
		return nil, &EngineError{
			Kind:    EnginePipelineLoad,
			Message: "model paths CKPT_DIR and INFINITETALK_DIR must be set in environment",
		}
	}
	if e.cfg.Wav2VecDir == "" {
		return nil, &EngineError{
			Kind:    EngineAudioEmbedding,
			Message: "WAV2VEC_DIR env var is required for audio embedding",
		}
	}

	spec := struct {
		Params *Payload     `json:"params"`
		Inputs *EngineInputs `json:"inputs"`
		Models struct {
			CkptDir         string `json:"ckpt_dir"`
			InfiniteTalkDir string `json:"infinitetalk_dir"`
			Wav2VecDir      string `json:"wav2vec_dir"`
			QuantDir        string `json:"quant_dir,omitempty"`
			DitPath         string `json:"dit_path,omitempty"`
		} `json:"models"`
		LocalRank int `json:"local_rank"`
		Rank      int `json:"rank"`
	}{Params: params, Inputs: inputs, LocalRank: e.cfg.LocalRank, Rank: e.cfg.Rank}
	spec.Models.CkptDir = e.cfg.CkptDir
	spec.Models.InfiniteTalkDir = e.cfg.InfiniteTalkDir
	spec.Models.Wav2VecDir = e.cfg.Wav2VecDir
	spec.Models.QuantDir = e.cfg.QuantDir
	spec.Models.DitPath = e.cfg.DitPath

	specPath := filepath.Join(workdir, "pipeline.json")
	data, err := json.Marshal(&spec)
	if err != nil {
		return nil, &EngineError{Kind: EngineRuntime, Message: fmt.Sprintf("failed to encode pipeline spec: %v", err), cause: err}
	}
	if err := os.WriteFile(specPath, data, 0o640); err != nil {
		return nil, &EngineError{Kind: EngineRuntime, Message: fmt.Sprintf("failed to write pipeline spec: %v", err), cause: err}
	}

	outPath := filepath.Join(workdir, fmt.Sprintf("infitalk_%s_%d_seed%d.mp4", params.Size, params.SampleSteps, params.BaseSeed))

	cmd := exec.CommandContext(ctx, e.cfg.PipelineBin, "--spec", specPath, "--output", outPath)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classifyPipelineFailure(err, stderr.String())
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, &EngineError{Kind: EngineRuntime, Message: fmt.Sprintf("pipeline produced no output file: %v", err), cause: err}
	}

	return &EngineResult{VideoPath: outPath, Bytes: info.Size()}, nil
}

// classifyPipelineFailure は標準エラー出力の既知語彙から失敗種別を
// 確定します。この判定は境界で一度だけ行われます。
func classifyPipelineFailure(err error, stderr string) *EngineError {
	tail := stderrTail(stderr)
	lower := strings.ToLower(stderr)

	kind := EngineRuntime
	switch {
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "cuda oom"):
		kind = EngineOOM
	case strings.Contains(lower, "ffmpeg"):
		kind = EngineFFmpeg
	case strings.Contains(lower, "wav2vec") || strings.Contains(lower, "audio embedding"):
		kind = EngineAudioEmbedding
	case strings.Contains(lower, "model paths"):
		kind = EnginePipelineLoad
	}

	message := fmt.Sprintf("pipeline execution failed: %v", err)
	if tail != "" {
		message = fmt.Sprintf("%s: %s", message, tail)
	}
	return &EngineError{Kind: kind, Message: message, Stderr: tail, cause: err}
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	const maxTail = 2000
	if len(s) > maxTail {
		s = s[len(s)-maxTail:]
	}
	return s
}

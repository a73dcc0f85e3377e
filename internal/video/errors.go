package video

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yourusername/talkforge/internal/storage"
)

// Code はエラー分類コードを表します。
// 固定の閉じた集合であり、既存コードのリネームは行いません。
type Code string

const (
	CodeInputValidation   Code = "E_INPUT_VALIDATION"
	CodeDownloadFailed    Code = "E_DOWNLOAD_FAILED"
	CodeAudioEmbedding    Code = "E_AUDIO_EMBEDDING"
	CodePipelineLoad      Code = "E_PIPELINE_LOAD"
	CodeOOM               Code = "E_OOM"
	CodeFFmpeg            Code = "E_FFMPEG"
	CodeGenerationRuntime Code = "E_GENERATION_RUNTIME"
	CodeUpload            Code = "E_UPLOAD"
	CodeTimeout           Code = "E_TIMEOUT"
)

// retryableByCode は再試行可否の固定テーブルです。
// retryable は呼び出し側への助言であり、オーケストレーター自身は
// OOM の1回リトライ以外で自動再試行しません。
var retryableByCode = map[Code]bool{
	CodeInputValidation:   false,
	CodeDownloadFailed:    true,
	CodeAudioEmbedding:    true,
	CodePipelineLoad:      false,
	CodeOOM:               false,
	CodeFFmpeg:            true,
	CodeGenerationRuntime: false,
	CodeUpload:            true,
	CodeTimeout:           true,
}

// Retryable はコードに対応する再試行可否を返します。
func Retryable(code Code) bool {
	return retryableByCode[code]
}

// Error は分類済みのジョブエラーを表します。
type Error struct {
	Code    Code
	Message string
	Stage   string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Details はエラーエンベロープ用の ErrorDetails を構築します。
// 失敗をキャッチした地点で一度だけ構築され、以後変更されません。
func (e *Error) Details() ErrorDetails {
	details := ErrorDetails{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: Retryable(e.Code),
		AtStage:   e.Stage,
	}
	if e.cause != nil {
		details.CauseClass = fmt.Sprintf("%T", e.cause)
		details.CauseMessage = e.cause.Error()
	}
	return details
}

// Classify は任意のエラーをタクソノミーへ分類します。
// ステージ境界のキャッチ地点で一度だけ呼ばれ、後段で再分類されません。
// 型付きエラー（EngineError 等）を優先し、メッセージの部分一致は
// 分類されていないレガシーエラーへのフォールバックに留めます。
func Classify(err error, stage string) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Stage == "" {
			apiErr.Stage = stage
		}
		return apiErr
	}

	var engErr *EngineError
	if errors.As(err, &engErr) {
		e := newError(engErr.Kind.code(), engErr.Message, engErr)
		e.Stage = stage
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e := newError(CodeTimeout, err.Error(), err)
		e.Stage = stage
		return e
	}

	if errors.Is(err, storage.ErrChecksumMismatch) {
		e := newError(CodeDownloadFailed, err.Error(), err)
		e.Stage = stage
		return e
	}

	// フォールバック: 既知語彙との部分一致
	code := CodeGenerationRuntime
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "out of memory"):
		code = CodeOOM
	case strings.Contains(msg, "ffmpeg"):
		code = CodeFFmpeg
	case strings.Contains(msg, "wav2vec") || strings.Contains(msg, "audio embedding"):
		code = CodeAudioEmbedding
	case strings.Contains(msg, "model paths"):
		code = CodePipelineLoad
	}
	e := newError(code, err.Error(), err)
	e.Stage = stage
	return e
}

// Package logging は相関ID付きの構造化JSONイベントロガーを提供します。
//
// 1行につき {ts, level, cid, job_id, event, data, lat_ms} 形式で出力します。
// ロガーはジョブごとにエントリーポイントで生成され、必要なコンポーネント
// へ明示的に渡されます。隠れたグローバルレジストリは持ちません。
// 一度出力した行のフィールドを後から変更することはありません。
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Logger は相関IDに紐付いた書き込み専用のイベントロガーです。
type Logger struct {
	zl  zerolog.Logger
	now func() time.Time
}

// New はロガーを作成します。correlationID はジョブIDと同一で構いません。
func New(w io.Writer, correlationID, jobID string) *Logger {
	ctx := zerolog.New(w).With().Timestamp().Str("cid", correlationID)
	if jobID != "" {
		ctx = ctx.Str("job_id", jobID)
	}
	return &Logger{zl: ctx.Logger(), now: time.Now}
}

// Nop は何も出力しないロガーを返します（テスト用）。
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), now: time.Now}
}

// Event は指定レベルでイベント行を出力します。
// 未知のレベルは INFO に丸められます。
func (l *Logger) Event(level, event string, data map[string]any) {
	var e *zerolog.Event
	switch level {
	case "WARN":
		e = l.zl.Warn()
	case "ERROR":
		e = l.zl.Error()
	default:
		e = l.zl.Info()
	}
	if len(data) > 0 {
		e = e.Fields(map[string]any{"data": data})
	}
	e.Str("event", event).Msg("")
}

// Info はINFOレベルのイベントを出力します。
func (l *Logger) Info(event string, data map[string]any) {
	l.Event("INFO", event, data)
}

// Warn はWARNレベルのイベントを出力します。
func (l *Logger) Warn(event string, data map[string]any) {
	l.Event("WARN", event, data)
}

// Error はERRORレベルのイベントを出力します。
func (l *Logger) Error(event string, data map[string]any) {
	l.Event("ERROR", event, data)
}

// Stage はステージ計測を開始し、終了用の関数を返します。
// 開始時に <event> を、成功終了時に <event>_ok を lat_ms 付きで、
// 失敗終了時に stage_error を出力します。
func (l *Logger) Stage(event string, data map[string]any) func(err error) {
	start := l.now()
	l.Info(event, data)
	return func(err error) {
		latMS := l.now().Sub(start).Milliseconds()
		if err != nil {
			l.Error("stage_error", map[string]any{
				"at_stage": event,
				"message":  err.Error(),
				"lat_ms":   latMS,
			})
			return
		}
		l.zl.Info().Str("event", event+"_ok").Int64("lat_ms", latMS).Msg("")
	}
}

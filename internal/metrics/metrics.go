// Package metrics はジョブ処理のPrometheusメトリクスを提供します。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal は終端状態に到達したジョブ数を状態別に数えます。
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talkforge_jobs_total",
		Help: "Number of jobs that reached a terminal state.",
	}, []string{"status"})

	// ErrorsTotal は分類済みエラー数をコード別に数えます。
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talkforge_errors_total",
		Help: "Number of classified job errors by taxonomy code.",
	}, []string{"code"})

	// JobDuration はジョブ全体の処理時間です。
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "talkforge_job_duration_seconds",
		Help:    "Wall-clock duration of job execution.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Handler はメトリクス公開用のHTTPハンドラーを返します。
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	APIKeyHash string // bcryptでハッシュ化されたAPIキー（空なら認証無効）

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ/キュー設定
	QueueRedisURL    string // Asynq用Redis接続URL
	JobExpireMinutes int    // ジョブレコードの有効期限（分）
	WorkDir          string // ジョブ作業ディレクトリのベース
	DefaultsPath     string // 生成パラメータのデフォルトYAMLのパス
	KeepWarmURL      string // バッチアイテム間のキープウォーム通知先（任意）

	// 生成パイプライン設定
	// モデルパスはパイプライン構築時に一度だけ読み取られ、
	// 必須パスの欠落は E_PIPELINE_LOAD として表面化します。
	PipelineBin     string // 生成パイプライン実行ファイルのパス
	CkptDir         string // チェックポイントディレクトリ
	InfiniteTalkDir string // InfiniteTalk重みディレクトリ
	Wav2VecDir      string // 音声埋め込みモデルのディレクトリ
	QuantDir        string // 量子化済み重みのディレクトリ
	DitPath         string // DiT重みファイルのパス
	LocalRank       int    // デバイス識別子
	Rank            int    // プロセスランク
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		APIKeyHash: getEnv("APP_API_KEY_HASH", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),
		WorkDir:          getEnv("WORK_DIR", filepath.Join(os.TempDir(), "talkforge")),
		DefaultsPath:     getEnv("DEFAULTS_PATH", "config/defaults.yaml"),
		KeepWarmURL:      getEnv("KEEP_WARM_URL", ""),

		PipelineBin:     getEnv("PIPELINE_BIN", "infinitetalk-pipeline"),
		CkptDir:         getEnv("CKPT_DIR", ""),
		InfiniteTalkDir: getEnv("INFINITETALK_DIR", ""),
		Wav2VecDir:      getEnv("WAV2VEC_DIR", ""),
		QuantDir:        getEnv("QUANT_DIR", ""),
		DitPath:         getEnv("DIT_PATH", ""),
		LocalRank:       getEnvAsInt("LOCAL_RANK", 0),
		Rank:            getEnvAsInt("RANK", 0),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
// モデルパスの有無はここでは検査しません（パイプライン構築時に
// E_PIPELINE_LOAD として報告されます）。
func (c *Config) Validate() error {
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.PipelineBin == "" {
			return fmt.Errorf("PIPELINE_BIN is required in release mode")
		}
		if c.APIKeyHash == "" {
			return fmt.Errorf("APP_API_KEY_HASH is required in release mode")
		}
	}
	if c.JobExpireMinutes <= 0 {
		return fmt.Errorf("JOB_EXPIRE_MINUTES must be positive")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

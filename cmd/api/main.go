// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/talkforge/internal/auth"
	"github.com/yourusername/talkforge/internal/config"
	"github.com/yourusername/talkforge/internal/jobs"
	"github.com/yourusername/talkforge/internal/metrics"
	"github.com/yourusername/talkforge/internal/video"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// 生成サービスとジョブ基盤の初期化
	engine := video.NewCommandEngine(cfg)
	service, err := video.NewService(cfg, engine)
	if err != nil {
		log.Fatalf("Failed to initialize video service: %v", err)
	}
	manager, err := setupJobs(cfg, service)
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	manager.StartWorkers()

	// ルーティングの設定
	setupRoutes(router, cfg, service, manager)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "talkforge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API とメトリクスの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, service *video.Service, manager *jobs.Manager) {
	// まずは誰でも叩けるヘルスチェックとメトリクスを登録
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("")
	protected.Use(auth.RequireAPIKey(cfg.APIKeyHash))
	{
		protected.POST("/run", jobSubmitHandler(service, manager))
		protected.GET("/status/:id", jobStatusHandler(manager))
	}
}

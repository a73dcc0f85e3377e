package main

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/talkforge/internal/config"
	"github.com/yourusername/talkforge/internal/jobs"
	"github.com/yourusername/talkforge/internal/video"
)

func setupJobs(cfg *config.Config, service *video.Service) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)
	manager, err := jobs.NewManager(cfg, service, store, log.Default())
	if err != nil {
		return nil, err
	}
	return manager, nil
}

// jobSubmitHandler はジョブ投入エンドポイントのハンドラーを返します。
// 入力はキュー投入前に一度検証し、不正なリクエストは 400 で弾きます。
func jobSubmitHandler(service *video.Service, manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env video.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストボディの形式が正しくありません。",
			})
			return
		}
		if len(env.Input) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "input フィールドを指定してください。",
			})
			return
		}

		if _, err := video.NormalizeAndValidate(&env, service.Defaults()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		jobID := uuid.NewString()
		if err := manager.Enqueue(c.Request.Context(), &jobs.TaskPayload{
			JobID: jobID,
			Input: env.Input,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの投入に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"id":     jobID,
			"status": jobs.StatusInQueue,
		})
	}
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"id":     record.JobID,
			"status": record.Status,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"stage":   record.Progress.Stage,
				"message": record.Progress.Message,
			},
			"updatedAt": record.UpdatedAt,
		}
		if len(record.Output) > 0 {
			payload["output"] = record.Output
		}
		if len(record.Logs) > 0 {
			payload["logs"] = record.Logs
		}

		c.JSON(http.StatusOK, payload)
	}
}

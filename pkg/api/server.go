// Package api HTTP 接口：分片上传、任务管理、输出下载、状态推送与运维
package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/pipeline"
	"github.com/z-wentao/longscribe/pkg/upload"
)

// Version 服务版本
const Version = "1.0.0"

// Orchestrator 接口层依赖的编排操作
type Orchestrator interface {
	SubmitUpload(ctx context.Context, userID, sessionID, checksum string) (*models.TranscriptionJob, error)
	GetJob(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error)
	ListJobs(ctx context.Context, userID string, stages []models.Stage, limit int) ([]*models.TranscriptionJob, error)
	Cancel(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error)
	Retry(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error)
	Delete(ctx context.Context, userID, jobID string) error
	FetchOutput(ctx context.Context, userID, jobID string, format models.OutputFormat) (*models.OutputAsset, error)
	OpenOutput(ctx context.Context, jobID string, format models.OutputFormat) (*models.OutputAsset, io.ReadCloser, error)
	RepairStuckJobs(ctx context.Context, now time.Time) (*pipeline.RepairReport, error)
	Capacity(ctx context.Context) (int, error)
}

// Server HTTP 服务
type Server struct {
	orch     Orchestrator
	uploads  *upload.Manager
	auth     *Auth
	upgrader websocket.Upgrader
	// pollInterval WebSocket 推送任务状态的轮询间隔
	pollInterval time.Duration
}

// NewServer 创建 HTTP 服务
func NewServer(orch Orchestrator, uploads *upload.Manager, auth *Auth) *Server {
	return &Server{
		orch:    orch,
		uploads: uploads,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pollInterval: time.Second,
	}
}

// Router 设置路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	api := r.Group("/api")
	api.GET("/ping", s.handlePing)
	// 下载令牌本身即鉴权
	api.GET("/downloads/:token", s.handleDownload)

	authed := api.Group("", s.auth.Middleware())
	{
		authed.POST("/uploads", s.handleCreateSession)
		authed.PUT("/uploads/:id/chunks/:index", s.handleUploadChunk)
		authed.GET("/uploads/:id", s.handleUploadStatus)
		authed.POST("/uploads/:id/complete", s.handleCompleteUpload)

		authed.GET("/jobs", s.handleListJobs)
		authed.GET("/jobs/:id", s.handleGetJob)
		authed.POST("/jobs/:id/cancel", s.handleCancelJob)
		authed.POST("/jobs/:id/retry", s.handleRetryJob)
		authed.DELETE("/jobs/:id", s.handleDeleteJob)
		authed.GET("/jobs/:id/outputs/:format", s.handleFetchOutput)
		authed.GET("/jobs/:id/ws", s.handleJobStream)

		authed.POST("/admin/maintenance/stuck-jobs", RequireRole(RoleAdmin), s.handleRepairStuckJobs)
	}

	return r
}

// respondError 统一错误响应：{"error": 面向用户的信息, "code": 错误码}
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	if d := apperr.RetryAfterOf(err); d > 0 {
		c.Header("Retry-After", formatSeconds(d))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": apperr.PublicMessage(err),
		"code":  apperr.CodeOf(err),
	})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// handlePing 健康检查
func (s *Server) handlePing(c *gin.Context) {
	resp := gin.H{
		"message": "pong",
		"version": Version,
	}
	if n, err := s.orch.Capacity(c.Request.Context()); err == nil {
		resp["active_jobs"] = n
	}
	c.JSON(http.StatusOK, resp)
}

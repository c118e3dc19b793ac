package api

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/upload"
)

// CreateSessionRequest 创建上传会话请求
type CreateSessionRequest struct {
	Filename    string   `json:"filename" binding:"required"`
	TotalSize   int64    `json:"total_size" binding:"required"`
	MimeType    string   `json:"mime_type" binding:"required"`
	Language    string   `json:"language"`
	Diarization bool     `json:"diarization"`
	MaxSpeakers int      `json:"max_speakers"`
	Formats     []string `json:"formats"`
}

// CompleteUploadRequest 完成上传请求
type CompleteUploadRequest struct {
	Checksum string `json:"checksum" binding:"required"`
}

func badRequest(err error) error {
	return apperr.Validation(apperr.CodeInvalidRequest, "请求参数错误: %v", err)
}

// sessionView 上传进度
func sessionView(s *models.UploadSession) gin.H {
	return gin.H{
		"session_id":   s.SessionID,
		"filename":     s.Filename,
		"status":       s.Status,
		"chunk_size":   s.ChunkSize,
		"total_chunks": s.TotalChunks,
		"received":     s.Received,
		"missing":      s.Missing(),
		"percent":      s.Percent(),
		"job_id":       s.JobID,
		"expires_at":   s.ExpiresAt,
	}
}

// handleCreateSession 创建上传会话
func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}

	session, err := s.uploads.CreateSession(c.Request.Context(), upload.CreateRequest{
		UserID:      userID(c),
		Filename:    req.Filename,
		TotalSize:   req.TotalSize,
		MimeType:    req.MimeType,
		Language:    req.Language,
		Diarization: req.Diarization,
		MaxSpeakers: req.MaxSpeakers,
		Formats:     req.Formats,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":   session.SessionID,
		"chunk_size":   session.ChunkSize,
		"total_chunks": session.TotalChunks,
		"expires_at":   session.ExpiresAt,
	})
}

// handleUploadChunk 上传分片（请求体为原始字节）
func (s *Server) handleUploadChunk(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, apperr.Validation(apperr.CodeInvalidChunk, "分片序号必须是整数"))
		return
	}

	session, err := s.uploads.UploadChunk(c.Request.Context(), userID(c), c.Param("id"), index, c.Request.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

// handleUploadStatus 查询上传进度
func (s *Server) handleUploadStatus(c *gin.Context) {
	session, err := s.uploads.Status(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

// handleCompleteUpload 完成上传并创建转写任务
func (s *Server) handleCompleteUpload(c *gin.Context) {
	var req CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}

	job, err := s.orch.SubmitUpload(c.Request.Context(), userID(c), c.Param("id"), req.Checksum)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.JobID,
		"stage":   job.Stage,
		"message": "上传成功，正在处理中...",
	})
}

// parseStages 解析 ?status=COMPLETE,FAILED
func parseStages(raw string) ([]models.Stage, error) {
	if raw == "" {
		return nil, nil
	}
	var stages []models.Stage
	for _, part := range strings.Split(raw, ",") {
		stage := models.Stage(strings.ToUpper(strings.TrimSpace(part)))
		if stage == "" {
			continue
		}
		if !stage.IsValid() {
			return nil, apperr.Validation(apperr.CodeInvalidRequest, "未知的任务状态: %s", part)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// handleListJobs 列出当前用户的任务
func (s *Server) handleListJobs(c *gin.Context) {
	stages, err := parseStages(c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "limit 必须是非负整数"))
			return
		}
	}

	jobs, err := s.orch.ListJobs(c.Request.Context(), userID(c), stages, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// handleGetJob 获取任务状态
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.orch.GetJob(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleCancelJob 请求取消任务
func (s *Server) handleCancelJob(c *gin.Context) {
	job, err := s.orch.Cancel(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// handleRetryJob 重试失败的任务
func (s *Server) handleRetryJob(c *gin.Context) {
	job, err := s.orch.Retry(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// handleDeleteJob 删除终态任务
func (s *Server) handleDeleteJob(c *gin.Context) {
	if err := s.orch.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFetchOutput 重定向到短期有效的下载地址；该格式不可用时返回 404
func (s *Server) handleFetchOutput(c *gin.Context) {
	format, ok := models.ParseFormat(strings.ToLower(c.Param("format")))
	if !ok {
		respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "不支持的输出格式: %s", c.Param("format")))
		return
	}

	jobID := c.Param("id")
	if _, err := s.orch.FetchOutput(c.Request.Context(), userID(c), jobID, format); err != nil {
		respondError(c, err)
		return
	}

	token, err := s.auth.IssueDownloadToken(jobID, format)
	if err != nil {
		respondError(c, fmt.Errorf("签发下载令牌失败: %w", err))
		return
	}
	c.Redirect(http.StatusFound, "/api/downloads/"+token)
}

// handleDownload 按下载令牌返回文件内容
func (s *Server) handleDownload(c *gin.Context) {
	claims, err := s.auth.ValidateDownloadToken(c.Param("token"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "下载链接无效或已过期", "code": "unauthorized"})
		return
	}
	format, ok := models.ParseFormat(claims.Format)
	if !ok {
		respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "不支持的输出格式: %s", claims.Format))
		return
	}

	asset, rc, err := s.orch.OpenOutput(c.Request.Context(), claims.JobID, format)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="transcript-%s.%s"`, shortID(claims.JobID), format))
	c.Header("Content-Type", asset.MimeType)
	c.Header("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		log.Printf("⚠️ 下载 %s/%s 中断: %v", claims.JobID, format, err)
	}
}

func shortID(id string) string {
	id = filepath.Base(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// handleRepairStuckJobs 立即执行一次停滞任务巡检
func (s *Server) handleRepairStuckJobs(c *gin.Context) {
	report, err := s.orch.RepairStuckJobs(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

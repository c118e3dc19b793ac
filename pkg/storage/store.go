package storage

import (
	"context"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
)

// JobFilter 任务列表过滤条件
type JobFilter struct {
	UserID string
	Stages []models.Stage
	Limit  int
}

func (f JobFilter) match(job *models.TranscriptionJob) bool {
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if len(f.Stages) == 0 {
		return true
	}
	for _, s := range f.Stages {
		if job.Stage == s {
			return true
		}
	}
	return false
}

// Store 记录存储接口：任务、上传会话、片段、输出资产各自独立存储
type Store interface {
	// SaveJob 保存任务（不存在则创建）
	SaveJob(ctx context.Context, job *models.TranscriptionJob) error

	// GetJob 获取任务
	GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error)

	// UpdateJob 读-改-写（回调返回错误时放弃写入）
	UpdateJob(ctx context.Context, jobID string, updateFn func(*models.TranscriptionJob) error) (*models.TranscriptionJob, error)

	// ListJobs 按创建时间倒序列出任务
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.TranscriptionJob, error)

	// ListStaleJobs 列出 updated_at 早于 before 的非终态任务
	ListStaleJobs(ctx context.Context, before time.Time) ([]*models.TranscriptionJob, error)

	// DeleteJob 删除任务
	DeleteJob(ctx context.Context, jobID string) error

	SaveSession(ctx context.Context, session *models.UploadSession) error
	GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error)
	UpdateSession(ctx context.Context, sessionID string, updateFn func(*models.UploadSession) error) (*models.UploadSession, error)
	// ListExpiredSessions 列出 expires_at 早于 now 的 OPEN 会话
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error)

	// SaveSegments 替换任务的全部片段
	SaveSegments(ctx context.Context, jobID string, segments []*models.Segment) error
	// ListSegments 按 Index 升序返回
	ListSegments(ctx context.Context, jobID string) ([]*models.Segment, error)
	UpdateSegment(ctx context.Context, jobID string, index int, updateFn func(*models.Segment) error) (*models.Segment, error)
	DeleteSegments(ctx context.Context, jobID string) error

	SaveAsset(ctx context.Context, asset *models.OutputAsset) error
	GetAsset(ctx context.Context, assetID string) (*models.OutputAsset, error)
	ListAssets(ctx context.Context, jobID string) ([]*models.OutputAsset, error)
	DeleteAssets(ctx context.Context, jobID string) error

	// Close 关闭存储连接
	Close() error
}

func jobNotFound(jobID string) error {
	return apperr.NotFound("任务不存在: %s", jobID)
}

func sessionNotFound(sessionID string) error {
	return apperr.NotFound("上传会话不存在: %s", sessionID)
}

func segmentNotFound(jobID string, index int) error {
	return apperr.NotFound("片段不存在: %s #%d", jobID, index)
}

func assetNotFound(assetID string) error {
	return apperr.NotFound("输出文件不存在: %s", assetID)
}

// IsNotFound 记录是否不存在
func IsNotFound(err error) bool {
	return apperr.Is(err, apperr.KindNotFound)
}

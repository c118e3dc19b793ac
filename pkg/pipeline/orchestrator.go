// Package pipeline 任务编排：状态机、检查点、取消/重试/删除与看门狗
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/diarize"
	"github.com/z-wentao/longscribe/pkg/limiter"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/queue"
	"github.com/z-wentao/longscribe/pkg/storage"
	"github.com/z-wentao/longscribe/pkg/transcriber"
	"github.com/z-wentao/longscribe/pkg/upload"
)

// Prober 媒体探测
type Prober interface {
	Probe(ctx context.Context, path, declaredMime string) (*models.MediaInfo, error)
}

// AudioExtractor 提取音轨
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, input, output string) error
}

// Segmenter 切分音频
type Segmenter interface {
	Segment(ctx context.Context, jobID, audioPath string, info *models.MediaInfo) ([]*models.Segment, error)
}

// LanguageDetector 语言投票
type LanguageDetector interface {
	Detect(ctx context.Context, segments []*models.Segment, forced string) (*transcriber.Detection, error)
}

// SegmentTranscriber 片段转写 Worker Pool
type SegmentTranscriber interface {
	Run(ctx context.Context, jobID string, segments []*models.Segment, language string, onProgress func(done, total int)) error
}

// Deps 编排器依赖
type Deps struct {
	Store      storage.Store
	Blobs      blob.Store
	Queue      queue.Queue
	Limiter    limiter.Limiter
	Uploads    *upload.Manager
	Prober     Prober
	Transcoder AudioExtractor
	Segmenter  Segmenter
	Detector   LanguageDetector
	Pool       SegmentTranscriber
	// Diarizer 为 nil 时跳过说话人分离
	Diarizer diarize.Diarizer
}

// Config 编排配置
type Config struct {
	Overlap         float64
	JobTimeout      time.Duration
	MaxRetries      int
	StaleAfter      time.Duration
	StageStaleAfter map[models.Stage]time.Duration
}

var (
	// ErrAtCapacity 全局并发任务已满，消息应稍后重新投递
	ErrAtCapacity = errors.New("全局并发任务已满")
	// ErrClaimed 任务正由其他执行者处理
	ErrClaimed = errors.New("任务正在被其他执行者处理")

	errCancelled  = errors.New("任务已取消")
	errJobTimeout = errors.New("任务执行超时")
	errSuperseded = errors.New("任务已被看门狗接管")
)

// Orchestrator 任务编排器
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	now func() time.Time
}

// New 创建编排器
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		running: make(map[string]context.CancelCauseFunc),
		now:     time.Now,
	}
}

// SubmitUpload 完成上传并创建任务；同一会话重复提交返回同一个任务
func (o *Orchestrator) SubmitUpload(ctx context.Context, userID, sessionID, checksum string) (*models.TranscriptionJob, error) {
	job, created, err := o.deps.Uploads.Complete(ctx, userID, sessionID, checksum)
	if err != nil {
		return nil, err
	}
	if created {
		// 入队失败时任务停在 CREATED，由看门狗重新入队
		if err := o.enqueue(ctx, job.JobID, 0); err != nil {
			log.Printf("⚠️ 任务 %s 入队失败，等待看门狗重试: %v", job.JobID, err)
		} else {
			log.Printf("✓ 任务已加入队列: %s", job.JobID)
		}
	}
	return job, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, jobID string, attempt int) error {
	return o.deps.Queue.Enqueue(ctx, &models.JobMessage{JobID: jobID, Attempt: attempt, EnqueuedAt: o.now()})
}

// owned 读取任务并校验归属
func (o *Orchestrator) owned(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperr.Forbidden()
	}
	return job, nil
}

// GetJob 查询任务
func (o *Orchestrator) GetJob(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	return o.owned(ctx, userID, jobID)
}

// ListJobs 列出用户的任务，可按阶段过滤
func (o *Orchestrator) ListJobs(ctx context.Context, userID string, stages []models.Stage, limit int) ([]*models.TranscriptionJob, error) {
	return o.deps.Store.ListJobs(ctx, storage.JobFilter{UserID: userID, Stages: stages, Limit: limit})
}

// Cancel 设置取消标记并取消本进程内正在执行的上下文；其他进程的执行者在片段之间和阶段边界检查标记
// 尚未开始执行的任务直接进入 CANCELLED
func (o *Orchestrator) Cancel(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	if _, err := o.owned(ctx, userID, jobID); err != nil {
		return nil, err
	}

	job, err := o.deps.Store.UpdateJob(ctx, jobID, func(j *models.TranscriptionJob) error {
		if j.Stage.IsTerminal() {
			return apperr.Conflict(apperr.CodeInvalidTransition, "任务已处于终态 %s，无法取消", j.Stage)
		}
		j.CancelRequested = true
		j.UpdatedAt = o.now()
		if j.Stage == models.StageCreated && j.RunToken == "" {
			markTerminal(j, models.StageCancelled, o.now())
			j.ErrorCode = apperr.CodeJobCancelled
			j.Error = "任务已被用户取消"
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Stage == models.StageCancelled {
		o.releaseSlot(jobID)
		log.Printf("✓ 任务 %s 已取消（尚未开始执行）", jobID)
		return job, nil
	}

	o.mu.Lock()
	if cancel, ok := o.running[jobID]; ok {
		cancel(errCancelled)
	}
	o.mu.Unlock()

	log.Printf("🔄 任务 %s 已请求取消，当前阶段 %s", jobID, job.Stage)
	return job, nil
}

// Retry 重新执行失败的任务：从最后一个完成的检查点之后的阶段继续
// 超时失败和已取消的任务不能重试
func (o *Orchestrator) Retry(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	if _, err := o.owned(ctx, userID, jobID); err != nil {
		return nil, err
	}

	job, err := o.deps.Store.UpdateJob(ctx, jobID, func(j *models.TranscriptionJob) error {
		if j.Stage != models.StageFailed {
			return apperr.Conflict(apperr.CodeJobNotRetryable, "只有失败的任务可以重试（当前 %s）", j.Stage)
		}
		if j.ErrorCode == apperr.CodeJobTimeout {
			return apperr.Conflict(apperr.CodeJobNotRetryable, "超时失败的任务不能重试")
		}
		resumeFrom := j.LastCompletedStage
		if resumeFrom == "" {
			resumeFrom = models.StageCreated
		}
		j.Stage = resumeFrom
		j.RetryCount++
		j.ErrorCode, j.Error, j.FailedStage = "", "", ""
		j.RunToken = ""
		j.CancelRequested = false
		j.CompletedAt = nil
		// 墙钟上限从重试开始重新计算
		j.StartedAt = nil
		j.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.enqueue(ctx, jobID, job.RetryCount); err != nil {
		return nil, fmt.Errorf("任务重新入队失败: %w", err)
	}
	log.Printf("🔄 任务 %s 第 %d 次重试，从 %s 之后继续", jobID, job.RetryCount, job.Stage)
	return job, nil
}

// Delete 删除终态任务及其全部片段、转写结果、输出文件和源文件
func (o *Orchestrator) Delete(ctx context.Context, userID, jobID string) error {
	job, err := o.owned(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if !job.Stage.IsTerminal() {
		return apperr.Conflict(apperr.CodeJobNotTerminal, "任务处于 %s 阶段，只能删除已完成、失败或取消的任务", job.Stage)
	}

	if err := o.deps.Blobs.DeletePrefix(ctx, blob.JobPrefix(jobID)); err != nil {
		return fmt.Errorf("删除任务文件失败: %w", err)
	}
	if job.SessionID != "" {
		if err := o.deps.Blobs.Delete(ctx, blob.SourceKey(job.SessionID)); err != nil {
			return fmt.Errorf("删除源文件失败: %w", err)
		}
		if err := o.deps.Blobs.DeletePrefix(ctx, blob.SessionPrefix(job.SessionID)); err != nil {
			log.Printf("⚠️ 清理会话 %s 的上传文件失败: %v", job.SessionID, err)
		}
	}
	if err := o.deps.Store.DeleteSegments(ctx, jobID); err != nil {
		return err
	}
	if err := o.deps.Store.DeleteAssets(ctx, jobID); err != nil {
		return err
	}
	if err := o.deps.Store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	o.releaseSlot(jobID)

	log.Printf("🧹 任务 %s 已删除", jobID)
	return nil
}

// FetchOutput 返回任务某个格式的输出；该格式生成失败或任务未完成时返回 output_not_available
func (o *Orchestrator) FetchOutput(ctx context.Context, userID, jobID string, format models.OutputFormat) (*models.OutputAsset, error) {
	job, err := o.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return o.outputAsset(ctx, job, format)
}

func (o *Orchestrator) outputAsset(ctx context.Context, job *models.TranscriptionJob, format models.OutputFormat) (*models.OutputAsset, error) {
	if job.Stage != models.StageComplete {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeOutputNotAvailable, "任务尚未完成")
	}
	assetID, ok := job.OutputAsset(format)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeOutputNotAvailable, "%s 格式的输出不可用", format)
	}
	asset, err := o.deps.Store.GetAsset(ctx, assetID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.New(apperr.KindNotFound, apperr.CodeOutputNotAvailable, "%s 格式的输出不可用", format)
		}
		return nil, err
	}
	return asset, nil
}

// OpenOutput 按下载令牌中的任务与格式打开输出文件（令牌已完成鉴权）
func (o *Orchestrator) OpenOutput(ctx context.Context, jobID string, format models.OutputFormat) (*models.OutputAsset, io.ReadCloser, error) {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	asset, err := o.outputAsset(ctx, job, format)
	if err != nil {
		return nil, nil, err
	}
	rc, err := o.deps.Blobs.Get(ctx, asset.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, apperr.New(apperr.KindNotFound, apperr.CodeOutputNotAvailable, "%s 格式的输出文件已丢失", format)
		}
		return nil, nil, err
	}
	return asset, rc, nil
}

// Capacity 当前占用的全局任务槽位
func (o *Orchestrator) Capacity(ctx context.Context) (int, error) {
	return o.deps.Limiter.InUse(ctx)
}

func (o *Orchestrator) releaseSlot(jobID string) {
	if err := o.deps.Limiter.Release(context.Background(), jobID); err != nil {
		log.Printf("⚠️ 任务 %s 释放并发槽位失败: %v", jobID, err)
	}
}

// markTerminal 进入终态并补齐时间戳
func markTerminal(j *models.TranscriptionJob, stage models.Stage, now time.Time) {
	j.Stage = stage
	j.RunToken = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
}

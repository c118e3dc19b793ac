package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/diarize"
	"github.com/z-wentao/longscribe/pkg/media"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/output"
	"github.com/z-wentao/longscribe/pkg/transcriber"
)

// stageWeights 各阶段在总进度中的权重（合计 100）
var stageWeights = map[models.Stage]int{
	models.StageValidating:        2,
	models.StageTranscoding:       5,
	models.StageSegmenting:        5,
	models.StageDetectingLanguage: 3,
	models.StageTranscribing:      70,
	models.StageMerging:           3,
	models.StageDiarizing:         5,
	models.StageGeneratingOutputs: 5,
	models.StageFinalizing:        2,
}

// overallProgress 已完成阶段的权重之和加上当前阶段的部分进度
func overallProgress(current models.Stage, stageProgress int) int {
	total := 0
	for _, s := range models.PipelineStages {
		if s == current {
			total += stageWeights[s] * stageProgress / 100
			break
		}
		total += stageWeights[s]
	}
	return total
}

// run 单次执行的上下文
type run struct {
	o      *Orchestrator
	jobID  string
	token  string
	cancel context.CancelCauseFunc
}

// Process 执行（或续跑）一个任务，直到终态、被取消或进程退出
// 返回 ErrAtCapacity 时消息应稍后重新投递；返回 nil 表示消息可以确认
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			log.Printf("⚠️ 任务 %s 不存在，丢弃消息", jobID)
			return nil
		}
		return err
	}
	if job.Stage.IsTerminal() {
		return nil
	}

	token := uuid.New().String()
	job, err = o.deps.Store.UpdateJob(ctx, jobID, func(j *models.TranscriptionJob) error {
		if j.Stage.IsTerminal() {
			return nil
		}
		if j.RunToken != "" {
			return ErrClaimed
		}
		j.RunToken = token
		j.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClaimed) {
			log.Printf("⚠️ 任务 %s 正在被其他执行者处理，跳过", jobID)
			return nil
		}
		return err
	}
	if job.Stage.IsTerminal() {
		return nil
	}

	r := &run{o: o, jobID: jobID, token: token}

	if job.CancelRequested {
		r.finishCancelled(job.Stage)
		return nil
	}

	ok, err := o.deps.Limiter.Acquire(ctx, jobID)
	if err != nil || !ok {
		r.unclaim()
		if err != nil {
			return fmt.Errorf("申请并发槽位失败: %w", err)
		}
		return ErrAtCapacity
	}

	if job.StartedAt == nil {
		job, err = r.checkpoint(ctx, func(j *models.TranscriptionJob) {
			now := o.now()
			j.StartedAt = &now
		})
		if err != nil {
			r.unclaim()
			o.releaseSlot(jobID)
			return err
		}
	}

	deadline := job.StartedAt.Add(o.cfg.JobTimeout)
	jobCtx, cancelTimeout := context.WithDeadlineCause(ctx, deadline, errJobTimeout)
	defer cancelTimeout()
	jobCtx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)
	r.cancel = cancel

	o.mu.Lock()
	o.running[jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	log.Printf("📝 开始处理任务: %s (%s)，从 %s 之后继续", jobID, job.Filename, orCreated(job.LastCompletedStage))
	return r.execute(ctx, jobCtx, job)
}

func orCreated(s models.Stage) models.Stage {
	if s == "" {
		return models.StageCreated
	}
	return s
}

// execute 依次执行剩余阶段
func (r *run) execute(parent, ctx context.Context, job *models.TranscriptionJob) error {
	started := time.Now()
	stage := orCreated(job.LastCompletedStage).Next()

	for stage != models.StageComplete {
		var err error
		job, err = r.runStage(ctx, job, stage)
		if err != nil {
			return r.handleError(parent, ctx, stage, err)
		}
		stage = stage.Next()
	}

	now := r.o.now()
	_, err := r.checkpoint(context.WithoutCancel(ctx), func(j *models.TranscriptionJob) {
		markTerminal(j, models.StageComplete, now)
		j.Progress = 100
	})
	r.o.releaseSlot(r.jobID)
	if err != nil {
		return err
	}
	log.Printf("🎉 任务 %s 完成！总耗时 %.2f 秒", r.jobID, time.Since(started).Seconds())
	return nil
}

// runStage 记录开始检查点、执行阶段、记录完成检查点
func (r *run) runStage(ctx context.Context, job *models.TranscriptionJob, stage models.Stage) (*models.TranscriptionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !models.CanTransition(job.Stage, stage) {
		return nil, apperr.New(apperr.KindInternal, apperr.CodeInvalidTransition, "非法的阶段转换 %s → %s", job.Stage, stage)
	}

	start := r.o.now()
	job, err := r.checkpoint(ctx, func(j *models.TranscriptionJob) {
		j.Stage = stage
		rec := j.Timeline.Record(stage)
		rec.StartedAt = &start
		rec.CompletedAt = nil
		rec.Progress = 0
		j.Progress = overallProgress(stage, 0)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("🔄 [%s] 进入阶段 %s", r.jobID, stage)

	var mutate func(j *models.TranscriptionJob)
	switch stage {
	case models.StageValidating:
		mutate, err = r.validate(ctx, job)
	case models.StageTranscoding:
		mutate, err = r.transcode(ctx, job)
	case models.StageSegmenting:
		mutate, err = r.segment(ctx, job)
	case models.StageDetectingLanguage:
		mutate, err = r.detectLanguage(ctx, job)
	case models.StageTranscribing:
		mutate, err = r.transcribe(ctx, job)
	case models.StageMerging:
		mutate, err = r.merge(ctx, job)
	case models.StageDiarizing:
		mutate, err = r.diarize(ctx, job)
	case models.StageGeneratingOutputs:
		mutate, err = r.generateOutputs(ctx, job)
	case models.StageFinalizing:
		mutate, err = r.finalize(ctx, job)
	}
	if err != nil {
		return nil, err
	}

	end := r.o.now()
	job, err = r.checkpoint(ctx, func(j *models.TranscriptionJob) {
		if mutate != nil {
			mutate(j)
		}
		rec := j.Timeline.Record(stage)
		rec.CompletedAt = &end
		rec.DurationMS = end.Sub(start).Milliseconds()
		rec.Progress = 100
		j.LastCompletedStage = stage
		j.Progress = overallProgress(stage, 100)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("✓ [%s] 阶段 %s 完成，耗时 %d ms，总进度 %d%%", r.jobID, stage, end.Sub(start).Milliseconds(), job.Progress)
	return job, nil
}

// checkpoint 持久化一次状态变更；执行权已被接管时中止，发现取消标记时取消本次执行
func (r *run) checkpoint(ctx context.Context, fn func(j *models.TranscriptionJob)) (*models.TranscriptionJob, error) {
	job, err := r.o.deps.Store.UpdateJob(context.WithoutCancel(ctx), r.jobID, func(j *models.TranscriptionJob) error {
		if j.RunToken != r.token {
			return errSuperseded
		}
		fn(j)
		j.UpdatedAt = r.o.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, errSuperseded) && r.cancel != nil {
			r.cancel(errSuperseded)
		}
		return nil, err
	}
	if job.CancelRequested && r.cancel != nil {
		r.cancel(errCancelled)
	}
	return job, nil
}

// stageProgress 阶段内进度
func (r *run) stageProgress(ctx context.Context, stage models.Stage, percent int) {
	_, err := r.checkpoint(ctx, func(j *models.TranscriptionJob) {
		j.Timeline.Record(stage).Progress = percent
		j.Progress = overallProgress(stage, percent)
	})
	if err != nil && !errors.Is(err, errSuperseded) {
		log.Printf("⚠️ [%s] 保存进度失败: %v", r.jobID, err)
	}
}

// handleError 根据取消原因决定任务的去向
func (r *run) handleError(parent, ctx context.Context, stage models.Stage, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errCancelled):
		r.finishCancelled(stage)
		return nil
	case errors.Is(cause, errSuperseded) || errors.Is(err, errSuperseded):
		log.Printf("⚠️ [%s] 执行权已被接管，停止处理", r.jobID)
		return nil
	case errors.Is(cause, errJobTimeout):
		r.finishFailed(stage, apperr.Wrap(apperr.KindTimeout, apperr.CodeJobTimeout, err,
			"任务超过执行时限 %s", r.o.cfg.JobTimeout))
		return nil
	case parent.Err() != nil:
		// 进程退出：交还执行权和槽位，消息重新投递后从检查点续跑
		log.Printf("⚠️ [%s] 服务关闭，任务在 %s 阶段中断，稍后续跑", r.jobID, stage)
		r.unclaim()
		r.o.releaseSlot(r.jobID)
		return parent.Err()
	}

	r.finishFailed(stage, err)
	return nil
}

func (r *run) finishFailed(stage models.Stage, err error) {
	code := apperr.CodeOf(err)
	msg := apperr.PublicMessage(err)
	if e, ok := apperr.As(err); ok && e.Stage == "" {
		msg = apperr.PublicMessage(e.WithStage(string(stage)))
	} else if !ok {
		msg = fmt.Sprintf("[%s] %s", stage, msg)
	}

	log.Printf("❌ 任务 %s 在 %s 阶段失败: %v", r.jobID, stage, err)
	now := r.o.now()
	if _, cerr := r.checkpoint(context.Background(), func(j *models.TranscriptionJob) {
		markTerminal(j, models.StageFailed, now)
		j.FailedStage = stage
		j.ErrorCode = code
		j.Error = msg
	}); cerr != nil {
		log.Printf("❌ 任务 %s 无法标记为失败: %v", r.jobID, cerr)
	}
	r.o.releaseSlot(r.jobID)
}

func (r *run) finishCancelled(stage models.Stage) {
	now := r.o.now()
	if _, err := r.checkpoint(context.Background(), func(j *models.TranscriptionJob) {
		markTerminal(j, models.StageCancelled, now)
		j.FailedStage = stage
		j.ErrorCode = apperr.CodeJobCancelled
		j.Error = fmt.Sprintf("任务在 %s 阶段被用户取消", stage)
	}); err != nil {
		log.Printf("❌ 任务 %s 无法标记为已取消: %v", r.jobID, err)
	}
	r.o.releaseSlot(r.jobID)
	log.Printf("✓ 任务 %s 已在 %s 阶段取消", r.jobID, stage)
}

// unclaim 交还执行权（不改变阶段）
func (r *run) unclaim() {
	_, err := r.o.deps.Store.UpdateJob(context.Background(), r.jobID, func(j *models.TranscriptionJob) error {
		if j.RunToken == r.token {
			j.RunToken = ""
		}
		return nil
	})
	if err != nil {
		log.Printf("⚠️ 任务 %s 交还执行权失败: %v", r.jobID, err)
	}
}

func (r *run) localPath(key string) (string, error) {
	p := r.o.deps.Blobs.Path(key)
	if p == "" {
		return "", apperr.New(apperr.KindInternal, apperr.CodeInternal, "媒体文件不在本地存储")
	}
	return p, nil
}

func (r *run) validate(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	src, err := r.localPath(job.SourceKey)
	if err != nil {
		return nil, err
	}
	info, err := r.o.deps.Prober.Probe(ctx, src, job.MimeType)
	if err != nil {
		return nil, err
	}
	return func(j *models.TranscriptionJob) { j.Media = info }, nil
}

func (r *run) transcode(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	if job.Media == nil || !job.Media.NeedsTranscode {
		return func(j *models.TranscriptionJob) { j.AudioKey = j.SourceKey }, nil
	}

	src, err := r.localPath(job.SourceKey)
	if err != nil {
		return nil, err
	}
	key := blob.AudioKey(r.jobID, media.FormatMP3)
	out, err := r.localPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return nil, fmt.Errorf("创建音频目录失败: %w", err)
	}
	if err := r.o.deps.Transcoder.ExtractAudio(ctx, src, out); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, apperr.CodeMediaCorrupt, err, "无法提取音轨")
	}
	return func(j *models.TranscriptionJob) { j.AudioKey = key }, nil
}

func (r *run) segment(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	audio, err := r.localPath(job.AudioKey)
	if err != nil {
		return nil, err
	}
	segments, err := r.o.deps.Segmenter.Segment(ctx, r.jobID, audio, job.Media)
	if err != nil {
		return nil, err
	}
	if err := r.o.deps.Store.SaveSegments(ctx, r.jobID, segments); err != nil {
		return nil, fmt.Errorf("保存片段失败: %w", err)
	}
	log.Printf("✂️  [%s] 切分完成: %d 个片段", r.jobID, len(segments))
	return func(j *models.TranscriptionJob) { j.SegmentCount = len(segments) }, nil
}

func (r *run) detectLanguage(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	segments, err := r.o.deps.Store.ListSegments(ctx, r.jobID)
	if err != nil {
		return nil, err
	}
	forced := ""
	if job.LanguageForced {
		forced = job.Language
	}
	det, err := r.o.deps.Detector.Detect(ctx, segments, forced)
	if err != nil {
		return nil, err
	}
	if det.Language == "" {
		log.Printf("⚠️ [%s] 未能识别语言，由引擎逐段自动识别", r.jobID)
	} else {
		log.Printf("📊 [%s] 语言: %s (置信度 %.2f, 抽样 %d, 指定=%v)", r.jobID, det.Language, det.Confidence, det.Samples, det.Forced)
	}
	return func(j *models.TranscriptionJob) {
		j.Language = det.Language
		j.LanguageConfidence = det.Confidence
		j.LanguageForced = det.Forced
	}, nil
}

func (r *run) transcribe(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	segments, err := r.o.deps.Store.ListSegments(ctx, r.jobID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, apperr.New(apperr.KindInternal, apperr.CodeSegmentFailed, "没有可转写的片段")
	}
	err = r.o.deps.Pool.Run(ctx, r.jobID, segments, job.Language, func(done, total int) {
		r.stageProgress(ctx, models.StageTranscribing, done*100/total)
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *run) merge(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	segments, err := r.o.deps.Store.ListSegments(ctx, r.jobID)
	if err != nil {
		return nil, err
	}
	transcript, err := transcriber.Merge(r.jobID, segments, r.o.cfg.Overlap)
	if err != nil {
		return nil, err
	}
	transcript.Language = job.Language
	if job.Media != nil && job.Media.Duration > transcript.Duration {
		transcript.Duration = job.Media.Duration
	}

	key, err := r.saveTranscript(ctx, transcript)
	if err != nil {
		return nil, err
	}
	return func(j *models.TranscriptionJob) {
		j.TranscriptKey = key
		j.DiarizationApplied = false
		j.DiarizationError = ""
	}, nil
}

// diarize 说话人分离失败不会让任务失败，只记录原因并跳过
func (r *run) diarize(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	if !job.Diarization || r.o.deps.Diarizer == nil {
		return nil, nil
	}
	transcript, err := r.loadTranscript(ctx, job)
	if err != nil {
		return nil, err
	}

	turns, err := r.o.deps.Diarizer.Diarize(ctx, transcript, job.MaxSpeakers)
	if err == nil && len(turns) > 0 {
		diarize.Apply(transcript, turns)
		_, err = r.saveTranscript(ctx, transcript)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("⚠️ [%s] 说话人分离失败，输出不含说话人信息: %v", r.jobID, err)
		return func(j *models.TranscriptionJob) {
			j.DiarizationApplied = false
			j.DiarizationError = "说话人分离失败，已输出不含说话人信息的转写结果"
		}, nil
	}

	log.Printf("✓ [%s] 说话人分离完成: %d 个轮次", r.jobID, len(turns))
	return func(j *models.TranscriptionJob) {
		j.DiarizationApplied = len(turns) > 0
		j.DiarizationError = ""
	}, nil
}

// generateOutputs 各格式独立生成，部分失败不影响其他格式；全部失败时任务失败
func (r *run) generateOutputs(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	transcript, err := r.loadTranscript(ctx, job)
	if err != nil {
		return nil, err
	}
	// 重新生成而不是修补
	if err := r.o.deps.Store.DeleteAssets(ctx, r.jobID); err != nil {
		return nil, err
	}

	formats := job.Formats
	if len(formats) == 0 {
		formats = models.AllFormats
	}
	doc := &output.Document{Job: job, Transcript: transcript, GeneratedAt: r.o.now()}

	refs := make([]models.OutputRef, 0, len(formats))
	var failures []models.OutputFailure
	for _, format := range formats {
		asset, err := r.renderOne(ctx, format, doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("⚠️ [%s] 生成 %s 失败: %v", r.jobID, format, err)
			failures = append(failures, models.OutputFailure{Format: format, Error: apperr.PublicMessage(err)})
			continue
		}
		refs = append(refs, models.OutputRef{Format: format, AssetID: asset.AssetID})
	}

	if len(refs) == 0 {
		return nil, apperr.New(apperr.KindInternal, apperr.CodeOutputFailed, "所有输出格式均生成失败")
	}
	return func(j *models.TranscriptionJob) {
		j.Outputs = refs
		j.OutputFailures = failures
	}, nil
}

func (r *run) renderOne(ctx context.Context, format models.OutputFormat, doc *output.Document) (*models.OutputAsset, error) {
	data, err := output.Render(format, doc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, apperr.CodeOutputFailed, err, "生成 %s 失败", format)
	}
	key := blob.OutputKey(r.jobID, string(format))
	size, err := r.o.deps.Blobs.Put(ctx, key, bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, apperr.CodeOutputFailed, err, "保存 %s 失败", format)
	}
	asset := &models.OutputAsset{
		AssetID:     uuid.New().String(),
		JobID:       r.jobID,
		Format:      format,
		StorageKey:  key,
		SizeBytes:   size,
		MimeType:    output.MimeType(format),
		GeneratedAt: doc.GeneratedAt,
	}
	if err := r.o.deps.Store.SaveAsset(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// finalize 清理中间产物：片段音频和提取出的音轨
func (r *run) finalize(ctx context.Context, job *models.TranscriptionJob) (func(*models.TranscriptionJob), error) {
	if err := r.o.deps.Blobs.DeletePrefix(ctx, blob.SegmentPrefix(r.jobID)); err != nil {
		log.Printf("⚠️ [%s] 清理片段音频失败: %v", r.jobID, err)
	}
	if job.AudioKey != "" && job.AudioKey != job.SourceKey {
		if err := r.o.deps.Blobs.Delete(ctx, job.AudioKey); err != nil {
			log.Printf("⚠️ [%s] 清理音轨失败: %v", r.jobID, err)
		}
	}
	log.Printf("🧹 [%s] 中间文件已清理", r.jobID)
	return nil, nil
}

func (r *run) saveTranscript(ctx context.Context, t *models.MergedTranscript) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("序列化转写结果失败: %w", err)
	}
	key := blob.TranscriptKey(r.jobID)
	if _, err := r.o.deps.Blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("保存转写结果失败: %w", err)
	}
	return key, nil
}

func (r *run) loadTranscript(ctx context.Context, job *models.TranscriptionJob) (*models.MergedTranscript, error) {
	key := job.TranscriptKey
	if key == "" {
		key = blob.TranscriptKey(r.jobID)
	}
	rc, err := r.o.deps.Blobs.Get(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, apperr.CodeMergeFailed, err, "读取转写结果失败")
	}
	defer rc.Close()

	var t models.MergedTranscript
	if err := json.NewDecoder(rc).Decode(&t); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, apperr.CodeMergeFailed, err, "解析转写结果失败")
	}
	if strings.TrimSpace(t.JobID) == "" {
		t.JobID = r.jobID
	}
	return &t, nil
}

package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/storage"
)

// RepairReport 一次巡检的结果
type RepairReport struct {
	Scanned         int      `json:"scanned"`
	Resumed         []string `json:"resumed"`
	Failed          []string `json:"failed"`
	TimedOut        []string `json:"timed_out"`
	Cancelled       []string `json:"cancelled"`
	ReleasedSlots   []string `json:"released_slots"`
	ExpiredSessions int      `json:"expired_sessions"`
}

// staleThreshold 阶段对应的停滞阈值
func (o *Orchestrator) staleThreshold(stage models.Stage) time.Duration {
	if d, ok := o.cfg.StageStaleAfter[stage]; ok && d > 0 {
		return d
	}
	return o.cfg.StaleAfter
}

func (o *Orchestrator) minThreshold() time.Duration {
	shortest := o.cfg.StaleAfter
	for _, d := range o.cfg.StageStaleAfter {
		if d > 0 && d < shortest {
			shortest = d
		}
	}
	return shortest
}

// RepairStuckJobs 巡检停滞的任务：
// 有重试额度的重新入队从检查点续跑，否则标记为 stuck_job 失败；超过墙钟上限的标记为 job_timeout。
// 同时回收泄漏的并发槽位和过期的上传会话
func (o *Orchestrator) RepairStuckJobs(ctx context.Context, now time.Time) (*RepairReport, error) {
	report := &RepairReport{
		Resumed:       []string{},
		Failed:        []string{},
		TimedOut:      []string{},
		Cancelled:     []string{},
		ReleasedSlots: []string{},
	}

	jobs, err := o.deps.Store.ListStaleJobs(ctx, now.Add(-o.minThreshold()))
	if err != nil {
		return nil, fmt.Errorf("查询停滞任务失败: %w", err)
	}

	for _, job := range jobs {
		threshold := o.staleThreshold(job.Stage)
		if now.Sub(job.UpdatedAt) < threshold {
			continue
		}
		report.Scanned++

		outcome, err := o.repairJob(ctx, job, now, threshold)
		if err != nil {
			log.Printf("⚠️ 修复任务 %s 失败: %v", job.JobID, err)
			continue
		}
		switch outcome {
		case models.StageCreated:
			report.Resumed = append(report.Resumed, job.JobID)
		case models.StageCancelled:
			report.Cancelled = append(report.Cancelled, job.JobID)
		case models.StageFailed:
			report.Failed = append(report.Failed, job.JobID)
		case timedOut:
			report.TimedOut = append(report.TimedOut, job.JobID)
		}
	}

	released, err := o.releaseLeakedSlots(ctx)
	if err != nil {
		log.Printf("⚠️ 回收并发槽位失败: %v", err)
	}
	report.ReleasedSlots = released

	if o.deps.Uploads != nil {
		n, err := o.deps.Uploads.ExpireSessions(ctx, now)
		if err != nil {
			log.Printf("⚠️ 回收过期上传会话失败: %v", err)
		}
		report.ExpiredSessions = n
	}

	if report.Scanned > 0 || len(released) > 0 || report.ExpiredSessions > 0 {
		log.Printf("🧹 巡检完成: 停滞 %d, 续跑 %d, 失败 %d, 超时 %d, 取消 %d, 回收槽位 %d, 过期会话 %d",
			report.Scanned, len(report.Resumed), len(report.Failed), len(report.TimedOut),
			len(report.Cancelled), len(released), report.ExpiredSessions)
	}
	return report, nil
}

// timedOut 仅用于区分巡检结果
const timedOut models.Stage = "TIMED_OUT"

func (o *Orchestrator) repairJob(ctx context.Context, stale *models.TranscriptionJob, now time.Time, threshold time.Duration) (models.Stage, error) {
	var outcome models.Stage
	job, err := o.deps.Store.UpdateJob(ctx, stale.JobID, func(j *models.TranscriptionJob) error {
		outcome = ""
		// 巡检期间任务有了进展
		if j.Stage.IsTerminal() || !j.UpdatedAt.Equal(stale.UpdatedAt) {
			return nil
		}
		stage := j.Stage

		switch {
		case j.CancelRequested:
			markTerminal(j, models.StageCancelled, now)
			j.FailedStage = stage
			j.ErrorCode = apperr.CodeJobCancelled
			j.Error = fmt.Sprintf("任务在 %s 阶段被用户取消", stage)
			outcome = models.StageCancelled

		case j.StartedAt != nil && now.Sub(*j.StartedAt) > o.cfg.JobTimeout:
			markTerminal(j, models.StageFailed, now)
			j.FailedStage = stage
			j.ErrorCode = apperr.CodeJobTimeout
			j.Error = fmt.Sprintf("[%s] 任务超过执行时限 %s", stage, o.cfg.JobTimeout)
			outcome = timedOut

		case stage == models.StageCreated || j.RetryCount < o.cfg.MaxRetries:
			if stage != models.StageCreated {
				j.RetryCount++
			}
			j.RunToken = ""
			j.UpdatedAt = now
			outcome = models.StageCreated

		default:
			markTerminal(j, models.StageFailed, now)
			j.FailedStage = stage
			j.ErrorCode = apperr.CodeStuckJob
			j.Error = fmt.Sprintf("[%s] 任务停滞超过 %s，已重试 %d 次", stage, threshold, j.RetryCount)
			outcome = models.StageFailed
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if outcome == "" {
		return "", nil
	}

	// 本进程内仍在执行的旧实例让出执行权
	o.mu.Lock()
	if cancel, ok := o.running[job.JobID]; ok {
		cancel(errSuperseded)
	}
	o.mu.Unlock()

	switch outcome {
	case models.StageCreated:
		if err := o.enqueue(ctx, job.JobID, job.RetryCount); err != nil {
			return "", fmt.Errorf("重新入队失败: %w", err)
		}
		log.Printf("🔄 停滞任务 %s（%s）已重新入队，第 %d 次重试", job.JobID, job.Stage, job.RetryCount)
	default:
		o.releaseSlot(job.JobID)
		log.Printf("❌ 停滞任务 %s 已结束: %s", job.JobID, job.Error)
	}
	return outcome, nil
}

// releaseLeakedSlots 释放已终态或已删除任务仍占用的槽位
func (o *Orchestrator) releaseLeakedSlots(ctx context.Context) ([]string, error) {
	members, err := o.deps.Limiter.Members(ctx)
	if err != nil {
		return nil, err
	}
	released := []string{}
	for _, id := range members {
		job, err := o.deps.Store.GetJob(ctx, id)
		if err != nil && !storage.IsNotFound(err) {
			return released, err
		}
		if err == nil && !job.Stage.IsTerminal() {
			continue
		}
		if err := o.deps.Limiter.Release(ctx, id); err != nil {
			return released, err
		}
		released = append(released, id)
	}
	return released, nil
}

// RunWatchdog 按固定间隔巡检，直到 ctx 结束
func (o *Orchestrator) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("✓ 看门狗已启动，巡检间隔 %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("看门狗已停止")
			return
		case <-ticker.C:
			if _, err := o.RepairStuckJobs(ctx, o.now()); err != nil {
				log.Printf("❌ 巡检失败: %v", err)
			}
		}
	}
}

package pipeline

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/upload"
)

func TestRepairStuckJobs(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	now := time.Now()

	save := func(id string, stage models.Stage, idle time.Duration, mutate func(j *models.TranscriptionJob)) {
		t.Helper()
		job := &models.TranscriptionJob{
			JobID:     id,
			UserID:    "alice",
			Stage:     stage,
			CreatedAt: now.Add(-3 * time.Hour),
			UpdatedAt: now.Add(-idle),
		}
		if mutate != nil {
			mutate(job)
		}
		if err := h.store.SaveJob(ctx, job); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}
	startedAgo := func(d time.Duration) func(j *models.TranscriptionJob) {
		return func(j *models.TranscriptionJob) {
			started := now.Add(-d)
			j.StartedAt = &started
			j.RunToken = "dead-worker"
		}
	}

	save("created", models.StageCreated, 5*time.Minute, nil)
	save("validating", models.StageValidating, 6*time.Minute, startedAgo(10*time.Minute))
	save("transcribing", models.StageTranscribing, 10*time.Minute, startedAgo(15*time.Minute))
	save("exhausted", models.StageSegmenting, 5*time.Minute, func(j *models.TranscriptionJob) {
		startedAgo(20 * time.Minute)(j)
		j.RetryCount = 2
	})
	save("overdue", models.StageMerging, 5*time.Minute, startedAgo(2*time.Hour))
	save("cancelling", models.StageDiarizing, 5*time.Minute, func(j *models.TranscriptionJob) {
		startedAgo(10 * time.Minute)(j)
		j.CancelRequested = true
	})
	save("recent", models.StageValidating, 30*time.Second, startedAgo(time.Minute))
	save("done", models.StageComplete, time.Hour, nil)

	for _, id := range []string{"exhausted", "done", "ghost"} {
		h.limiter.Acquire(ctx, id)
	}
	h.store.SaveSession(ctx, &models.UploadSession{
		SessionID: "stale-session",
		UserID:    "alice",
		Status:    models.UploadOpen,
		ExpiresAt: now.Add(-time.Minute),
	})

	report, err := h.orch.RepairStuckJobs(ctx, now)
	if err != nil {
		t.Fatalf("RepairStuckJobs: %v", err)
	}

	sort.Strings(report.Resumed)
	checks := []struct {
		name string
		got  []string
		want []string
	}{
		{"resumed", report.Resumed, []string{"created", "validating"}},
		{"failed", report.Failed, []string{"exhausted"}},
		{"timed out", report.TimedOut, []string{"overdue"}},
		{"cancelled", report.Cancelled, []string{"cancelling"}},
		{"released", report.ReleasedSlots, []string{"done", "ghost"}},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if report.Scanned != 5 || report.ExpiredSessions != 1 {
		t.Fatalf("report = %+v", report)
	}

	if j := h.job(t, "created"); j.RetryCount != 0 || j.Stage != models.StageCreated {
		t.Fatalf("created = %+v", j)
	}
	if j := h.job(t, "validating"); j.RetryCount != 1 || j.RunToken != "" || j.Stage != models.StageValidating {
		t.Fatalf("validating = %+v", j)
	}
	if j := h.job(t, "transcribing"); j.RunToken != "dead-worker" {
		t.Fatal("transcription within its stage threshold was touched")
	}
	if j := h.job(t, "exhausted"); j.Stage != models.StageFailed || j.ErrorCode != apperr.CodeStuckJob || j.FailedStage != models.StageSegmenting {
		t.Fatalf("exhausted = %+v", j)
	}
	if j := h.job(t, "overdue"); j.Stage != models.StageFailed || j.ErrorCode != apperr.CodeJobTimeout {
		t.Fatalf("overdue = %+v", j)
	}
	if j := h.job(t, "cancelling"); j.Stage != models.StageCancelled || j.ErrorCode != apperr.CodeJobCancelled {
		t.Fatalf("cancelling = %+v", j)
	}
	if h.queue.Len() != 2 || h.inUse(t) != 0 {
		t.Fatalf("queue = %d, slots = %d", h.queue.Len(), h.inUse(t))
	}
	if s, _ := h.store.GetSession(ctx, "stale-session"); s.Status != models.UploadExpired {
		t.Fatalf("session = %+v", s)
	}

	// 续跑的任务刚刚更新过，第二轮巡检不会重复处理
	again, err := h.orch.RepairStuckJobs(ctx, now)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if again.Scanned != 0 || h.queue.Len() != 2 {
		t.Fatalf("second pass = %+v", again)
	}
}

// TestResumedJobContinuesFromCheckpoint 停滞任务被重新入队后从检查点续跑到完成
func TestResumedJobContinuesFromCheckpoint(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := h.submit(t, upload.CreateRequest{})
	// 服务关闭时中断在转写阶段
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	h.pool.fail = func(c context.Context, seg *models.Segment) error {
		if seg.Index == 1 {
			stop()
			return stopCtx.Err()
		}
		return nil
	}
	if err := h.orch.Process(stopCtx, job.JobID); err == nil {
		t.Fatal("interrupted run reported success")
	}
	got := h.job(t, job.JobID)
	if got.Stage != models.StageTranscribing || got.RunToken != "" || h.inUse(t) != 0 {
		t.Fatalf("interrupted job = %+v", got)
	}

	h.pool.fail = nil
	// 超过转写阶段的停滞阈值，但未超过墙钟上限
	report, err := h.orch.RepairStuckJobs(ctx, time.Now().Add(45*time.Minute))
	if err != nil {
		t.Fatalf("RepairStuckJobs: %v", err)
	}
	if len(report.Resumed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	h.process(t, job.JobID)
	if got := h.job(t, job.JobID); got.Stage != models.StageComplete || got.RetryCount != 1 {
		t.Fatalf("resumed job = %+v", got)
	}
	if h.segmenter.calls != 1 || h.pool.done != 2 {
		t.Fatalf("segmenter = %d, segments transcribed = %d", h.segmenter.calls, h.pool.done)
	}
}

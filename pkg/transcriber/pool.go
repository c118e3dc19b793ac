package transcriber

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/media"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/retry"
)

// SegmentStore 片段状态持久化
type SegmentStore interface {
	UpdateSegment(ctx context.Context, jobID string, index int, updateFn func(*models.Segment) error) (*models.Segment, error)
}

// WAVEncoder 引擎拒收时把片段重新编码为 WAV
type WAVEncoder interface {
	EncodeWAV(ctx context.Context, input, output string) error
}

// PoolConfig Worker Pool 配置
type PoolConfig struct {
	Concurrency       int
	InterSegmentDelay time.Duration
	CallTimeout       time.Duration
	MaxSegmentBytes   int64
	Policy            retry.Policy
}

// Pool 片段转写 Worker Pool
// 按 Index 顺序派发，结果按 Index 落库；同一片段同一时刻只会被一个 Worker 处理
type Pool struct {
	engine  Engine
	blobs   blob.Store
	store   SegmentStore
	encoder WAVEncoder
	cfg     PoolConfig

	throttleMu sync.Mutex
	nextCall   time.Time
}

// NewPool 创建 Worker Pool
func NewPool(engine Engine, blobs blob.Store, store SegmentStore, encoder WAVEncoder, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	return &Pool{engine: engine, blobs: blobs, store: store, encoder: encoder, cfg: cfg}
}

// Run 转写全部未完成的片段
// ctx 被取消时停止派发并中断进行中的 ASR 调用；
// 片段最终失败时停止派发新片段（进行中的片段照常完成），返回序号最小的失败片段的错误
func (p *Pool) Run(ctx context.Context, jobID string, segments []*models.Segment, language string, onProgress func(done, total int)) error {
	total := len(segments)
	pending := make([]*models.Segment, 0, total)
	done := 0
	for _, seg := range segments {
		if seg.Status == models.SegmentDone {
			done++
			continue
		}
		pending = append(pending, seg)
	}
	if len(pending) == 0 {
		return nil
	}
	log.Printf("🚀 [%s] 启动 %d 个并发分片处理器，待处理 %d/%d 个片段",
		jobID, p.cfg.Concurrency, len(pending), total)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	taskChan := make(chan *models.Segment)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		failedAt = -1
	)

	workers := p.cfg.Concurrency
	if workers > len(pending) {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for seg := range taskChan {
				// 派发已停止时不再开始新片段
				if dispatchCtx.Err() != nil {
					continue
				}
				err := p.processSegment(ctx, workerID, seg, language)

				mu.Lock()
				if err != nil {
					if failedAt < 0 || seg.Index < failedAt {
						failedAt = seg.Index
						firstErr = err
					}
					stopDispatch()
				} else {
					done++
					if onProgress != nil {
						onProgress(done, total)
					}
				}
				mu.Unlock()
			}
		}(i)
	}

dispatch:
	for _, seg := range pending {
		select {
		case <-dispatchCtx.Done():
			break dispatch
		case taskChan <- seg:
		}
	}
	close(taskChan)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// throttle 控制相邻两次调用的最小间隔（与重试退避无关）
func (p *Pool) throttle(ctx context.Context) error {
	if p.cfg.InterSegmentDelay <= 0 {
		return nil
	}
	p.throttleMu.Lock()
	now := time.Now()
	wait := p.nextCall.Sub(now)
	if wait < 0 {
		wait = 0
	}
	p.nextCall = now.Add(wait + p.cfg.InterSegmentDelay)
	p.throttleMu.Unlock()

	return retry.Sleep(ctx, wait)
}

func (p *Pool) processSegment(ctx context.Context, workerID int, seg *models.Segment, language string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Printf("🔄 [%s][分片处理器-%d] 正在处理片段 #%d (%.1fs - %.1fs)",
		seg.JobID, workerID, seg.Index, seg.Start, seg.End)

	res, err := p.transcribeWithRetry(ctx, seg, language)
	if err != nil && apperr.Is(err, apperr.KindPayload) && seg.Format != media.FormatWAV {
		log.Printf("⚠️ [%s] 片段 #%d 被引擎拒收，改用 WAV 重试: %v", seg.JobID, seg.Index, err)
		if ferr := p.fallbackToWAV(ctx, seg); ferr != nil {
			err = fmt.Errorf("WAV 回退失败: %v (原始错误: %w)", ferr, err)
		} else {
			res, err = p.transcribeWithRetry(ctx, seg, language)
		}
	}

	if err != nil {
		if ctx.Err() != nil && !apperr.Is(err, apperr.KindPayload) {
			// 取消或超时：片段回到待处理状态，续跑时重新转写
			p.store.UpdateSegment(context.WithoutCancel(ctx), seg.JobID, seg.Index, func(s *models.Segment) error {
				s.Status = models.SegmentPending
				s.UpdatedAt = time.Now()
				return nil
			})
			return ctx.Err()
		}
		log.Printf("❌ [%s] 片段 #%d 转写失败: %v", seg.JobID, seg.Index, err)
		p.store.UpdateSegment(context.WithoutCancel(ctx), seg.JobID, seg.Index, func(s *models.Segment) error {
			s.Status = models.SegmentFailed
			s.Error = apperr.PublicMessage(err)
			s.UpdatedAt = time.Now()
			return nil
		})
		return apperr.Wrap(apperr.KindOf(err), apperr.CodeSegmentFailed, err,
			"片段 #%d 转写失败", seg.Index).WithSegment(seg.Index)
	}

	words := make([]models.Word, 0, len(res.Words))
	for _, w := range res.Words {
		words = append(words, models.Word{Text: w.Text, Start: seg.Start + w.Start, End: seg.Start + w.End})
	}
	_, err = p.store.UpdateSegment(context.WithoutCancel(ctx), seg.JobID, seg.Index, func(s *models.Segment) error {
		s.Status = models.SegmentDone
		s.Text = res.Text
		s.Words = words
		s.Confidence = res.Confidence
		s.Language = res.Language
		s.Error = ""
		s.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("保存片段 #%d 结果失败: %w", seg.Index, err)
	}

	log.Printf("✅ [%s] 片段 #%d 转写完成 | 文本长度: %d 字符", seg.JobID, seg.Index, len(res.Text))
	return nil
}

// transcribeWithRetry 限流/临时错误按策略退避重试，Retry-After 优先
func (p *Pool) transcribeWithRetry(ctx context.Context, seg *models.Segment, language string) (*Result, error) {
	var res *Result
	err := p.cfg.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := p.throttle(ctx); err != nil {
			return err
		}

		updated, err := p.store.UpdateSegment(ctx, seg.JobID, seg.Index, func(s *models.Segment) error {
			s.Status = models.SegmentTranscribing
			s.Attempts++
			s.UpdatedAt = time.Now()
			return nil
		})
		if err != nil {
			return err
		}
		if updated.AudioKey != "" {
			seg.AudioKey, seg.Format = updated.AudioKey, updated.Format
		}

		// 进行中的调用不受任务取消影响，只受单次调用超时约束
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
		defer cancel()

		key := seg.AudioKey
		r, err := p.engine.Transcribe(callCtx, Request{
			Filename: path.Base(key),
			Open:     func() (io.ReadCloser, error) { return p.blobs.Get(callCtx, key) },
			Language: language,
			Mode:     ModeTranscribe,
		})
		if err != nil {
			if attempt > 1 || apperr.Is(err, apperr.KindRateLimit) {
				log.Printf("⚠️ [%s] 片段 #%d 第 %d 次调用失败: %v", seg.JobID, seg.Index, attempt, err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// fallbackToWAV 重新编码为 WAV，仍需满足大小上限
func (p *Pool) fallbackToWAV(ctx context.Context, seg *models.Segment) error {
	if p.encoder == nil {
		return fmt.Errorf("未配置 WAV 编码器")
	}
	src := p.blobs.Path(seg.AudioKey)
	if src == "" {
		return fmt.Errorf("片段音频不在本地存储")
	}

	tmpDir, err := os.MkdirTemp("", "longscribe-wav-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	out := filepath.Join(tmpDir, fmt.Sprintf("segment_%05d.wav", seg.Index))
	if err := p.encoder.EncodeWAV(ctx, src, out); err != nil {
		return err
	}
	fi, err := os.Stat(out)
	if err != nil {
		return err
	}
	if p.cfg.MaxSegmentBytes > 0 && fi.Size() > p.cfg.MaxSegmentBytes {
		return apperr.New(apperr.KindPayload, apperr.CodeSegmentTooLarge,
			"WAV 片段 %d 字节超过上限 %d", fi.Size(), p.cfg.MaxSegmentBytes)
	}

	key := blob.SegmentKey(seg.JobID, seg.Index, media.FormatWAV)
	size, err := putFile(ctx, p.blobs, key, out)
	if err != nil {
		return err
	}
	_, err = p.store.UpdateSegment(ctx, seg.JobID, seg.Index, func(s *models.Segment) error {
		s.AudioKey = key
		s.Format = media.FormatWAV
		s.Bytes = size
		return nil
	})
	if err != nil {
		return err
	}
	seg.AudioKey, seg.Format, seg.Bytes = key, media.FormatWAV, size
	return nil
}

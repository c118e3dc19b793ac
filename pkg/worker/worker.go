package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/queue"
)

// Processor 执行单个任务
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Worker 队列消费者：每个 Goroutine 一次只处理一个任务
type Worker struct {
	queue     queue.Queue
	processor Processor
	count     int
	// capacityDelay 全局槽位已满时，消息重新入队前的等待
	capacityDelay time.Duration
	isBusy        func(error) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker 创建 Worker
// isBusy 判断 Process 的错误是否表示"暂时无法处理，稍后重新投递"
func NewWorker(q queue.Queue, processor Processor, count int, capacityDelay time.Duration, isBusy func(error) bool) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	if count <= 0 {
		count = 1
	}
	if capacityDelay <= 0 {
		capacityDelay = 5 * time.Second
	}
	return &Worker{
		queue:         q,
		processor:     processor,
		count:         count,
		capacityDelay: capacityDelay,
		isBusy:        isBusy,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 启动全部消费 Goroutine
func (w *Worker) Start() {
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
}

// Stop 停止 Worker，等待进行中的任务交还执行权
func (w *Worker) Stop() {
	log.Println("正在停止 Worker...")
	w.cancel()
	w.wg.Wait()
	log.Println("✓ Worker 已停止")
}

// run Worker 主循环
func (w *Worker) run(id int) {
	defer w.wg.Done()
	log.Printf("Worker-%d 已启动，等待任务...", id)

	for {
		msg, err := w.queue.Dequeue(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				log.Printf("Worker-%d 已退出", id)
				return
			}
			log.Printf("⚠️ Worker-%d 从队列获取任务失败: %v", id, err)
			time.Sleep(time.Second)
			continue
		}

		w.handle(id, msg)
	}
}

// handle 处理单条消息并确认
func (w *Worker) handle(id int, msg *models.JobMessage) {
	log.Printf("📝 Worker-%d 收到任务 %s (第 %d 次投递)", id, msg.JobID, msg.Attempt+1)

	err := w.processor.Process(w.ctx, msg.JobID)
	switch {
	case err == nil:
		if err := w.queue.Ack(msg); err != nil {
			log.Printf("⚠️ 确认消息失败 %s: %v", msg.JobID, err)
		}

	case w.isBusy != nil && w.isBusy(err):
		log.Printf("⚠️ 全局并发已满，任务 %s 将在 %s 后重新入队", msg.JobID, w.capacityDelay)
		select {
		case <-time.After(w.capacityDelay):
		case <-w.ctx.Done():
		}
		if err := w.queue.Nack(msg, true); err != nil {
			log.Printf("⚠️ 任务 %s 重新入队失败: %v", msg.JobID, err)
		}

	case w.ctx.Err() != nil:
		// 服务关闭：消息重新投递，任务从检查点续跑
		w.queue.Nack(msg, true)

	default:
		// 存储等基础设施错误：丢弃消息，任务停滞后由看门狗重新入队
		log.Printf("❌ 处理任务 %s 失败: %v", msg.JobID, err)
		w.queue.Nack(msg, false)
	}
}

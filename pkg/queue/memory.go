package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/z-wentao/longscribe/pkg/models"
)

// MemoryQueue 基于 Channel 的内存队列实现
type MemoryQueue struct {
	queue  chan *models.JobMessage
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	return &MemoryQueue{
		queue:  make(chan *models.JobMessage, bufferSize),
		closed: make(chan struct{}),
	}
}

// Enqueue 将任务加入队列，队列满时立即返回错误
func (mq *MemoryQueue) Enqueue(ctx context.Context, msg *models.JobMessage) error {
	select {
	case <-mq.closed:
		return ErrClosed
	default:
	}

	select {
	case mq.queue <- msg:
		return nil
	default:
		return fmt.Errorf("队列已满")
	}
}

// Dequeue 从队列取出任务（阻塞等待）
func (mq *MemoryQueue) Dequeue(ctx context.Context) (*models.JobMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-mq.closed:
		return nil, ErrClosed
	case msg := <-mq.queue:
		return msg, nil
	}
}

// Ack 内存队列无需确认
func (mq *MemoryQueue) Ack(msg *models.JobMessage) error {
	return nil
}

// Nack requeue 时放回队尾并累加投递次数
func (mq *MemoryQueue) Nack(msg *models.JobMessage, requeue bool) error {
	if !requeue {
		return nil
	}
	next := *msg
	next.Attempt++
	return mq.Enqueue(context.Background(), &next)
}

// Len 当前排队的消息数
func (mq *MemoryQueue) Len() int {
	return len(mq.queue)
}

// Close 关闭队列
func (mq *MemoryQueue) Close() error {
	mq.once.Do(func() { close(mq.closed) })
	return nil
}

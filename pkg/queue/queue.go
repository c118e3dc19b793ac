package queue

import (
	"context"
	"errors"

	"github.com/z-wentao/longscribe/pkg/models"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("队列已关闭")

// Queue 任务队列接口，消息只携带任务 ID，任务状态以存储为准
type Queue interface {
	// Enqueue 将任务加入队列
	Enqueue(ctx context.Context, msg *models.JobMessage) error

	// Dequeue 从队列取出任务（阻塞，直到有消息、ctx 结束或队列关闭）
	Dequeue(ctx context.Context) (*models.JobMessage, error)

	// Ack 确认消息（任务处理结束）
	Ack(msg *models.JobMessage) error

	// Nack 拒绝消息
	// requeue: 是否重新入队
	Nack(msg *models.JobMessage, requeue bool) error

	// Close 关闭队列
	Close() error
}

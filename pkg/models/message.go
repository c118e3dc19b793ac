package models

import "time"

// JobMessage 队列中的任务消息
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// DeliveryTag 由队列实现填充，用于 Ack/Nack
	DeliveryTag uint64 `json:"-"`
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/z-wentao/longscribe/pkg/models"
)

// RabbitMQQueue RabbitMQ 队列实现
// 1. 单一 Consumer（所有 Worker 共享）
// 2. 通过 QoS prefetchCount 控制并发
// 3. 手动 Ack/Nack 保证消息可靠性：进程崩溃时未确认的任务会被重新投递
type RabbitMQQueue struct {
	url       string
	queueName string
	prefetch  int
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// 发布消息用的连接和通道
	publishConn    *amqp.Connection
	publishChannel *amqp.Channel
	publishMutex   sync.Mutex

	// 消费消息用的连接和通道
	consumeConn    *amqp.Connection
	consumeChannel *amqp.Channel
	deliveries     <-chan amqp.Delivery // 所有 Worker 共享这个 Go Channel

	// RabbitMQ Channel 不是并发安全的
	ackMutex sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列，prefetch 通常等于 Worker 数量
func NewRabbitMQQueue(url, queueName string, prefetch int) (*RabbitMQQueue, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if prefetch <= 0 {
		prefetch = 1
	}

	rq := &RabbitMQQueue{
		url:       url,
		queueName: queueName,
		prefetch:  prefetch,
		closed:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	// 1. 建立发布连接
	if err := rq.setupPublisher(); err != nil {
		cancel()
		return nil, fmt.Errorf("初始化发布者失败: %w", err)
	}

	// 2. 建立消费连接
	if err := rq.setupConsumer(); err != nil {
		cancel()
		rq.closePublisher()
		return nil, fmt.Errorf("初始化消费者失败: %w", err)
	}

	log.Printf("✓ RabbitMQ 队列初始化成功 (队列: %s)", queueName)

	return rq, nil
}

func (rq *RabbitMQQueue) dialChannel() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return nil, nil, fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	// 声明持久化队列（幂等操作）
	_, err = ch.QueueDeclare(
		rq.queueName, // name
		true,         // durable: 持久化队列
		false,        // autoDelete: 不自动删除
		false,        // exclusive: 非独占
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("声明队列失败: %w", err)
	}
	return conn, ch, nil
}

// setupPublisher 设置发布者连接（用于发送消息）
func (rq *RabbitMQQueue) setupPublisher() error {
	conn, ch, err := rq.dialChannel()
	if err != nil {
		return err
	}

	rq.publishConn = conn
	rq.publishChannel = ch

	log.Println("✓ RabbitMQ 发布者连接已建立")
	return nil
}

// setupConsumer 设置消费者连接（用于接收消息）
func (rq *RabbitMQQueue) setupConsumer() error {
	conn, ch, err := rq.dialChannel()
	if err != nil {
		return err
	}

	// 设置 QoS：预取数量 = Worker 数量，每个 Worker 同时最多持有一条未确认消息
	err = ch.Qos(
		rq.prefetch, // prefetchCount: 预取消息数量
		0,           // prefetchSize: 0 表示不限制
		false,       // global: false 表示只应用于当前 channel
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("设置 QoS 失败: %w", err)
	}

	deliveries, err := ch.Consume(
		rq.queueName,        // queue: 队列名
		"longscribe-worker", // consumer: consumer tag（标识符）
		false,               // autoAck: false 表示手动确认
		false,               // exclusive: 非独占
		false,               // noLocal
		false,               // noWait
		nil,                 // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("启动消费失败: %w", err)
	}

	rq.consumeConn = conn
	rq.consumeChannel = ch
	rq.deliveries = deliveries

	log.Printf("✓ RabbitMQ 消费者已启动 (prefetchCount=%d)", rq.prefetch)
	return nil
}

// Enqueue 将任务加入队列
func (rq *RabbitMQQueue) Enqueue(ctx context.Context, msg *models.JobMessage) error {
	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化任务消息失败: %w", err)
	}

	// 创建上下文（5 秒超时）
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = rq.publishChannel.PublishWithContext(
		ctx,
		"",           // exchange: 空字符串表示默认 exchange
		rq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent, // 消息持久化
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    msg.JobID,
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	return nil
}

// Dequeue 从队列取出任务（阻塞）
// Go Channel 保证每条消息只会被一个 Worker 读取
func (rq *RabbitMQQueue) Dequeue(ctx context.Context) (*models.JobMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rq.closed:
			return nil, ErrClosed
		case <-rq.ctx.Done():
			return nil, ErrClosed
		case delivery, ok := <-rq.deliveries:
			if !ok {
				return nil, fmt.Errorf("消费通道已关闭")
			}

			var msg models.JobMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID == "" {
				// 无法解析的消息直接丢弃（不重新入队），避免毒消息循环
				log.Printf("⚠️ 丢弃无法解析的消息: %v", err)
				rq.nackInternal(delivery.DeliveryTag, false)
				continue
			}

			msg.DeliveryTag = delivery.DeliveryTag
			return &msg, nil
		}
	}
}

// Ack 确认消息
func (rq *RabbitMQQueue) Ack(msg *models.JobMessage) error {
	if msg.DeliveryTag == 0 {
		return nil // 不是 RabbitMQ 消息，忽略
	}
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeChannel.Ack(msg.DeliveryTag, false)
}

// Nack 拒绝消息
func (rq *RabbitMQQueue) Nack(msg *models.JobMessage, requeue bool) error {
	if msg.DeliveryTag == 0 {
		return nil
	}
	return rq.nackInternal(msg.DeliveryTag, requeue)
}

func (rq *RabbitMQQueue) nackInternal(deliveryTag uint64, requeue bool) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeChannel.Nack(deliveryTag, false, requeue)
}

// Close 关闭队列
func (rq *RabbitMQQueue) Close() error {
	rq.closeOnce.Do(func() {
		close(rq.closed)
		rq.cancel()

		// 关闭消费连接
		if rq.consumeChannel != nil {
			rq.consumeChannel.Close()
		}
		if rq.consumeConn != nil {
			rq.consumeConn.Close()
		}

		// 关闭发布连接
		rq.closePublisher()

		log.Println("✓ RabbitMQ 队列已关闭")
	})
	return nil
}

// closePublisher 关闭发布者连接
func (rq *RabbitMQQueue) closePublisher() {
	if rq.publishChannel != nil {
		rq.publishChannel.Close()
	}
	if rq.publishConn != nil {
		rq.publishConn.Close()
	}
}

// Depth 队列中等待的消息数（运维查询用）
func (rq *RabbitMQQueue) Depth() (int, error) {
	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	q, err := rq.publishChannel.QueueDeclarePassive(rq.queueName, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

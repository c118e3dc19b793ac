// Package bootstrap 按配置组装存储、队列、并发槽位等基础设施，供各个命令共用
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/longscribe/pkg/config"
	"github.com/z-wentao/longscribe/pkg/limiter"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/queue"
	"github.com/z-wentao/longscribe/pkg/storage"
)

// Infra 基础设施
type Infra struct {
	Store   storage.Store
	Queue   queue.Queue
	Limiter limiter.Limiter
	// Redis 未配置 redis.addr 时为 nil
	Redis *redis.Client
}

// Open 按配置初始化基础设施，任何一步失败都会关闭已打开的资源
func Open(ctx context.Context, cfg *config.Config) (*Infra, error) {
	infra := &Infra{}
	ok := false
	defer func() {
		if !ok {
			infra.Close()
		}
	}()

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		infra.Redis = client
		log.Printf("✓ Redis 连接成功: %s", cfg.Redis.Addr)
	}

	store, err := openStore(cfg, infra.Redis)
	if err != nil {
		return nil, err
	}
	infra.Store = store

	q, err := openQueue(cfg)
	if err != nil {
		return nil, err
	}
	infra.Queue = q

	if infra.Redis != nil {
		infra.Limiter = limiter.NewRedisLimiter(infra.Redis, cfg.Pipeline.MaxConcurrentJobs)
		log.Printf("✓ 使用 Redis 全局并发槽位（上限 %d）", cfg.Pipeline.MaxConcurrentJobs)
	} else {
		infra.Limiter = limiter.NewMemoryLimiter(cfg.Pipeline.MaxConcurrentJobs)
		log.Printf("✓ 使用进程内并发槽位（上限 %d）", cfg.Pipeline.MaxConcurrentJobs)
	}

	ok = true
	return infra, nil
}

func openStore(cfg *config.Config, client *redis.Client) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		log.Println("✓ 使用内存存储")
		return storage.NewMemoryStore(), nil
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("✓ 使用 PostgreSQL 存储")
		return store, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Printf("✓ 使用 SQLite 存储: %s", cfg.Storage.SQLitePath)
		return store, nil
	case "hybrid":
		if client == nil {
			return nil, fmt.Errorf("hybrid 存储需要 Redis")
		}
		db, err := storage.NewPostgresStore(cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return storage.NewHybridStore(db, storage.NewRedisJobCache(client, cfg.Redis.CacheTTL)), nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Storage.Type)
	}
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "memory":
		log.Println("✓ 使用内存队列")
		return queue.NewMemoryQueue(cfg.Queue.BufferSize), nil
	case "rabbitmq":
		// 预取数与 Worker 数一致，一个 Worker 同时只持有一条消息
		q, err := queue.NewRabbitMQQueue(cfg.Queue.RabbitMQ.URL, cfg.Queue.RabbitMQ.QueueName, cfg.Transcriber.WorkerPoolSize)
		if err != nil {
			return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
		}
		log.Printf("✓ 使用 RabbitMQ 队列: %s", cfg.Queue.RabbitMQ.QueueName)
		return q, nil
	default:
		return nil, fmt.Errorf("不支持的队列类型: %s", cfg.Queue.Type)
	}
}

// StageThresholds 把配置中的阶段名转换为 Stage，未知阶段名返回错误
func StageThresholds(raw map[string]time.Duration) (map[models.Stage]time.Duration, error) {
	out := make(map[models.Stage]time.Duration, len(raw))
	for name, d := range raw {
		stage := models.Stage(name)
		if !stage.IsValid() || stage.IsTerminal() {
			return nil, fmt.Errorf("stage_stale_after 包含未知阶段: %s", name)
		}
		out[stage] = d
	}
	return out, nil
}

// QueueDepth 队列积压的消息数，队列实现不支持时返回 -1
func QueueDepth(q queue.Queue) int {
	switch v := q.(type) {
	case *queue.MemoryQueue:
		return v.Len()
	case *queue.RabbitMQQueue:
		n, err := v.Depth()
		if err != nil {
			log.Printf("⚠️ 查询队列深度失败: %v", err)
			return -1
		}
		return n
	}
	return -1
}

// Close 关闭全部资源
func (i *Infra) Close() {
	if i.Queue != nil {
		if err := i.Queue.Close(); err != nil {
			log.Printf("⚠️ 关闭队列失败: %v", err)
		}
	}
	if i.Store != nil {
		if err := i.Store.Close(); err != nil {
			log.Printf("⚠️ 关闭存储失败: %v", err)
		}
	}
	if i.Redis != nil {
		i.Redis.Close()
	}
}

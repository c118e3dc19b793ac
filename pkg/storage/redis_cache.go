package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/longscribe/pkg/models"
)

// RedisJobCache Redis 任务缓存，只缓存任务记录（状态查询最频繁）
type RedisJobCache struct {
	client *redis.Client
	ttl    time.Duration // 数据过期时间
}

// NewRedisJobCache 创建 Redis 任务缓存
func NewRedisJobCache(client *redis.Client, ttl time.Duration) *RedisJobCache {
	return &RedisJobCache{client: client, ttl: ttl}
}

// key 格式: "longscribe:job:{jobID}"
func (c *RedisJobCache) key(jobID string) string {
	return fmt.Sprintf("longscribe:job:%s", jobID)
}

// Get 读取缓存，未命中返回 (nil, nil)
func (c *RedisJobCache) Get(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	data, err := c.client.Get(ctx, c.key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("从 Redis 获取失败: %w", err)
	}

	job, err := models.DecodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("反序列化任务失败: %w", err)
	}
	return job, nil
}

// Set 写入缓存并设置过期时间
func (c *RedisJobCache) Set(ctx context.Context, job *models.TranscriptionJob) error {
	data, err := models.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}
	if err := c.client.Set(ctx, c.key(job.JobID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("保存到 Redis 失败: %w", err)
	}
	return nil
}

// Delete 删除缓存
func (c *RedisJobCache) Delete(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, c.key(jobID)).Err(); err != nil {
		return fmt.Errorf("删除 Redis 缓存失败: %w", err)
	}
	return nil
}

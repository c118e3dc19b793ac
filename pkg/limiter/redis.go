package limiter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// acquireScript 检查与占用在一个脚本里完成，多实例部署下也不会超卖
var acquireScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call("SCARD", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
return 1
`)

// RedisLimiter 基于 Redis Set 的分布式实现
type RedisLimiter struct {
	client *redis.Client
	key    string
	max    int
}

// NewRedisLimiter 创建 Redis 限流器
func NewRedisLimiter(client *redis.Client, max int) *RedisLimiter {
	return &RedisLimiter{client: client, key: "longscribe:jobs:active", max: max}
}

func (l *RedisLimiter) Acquire(ctx context.Context, jobID string) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.key}, jobID, l.max).Int()
	if err != nil {
		return false, fmt.Errorf("获取任务槽位失败: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLimiter) Release(ctx context.Context, jobID string) error {
	if err := l.client.SRem(ctx, l.key, jobID).Err(); err != nil {
		return fmt.Errorf("释放任务槽位失败: %w", err)
	}
	return nil
}

func (l *RedisLimiter) InUse(ctx context.Context) (int, error) {
	n, err := l.client.SCard(ctx, l.key).Result()
	if err != nil {
		return 0, fmt.Errorf("查询任务槽位失败: %w", err)
	}
	return int(n), nil
}

func (l *RedisLimiter) Members(ctx context.Context) ([]string, error) {
	members, err := l.client.SMembers(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("查询任务槽位失败: %w", err)
	}
	return members, nil
}

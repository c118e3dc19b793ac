package storage

import (
	"context"
	"log"

	"github.com/z-wentao/longscribe/pkg/models"
)

// JobCache 任务缓存
type JobCache interface {
	Get(ctx context.Context, jobID string) (*models.TranscriptionJob, error)
	Set(ctx context.Context, job *models.TranscriptionJob) error
	Delete(ctx context.Context, jobID string) error
}

// HybridStore 混合存储：Redis（热数据） + 数据库（持久化）
// 写入先落库再刷新缓存，缓存失败只降级不报错；会话、片段和输出文件直接走数据库
type HybridStore struct {
	Store
	cache JobCache
}

// NewHybridStore 创建混合存储
func NewHybridStore(db Store, cache JobCache) *HybridStore {
	log.Println("✓ 混合存储初始化成功（Redis + 数据库）")
	return &HybridStore{Store: db, cache: cache}
}

func (s *HybridStore) refresh(ctx context.Context, job *models.TranscriptionJob) {
	if err := s.cache.Set(ctx, job); err != nil {
		log.Printf("⚠️ Redis 写入失败: %v", err)
		// 旧缓存比没有缓存更危险
		if err := s.cache.Delete(ctx, job.JobID); err != nil {
			log.Printf("⚠️ Redis 删除失败: %v", err)
		}
	}
}

// SaveJob 先写数据库，再刷新缓存
func (s *HybridStore) SaveJob(ctx context.Context, job *models.TranscriptionJob) error {
	if err := s.Store.SaveJob(ctx, job); err != nil {
		return err
	}
	s.refresh(ctx, job)
	return nil
}

// GetJob 优先 Redis，未命中查数据库并回写 Redis
func (s *HybridStore) GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	job, err := s.cache.Get(ctx, jobID)
	if err != nil {
		log.Printf("⚠️ Redis 查询失败: %v, 降级到数据库", err)
	}
	if job != nil {
		return job, nil
	}

	job, err = s.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, job)
	return job, nil
}

// UpdateJob 在数据库事务内更新，成功后刷新缓存
func (s *HybridStore) UpdateJob(ctx context.Context, jobID string, updateFn func(*models.TranscriptionJob) error) (*models.TranscriptionJob, error) {
	job, err := s.Store.UpdateJob(ctx, jobID, updateFn)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, job)
	return job, nil
}

// DeleteJob 同时删除 Redis 和数据库中的数据
func (s *HybridStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.cache.Delete(ctx, jobID); err != nil {
		log.Printf("⚠️ Redis 删除失败: %v", err)
	}
	return s.Store.DeleteJob(ctx, jobID)
}

// Close 关闭存储
func (s *HybridStore) Close() error {
	err := s.Store.Close()
	log.Println("✓ 混合存储已关闭")
	return err
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
)

// MemoryStore 内存实现，单进程部署和测试使用
// 读写都做深拷贝，调用方拿到的对象不会与存储共享
type MemoryStore struct {
	mu       sync.RWMutex // 读写锁
	jobs     map[string]*models.TranscriptionJob
	sessions map[string]*models.UploadSession
	segments map[string]map[int]*models.Segment
	assets   map[string]*models.OutputAsset
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.TranscriptionJob),
		sessions: make(map[string]*models.UploadSession),
		segments: make(map[string]map[int]*models.Segment),
		assets:   make(map[string]*models.OutputAsset),
	}
}

// SaveJob 保存任务，同一上传会话只能绑定一个任务
func (s *MemoryStore) SaveJob(ctx context.Context, job *models.TranscriptionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.SessionID != "" {
		for id, other := range s.jobs {
			if id != job.JobID && other.SessionID == job.SessionID {
				return apperr.Conflict(apperr.CodeSessionAlreadyBound, "上传会话已绑定任务 %s", id)
			}
		}
	}
	s.jobs[job.JobID] = models.CloneJob(job)
	return nil
}

// GetJob 获取任务
func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobNotFound(jobID)
	}
	return models.CloneJob(job), nil
}

// UpdateJob 在写锁内执行回调
func (s *MemoryStore) UpdateJob(ctx context.Context, jobID string, updateFn func(*models.TranscriptionJob) error) (*models.TranscriptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobNotFound(jobID)
	}
	working := models.CloneJob(job)
	if err := updateFn(working); err != nil {
		return nil, err
	}
	s.jobs[jobID] = models.CloneJob(working)
	return working, nil
}

// ListJobs 按创建时间倒序列出任务
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.TranscriptionJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.match(job) {
			jobs = append(jobs, models.CloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// ListStaleJobs 列出长时间未更新的非终态任务
func (s *MemoryStore) ListStaleJobs(ctx context.Context, before time.Time) ([]*models.TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.TranscriptionJob, 0)
	for _, job := range s.jobs {
		if !job.Stage.IsTerminal() && job.UpdatedAt.Before(before) {
			jobs = append(jobs, models.CloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt)
	})
	return jobs, nil
}

// DeleteJob 删除任务
func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return jobNotFound(jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, session *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.SessionID] = models.Clone(session)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	return models.Clone(session), nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, sessionID string, updateFn func(*models.UploadSession) error) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	working := models.Clone(session)
	if err := updateFn(working); err != nil {
		return nil, err
	}
	s.sessions[sessionID] = models.Clone(working)
	return working, nil
}

func (s *MemoryStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UploadSession, 0)
	for _, session := range s.sessions {
		if session.Status == models.UploadOpen && session.ExpiresAt.Before(now) {
			out = append(out, models.Clone(session))
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveSegments(ctx context.Context, jobID string, segments []*models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[int]*models.Segment, len(segments))
	for _, seg := range segments {
		m[seg.Index] = models.Clone(seg)
	}
	s.segments[jobID] = m
	return nil
}

func (s *MemoryStore) ListSegments(ctx context.Context, jobID string) ([]*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.segments[jobID]
	out := make([]*models.Segment, 0, len(m))
	for _, seg := range m {
		out = append(out, models.Clone(seg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) UpdateSegment(ctx context.Context, jobID string, index int, updateFn func(*models.Segment) error) (*models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[jobID][index]
	if !ok {
		return nil, segmentNotFound(jobID, index)
	}
	working := models.Clone(seg)
	if err := updateFn(working); err != nil {
		return nil, err
	}
	s.segments[jobID][index] = models.Clone(working)
	return working, nil
}

func (s *MemoryStore) DeleteSegments(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.segments, jobID)
	return nil
}

func (s *MemoryStore) SaveAsset(ctx context.Context, asset *models.OutputAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assets[asset.AssetID] = models.Clone(asset)
	return nil
}

func (s *MemoryStore) GetAsset(ctx context.Context, assetID string) (*models.OutputAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[assetID]
	if !ok {
		return nil, assetNotFound(assetID)
	}
	return models.Clone(asset), nil
}

func (s *MemoryStore) ListAssets(ctx context.Context, jobID string) ([]*models.OutputAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.OutputAsset, 0)
	for _, asset := range s.assets {
		if asset.JobID == jobID {
			out = append(out, models.Clone(asset))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAssets(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, asset := range s.assets {
		if asset.JobID == jobID {
			delete(s.assets, id)
		}
	}
	return nil
}

// Close 关闭存储（内存存储无需关闭）
func (s *MemoryStore) Close() error {
	return nil
}

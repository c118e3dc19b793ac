// Package upload 分片上传会话管理：断点续传、完整性校验、会话过期回收
package upload

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/storage"
)

// Config 上传限制
type Config struct {
	MaxSize      int64
	ChunkSize    int64
	TTL          time.Duration
	AllowedMimes []string
	// 会话未指定时使用的默认值
	MaxSpeakers int
	Formats     []models.OutputFormat
}

// CreateRequest 创建会话参数
type CreateRequest struct {
	UserID      string
	Filename    string
	TotalSize   int64
	MimeType    string
	Language    string
	Diarization bool
	MaxSpeakers int
	Formats     []string
}

// Manager 上传会话管理器
type Manager struct {
	store   storage.Store
	blobs   blob.Store
	cfg     Config
	allowed map[string]bool

	// 创建与完成会话时持有，保证一个会话只会生成一个任务
	mu  sync.Mutex
	now func() time.Time
}

// NewManager 创建管理器
func NewManager(store storage.Store, blobs blob.Store, cfg Config) *Manager {
	allowed := make(map[string]bool, len(cfg.AllowedMimes))
	for _, m := range cfg.AllowedMimes {
		allowed[NormalizeMime(m)] = true
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = models.AllFormats
	}
	return &Manager{store: store, blobs: blobs, cfg: cfg, allowed: allowed, now: time.Now}
}

// NormalizeMime 小写并去掉参数部分
func NormalizeMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// CreateSession 创建上传会话
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*models.UploadSession, error) {
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "缺少文件名")
	}
	if req.TotalSize <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "文件大小必须大于 0")
	}
	if req.TotalSize > m.cfg.MaxSize {
		return nil, apperr.Validation(apperr.CodeFileTooLarge,
			"文件大小 %.1f MB 超过上限 %.1f MB", float64(req.TotalSize)/(1<<20), float64(m.cfg.MaxSize)/(1<<20))
	}
	mime := NormalizeMime(req.MimeType)
	if !m.allowed[mime] {
		return nil, apperr.Validation(apperr.CodeUnsupportedMime, "不支持的文件类型: %s", req.MimeType)
	}
	if req.MaxSpeakers < 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "max_speakers 不能为负数")
	}

	formats := make([]models.OutputFormat, 0, len(req.Formats))
	for _, f := range req.Formats {
		format, ok := models.ParseFormat(strings.ToLower(strings.TrimSpace(f)))
		if !ok {
			return nil, apperr.Validation(apperr.CodeInvalidRequest, "不支持的输出格式: %s", f)
		}
		formats = append(formats, format)
	}

	now := m.now()
	chunkSize := m.cfg.ChunkSize
	session := &models.UploadSession{
		SessionID:   uuid.New().String(),
		UserID:      req.UserID,
		Filename:    filename,
		TotalSize:   req.TotalSize,
		MimeType:    mime,
		ChunkSize:   chunkSize,
		TotalChunks: int((req.TotalSize + chunkSize - 1) / chunkSize),
		Received:    []int{},
		Status:      models.UploadOpen,
		Language:    strings.ToLower(strings.TrimSpace(req.Language)),
		Diarization: req.Diarization,
		MaxSpeakers: req.MaxSpeakers,
		Formats:     formats,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.TTL),
	}
	session.StorageKey = blob.SourceKey(session.SessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("保存上传会话失败: %w", err)
	}

	log.Printf("✓ 上传会话已创建: %s (%s, %d 字节, %d 个分片)", session.SessionID, filename, req.TotalSize, session.TotalChunks)
	return session, nil
}

// owned 读取会话并校验归属
func (m *Manager) owned(ctx context.Context, userID, sessionID string) (*models.UploadSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, apperr.Forbidden()
	}
	return session, nil
}

func (m *Manager) checkOpen(session *models.UploadSession) error {
	switch {
	case session.Status == models.UploadExpired:
		return apperr.Conflict(apperr.CodeSessionClosed, "上传会话已过期")
	case session.Status == models.UploadComplete:
		return apperr.Conflict(apperr.CodeSessionClosed, "上传会话已完成")
	case !session.ExpiresAt.IsZero() && m.now().After(session.ExpiresAt):
		return apperr.Conflict(apperr.CodeSessionClosed, "上传会话已过期")
	}
	return nil
}

// UploadChunk 写入一个分片，重复上传同一序号会覆盖而不是追加
func (m *Manager) UploadChunk(ctx context.Context, userID, sessionID string, index int, r io.Reader) (*models.UploadSession, error) {
	session, err := m.owned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(session); err != nil {
		return nil, err
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, apperr.Validation(apperr.CodeInvalidChunk, "分片序号 %d 超出范围 [0, %d)", index, session.TotalChunks)
	}

	// 先写暂存区，大小正确后才替换已收到的分片
	expected := session.ExpectedChunkSize(index)
	staging := blob.StagingKey(sessionID, index, uuid.New().String())
	n, err := m.blobs.Put(ctx, staging, io.LimitReader(r, expected+1))
	if err != nil {
		return nil, fmt.Errorf("写入分片失败: %w", err)
	}
	if n != expected {
		m.blobs.Delete(ctx, staging)
		return nil, apperr.Validation(apperr.CodeInvalidChunk, "分片 #%d 大小应为 %d 字节，实际收到 %d 字节", index, expected, n)
	}
	if err := m.blobs.Move(ctx, staging, blob.ChunkKey(sessionID, index)); err != nil {
		m.blobs.Delete(ctx, staging)
		return nil, fmt.Errorf("保存分片失败: %w", err)
	}

	updated, err := m.store.UpdateSession(ctx, sessionID, func(s *models.UploadSession) error {
		if s.Status != models.UploadOpen {
			return apperr.Conflict(apperr.CodeSessionClosed, "上传会话已关闭")
		}
		s.MarkReceived(index)
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Status 查询上传进度
func (m *Manager) Status(ctx context.Context, userID, sessionID string) (*models.UploadSession, error) {
	return m.owned(ctx, userID, sessionID)
}

// Complete 校验分片齐全与校验和，拼接源文件并创建任务
// 已完成的会话直接返回原任务，第二个返回值表示本次是否新建了任务
func (m *Manager) Complete(ctx context.Context, userID, sessionID, checksum string) (*models.TranscriptionJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.owned(ctx, userID, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session.Status == models.UploadComplete {
		return m.boundJob(ctx, session)
	}
	if err := m.checkOpen(session); err != nil {
		return nil, false, err
	}

	if missing := session.Missing(); len(missing) > 0 {
		return nil, false, missingChunks(missing)
	}
	if err := m.verifyChunks(ctx, session); err != nil {
		return nil, false, err
	}

	h, err := newHash(checksum)
	if err != nil {
		return nil, false, err
	}

	size, err := m.assemble(ctx, session, h)
	if err != nil {
		m.blobs.Delete(ctx, session.StorageKey)
		return nil, false, err
	}
	if size != session.TotalSize {
		m.blobs.Delete(ctx, session.StorageKey)
		return nil, false, apperr.New(apperr.KindIntegrity, apperr.CodeChecksumMismatch,
			"拼接后的文件大小 %d 与声明的 %d 不一致", size, session.TotalSize)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, strings.TrimSpace(checksum)) {
		m.blobs.Delete(ctx, session.StorageKey)
		log.Printf("❌ 会话 %s 校验和不匹配: 期望 %s, 实际 %s", sessionID, checksum, actual)
		return nil, false, apperr.New(apperr.KindIntegrity, apperr.CodeChecksumMismatch, "文件校验和不匹配，请重新上传损坏的分片")
	}

	jobID := uuid.New().String()
	if _, err := m.store.UpdateSession(ctx, sessionID, func(s *models.UploadSession) error {
		s.Status = models.UploadComplete
		s.JobID = jobID
		s.UpdatedAt = m.now()
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("更新上传会话失败: %w", err)
	}
	session.JobID = jobID

	job, err := m.createJob(ctx, session)
	if err != nil {
		return nil, false, err
	}

	for _, prefix := range []string{blob.ChunkPrefix(sessionID), blob.StagingPrefix(sessionID)} {
		if err := m.blobs.DeletePrefix(ctx, prefix); err != nil {
			log.Printf("⚠️ 清理会话 %s 的分片失败: %v", sessionID, err)
		}
	}

	log.Printf("✓ 上传完成: 会话 %s → 任务 %s", sessionID, job.JobID)
	return job, true, nil
}

// boundJob 已完成的会话：返回绑定的任务
// 会话已标记完成但任务未写入（上次完成中途失败）时补建任务；任务已被删除则拒绝
func (m *Manager) boundJob(ctx context.Context, session *models.UploadSession) (*models.TranscriptionJob, bool, error) {
	job, err := m.store.GetJob(ctx, session.JobID)
	if err == nil {
		return job, false, nil
	}
	if !storage.IsNotFound(err) {
		return nil, false, err
	}

	exists, err := m.blobs.Exists(ctx, session.StorageKey)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, apperr.Conflict(apperr.CodeSessionClosed, "该上传会话的任务已被删除")
	}
	job, err = m.createJob(ctx, session)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (m *Manager) createJob(ctx context.Context, session *models.UploadSession) (*models.TranscriptionJob, error) {
	formats := session.Formats
	if len(formats) == 0 {
		formats = m.cfg.Formats
	}
	maxSpeakers := session.MaxSpeakers
	if maxSpeakers == 0 {
		maxSpeakers = m.cfg.MaxSpeakers
	}

	now := m.now()
	job := &models.TranscriptionJob{
		JobID:          session.JobID,
		UserID:         session.UserID,
		SessionID:      session.SessionID,
		Filename:       session.Filename,
		MimeType:       session.MimeType,
		SourceKey:      session.StorageKey,
		Stage:          models.StageCreated,
		Language:       session.Language,
		LanguageForced: session.Language != "",
		Diarization:    session.Diarization,
		MaxSpeakers:    maxSpeakers,
		Formats:        append([]models.OutputFormat(nil), formats...),
		Outputs:        []models.OutputRef{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if job.LanguageForced {
		job.LanguageConfidence = 1
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}
	return job, nil
}

func missingChunks(missing []int) error {
	return apperr.Validation(apperr.CodeMissingChunks, "缺少 %d 个分片: %s", len(missing), formatIndices(missing))
}

// verifyChunks 已记录的分片在存储中丢失时，从 Received 中移除并要求重新上传
func (m *Manager) verifyChunks(ctx context.Context, session *models.UploadSession) error {
	var lost []int
	for _, i := range session.Received {
		ok, err := m.blobs.Exists(ctx, blob.ChunkKey(session.SessionID, i))
		if err != nil {
			return fmt.Errorf("检查分片 #%d 失败: %w", i, err)
		}
		if !ok {
			lost = append(lost, i)
		}
	}
	if len(lost) == 0 {
		return nil
	}

	log.Printf("⚠️ 会话 %s 的分片在存储中丢失: %s", session.SessionID, formatIndices(lost))
	if _, err := m.store.UpdateSession(ctx, session.SessionID, func(s *models.UploadSession) error {
		for _, i := range lost {
			s.UnmarkReceived(i)
		}
		s.UpdatedAt = m.now()
		return nil
	}); err != nil {
		return fmt.Errorf("更新上传会话失败: %w", err)
	}
	return missingChunks(lost)
}

// assemble 按序号把分片写成源文件，同时计算校验和
func (m *Manager) assemble(ctx context.Context, session *models.UploadSession, h hash.Hash) (int64, error) {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < session.TotalChunks; i++ {
			rc, err := m.blobs.Get(ctx, blob.ChunkKey(session.SessionID, i))
			if err != nil {
				pw.CloseWithError(fmt.Errorf("读取分片 #%d 失败: %w", i, err))
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	n, err := m.blobs.Put(ctx, session.StorageKey, io.TeeReader(pr, h))
	pr.Close()
	if err != nil {
		return 0, fmt.Errorf("拼接源文件失败: %w", err)
	}
	return n, nil
}

// newHash 64 位十六进制为 SHA-256，32 位为 MD5
func newHash(checksum string) (hash.Hash, error) {
	checksum = strings.TrimSpace(checksum)
	if _, err := hex.DecodeString(checksum); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "校验和必须是十六进制字符串")
	}
	switch len(checksum) {
	case 64:
		return sha256.New(), nil
	case 32:
		return md5.New(), nil
	}
	return nil, apperr.Validation(apperr.CodeInvalidRequest, "校验和必须是 SHA-256（64 位）或 MD5（32 位）")
}

func formatIndices(indices []int) string {
	const limit = 20
	parts := make([]string, 0, limit+1)
	for i, idx := range indices {
		if i == limit {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprint(idx))
	}
	return strings.Join(parts, ", ")
}

// ExpireSessions 回收超过 TTL 仍未完成的会话，返回回收数量
func (m *Manager) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	sessions, err := m.store.ListExpiredSessions(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range sessions {
		if err := m.blobs.DeletePrefix(ctx, blob.SessionPrefix(s.SessionID)); err != nil {
			log.Printf("⚠️ 清理过期会话 %s 的分片失败: %v", s.SessionID, err)
			continue
		}
		_, err := m.store.UpdateSession(ctx, s.SessionID, func(s *models.UploadSession) error {
			if s.Status != models.UploadOpen {
				return apperr.Conflict(apperr.CodeSessionClosed, "会话状态已变化")
			}
			s.Status = models.UploadExpired
			s.Received = []int{}
			s.UpdatedAt = now
			return nil
		})
		if err != nil {
			if apperr.Is(err, apperr.KindConflict) {
				continue
			}
			return expired, err
		}
		expired++
		log.Printf("🧹 上传会话已过期并回收: %s", s.SessionID)
	}
	return expired, nil
}

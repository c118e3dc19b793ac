package models

import (
	"sort"
	"time"
)

// UploadStatus 上传会话状态
type UploadStatus string

const (
	UploadOpen     UploadStatus = "OPEN"
	UploadComplete UploadStatus = "COMPLETE"
	UploadExpired  UploadStatus = "EXPIRED"
)

// UploadSession 分片上传会话
type UploadSession struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Filename    string         `json:"filename"`
	TotalSize   int64          `json:"total_size"`
	MimeType    string         `json:"mime_type"`
	ChunkSize   int64          `json:"chunk_size"`
	TotalChunks int            `json:"total_chunks"`
	Received    []int          `json:"received"` // 升序、无重复
	StorageKey  string         `json:"storage_key"`
	Status      UploadStatus   `json:"status"`
	Language    string         `json:"language,omitempty"`
	Diarization bool           `json:"diarization"`
	MaxSpeakers int            `json:"max_speakers,omitempty"`
	Formats     []OutputFormat `json:"formats,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// HasChunk 是否已收到分片
func (s *UploadSession) HasChunk(index int) bool {
	i := sort.SearchInts(s.Received, index)
	return i < len(s.Received) && s.Received[i] == index
}

// MarkReceived 记录分片（重复上传同一分片不会重复记录）
func (s *UploadSession) MarkReceived(index int) {
	i := sort.SearchInts(s.Received, index)
	if i < len(s.Received) && s.Received[i] == index {
		return
	}
	s.Received = append(s.Received, 0)
	copy(s.Received[i+1:], s.Received[i:])
	s.Received[i] = index
}

// UnmarkReceived 取消记录（分片需要重新上传）
func (s *UploadSession) UnmarkReceived(index int) {
	i := sort.SearchInts(s.Received, index)
	if i < len(s.Received) && s.Received[i] == index {
		s.Received = append(s.Received[:i], s.Received[i+1:]...)
	}
}

// Missing 返回缺失的分片序号
func (s *UploadSession) Missing() []int {
	missing := make([]int, 0)
	for i := 0; i < s.TotalChunks; i++ {
		if !s.HasChunk(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Percent 上传完成百分比
func (s *UploadSession) Percent() int {
	if s.TotalChunks == 0 {
		return 0
	}
	return len(s.Received) * 100 / s.TotalChunks
}

// ExpectedChunkSize 第 index 个分片应有的字节数
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index < s.TotalChunks-1 {
		return s.ChunkSize
	}
	return s.TotalSize - s.ChunkSize*int64(s.TotalChunks-1)
}

package models

import "time"

// SegmentStatus 音频片段的转写状态
type SegmentStatus string

const (
	SegmentPending      SegmentStatus = "pending"
	SegmentTranscribing SegmentStatus = "transcribing"
	SegmentDone         SegmentStatus = "done"
	SegmentFailed       SegmentStatus = "failed"
)

// Word 单词级时间戳（秒，全局时间轴）
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment 音频片段，Index 是唯一的排序依据
type Segment struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`

	// Start/End 为实际切割边界（含重叠），CueStart/CueEnd 为去掉重叠后的字幕边界
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	CueStart float64 `json:"cue_start"`
	CueEnd   float64 `json:"cue_end"`

	AudioKey string `json:"audio_key"`
	Format   string `json:"format"`
	Bytes    int64  `json:"bytes"`

	Status     SegmentStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	Text       string        `json:"text"`
	Words      []Word        `json:"words,omitempty"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language,omitempty"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Duration 片段时长（秒）
func (s *Segment) Duration() float64 {
	return s.End - s.Start
}

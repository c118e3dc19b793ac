package models

// Cue 合并后的时间轴片段（字幕条目来源）
type Cue struct {
	Index   int     `json:"index"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// SpeakerTurn 说话人轮次
type SpeakerTurn struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
}

// MergedTranscript 合并后的转写结果（派生数据，片段变化时重新生成）
type MergedTranscript struct {
	JobID    string        `json:"job_id"`
	Language string        `json:"language"`
	Duration float64       `json:"duration"`
	Text     string        `json:"text"`
	Segments []Cue         `json:"segments"`
	Words    []Word        `json:"words"`
	Speakers []SpeakerTurn `json:"speakers,omitempty"`
	Diarized bool          `json:"diarized"`
}

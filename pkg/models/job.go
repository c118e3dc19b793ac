package models

import "time"

// Stage 任务所处的流水线阶段
type Stage string

const (
	StageCreated           Stage = "CREATED"
	StageValidating        Stage = "VALIDATING"
	StageTranscoding       Stage = "TRANSCODING"
	StageSegmenting        Stage = "SEGMENTING"
	StageDetectingLanguage Stage = "DETECTING_LANGUAGE"
	StageTranscribing      Stage = "TRANSCRIBING"
	StageMerging           Stage = "MERGING"
	StageDiarizing         Stage = "DIARIZING"
	StageGeneratingOutputs Stage = "GENERATING_OUTPUTS"
	StageFinalizing        Stage = "FINALIZING"
	StageComplete          Stage = "COMPLETE"
	StageFailed            Stage = "FAILED"
	StageCancelled         Stage = "CANCELLED"
)

// PipelineStages 按执行顺序排列的工作阶段（不含 CREATED 与终态）
var PipelineStages = []Stage{
	StageValidating,
	StageTranscoding,
	StageSegmenting,
	StageDetectingLanguage,
	StageTranscribing,
	StageMerging,
	StageDiarizing,
	StageGeneratingOutputs,
	StageFinalizing,
}

// order CREATED=0，工作阶段 1..9，COMPLETE=10；FAILED/CANCELLED 不在序列中
func (s Stage) order() int {
	if s == StageCreated {
		return 0
	}
	for i, st := range PipelineStages {
		if st == s {
			return i + 1
		}
	}
	if s == StageComplete {
		return len(PipelineStages) + 1
	}
	return -1
}

// IsTerminal 是否为终态
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// IsValid 是否为已定义的阶段
func (s Stage) IsValid() bool {
	return s.order() >= 0 || s == StageFailed || s == StageCancelled
}

// Next 返回序列中的下一个阶段，终态返回自身
func (s Stage) Next() Stage {
	o := s.order()
	if o < 0 || s == StageComplete {
		return s
	}
	if o == len(PipelineStages) {
		return StageComplete
	}
	return PipelineStages[o]
}

// Before 在序列中是否严格早于 other
func (s Stage) Before(other Stage) bool {
	a, b := s.order(), other.order()
	return a >= 0 && b >= 0 && a < b
}

// CanTransition 状态机约束：只允许前进一步（或在同一阶段内续跑），
// 任何非终态都可以进入 FAILED / CANCELLED
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed || to == StageCancelled {
		return true
	}
	if from == to {
		return from != StageCreated
	}
	return from.order() >= 0 && to.order() == from.order()+1
}

// OutputFormat 输出格式
type OutputFormat string

const (
	FormatTXT  OutputFormat = "txt"
	FormatJSON OutputFormat = "json"
	FormatSRT  OutputFormat = "srt"
	FormatVTT  OutputFormat = "vtt"
	FormatDOCX OutputFormat = "docx"
)

// AllFormats 默认生成的全部格式
var AllFormats = []OutputFormat{FormatTXT, FormatJSON, FormatSRT, FormatVTT, FormatDOCX}

// ParseFormat 解析格式标签
func ParseFormat(s string) (OutputFormat, bool) {
	for _, f := range AllFormats {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}

// StageRecord 单个阶段的检查点
type StageRecord struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Progress    int        `json:"progress"`
}

// StageTimeline 每个阶段一个固定字段
type StageTimeline struct {
	Validating        StageRecord `json:"validating"`
	Transcoding       StageRecord `json:"transcoding"`
	Segmenting        StageRecord `json:"segmenting"`
	DetectingLanguage StageRecord `json:"detecting_language"`
	Transcribing      StageRecord `json:"transcribing"`
	Merging           StageRecord `json:"merging"`
	Diarizing         StageRecord `json:"diarizing"`
	GeneratingOutputs StageRecord `json:"generating_outputs"`
	Finalizing        StageRecord `json:"finalizing"`
}

// Record 返回阶段对应的记录，非工作阶段返回 nil
func (t *StageTimeline) Record(s Stage) *StageRecord {
	switch s {
	case StageValidating:
		return &t.Validating
	case StageTranscoding:
		return &t.Transcoding
	case StageSegmenting:
		return &t.Segmenting
	case StageDetectingLanguage:
		return &t.DetectingLanguage
	case StageTranscribing:
		return &t.Transcribing
	case StageMerging:
		return &t.Merging
	case StageDiarizing:
		return &t.Diarizing
	case StageGeneratingOutputs:
		return &t.GeneratingOutputs
	case StageFinalizing:
		return &t.Finalizing
	}
	return nil
}

// MediaInfo 探测得到的媒体信息
type MediaInfo struct {
	Duration       float64 `json:"duration"`
	SampleRate     int     `json:"sample_rate"`
	Channels       int     `json:"channels"`
	Container      string  `json:"container"`
	Codec          string  `json:"codec"`
	BitRate        int64   `json:"bit_rate"`
	SizeBytes      int64   `json:"size_bytes"`
	HasVideo       bool    `json:"has_video"`
	NeedsTranscode bool    `json:"needs_transcode"`
}

// OutputRef 任务持有的输出引用
type OutputRef struct {
	Format  OutputFormat `json:"format"`
	AssetID string       `json:"asset_id"`
}

// OutputFailure 某个格式生成失败的记录
type OutputFailure struct {
	Format OutputFormat `json:"format"`
	Error  string       `json:"error"`
}

// TranscriptionJob 转写任务，流水线编排的唯一单元
type TranscriptionJob struct {
	JobID     string `json:"job_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SourceKey string `json:"-"`

	Stage              Stage         `json:"stage"`
	LastCompletedStage Stage         `json:"last_completed_stage"`
	Progress           int           `json:"progress"`
	Timeline           StageTimeline `json:"timeline"`

	Language           string         `json:"language"`
	LanguageConfidence float64        `json:"language_confidence"`
	LanguageForced     bool           `json:"language_forced"`
	Diarization        bool           `json:"diarization"`
	MaxSpeakers        int            `json:"max_speakers"`
	Formats            []OutputFormat `json:"formats"`

	Media         *MediaInfo `json:"media,omitempty"`
	AudioKey      string     `json:"-"`
	SegmentCount  int        `json:"segment_count"`
	TranscriptKey string     `json:"-"`

	DiarizationApplied bool   `json:"diarization_applied"`
	DiarizationError   string `json:"diarization_error,omitempty"`

	Outputs        []OutputRef     `json:"outputs"`
	OutputFailures []OutputFailure `json:"output_failures,omitempty"`

	RetryCount      int    `json:"retry_count"`
	ErrorCode       string `json:"error_code,omitempty"`
	Error           string `json:"error,omitempty"`
	FailedStage     Stage  `json:"failed_stage,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`

	// RunToken 持有该任务的执行者令牌，用于防止两个 Worker 同时推进同一任务
	RunToken string `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// persistedJob 持久化时保留内部字段
type persistedJob struct {
	TranscriptionJob
	SourceKey     string `json:"source_key"`
	AudioKey      string `json:"audio_key"`
	TranscriptKey string `json:"transcript_key"`
	RunToken      string `json:"run_token"`
}

// OutputAsset 按格式返回资产 ID
func (j *TranscriptionJob) OutputAsset(f OutputFormat) (string, bool) {
	for _, o := range j.Outputs {
		if o.Format == f {
			return o.AssetID, true
		}
	}
	return "", false
}

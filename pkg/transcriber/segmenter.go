package transcriber

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/media"
	"github.com/z-wentao/longscribe/pkg/models"
)

const (
	// MinSegmentDuration 缩小片段时长的下限（秒）
	MinSegmentDuration = 10.0
	maxRepairRounds    = 6
	// 切片统一编码为 64kbps MP3
	segmentBitRate = 64000
)

// Span 片段边界
// Start/End 为实际切割范围（含重叠），CueStart/CueEnd 为去掉前导重叠后的字幕范围
type Span struct {
	Index    int
	Start    float64
	End      float64
	CueStart float64
	CueEnd   float64
}

// Plan 按目标时长和重叠规划片段边界
// 第 i 段从 i*(target-overlap) 开始，只有内部边界带重叠；末尾不足 overlap+1 秒的碎片并入前一段
func Plan(duration, target, overlap float64) []Span {
	if duration <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= target {
		overlap = 0
	}
	if duration <= target {
		return []Span{{Index: 0, Start: 0, End: duration, CueStart: 0, CueEnd: duration}}
	}

	step := target - overlap
	spans := make([]Span, 0, int(math.Ceil(duration/step)))
	for i := 0; ; i++ {
		start := float64(i) * step
		end := math.Min(start+target, duration)
		cueStart := 0.0
		if i > 0 {
			cueStart = start + overlap
		}
		spans = append(spans, Span{Index: i, Start: start, End: end, CueStart: cueStart, CueEnd: end})
		if end >= duration {
			break
		}
	}

	if n := len(spans); n > 1 {
		last := spans[n-1]
		if last.End-last.Start < overlap+1 {
			spans = spans[:n-1]
			spans[n-2].End = duration
			spans[n-2].CueEnd = duration
		}
	}
	return spans
}

// Cutter 切割音频
type Cutter interface {
	Cut(ctx context.Context, input, output string, start, duration float64, format string) error
}

// Segmenter 把转码后的音频切成有重叠、且不超过引擎大小上限的片段
type Segmenter struct {
	cutter   Cutter
	blobs    blob.Store
	target   float64
	overlap  float64
	maxBytes int64
}

// NewSegmenter 创建分片器
func NewSegmenter(cutter Cutter, blobs blob.Store, target, overlap float64, maxBytes int64) *Segmenter {
	if target <= 0 {
		target = 240
	}
	return &Segmenter{
		cutter:   cutter,
		blobs:    blobs,
		target:   target,
		overlap:  overlap,
		maxBytes: maxBytes,
	}
}

// initialTarget 按预计码率预先缩小目标时长，尽量一次切好
func (s *Segmenter) initialTarget(bitRate int64) float64 {
	target := s.target
	if s.maxBytes <= 0 {
		return target
	}
	if bitRate <= 0 || bitRate > segmentBitRate {
		bitRate = segmentBitRate
	}
	bytesPerSec := float64(bitRate) / 8
	// 最长的片段可能因并入尾部碎片多出 overlap+1 秒
	fit := float64(s.maxBytes)/bytesPerSec*0.95 - s.overlap - 1
	if fit < target {
		target = fit
	}
	return target
}

// Segment 切分音频并写入 blob 存储，返回按 Index 排序的片段
// 切完后若有片段超过大小上限，按实测大小整体缩小目标时长重新规划，而不是截断
func (s *Segmenter) Segment(ctx context.Context, jobID, audioPath string, info *models.MediaInfo) ([]*models.Segment, error) {
	target := s.initialTarget(info.BitRate)
	if target < MinSegmentDuration {
		return nil, apperr.Validation(apperr.CodeSegmentTooLarge, "片段大小上限过小，无法切分")
	}

	workDir, err := os.MkdirTemp("", "longscribe-seg-*")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(workDir)

	for round := 1; round <= maxRepairRounds; round++ {
		spans := Plan(info.Duration, target, s.overlap)
		log.Printf("✂️  [%s] 第 %d 轮切分: %d 个片段 (目标 %.1f 秒, 重叠 %.1f 秒)",
			jobID, round, len(spans), target, s.overlap)

		segments, largest, err := s.cutAll(ctx, jobID, audioPath, workDir, spans)
		if err != nil {
			return nil, err
		}
		if s.maxBytes <= 0 || largest <= s.maxBytes {
			return segments, nil
		}

		next := target * float64(s.maxBytes) / float64(largest) * 0.9
		log.Printf("⚠️ [%s] 最大片段 %d 字节超过上限 %d，目标时长 %.1f → %.1f 秒",
			jobID, largest, s.maxBytes, target, next)
		if next < MinSegmentDuration {
			break
		}
		if err := s.blobs.DeletePrefix(ctx, blob.SegmentPrefix(jobID)); err != nil {
			return nil, fmt.Errorf("清理旧片段失败: %w", err)
		}
		target = next
	}

	s.blobs.DeletePrefix(ctx, blob.SegmentPrefix(jobID))
	return nil, apperr.Validation(apperr.CodeSegmentTooLarge,
		"无法把片段缩小到 %d 字节以内", s.maxBytes)
}

func (s *Segmenter) cutAll(ctx context.Context, jobID, audioPath, workDir string, spans []Span) ([]*models.Segment, int64, error) {
	segments := make([]*models.Segment, 0, len(spans))
	var largest int64
	now := time.Now()

	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		tmp := filepath.Join(workDir, fmt.Sprintf("segment_%05d.mp3", sp.Index))
		if err := s.cutter.Cut(ctx, audioPath, tmp, sp.Start, sp.End-sp.Start, media.FormatMP3); err != nil {
			return nil, 0, fmt.Errorf("切分片段 %d 失败: %w", sp.Index, err)
		}

		key := blob.SegmentKey(jobID, sp.Index, media.FormatMP3)
		size, err := putFile(ctx, s.blobs, key, tmp)
		if err != nil {
			return nil, 0, fmt.Errorf("保存片段 %d 失败: %w", sp.Index, err)
		}
		os.Remove(tmp)

		if size > largest {
			largest = size
		}
		segments = append(segments, &models.Segment{
			JobID:     jobID,
			Index:     sp.Index,
			Start:     sp.Start,
			End:       sp.End,
			CueStart:  sp.CueStart,
			CueEnd:    sp.CueEnd,
			AudioKey:  key,
			Format:    media.FormatMP3,
			Bytes:     size,
			Status:    models.SegmentPending,
			UpdatedAt: now,
		})
	}
	return segments, largest, nil
}

func putFile(ctx context.Context, blobs blob.Store, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return blobs.Put(ctx, key, f)
}

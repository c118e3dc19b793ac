package transcriber

import (
	"context"
	"io"
	"log"
	"path"

	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/retry"
)

// Detection 语言检测结果
type Detection struct {
	Language   string
	Confidence float64
	Forced     bool
	Votes      map[string]int
	Samples    int
}

// LanguageDetector 抽样若干片段投票决定主语言
type LanguageDetector struct {
	engine Engine
	blobs  blob.Store
	policy retry.Policy
}

// NewLanguageDetector 创建语言检测器
func NewLanguageDetector(engine Engine, blobs blob.Store, policy retry.Policy) *LanguageDetector {
	return &LanguageDetector{engine: engine, blobs: blobs, policy: policy}
}

// SampleIndices 首、中、尾三个片段；不足 3 个时全部抽样
func SampleIndices(n int) []int {
	if n <= 0 {
		return nil
	}
	if n < 3 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return []int{0, n / 2, n - 1}
}

// Detect 检测主语言。调用方指定语言时跳过检测，置信度记为 1
// 所有抽样都失败时返回空语言（由引擎逐段自动识别），不让任务失败
func (d *LanguageDetector) Detect(ctx context.Context, segments []*models.Segment, forced string) (*Detection, error) {
	if forced != "" {
		return &Detection{Language: NormalizeLanguage(forced), Confidence: 1, Forced: true}, nil
	}

	votes := make(map[string]int)
	order := make([]string, 0, 3)
	total := 0

	for _, idx := range SampleIndices(len(segments)) {
		seg := segments[idx]
		var lang string
		err := d.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			res, err := d.engine.Transcribe(ctx, Request{
				Filename: path.Base(seg.AudioKey),
				Open:     func() (io.ReadCloser, error) { return d.blobs.Get(ctx, seg.AudioKey) },
				Mode:     ModeDetect,
			})
			if err != nil {
				return err
			}
			lang = res.Language
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("⚠️ [%s] 片段 #%d 语言识别失败: %v", seg.JobID, seg.Index, err)
			continue
		}
		if lang == "" {
			continue
		}
		if votes[lang] == 0 {
			order = append(order, lang)
		}
		votes[lang]++
		total++
	}

	if total == 0 {
		return &Detection{Votes: votes}, nil
	}

	// 票数相同时取最先出现的语言
	winner := order[0]
	for _, lang := range order[1:] {
		if votes[lang] > votes[winner] {
			winner = lang
		}
	}
	return &Detection{
		Language:   winner,
		Confidence: float64(votes[winner]) / float64(total),
		Votes:      votes,
		Samples:    total,
	}, nil
}

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
)

// MinFileSize 小于该字节数的文件不可能是有效媒体，直接拒绝
const MinFileSize = 100

type probeResult struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type probeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"` // video, audio, subtitle
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	BitRate    string `json:"bit_rate,omitempty"`
	Duration   string `json:"duration,omitempty"`
	// 封面图在 ffprobe 中表现为 video 流
	Disposition map[string]int `json:"disposition,omitempty"`
}

// engineCodecs ASR 引擎可直接接受的音频编码
var engineCodecs = map[string]bool{
	"mp3":       true,
	"aac":       true,
	"flac":      true,
	"opus":      true,
	"vorbis":    true,
	"pcm_s16le": true,
}

// Prober 媒体探测器
type Prober struct {
	ffprobePath string
	runner      CommandRunner
	maxDuration float64 // 秒
}

// NewProber 创建探测器
func NewProber(ffprobePath string, runner CommandRunner, maxDurationHours float64) *Prober {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Prober{
		ffprobePath: ffprobePath,
		runner:      runner,
		maxDuration: maxDurationHours * 3600,
	}
}

// Probe 校验并探测媒体文件
// 依次检查：文件大小、文件头与声明 MIME 是否一致、ffprobe 能否解码、时长上限
func (p *Prober) Probe(ctx context.Context, path, declaredMime string) (*models.MediaInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("读取源文件失败: %w", err)
	}
	if fi.Size() < MinFileSize {
		return nil, apperr.Validation(apperr.CodeMediaTooSmall, "文件过小（%d 字节），不是有效的音视频文件", fi.Size())
	}

	if err := checkMagic(path, declaredMime); err != nil {
		return nil, err
	}

	result, err := p.ffprobe(ctx, path)
	if err != nil {
		return nil, err
	}

	info := &models.MediaInfo{
		Container: result.Format.FormatName,
		SizeBytes: fi.Size(),
	}
	info.Duration, _ = strconv.ParseFloat(result.Format.Duration, 64)
	info.BitRate, _ = strconv.ParseInt(result.Format.BitRate, 10, 64)

	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			if s.Disposition["attached_pic"] == 0 {
				info.HasVideo = true
			}
		case "audio":
			if info.Codec == "" {
				info.Codec = s.CodecName
				info.Channels = s.Channels
				info.SampleRate, _ = strconv.Atoi(s.SampleRate)
				if info.Duration <= 0 {
					info.Duration, _ = strconv.ParseFloat(s.Duration, 64)
				}
			}
		}
	}

	if info.Codec == "" {
		return nil, apperr.Validation(apperr.CodeMediaCorrupt, "文件中没有音频流")
	}
	if info.Duration <= 0 {
		return nil, apperr.Validation(apperr.CodeMediaCorrupt, "无法读取媒体时长或时长为 0")
	}
	if p.maxDuration > 0 && info.Duration > p.maxDuration {
		return nil, apperr.Validation(apperr.CodeDurationExceeded,
			"媒体时长 %.1f 小时超过上限 %.1f 小时", info.Duration/3600, p.maxDuration/3600)
	}
	if info.BitRate <= 0 {
		info.BitRate = int64(float64(info.SizeBytes*8) / info.Duration)
	}

	info.NeedsTranscode = info.HasVideo || IsVideoMime(declaredMime) || !engineCodecs[info.Codec]

	log.Printf("📊 媒体信息: %s, 时长 %.2f 秒, 编码 %s, %d Hz, %d 声道, 需要转码=%v",
		info.Container, info.Duration, info.Codec, info.SampleRate, info.Channels, info.NeedsTranscode)
	return info, nil
}

func checkMagic(path, declaredMime string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("读取源文件失败: %w", err)
	}
	defer f.Close()

	family, err := Sniff(f)
	if err != nil {
		return fmt.Errorf("读取文件头失败: %w", err)
	}
	if family == FamilyUnknown {
		return apperr.Validation(apperr.CodeMediaCorrupt, "无法识别的文件格式，文件可能已损坏")
	}
	if !MimeMatches(declaredMime, family) {
		return apperr.Validation(apperr.CodeMediaTypeMismatch,
			"声明的类型 %s 与文件内容（%s）不一致", declaredMime, family)
	}
	return nil
}

func (p *Prober) ffprobe(ctx context.Context, path string) (*probeResult, error) {
	res, err := p.runner.Run(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("❌ ffprobe 执行失败: %v (stderr: %s)", err, lastLine(res.Stderr))
		return nil, apperr.Validation(apperr.CodeMediaCorrupt, "媒体文件无法解码")
	}

	var result probeResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &result); err != nil {
		return nil, apperr.Validation(apperr.CodeMediaCorrupt, "媒体文件无法解码")
	}
	return &result, nil
}

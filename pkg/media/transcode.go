package media

import (
	"context"
	"fmt"
	"log"
)

// 音频格式
const (
	FormatMP3 = "mp3"
	FormatWAV = "wav"
)

// Transcoder ffmpeg 封装
type Transcoder struct {
	ffmpegPath string
	runner     CommandRunner
}

// NewTranscoder 创建转码器
func NewTranscoder(ffmpegPath string, runner CommandRunner) *Transcoder {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Transcoder{ffmpegPath: ffmpegPath, runner: runner}
}

func (t *Transcoder) run(ctx context.Context, args ...string) error {
	res, err := t.runner.Run(ctx, t.ffmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg 执行失败: %v (stderr: %s)", err, lastLine(res.Stderr))
	}
	return nil
}

func encodeArgs(format string) []string {
	if format == FormatWAV {
		return []string{"-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000", "-f", "wav"}
	}
	return []string{"-acodec", "libmp3lame", "-ac", "1", "-ar", "16000", "-b:a", "64k", "-f", "mp3"}
}

// ExtractAudio 提取音轨并转为单声道 16kHz MP3（去掉视频流）
func (t *Transcoder) ExtractAudio(ctx context.Context, input, output string) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input, "-vn"}
	args = append(args, encodeArgs(FormatMP3)...)
	args = append(args, output)

	log.Printf("🔄 正在提取音轨: %s", output)
	return t.run(ctx, args...)
}

// Cut 截取 [start, start+duration) 并编码为指定格式
func (t *Transcoder) Cut(ctx context.Context, input, output string, start, duration float64, format string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", duration),
		"-i", input,
		"-vn",
	}
	args = append(args, encodeArgs(format)...)
	args = append(args, output)
	return t.run(ctx, args...)
}

// EncodeWAV 把片段重新编码为 WAV（引擎拒收 MP3 时的回退格式）
func (t *Transcoder) EncodeWAV(ctx context.Context, input, output string) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input, "-vn"}
	args = append(args, encodeArgs(FormatWAV)...)
	args = append(args, output)
	return t.run(ctx, args...)
}

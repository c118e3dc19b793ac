package output

import (
	"fmt"
	"strings"
)

// RenderSRT 每个合并片段一条字幕
//
//	1
//	00:00:00,000 --> 00:00:05,200
//	字幕文本
func RenderSRT(doc *Document) ([]byte, error) {
	var builder strings.Builder
	subtitleIndex := 1

	for _, cue := range doc.Transcript.Segments {
		text := strings.TrimSpace(cue.Text)
		if text == "" {
			continue
		}
		if subtitleIndex > 1 {
			builder.WriteString("\n")
		}
		builder.WriteString(fmt.Sprintf("%d\n", subtitleIndex))
		builder.WriteString(fmt.Sprintf("%s --> %s\n", formatSRTTime(cue.Start), formatSRTTime(cue.End)))
		builder.WriteString(text + "\n")
		subtitleIndex++
	}

	return []byte(builder.String()), nil
}

// RenderVTT 生成 WebVTT 字幕（用于 HTML5 video 播放），不带序号
func RenderVTT(doc *Document) ([]byte, error) {
	var builder strings.Builder

	// VTT 文件必须以 "WEBVTT" 开头
	builder.WriteString("WEBVTT\n\n")

	first := true
	for _, cue := range doc.Transcript.Segments {
		text := strings.TrimSpace(cue.Text)
		if text == "" {
			continue
		}
		if !first {
			builder.WriteString("\n")
		}
		first = false
		if cue.Speaker != "" {
			text = fmt.Sprintf("<v %s>%s", cue.Speaker, text)
		}
		builder.WriteString(fmt.Sprintf("%s --> %s\n", formatVTTTime(cue.Start), formatVTTTime(cue.End)))
		builder.WriteString(text + "\n")
	}

	return []byte(builder.String()), nil
}

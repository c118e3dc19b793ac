// Package output 把合并后的转写结果渲染为 TXT / JSON / SRT / VTT / DOCX
package output

import (
	"fmt"
	"math"
	"time"

	"github.com/z-wentao/longscribe/pkg/models"
)

// Document 渲染输入
type Document struct {
	Job         *models.TranscriptionJob
	Transcript  *models.MergedTranscript
	GeneratedAt time.Time
}

// Renderer 单一格式的渲染函数
type Renderer func(doc *Document) ([]byte, error)

var renderers = map[models.OutputFormat]Renderer{
	models.FormatTXT:  RenderTXT,
	models.FormatJSON: RenderJSON,
	models.FormatSRT:  RenderSRT,
	models.FormatVTT:  RenderVTT,
	models.FormatDOCX: RenderDOCX,
}

var mimeTypes = map[models.OutputFormat]string{
	models.FormatTXT:  "text/plain; charset=utf-8",
	models.FormatJSON: "application/json",
	models.FormatSRT:  "application/x-subrip",
	models.FormatVTT:  "text/vtt; charset=utf-8",
	models.FormatDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Render 按格式渲染
func Render(format models.OutputFormat, doc *Document) ([]byte, error) {
	r, ok := renderers[format]
	if !ok {
		return nil, fmt.Errorf("不支持的输出格式: %s", format)
	}
	if doc.Transcript == nil {
		return nil, fmt.Errorf("缺少转写结果")
	}
	return r(doc)
}

// MimeType 输出格式对应的 Content-Type
func MimeType(format models.OutputFormat) string {
	if m, ok := mimeTypes[format]; ok {
		return m
	}
	return "application/octet-stream"
}

// splitMillis 秒数四舍五入到毫秒后拆分
func splitMillis(seconds float64) (h, m, s, ms int64) {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(math.Round(seconds * 1000))
	ms = total % 1000
	total /= 1000
	s = total % 60
	total /= 60
	m = total % 60
	h = total / 60
	return
}

// formatSRTTime 例如: 65.5 -> 00:01:05,500
func formatSRTTime(seconds float64) string {
	h, m, s, ms := splitMillis(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// formatVTTTime VTT 使用点号(.)而不是逗号(,)
func formatVTTTime(seconds float64) string {
	h, m, s, ms := splitMillis(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// formatClock 文档中使用的 HH:MM:SS
func formatClock(seconds float64) string {
	h, m, s, _ := splitMillis(math.Floor(seconds))
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

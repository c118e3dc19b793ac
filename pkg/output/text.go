package output

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/z-wentao/longscribe/pkg/models"
)

// RenderTXT 纯文本；有说话人分离结果时每个轮次一行 "Speaker N: text"
func RenderTXT(doc *Document) ([]byte, error) {
	t := doc.Transcript
	if t.Diarized && len(t.Speakers) > 0 {
		var b strings.Builder
		for _, turn := range t.Speakers {
			b.WriteString(turn.Speaker)
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(turn.Text))
			b.WriteString("\n")
		}
		return []byte(b.String()), nil
	}
	return []byte(strings.TrimSpace(t.Text) + "\n"), nil
}

type jsonSegment struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type jsonDocument struct {
	JobID              string               `json:"job_id"`
	Filename           string               `json:"filename,omitempty"`
	Language           string               `json:"language"`
	LanguageConfidence float64              `json:"language_confidence"`
	Duration           float64              `json:"duration"`
	Text               string               `json:"text"`
	Segments           []jsonSegment        `json:"segments"`
	Words              []models.Word        `json:"words"`
	Speakers           []models.SpeakerTurn `json:"speakers,omitempty"`
	Diarized           bool                 `json:"diarized"`
	GeneratedAt        time.Time            `json:"generated_at"`
}

// RenderJSON 转写文本 + 片段 + 元数据
func RenderJSON(doc *Document) ([]byte, error) {
	t := doc.Transcript
	out := jsonDocument{
		JobID:       t.JobID,
		Language:    t.Language,
		Duration:    t.Duration,
		Text:        t.Text,
		Segments:    make([]jsonSegment, 0, len(t.Segments)),
		Words:       t.Words,
		Speakers:    t.Speakers,
		Diarized:    t.Diarized,
		GeneratedAt: doc.GeneratedAt.UTC(),
	}
	if out.Words == nil {
		out.Words = []models.Word{}
	}
	if doc.Job != nil {
		out.Filename = doc.Job.Filename
		out.LanguageConfidence = doc.Job.LanguageConfidence
	}
	for _, cue := range t.Segments {
		out.Segments = append(out.Segments, jsonSegment{Index: cue.Index, Start: cue.Start, End: cue.End, Text: cue.Text})
	}
	return json.MarshalIndent(out, "", "  ")
}

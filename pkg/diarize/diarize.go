// Package diarize 说话人分离：启发式文本分析，或由大模型标注说话人轮次
package diarize

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/z-wentao/longscribe/pkg/models"
)

// Diarizer 说话人分离接口
type Diarizer interface {
	Diarize(ctx context.Context, transcript *models.MergedTranscript, maxSpeakers int) ([]models.SpeakerTurn, error)
}

// GapThreshold 两句之间超过该停顿（秒）视为换人
const GapThreshold = 1.5

var (
	// 行首标记：Speaker 1: / Q: / A: / 张三: / John Smith:
	lineMarker = regexp.MustCompile(`^\s*((?i:speaker)\s*\d+|Q|A|\p{Lu}[\p{L}'-]{0,20}(?: \p{Lu}[\p{L}'-]{0,20})?|\p{Han}{1,4})\s*[:：]\s*(.*)$`)
	// 行内标记只认 Speaker N / Q / A，避免把 "Note:" 这类词当成人名
	inlineMarker = regexp.MustCompile(`(?:^|\s)((?i:speaker)\s*\d+|Q|A)\s*[:：]\s*`)
	sentenceRe   = regexp.MustCompile(`[^.?!。？！]+[.?!。？！]*`)
)

// Heuristic 基于文本标记与停顿的说话人分离
type Heuristic struct{}

// NewHeuristic 创建启发式分离器
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (h *Heuristic) Diarize(ctx context.Context, transcript *models.MergedTranscript, maxSpeakers int) ([]models.SpeakerTurn, error) {
	if transcript == nil || strings.TrimSpace(transcript.Text) == "" {
		return nil, fmt.Errorf("转写文本为空，无法进行说话人分离")
	}
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}

	if turns := explicitTurns(transcript.Text); len(turns) > 0 {
		return alignTurns(turns, transcript.Words), nil
	}
	return alternateTurns(transcript, maxSpeakers), nil
}

// normalizeLabel 统一标记写法：Q → Speaker 1，A → Speaker 2，speaker 3 → Speaker 3
func normalizeLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "Q":
		return "Speaker 1"
	case "A":
		return "Speaker 2"
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "speaker") {
		n := strings.TrimSpace(raw[len("speaker"):])
		if _, err := strconv.Atoi(n); err == nil {
			return "Speaker " + n
		}
	}
	return raw
}

// explicitTurns 文本中至少出现两处说话人标记时按标记切分，否则返回 nil
func explicitTurns(text string) []models.SpeakerTurn {
	if turns := lineTurns(text); len(turns) > 0 {
		return turns
	}
	return inlineTurns(text)
}

func lineTurns(text string) []models.SpeakerTurn {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return nil
	}

	var turns []models.SpeakerTurn
	markers := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := lineMarker.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[2]) != "" {
			markers++
			turns = appendTurn(turns, normalizeLabel(m[1]), m[2])
			continue
		}
		// 没有标记的行属于上一个说话人
		if len(turns) == 0 {
			turns = append(turns, models.SpeakerTurn{Speaker: "Speaker 1", Text: line})
		} else {
			turns[len(turns)-1].Text += " " + line
		}
	}
	if markers < 2 {
		return nil
	}
	return turns
}

func inlineTurns(text string) []models.SpeakerTurn {
	matches := inlineMarker.FindAllStringSubmatchIndex(text, -1)
	if len(matches) < 2 {
		return nil
	}

	var turns []models.SpeakerTurn
	if lead := strings.TrimSpace(text[:matches[0][0]]); lead != "" {
		turns = append(turns, models.SpeakerTurn{Speaker: "Speaker 1", Text: lead})
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		turns = appendTurn(turns, normalizeLabel(text[m[2]:m[3]]), text[m[1]:end])
	}
	return turns
}

// appendTurn 同一说话人连续发言合并为一个轮次
func appendTurn(turns []models.SpeakerTurn, speaker, text string) []models.SpeakerTurn {
	text = strings.TrimSpace(text)
	if text == "" {
		return turns
	}
	if n := len(turns); n > 0 && turns[n-1].Speaker == speaker {
		turns[n-1].Text += " " + text
		return turns
	}
	return append(turns, models.SpeakerTurn{Speaker: speaker, Text: text})
}

// unit 带时间的句子
type unit struct {
	text  string
	start float64
	end   float64
	// gapBefore 与上一句之间的停顿，未知时为 0
	gapBefore float64
}

// alternateTurns 问句之后、或停顿超过阈值时切换说话人，说话人数量不超过 maxSpeakers
func alternateTurns(t *models.MergedTranscript, maxSpeakers int) []models.SpeakerTurn {
	units := unitsFromWords(t.Words)
	if len(units) == 0 {
		units = unitsFromCues(t)
	}

	var turns []models.SpeakerTurn
	current := 0
	for i, u := range units {
		if i > 0 && maxSpeakers > 1 {
			prev := strings.TrimSpace(units[i-1].text)
			if strings.HasSuffix(prev, "?") || strings.HasSuffix(prev, "？") || u.gapBefore >= GapThreshold {
				current = (current + 1) % maxSpeakers
			}
		}
		speaker := fmt.Sprintf("Speaker %d", current+1)
		if n := len(turns); n > 0 && turns[n-1].Speaker == speaker {
			turns[n-1].Text += " " + u.text
			turns[n-1].End = u.end
			continue
		}
		turns = append(turns, models.SpeakerTurn{Speaker: speaker, Text: u.text, Start: u.start, End: u.end})
	}
	return turns
}

func isSentenceEnd(s string) bool {
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "?") || strings.HasSuffix(s, "!") ||
		strings.HasSuffix(s, "。") || strings.HasSuffix(s, "？") || strings.HasSuffix(s, "！")
}

// unitsFromWords 按词级时间戳组句，停顿也会断句
func unitsFromWords(words []models.Word) []unit {
	var units []unit
	var cur []string
	var u unit
	lastEnd := -1.0

	flush := func() {
		if len(cur) > 0 {
			u.text = strings.Join(cur, " ")
			units = append(units, u)
		}
		cur = nil
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		gap := 0.0
		if lastEnd >= 0 {
			gap = w.Start - lastEnd
		}
		if len(cur) > 0 && gap >= GapThreshold {
			flush()
		}
		if len(cur) == 0 {
			u = unit{start: w.Start, gapBefore: gap}
		}
		cur = append(cur, text)
		u.end = w.End
		lastEnd = w.End
		if isSentenceEnd(text) {
			flush()
		}
	}
	flush()
	return units
}

// unitsFromCues 没有词级时间戳时按片段切句，停顿只在片段边界可知
func unitsFromCues(t *models.MergedTranscript) []unit {
	var units []unit
	prevEnd := -1.0
	for _, cue := range t.Segments {
		sentences := sentenceRe.FindAllString(cue.Text, -1)
		first := true
		for _, s := range sentences {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			u := unit{text: s, start: cue.Start, end: cue.End}
			if first && prevEnd >= 0 {
				u.gapBefore = cue.Start - prevEnd
			}
			first = false
			units = append(units, u)
		}
		prevEnd = cue.End
	}
	if len(units) == 0 {
		for _, s := range sentenceRe.FindAllString(t.Text, -1) {
			if s = strings.TrimSpace(s); s != "" {
				units = append(units, unit{text: s})
			}
		}
	}
	return units
}

// alignTurns 按词数比例把没有时间的轮次对齐到词级时间轴
func alignTurns(turns []models.SpeakerTurn, words []models.Word) []models.SpeakerTurn {
	if len(words) == 0 {
		return turns
	}
	counts := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		counts[i] = len(strings.Fields(t.Text))
		total += counts[i]
	}
	if total == 0 {
		return turns
	}

	pos := 0
	for i := range turns {
		from := pos * len(words) / total
		pos += counts[i]
		to := (pos*len(words)+total-1)/total - 1
		if to < from {
			to = from
		}
		if to >= len(words) {
			to = len(words) - 1
		}
		turns[i].Start = words[from].Start
		turns[i].End = words[to].End
	}
	return turns
}

// Apply 把轮次写回转写结果，并按时间重叠为每个字幕片段标注说话人
func Apply(t *models.MergedTranscript, turns []models.SpeakerTurn) {
	t.Speakers = turns
	t.Diarized = len(turns) > 0

	for i := range t.Segments {
		cue := &t.Segments[i]
		best, bestOverlap := "", 0.0
		for _, turn := range turns {
			if turn.End <= 0 {
				continue
			}
			overlap := min(cue.End, turn.End) - max(cue.Start, turn.Start)
			if overlap > bestOverlap {
				best, bestOverlap = turn.Speaker, overlap
			}
		}
		cue.Speaker = best
	}
}

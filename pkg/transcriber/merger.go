package transcriber

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
)

const (
	minOverlapWindow = 2
	maxOverlapWindow = 12
)

// Merge 按 Index 拼接片段文本，并去掉重叠区域重复转写的词
//
// 去重规则：在前一段末尾和后一段开头的窗口内找最长的相同词序列（比较时忽略大小写和标点），
// 只从后一段的开头删除。匹配至少 2 个词，单个词需要至少 4 个字母。
// 因此说话人恰好在边界处重复同一短语时，重复的那一次会被合并掉。
func Merge(jobID string, segments []*models.Segment, overlap float64) (*models.MergedTranscript, error) {
	if len(segments) == 0 {
		return nil, apperr.New(apperr.KindInternal, apperr.CodeMergeFailed, "没有可合并的片段")
	}

	out := &models.MergedTranscript{
		JobID:    jobID,
		Segments: make([]models.Cue, 0, len(segments)),
		Words:    make([]models.Word, 0),
	}

	var (
		prevTokens []string
		prevWords  []models.Word
		texts      []string
	)
	for i, seg := range segments {
		if seg == nil || seg.Index != i {
			return nil, apperr.New(apperr.KindInternal, apperr.CodeMergeFailed, "片段 #%d 缺失", i).WithSegment(i)
		}
		if seg.Status != models.SegmentDone {
			return nil, apperr.New(apperr.KindInternal, apperr.CodeMergeFailed,
				"片段 #%d 尚未完成转写 (状态 %s)", i, seg.Status).WithSegment(i)
		}

		tokens := strings.Fields(seg.Text)
		words := seg.Words
		text := strings.Join(tokens, " ")
		if i > 0 {
			window := overlapWindow(prevWords, words, seg.Start, segments[i-1].End, overlap)
			drop := dedupCount(wordTexts(prevWords), wordTexts(words), window)
			words = words[drop:]

			// 有词级时间戳时按词去重，中日文文本没有空格也能删掉对应的字符
			if rest, ok := trimLeadingWords(seg.Text, seg.Words[:drop]); ok {
				text = rest
			} else {
				text = strings.Join(tokens[dedupCount(prevTokens, tokens, window):], " ")
			}
		}

		out.Segments = append(out.Segments, models.Cue{
			Index: i,
			Start: seg.CueStart,
			End:   seg.CueEnd,
			Text:  text,
		})
		out.Words = append(out.Words, words...)
		if text != "" {
			texts = append(texts, text)
		}
		if seg.End > out.Duration {
			out.Duration = seg.End
		}

		prevTokens = strings.Fields(seg.Text)
		prevWords = seg.Words
	}

	out.Text = joinTexts(texts)
	return out, nil
}

func wordTexts(words []models.Word) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = w.Text
	}
	return out
}

// trimLeadingWords 从 text 开头删掉 dropped 中的词（忽略大小写、空白和标点）
// 文本开头与这些词对不上时返回 false
func trimLeadingWords(text string, dropped []models.Word) (string, bool) {
	var target []rune
	for _, w := range dropped {
		target = append(target, []rune(normalizeToken(w.Text))...)
	}
	if len(target) == 0 {
		return "", false
	}

	matched := 0
	for i, r := range text {
		if matched == len(target) {
			rest := strings.TrimLeftFunc(text[i:], func(r rune) bool { return !isWordRune(r) })
			return strings.Join(strings.Fields(rest), " "), true
		}
		if !isWordRune(r) {
			continue
		}
		if unicode.ToLower(r) != target[matched] {
			return "", false
		}
		matched++
	}
	return "", matched == len(target)
}

// joinTexts 用空格连接各段文本，中日文之间不加空格
func joinTexts(texts []string) string {
	var b strings.Builder
	for i, t := range texts {
		if i > 0 {
			last, _ := utf8.DecodeLastRuneInString(texts[i-1])
			first, _ := utf8.DecodeRuneInString(t)
			if !isCJK(last) || !isCJK(first) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t)
	}
	return b.String()
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) ||
		(r >= 0x3000 && r <= 0x303f) || (r >= 0xff00 && r <= 0xffef)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// overlapWindow 重叠区内的词数加少量余量；没有词级时间戳时退回固定窗口
func overlapWindow(prevWords, curWords []models.Word, overlapStart, overlapEnd, overlap float64) int {
	if overlap <= 0 {
		return 0
	}
	if len(prevWords) == 0 || len(curWords) == 0 {
		return maxOverlapWindow
	}
	inPrev, inCur := 0, 0
	for _, w := range prevWords {
		if w.End > overlapStart {
			inPrev++
		}
	}
	for _, w := range curWords {
		if w.Start < overlapEnd {
			inCur++
		}
	}
	n := inPrev
	if inCur > n {
		n = inCur
	}
	estimate := int(math.Ceil(overlap*4)) + 2
	if n+2 > estimate {
		estimate = n + 2
	}
	return clamp(estimate, minOverlapWindow, maxOverlapWindow)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// dedupCount 返回 cur 开头需要删除的词数：prev 的后缀与 cur 的前缀最长相等的长度
func dedupCount(prev, cur []string, window int) int {
	if window <= 0 {
		return 0
	}
	limit := window
	if len(prev) < limit {
		limit = len(prev)
	}
	if len(cur) < limit {
		limit = len(cur)
	}

	for k := limit; k >= 1; k-- {
		if !equalTokens(prev[len(prev)-k:], cur[:k]) {
			continue
		}
		if k >= 2 || letterCount(normalizeToken(cur[0])) >= 4 {
			return k
		}
	}
	return 0
}

func equalTokens(a, b []string) bool {
	for i := range a {
		na, nb := normalizeToken(a[i]), normalizeToken(b[i])
		if na == "" || na != nb {
			return false
		}
	}
	return true
}

// normalizeToken 小写并去掉标点
func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isWordRune(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

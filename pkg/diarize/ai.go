package diarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/retry"
)

// maxPromptChars 超过该长度的转写不交给大模型，直接走启发式
const maxPromptChars = 60000

// minCoverage 大模型返回的轮次至少要覆盖原文这么多的词，否则视为丢内容
const minCoverage = 0.8

// AI 大模型辅助的说话人分离，结果不可信时回退到启发式
type AI struct {
	client        *openai.Client
	model         string
	minConfidence float64
	timeout       time.Duration
	policy        retry.Policy
	fallback      Diarizer
}

// NewAI 创建 AI 分离器，baseURL 为空时使用 OpenAI 官方地址
func NewAI(apiKey, baseURL, model string, minConfidence float64, timeout time.Duration, policy retry.Policy) *AI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &AI{
		client:        openai.NewClientWithConfig(cfg),
		model:         model,
		minConfidence: minConfidence,
		timeout:       timeout,
		policy:        policy,
		fallback:      NewHeuristic(),
	}
}

type aiTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type aiResult struct {
	Turns      []aiTurn `json:"turns"`
	Confidence float64  `json:"confidence"`
}

func (a *AI) Diarize(ctx context.Context, transcript *models.MergedTranscript, maxSpeakers int) ([]models.SpeakerTurn, error) {
	if transcript == nil || strings.TrimSpace(transcript.Text) == "" {
		return nil, fmt.Errorf("转写文本为空，无法进行说话人分离")
	}
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}
	if len(transcript.Text) > maxPromptChars {
		log.Printf("⚠️ 任务 %s 文本过长（%d 字符），改用启发式说话人分离", transcript.JobID, len(transcript.Text))
		return a.fallback.Diarize(ctx, transcript, maxSpeakers)
	}

	turns, err := a.label(ctx, transcript, maxSpeakers)
	if err != nil {
		log.Printf("⚠️ 任务 %s AI 说话人分离失败，回退到启发式: %v", transcript.JobID, err)
		return a.fallback.Diarize(ctx, transcript, maxSpeakers)
	}
	return alignTurns(turns, transcript.Words), nil
}

// label 调用大模型并校验结果
func (a *AI) label(ctx context.Context, transcript *models.MergedTranscript, maxSpeakers int) ([]models.SpeakerTurn, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var result aiResult
	err := a.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := a.complete(ctx, transcript.Text, maxSpeakers)
		if err != nil {
			return err
		}
		result = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Confidence < a.minConfidence {
		return nil, fmt.Errorf("置信度 %.2f 低于阈值 %.2f", result.Confidence, a.minConfidence)
	}

	var turns []models.SpeakerTurn
	speakers := make(map[string]bool)
	words := 0
	for _, t := range result.Turns {
		speaker := normalizeLabel(t.Speaker)
		if speaker == "" || strings.TrimSpace(t.Text) == "" {
			continue
		}
		speakers[speaker] = true
		words += len(strings.Fields(t.Text))
		turns = appendTurn(turns, speaker, t.Text)
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("AI 未返回任何说话人轮次")
	}
	if len(speakers) > maxSpeakers {
		return nil, fmt.Errorf("AI 标注了 %d 个说话人，超过上限 %d", len(speakers), maxSpeakers)
	}
	if expected := len(strings.Fields(transcript.Text)); float64(words) < float64(expected)*minCoverage {
		return nil, fmt.Errorf("AI 结果只覆盖了 %d/%d 个词", words, expected)
	}
	return turns, nil
}

func (a *AI) complete(ctx context.Context, text string, maxSpeakers int) (*aiResult, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "你是一个专业的会议记录整理助手。你的任务是把一段没有说话人信息的转写文本切分为说话人轮次。只返回 JSON 格式的数据，不要有任何其他文字。",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(text, maxSpeakers),
			},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindTransient, apperr.CodeEngineUnavailable, "AI 未返回结果")
	}

	content := resp.Choices[0].Message.Content
	var result aiResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("解析 AI 响应失败: %w", err)
	}
	return &result, nil
}

// classifyError 限流与服务端错误可以重试，其余直接放弃
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindRateLimit, apperr.CodeRateLimited, err, "AI 接口限流")
		case apiErr.HTTPStatusCode >= 500:
			return apperr.Wrap(apperr.KindTransient, apperr.CodeEngineUnavailable, err, "AI 接口暂时不可用")
		}
		return apperr.Wrap(apperr.KindInternal, apperr.CodeInternal, err, "AI 接口调用失败")
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return apperr.Wrap(apperr.KindRateLimit, apperr.CodeRateLimited, err, "AI 接口限流")
		}
		if reqErr.HTTPStatusCode >= 500 {
			return apperr.Wrap(apperr.KindTransient, apperr.CodeEngineUnavailable, err, "AI 接口暂时不可用")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(apperr.KindTransient, apperr.CodeEngineUnavailable, err, "调用 AI 接口失败")
}

// buildPrompt 构建提示词
func buildPrompt(text string, maxSpeakers int) string {
	return fmt.Sprintf(`请把以下转写文本切分为说话人轮次。要求：

1. 切分标准：
   - 最多 %d 个说话人，依次命名为 "Speaker 1"、"Speaker 2" ...
   - 保留原文的全部内容和顺序，不要改写、总结或翻译
   - 同一个人连续说的话合并为一个轮次

2. 输出格式（严格遵循 JSON 格式）：
{
  "turns": [
    {"speaker": "Speaker 1", "text": "原文片段"}
  ],
  "confidence": 0.0 到 1.0 之间的数字，表示你对切分结果的把握
}

文本内容：
%s

请严格按照 JSON 格式输出，不要包含任何其他说明文字。`, maxSpeakers, text)
}

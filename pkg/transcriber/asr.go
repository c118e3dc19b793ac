package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Mode ASR 调用模式
type Mode string

const (
	ModeTranscribe Mode = "transcribe"
	ModeDetect     Mode = "detect-language"
)

// Request 一次 ASR 调用
type Request struct {
	Filename string
	// Open 每次尝试都重新打开音频（重试时需要从头读取）
	Open     func() (io.ReadCloser, error)
	Language string
	Mode     Mode
}

// Result ASR 返回结果，时间戳相对于片段起点
type Result struct {
	Text       string
	Words      []models.Word
	Language   string
	Confidence float64
	Duration   float64
}

// Engine 外部 ASR 引擎
type Engine interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// WhisperClient OpenAI 兼容的 /audio/transcriptions 客户端
type WhisperClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewWhisperClient 创建 Whisper 客户端
func NewWhisperClient(apiKey, baseURL, model string) *WhisperClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		// 单次调用的超时由调用方的 Context 控制
		httpClient: &http.Client{},
	}
}

// whisperResponse API 响应（verbose_json 格式）
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
	Words    []whisperWord    `json:"words"`
}

type whisperSegment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcribe 转写（或识别语言）一个音频片段
func (wc *WhisperClient) Transcribe(ctx context.Context, req Request) (*Result, error) {
	body, contentType, err := wc.buildForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+wc.apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := wc.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeEngineUnavailable, err, "ASR 调用超时")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeEngineUnavailable, err, "ASR 请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp, bodyBytes)
	}

	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeEngineUnavailable, err, "解析 ASR 响应失败")
	}

	return wr.toResult(), nil
}

func (wc *WhisperClient) buildForm(req Request) (io.Reader, string, error) {
	audio, err := req.Open()
	if err != nil {
		return nil, "", fmt.Errorf("打开音频失败: %w", err)
	}
	defer audio.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("创建表单失败: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, "", fmt.Errorf("复制文件失败: %w", err)
	}

	writer.WriteField("model", wc.model)
	// 识别语言模式不传 language，由引擎自动检测
	if req.Mode != ModeDetect && req.Language != "" {
		writer.WriteField("language", req.Language)
	}
	// 使用 verbose_json 获取时间戳信息
	writer.WriteField("response_format", "verbose_json")
	if req.Mode != ModeDetect {
		writer.WriteField("timestamp_granularities[]", "word")
		writer.WriteField("timestamp_granularities[]", "segment")
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("关闭表单失败: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func (wr *whisperResponse) toResult() *Result {
	res := &Result{
		Text:     strings.TrimSpace(wr.Text),
		Language: NormalizeLanguage(wr.Language),
		Duration: wr.Duration,
	}
	for _, w := range wr.Words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		res.Words = append(res.Words, models.Word{Text: text, Start: w.Start, End: w.End})
	}
	if len(wr.Segments) > 0 {
		var sum float64
		for _, s := range wr.Segments {
			sum += s.AvgLogprob
		}
		res.Confidence = math.Exp(sum / float64(len(wr.Segments)))
	}
	return res
}

// classifyStatus 把 HTTP 状态码映射为错误类别
func classifyStatus(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		e := apperr.New(apperr.KindRateLimit, apperr.CodeRateLimited, "ASR 引擎限流 (状态码 %d)", status)
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return e
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge || status == http.StatusUnsupportedMediaType:
		return apperr.New(apperr.KindPayload, apperr.CodePayloadRejected, "ASR 引擎拒绝该音频 (状态码 %d): %s", status, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindInternal, apperr.CodeEngineUnavailable, "ASR 引擎鉴权失败 (状态码 %d)", status)
	case status >= 500 || status == http.StatusRequestTimeout:
		return apperr.New(apperr.KindTransient, apperr.CodeEngineUnavailable, "ASR 引擎暂时不可用 (状态码 %d)", status)
	default:
		return apperr.New(apperr.KindInternal, apperr.CodeEngineUnavailable, "ASR 返回错误 (状态码 %d): %s", status, msg)
	}
}

// ParseRetryAfter 解析 Retry-After（秒数或 HTTP 日期）
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// whisper 的 verbose_json 返回语言全称
var languageNames = map[string]string{
	"english":    "en",
	"chinese":    "zh",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"japanese":   "ja",
	"korean":     "ko",
	"russian":    "ru",
	"portuguese": "pt",
	"italian":    "it",
	"dutch":      "nl",
	"arabic":     "ar",
	"hindi":      "hi",
	"turkish":    "tr",
	"polish":     "pl",
	"ukrainian":  "uk",
	"vietnamese": "vi",
	"indonesian": "id",
	"swedish":    "sv",
	"cantonese":  "yue",
}

// NormalizeLanguage 统一为 ISO-639-1 代码
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languageNames[lang]; ok {
		return code
	}
	return lang
}

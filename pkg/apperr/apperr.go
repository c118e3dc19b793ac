// Package apperr 定义流水线统一的错误分类
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind 错误类别
type Kind string

const (
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "rate_limited"
	KindPayload    Kind = "payload"
	KindTimeout    Kind = "timeout"
	KindIntegrity  Kind = "integrity"
	KindOwnership  Kind = "ownership"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal"
)

// 稳定的错误码
const (
	CodeFileTooLarge        = "file_too_large"
	CodeUnsupportedMime     = "unsupported_mime"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidChunk        = "invalid_chunk"
	CodeSessionClosed       = "session_closed"
	CodeMissingChunks       = "missing_chunks"
	CodeChecksumMismatch    = "checksum_mismatch"
	CodeMediaTooSmall       = "media_too_small"
	CodeMediaCorrupt        = "media_corrupt"
	CodeMediaTypeMismatch   = "media_type_mismatch"
	CodeDurationExceeded    = "duration_exceeded"
	CodeSegmentTooLarge     = "segment_too_large"
	CodeSegmentFailed       = "segment_transcription_failed"
	CodeRateLimited         = "rate_limited"
	CodePayloadRejected     = "payload_rejected"
	CodeEngineUnavailable   = "engine_unavailable"
	CodeMergeFailed         = "merge_failed"
	CodeOutputFailed        = "output_generation_failed"
	CodeOutputNotAvailable  = "output_not_available"
	CodeStuckJob            = "stuck_job"
	CodeJobTimeout          = "job_timeout"
	CodeJobCancelled        = "job_cancelled"
	CodeJobNotTerminal      = "job_not_terminal"
	CodeJobNotRetryable     = "job_not_retryable"
	CodeInvalidTransition   = "invalid_transition"
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeSessionAlreadyBound = "session_already_bound"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal_error"
)

// Error 带类别与错误码的错误
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Stage   string
	// Segment 失败片段的序号，-1 表示与片段无关
	Segment    int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s", e.Stage, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建错误
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Segment: -1}
}

// Wrap 包装底层错误
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Segment: -1, Err: err}
}

// WithStage 返回带阶段信息的副本
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// WithSegment 返回带片段序号的副本
func (e *Error) WithSegment(index int) *Error {
	c := *e
	c.Segment = index
	return &c
}

// Validation 参数或媒体校验失败
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

// NotFound 资源不存在
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

// Forbidden 不属于当前用户；不透露资源的其他信息
func Forbidden() *Error {
	return New(KindOwnership, CodeForbidden, "无权访问该资源")
}

// Conflict 状态冲突
func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

// As 提取 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回错误类别，未分类的错误视为 internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is 判断错误类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf 返回错误码
func CodeOf(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// RetryAfterOf 返回服务端给出的重试等待提示
func RetryAfterOf(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}

// SegmentOf 返回失败片段序号
func SegmentOf(err error) (int, bool) {
	if e, ok := As(err); ok && e.Segment >= 0 {
		return e.Segment, true
	}
	return 0, false
}

// PublicMessage 面向用户的错误信息，未分类的错误不暴露内部细节
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok {
		return "服务器内部错误"
	}
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s", e.Stage, msg)
	}
	if e.Segment >= 0 && e.Code != CodeSegmentFailed {
		msg = fmt.Sprintf("%s (片段 #%d)", msg, e.Segment)
	}
	if inner, ok := As(e.Err); ok && inner != e {
		msg = fmt.Sprintf("%s: %s", msg, inner.Message)
	}
	return msg
}

// HTTPStatus 将错误类别映射为 HTTP 状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindPayload:
		return http.StatusBadRequest
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindOwnership:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

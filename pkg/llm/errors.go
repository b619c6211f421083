package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failed LLM call. Kinds are stable strings used in
// logs, metrics labels, and usage records.
type ErrorKind string

const (
	// Retryable.
	KindRateLimit ErrorKind = "rate_limit"
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindProvider  ErrorKind = "provider"

	// Not retryable.
	KindQuotaExhausted   ErrorKind = "quota_exhausted"
	KindInvalidParameter ErrorKind = "invalid_parameter"
	KindModelNotFound    ErrorKind = "model_not_found"
	KindAccessDenied     ErrorKind = "access_denied"
	KindContentFilter    ErrorKind = "content_filter"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindCancelled        ErrorKind = "cancelled"
	KindValidation       ErrorKind = "validation"
)

// Error is the universal error for LLM calls. User-facing text comes from
// UserMessage and never contains raw provider payloads; Message and Err keep
// the full detail for logs.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Message  string
	// RetryAfter is the provider-suggested wait, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" from ")
		b.WriteString(e.Provider)
	}
	if e.Model != "" {
		b.WriteString(" (model ")
		b.WriteString(e.Model)
		b.WriteString(")")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry this error.
// CircuitOpen and Cancelled are never retried.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindTransport, KindProvider:
		return true
	default:
		return false
	}
}

// userMessages holds the localized texts keyed by kind: [english, chinese].
var userMessages = map[ErrorKind][2]string{
	KindRateLimit:        {"The model is busy, please try again shortly", "模型繁忙，请稍后重试"},
	KindTimeout:          {"The model took too long to respond, please try again", "模型响应超时，请重试"},
	KindTransport:        {"Could not reach the model service, please try again", "无法连接模型服务，请重试"},
	KindProvider:         {"The model service returned an error, please try again", "模型服务出错，请重试"},
	KindQuotaExhausted:   {"The model quota is exhausted, please contact support", "模型额度已用尽，请联系支持"},
	KindInvalidParameter: {"The request was rejected by the model service", "请求被模型服务拒绝"},
	KindModelNotFound:    {"The requested model is not available", "请求的模型不可用"},
	KindAccessDenied:     {"Access to the model service was denied", "模型服务访问被拒绝"},
	KindContentFilter:    {"The content was declined by the provider's policy", "内容未通过服务方审核"},
	KindCircuitOpen:      {"The model is temporarily unavailable, please try again later", "模型暂时不可用，请稍后再试"},
	KindCancelled:        {"The request was cancelled", "请求已取消"},
	KindValidation:       {"The model returned an empty response, please try again", "模型返回为空，请重试"},
}

// UserMessage returns the localized user-facing text for lang ("en" or
// "zh"). Unknown kinds and languages fall back to English provider text.
func (e *Error) UserMessage(lang string) string {
	texts, ok := userMessages[e.Kind]
	if !ok {
		texts = userMessages[KindProvider]
	}
	if strings.HasPrefix(strings.ToLower(lang), "zh") {
		return texts[1]
	}
	return texts[0]
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err (or an *Error in its chain) may be
// retried. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable()
	}
	return false
}

// quotaMarkers distinguishes account exhaustion from transient throttling
// inside HTTP 429 payloads.
var quotaMarkers = []string{
	"quota",
	"insufficient",
	"arrearage",
	"balance",
	"exceeded your current",
}

// filterMarkers flags provider policy refusals, which some providers report
// as HTTP 400.
var filterMarkers = []string{
	"data_inspection_failed",
	"content_filter",
	"contentfilter",
	"inappropriate",
	"sensitive",
}

// classifyHTTP maps a non-2xx provider response onto the taxonomy.
// retryAfter is the parsed Retry-After header value, zero when absent.
func classifyHTTP(provider, model string, status int, body string, retryAfter time.Duration) *Error {
	e := &Error{
		Provider:   provider,
		Model:      model,
		Status:     status,
		Message:    providerErrorMessage(body),
		RetryAfter: retryAfter,
	}
	lower := strings.ToLower(body)

	switch {
	case status == 429:
		e.Kind = KindRateLimit
		if containsAny(lower, quotaMarkers) {
			e.Kind = KindQuotaExhausted
		}
	case status == 400 || status == 422:
		e.Kind = KindInvalidParameter
		if containsAny(lower, filterMarkers) {
			e.Kind = KindContentFilter
		}
	case status == 401 || status == 403:
		e.Kind = KindAccessDenied
	case status == 404:
		e.Kind = KindModelNotFound
	case status == 408:
		e.Kind = KindTimeout
	case status >= 500:
		e.Kind = KindProvider
	default:
		e.Kind = KindProvider
	}
	return e
}

// classifyTransport maps request-level failures (no HTTP response) onto the
// taxonomy.
func classifyTransport(provider, model string, err error) *Error {
	e := &Error{Provider: provider, Model: model, Err: err}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			e.Kind = KindTimeout
		} else {
			e.Kind = KindTransport
		}
	}
	return e
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// providerErrorMessage pulls the human-readable message out of a provider
// error body. Both the OpenAI envelope ({"error":{"message":...}}) and the
// flat Dashscope shape ({"code":...,"message":...}) are handled; anything
// else is truncated raw text.
func providerErrorMessage(body string) string {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	const maxRaw = 200
	body = strings.TrimSpace(body)
	if len(body) > maxRaw {
		return body[:maxRaw]
	}
	return body
}

// parseRetryAfter reads a Retry-After header value in seconds form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

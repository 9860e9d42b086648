package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultCallTimeout = 15 * time.Second

// RequestError is a non-2xx reply from a provider. Body keeps the raw payload so
// callers can decode provider-specific failure details.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// Message extracts the human-readable provider message from err, falling back
// to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) && strings.TrimSpace(reqErr.Message) != "" {
		return strings.TrimSpace(reqErr.Message)
	}
	return err.Error()
}

type HTTPOptions struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Timeout time.Duration
	Limiter *rate.Limiter
}

// HTTPClient is the JSON-over-HTTP transport shared by the provider clients.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse provider base url: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &HTTPClient{
		baseURL: base,
		token:   strings.TrimSpace(opts.Token),
		client:  client,
		timeout: timeout,
		limiter: opts.Limiter,
	}, nil
}

// Do sends body as JSON and decodes a 2xx reply into out. out may be nil.
func (c *HTTPClient) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("provider rate limit: %w", err)
		}
	}
	reqCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.timeout {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeRequestError(resp.StatusCode, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode provider reply: %w", err)
	}
	return nil
}

type errorPayload struct {
	Error     json.RawMessage `json:"error"`
	Code      string          `json:"code"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeRequestError accepts the three error shapes providers use:
// {"error":{"code","message"}}, {"error":"text"} and flat {"code","message"}.
func decodeRequestError(status int, payload []byte) *RequestError {
	out := &RequestError{StatusCode: status, Body: payload}
	var ep errorPayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		out.Code = fmt.Sprintf("HTTP_%d", status)
		out.Message = strings.TrimSpace(string(payload))
		return out
	}
	out.Code = firstNonEmpty(ep.Code, ep.ErrorCode)
	out.Message = ep.Message
	if len(ep.Error) > 0 {
		var detail errorDetail
		var text string
		switch {
		case json.Unmarshal(ep.Error, &detail) == nil:
			out.Code = firstNonEmpty(detail.Code, out.Code)
			out.Message = firstNonEmpty(detail.Message, out.Message)
		case json.Unmarshal(ep.Error, &text) == nil:
			out.Message = firstNonEmpty(out.Message, text)
		}
	}
	if out.Code == "" {
		out.Code = fmt.Sprintf("HTTP_%d", status)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/sigbridge/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	// Must exceed the daemon's provider timeout.
	defaultUnaryTimeout = 30 * time.Second
)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type ListOptions struct {
	AccountID string
	Kind      string
}

type WatchOptions struct {
	AccountID string
	Kind      string
	Cursor    string
	// Once returns after the initial snapshot lines.
	Once bool
}

type WatchLoopOptions struct {
	AccountID       string
	Kind            string
	Cursor          string
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

type CreateOptions struct {
	AccountNumber string
	Password      string
	Server        string
	Platform      string
	BrokerFamily  string
}

type RequestError struct {
	StatusCode  int
	Code        string
	Message     string
	Suggestions []string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
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

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return api.HealthResponse{}, err
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.HealthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	return resp, nil
}

func (c *Client) ListConnections(ctx context.Context, opts ListOptions) (api.StatesEnvelope, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/connections", filterQuery(opts.AccountID, opts.Kind), nil)
	if err != nil {
		return api.StatesEnvelope{}, err
	}
	var env api.StatesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.StatesEnvelope{}, fmt.Errorf("decode states envelope: %w", err)
	}
	return env, nil
}

func (c *Client) GetState(ctx context.Context, accountID, kind string) (api.StateEnvelope, error) {
	path, err := connectionPath(accountID, kind, "")
	if err != nil {
		return api.StateEnvelope{}, err
	}
	return c.stateCall(ctx, http.MethodGet, path, nil)
}

// Start opens the (account, kind) lane without touching a provider.
func (c *Client) Start(ctx context.Context, accountID, kind string) (api.StateEnvelope, error) {
	path, err := connectionPath(accountID, kind, "start")
	if err != nil {
		return api.StateEnvelope{}, err
	}
	return c.stateCall(ctx, http.MethodPost, path, nil)
}

func (c *Client) ListTransitions(ctx context.Context, accountID, kind string, limit int) (api.TransitionsEnvelope, error) {
	path, err := connectionPath(accountID, kind, "transitions")
	if err != nil {
		return api.TransitionsEnvelope{}, err
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return api.TransitionsEnvelope{}, err
	}
	var env api.TransitionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.TransitionsEnvelope{}, fmt.Errorf("decode transitions envelope: %w", err)
	}
	return env, nil
}

func (c *Client) SubmitCredentials(ctx context.Context, accountID string, req api.CredentialsRequest) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "messaging", accountID, "credentials", req)
}

func (c *Client) SubmitCode(ctx context.Context, accountID, code string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "messaging", accountID, "code", api.CodeRequest{Code: code})
}

func (c *Client) SubmitPassword(ctx context.Context, accountID, password string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "messaging", accountID, "password", api.PasswordRequest{Password: password})
}

func (c *Client) Reconnect(ctx context.Context, accountID string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "messaging", accountID, "reconnect", nil)
}

func (c *Client) Disconnect(ctx context.Context, accountID string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "messaging", accountID, "disconnect", nil)
}

func (c *Client) StartNewSession(ctx context.Context, accountID string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "messaging", accountID, "new-session", nil)
}

func (c *Client) Create(ctx context.Context, accountID string, opts CreateOptions) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "bridge", accountID, "create", api.CreateRequest{
		AccountNumber: opts.AccountNumber,
		Password:      opts.Password,
		Server:        opts.Server,
		Platform:      opts.Platform,
		BrokerFamily:  opts.BrokerFamily,
	})
}

func (c *Client) Cancel(ctx context.Context, accountID string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "bridge", accountID, "cancel", nil)
}

func (c *Client) Retry(ctx context.Context, accountID string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "bridge", accountID, "retry", nil)
}

func (c *Client) Recheck(ctx context.Context, accountID string) (api.StateEnvelope, error) {
	return c.accountOp(ctx, "bridge", accountID, "recheck", nil)
}

// Watch streams /v1/watch lines to onLine until the stream ends, ctx is done or
// onLine fails. It returns the cursor of the last line seen.
func (c *Client) Watch(ctx context.Context, opts WatchOptions, onLine func(api.WatchLine) error) (string, error) {
	query := filterQuery(opts.AccountID, opts.Kind)
	cursor := strings.TrimSpace(opts.Cursor)
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if opts.Once {
		query.Set("once", "1")
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/watch", query, nil)
	if err != nil {
		return cursor, err
	}
	defer resp.Body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return cursor, fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if next := strings.TrimSpace(line.Cursor); next != "" {
			cursor = next
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return cursor, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return cursor, ctx.Err()
		}
		return cursor, err
	}
	return cursor, nil
}

// WatchLoop keeps a watch stream open, resuming from the last cursor after a
// dropped connection. Request errors that are not retryable end the loop.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onLine func(api.WatchLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	cursor := strings.TrimSpace(opts.Cursor)
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivered := false
		next, err := c.Watch(ctx, WatchOptions{
			AccountID: opts.AccountID,
			Kind:      opts.Kind,
			Cursor:    cursor,
		}, func(line api.WatchLine) error {
			delivered = true
			if onLine == nil {
				return nil
			}
			return onLine(line)
		})
		cursor = next
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrWatchPayloadInvalid) {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			if !isTransport(err) {
				return err
			}
		}
		if delivered {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) accountOp(ctx context.Context, area, accountID, op string, body any) (api.StateEnvelope, error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return api.StateEnvelope{}, fmt.Errorf("account id is required")
	}
	path := "/v1/" + area + "/" + url.PathEscape(id) + "/" + op
	return c.stateCall(ctx, http.MethodPost, path, body)
}

func (c *Client) stateCall(ctx context.Context, method, path string, body any) (api.StateEnvelope, error) {
	payload, err := c.request(ctx, method, path, nil, body)
	if err != nil {
		return api.StateEnvelope{}, err
	}
	var env api.StateEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return api.StateEnvelope{}, fmt.Errorf("decode state envelope: %w", err)
	}
	return env, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	resp, err := c.do(reqCtx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}

// do sends the request and converts an error status into *RequestError. The
// caller owns the body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return nil, &RequestError{
			StatusCode:  resp.StatusCode,
			Code:        er.Error.Code,
			Message:     er.Error.Message,
			Suggestions: er.Error.Suggestions,
		}
	}
	return nil, &RequestError{
		StatusCode: resp.StatusCode,
		Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func connectionPath(accountID, kind, suffix string) (string, error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return "", fmt.Errorf("account id is required")
	}
	k := strings.TrimSpace(kind)
	if k == "" {
		return "", fmt.Errorf("kind is required")
	}
	path := "/v1/connections/" + url.PathEscape(id) + "/" + url.PathEscape(k)
	if suffix != "" {
		path += "/" + suffix
	}
	return path, nil
}

func filterQuery(accountID, kind string) url.Values {
	query := url.Values{}
	if v := strings.TrimSpace(accountID); v != "" {
		query.Set("account", v)
	}
	if v := strings.TrimSpace(kind); v != "" {
		query.Set("kind", v)
	}
	return query
}

func isTransport(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Error taxonomy for RPC calls. Callers branch with errors.Is.
var (
	// ErrProcessDead means the aria2c process behind the endpoint is gone;
	// the supervisor slot must be reset before retrying.
	ErrProcessDead = errors.New("aria2c process is not running")
	// ErrGidNotFound means aria2c forgot the submitted task; the caller may
	// re-add the original URI.
	ErrGidNotFound = errors.New("gid not found")
	// ErrTransport means the request exhausted its retries.
	ErrTransport = errors.New("rpc transport failed")
	// ErrProtocol means the response body was not valid JSON-RPC.
	ErrProtocol = errors.New("malformed rpc response")
)

// RemoteError is an error object returned by aria2c itself.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("aria2 error %d: %s", e.Code, e.Message)
}

// Caller is the RPC surface the download pipeline needs. *Client implements
// it; tests substitute scripted fakes.
type Caller interface {
	AddURI(ctx context.Context, uri, dir, out string) (string, error)
	TellStatus(ctx context.Context, gid string) (*Status, error)
	Remove(ctx context.Context, gid string) error
}

// JSON-RPC wire types. aria2 follows JSON-RPC 2.0 with the secret token as
// the first positional parameter.
type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultRetryInterval  = 500 * time.Millisecond
	maxRetryInterval      = 8 * time.Second
)

// Client talks to one aria2c RPC endpoint. It is bound to the pid of the
// process serving the endpoint and refuses to call a dead one.
type Client struct {
	endpoint  string
	secret    string
	pid       int32
	userAgent string
	log       *slog.Logger

	httpClient     *http.Client
	requestTimeout time.Duration
	maxRetries     int
	retryInterval  time.Duration

	// processAlive is overridable in tests; onProcessDead lets the
	// supervisor clear its slot when a dead pid is detected.
	processAlive  func(pid int32) bool
	onProcessDead func()
}

func NewClient(endpoint, secret string, pid int32, log *slog.Logger) *Client {
	return &Client{
		endpoint:       endpoint,
		secret:         secret,
		pid:            pid,
		userAgent:      "pan.baidu.com",
		log:            log,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
		maxRetries:     defaultMaxRetries,
		retryInterval:  defaultRetryInterval,
		processAlive:   pidExists,
	}
}

func pidExists(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}

// SetUserAgent overrides the user agent submitted with addUri options.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
	}
}

// SetOnProcessDead registers the supervisor reset hook.
func (c *Client) SetOnProcessDead(fn func()) {
	c.onProcessDead = fn
}

func (c *Client) token() string {
	return "token:" + c.secret
}

func isGidNotFound(body string) bool {
	return strings.Contains(body, "GID") && strings.Contains(body, "is not found")
}

// Call posts one JSON-RPC request and returns the response body verbatim.
// Transport errors, HTTP 5xx and empty 2xx bodies are retried with doubling
// backoff; a body carrying aria2's "GID ... is not found" message short
// circuits to ErrGidNotFound.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      "nmd",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	interval := c.retryInterval
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if !c.processAlive(c.pid) {
			if c.onProcessDead != nil {
				c.onProcessDead()
			}
			return nil, fmt.Errorf("%w (pid %d)", ErrProcessDead, c.pid)
		}

		body, status, err := c.post(ctx, reqBody)
		switch {
		case err != nil:
			lastErr = err
			c.log.Warn("rpc request failed", "method", method, "attempt", attempt+1, "error", err)
		case status >= 200 && status < 300:
			if len(body) == 0 {
				lastErr = errors.New("empty rpc response body")
				c.log.Warn("rpc response empty", "method", method, "attempt", attempt+1)
			} else if isGidNotFound(string(body)) {
				return nil, ErrGidNotFound
			} else {
				return body, nil
			}
		default:
			if isGidNotFound(string(body)) {
				return nil, ErrGidNotFound
			}
			lastErr = fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(body)))
			c.log.Warn("rpc http error", "method", method, "status", status, "attempt", attempt+1)
		}

		if attempt < c.maxRetries {
			time.Sleep(interval)
			if interval < maxRetryInterval {
				interval *= 2
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrTransport, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// decode unwraps a JSON-RPC envelope, translating aria2's error object into
// the client error taxonomy.
func (c *Client) decode(body []byte) (json.RawMessage, error) {
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// aria2 occasionally answers errors as plain text
		if isGidNotFound(string(body)) {
			return nil, ErrGidNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if resp.Error != nil {
		if isGidNotFound(resp.Error.Message) {
			return nil, ErrGidNotFound
		}
		return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// AddURI submits a download. The options mirror the original desktop app:
// resume enabled, 16 connections, 16 splits.
func (c *Client) AddURI(ctx context.Context, uri, dir, out string) (string, error) {
	options := map[string]interface{}{
		"dir":                       dir,
		"out":                       out,
		"continue":                  true,
		"max-connection-per-server": 16,
		"split":                     16,
		"console-log-level":         "notice",
		"user-agent":                c.userAgent,
	}
	params := []interface{}{c.token(), []string{uri}, options}

	body, err := c.Call(ctx, "aria2.addUri", params)
	if err != nil {
		return "", err
	}
	result, err := c.decode(body)
	if err != nil {
		return "", err
	}

	var gid string
	if err := json.Unmarshal(result, &gid); err != nil {
		return "", fmt.Errorf("%w: addUri result: %v", ErrProtocol, err)
	}
	c.log.Info("download submitted", "gid", gid, "out", out)
	return gid, nil
}

// TellStatus polls one download. A present download returns its parsed
// status; a parseable response without a result returns (nil, nil), meaning
// aria2 no longer reports the task.
func (c *Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	params := []interface{}{c.token(), gid}

	body, err := c.Call(ctx, "aria2.tellStatus", params)
	if err != nil {
		return nil, err
	}
	result, err := c.decode(body)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var payload statusPayload
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("%w: tellStatus result: %v", ErrProtocol, err)
	}
	return payload.toStatus(gid), nil
}

// Remove cancels a download inside aria2c.
func (c *Client) Remove(ctx context.Context, gid string) error {
	params := []interface{}{c.token(), gid}

	body, err := c.Call(ctx, "aria2.remove", params)
	if err != nil {
		return err
	}
	_, err = c.decode(body)
	return err
}

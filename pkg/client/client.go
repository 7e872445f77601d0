// Package client consumes the batch test event stream with client-side timers
// for connect, progress silence and total duration. The server bounds each probe
// on its own; these timers only protect the caller from a stalled connection.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"liuproxy_selector/internal/shared/logger"
)

var (
	ErrConnectTimeout = errors.New("event stream connect timeout")
	ErrSilenceTimeout = errors.New("no progress within silence timeout")
	ErrTotalTimeout   = errors.New("batch test exceeded total timeout")
	ErrStreamClosed   = errors.New("event stream closed before a terminal event")
)

// Policy 客户端计时策略。零值字段使用 DefaultPolicy 中的值。
type Policy struct {
	ConnectTimeout time.Duration
	SilenceTimeout time.Duration
	TotalTimeout   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ConnectTimeout: 10 * time.Second,
		SilenceTimeout: 3 * time.Minute,
		TotalTimeout:   20 * time.Minute,
	}
}

func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = d.ConnectTimeout
	}
	if p.SilenceTimeout <= 0 {
		p.SilenceTimeout = d.SilenceTimeout
	}
	if p.TotalTimeout <= 0 {
		p.TotalTimeout = d.TotalTimeout
	}
	return p
}

// Message 是流中的一帧。
type Message struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Terminal reports whether the message ends a batch session.
func (m Message) Terminal() bool {
	switch m.Event {
	case "final_result", "cancelled", "error":
		return true
	}
	return false
}

// progress 表示会话在推进。心跳只证明连接存活，不重置静默计时。
func (m Message) progress() bool {
	return m.Event != "heartbeat" && m.Event != "ping"
}

type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Client struct {
	baseURL  string
	http     *http.Client
	policy   Policy
	user     string
	password string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithBasicAuth(user, password string) Option {
	return func(c *Client) { c.user, c.password = user, password }
}

func WithPolicy(p Policy) Option { return func(c *Client) { c.policy = p.normalize() } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		policy:  DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	return req, nil
}

// WatchBatch 创建一次批量测试并消费它的事件流，直到终止事件、fn 返回错误或某个计时器触发。
// 计时器触发或 fn 出错时会尽力取消服务端会话。返回会话 id (连接建立后才有)。
func (c *Client) WatchBatch(ctx context.Context, subscriptionID string, indices []int, fn func(Message) error) (string, error) {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	q := url.Values{}
	q.Set("subscription_id", subscriptionID)
	q.Set("node_indexes", strings.Join(parts, ","))

	totalCtx, cancelTotal := context.WithTimeoutCause(ctx, c.policy.TotalTimeout, ErrTotalTimeout)
	defer cancelTotal()
	streamCtx, cancelStream := context.WithCancelCause(totalCtx)
	defer cancelStream(nil)

	req, err := c.newRequest(streamCtx, http.MethodGet, "/batch-test-sse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	connectTimer := time.AfterFunc(c.policy.ConnectTimeout, func() { cancelStream(ErrConnectTimeout) })
	resp, err := c.http.Do(req)
	connectTimer.Stop()
	if err != nil {
		if cause := context.Cause(streamCtx); cause != nil {
			return "", cause
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}

	silenceTimer := time.AfterFunc(c.policy.SilenceTimeout, func() { cancelStream(ErrSilenceTimeout) })
	defer silenceTimer.Stop()

	var sessionID string
	err = readStream(resp.Body, func(m Message) error {
		if m.progress() {
			silenceTimer.Reset(c.policy.SilenceTimeout)
		}
		if m.Event == "connected" {
			var p struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(m.Data, &p) == nil {
				sessionID = p.SessionID
			}
		}
		if err := fn(m); err != nil {
			return err
		}
		if m.Terminal() {
			return errTerminal
		}
		return nil
	})

	switch {
	case errors.Is(err, errTerminal):
		return sessionID, nil
	case err == nil:
		err = ErrStreamClosed
	}
	if cause := context.Cause(streamCtx); cause != nil {
		err = cause
	}
	if sessionID != "" && !errors.Is(err, ErrStreamClosed) {
		c.bestEffortCancel(sessionID)
	}
	return sessionID, err
}

var errTerminal = errors.New("terminal event")

func (c *Client) bestEffortCancel(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.ConnectTimeout)
	defer cancel()
	if _, err := c.CancelBatch(ctx, sessionID); err != nil {
		logger.Debug().Err(err).Str("session_id", sessionID).Msg("[Client] Failed to cancel batch test.")
	}
}

// CancelBatch 取消会话。会话不存在时 Success=false，不是错误。
func (c *Client) CancelBatch(ctx context.Context, sessionID string) (CancelResult, error) {
	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := c.newRequest(ctx, http.MethodPost, "/cancel-batch-test", bytes.NewReader(body))
	if err != nil {
		return CancelResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return CancelResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CancelResult{}, readAPIError(resp)
	}
	var out CancelResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CancelResult{}, fmt.Errorf("failed to decode cancel response: %w", err)
	}
	return out, nil
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// readStream 解析 text/event-stream，每个完整帧调用一次 fn。
func readStream(r io.Reader, fn func(Message) error) error {
	br := bufio.NewReader(r)
	var (
		cur  Message
		data []string
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if cur.Event != "" || len(data) > 0 {
				if cur.Event == "" {
					cur.Event = "message"
				}
				cur.Data = json.RawMessage(strings.Join(data, "\n"))
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur, data = Message{}, nil
		case strings.HasPrefix(line, ":"):
			// 注释行
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
}

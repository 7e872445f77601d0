package batch

import (
	"sync"
	"time"

	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/shared/types"
)

// NodeResult 单个节点在本次批量测试中的结果。
type NodeResult struct {
	NodeIndex int               `json:"node_index"`
	NodeName  string            `json:"node_name"`
	Result    types.TestOutcome `json:"result"`
}

// Progress 是 progress 事件的负载。
type Progress struct {
	Type          string             `json:"type"`
	SessionID     string             `json:"session_id"`
	Message       string             `json:"message"`
	NodeIndex     *int               `json:"node_index,omitempty"`
	NodeName      string             `json:"node_name,omitempty"`
	Progress      int                `json:"progress"`
	Total         int                `json:"total"`
	Completed     int                `json:"completed"`
	SuccessCount  int                `json:"success_count"`
	FailureCount  int                `json:"failure_count"`
	CurrentResult *types.TestOutcome `json:"current_result,omitempty"`
	Timestamp     int64              `json:"timestamp"`
}

// FinalResult 是 final_result 事件的负载。
type FinalResult struct {
	SessionID    string       `json:"session_id"`
	Results      []NodeResult `json:"results"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	TotalCount   int          `json:"total_count"`
	Message      string       `json:"message"`
	Timestamp    int64        `json:"timestamp"`
}

// Cancelled 是 cancelled 事件的负载，带上取消前已完成的部分计数。
type Cancelled struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	Reason       string `json:"reason"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorPayload 是 error 事件的负载。
type ErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

// Snapshot is a consistent copy of a session's counters.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	SubscriptionID string    `json:"subscription_id"`
	Total          int       `json:"total"`
	Completed      int       `json:"completed"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	Cancelled      bool      `json:"cancelled"`
	Terminated     bool      `json:"terminated"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session 是一次批量测试。计数器、结果和终止状态都由 mu 保护；
// 事件也在持锁时发布，保证 progress 与终止事件的先后顺序。
type Session struct {
	ID             string
	SubscriptionID string
	Indices        []int
	CreatedAt      time.Time

	concurrency int
	timeout     time.Duration

	mu           sync.Mutex
	completed    int
	success      int
	failure      int
	results      []NodeResult
	cancelled    bool
	terminated   bool
	terminalKind events.Kind

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSession(id, subscriptionID string, indices []int, concurrency int, timeout time.Duration) *Session {
	return &Session{
		ID:             id,
		SubscriptionID: subscriptionID,
		Indices:        indices,
		CreatedAt:      time.Now(),
		concurrency:    concurrency,
		timeout:        timeout,
		results:        make([]NodeResult, 0, len(indices)),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (s *Session) Total() int { return len(s.Indices) }

func (s *Session) Concurrency() int { return s.concurrency }

// Done is closed once the terminal event has been published and the session removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// TerminalKind returns the kind of the terminal event, empty while running.
func (s *Session) TerminalKind() events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalKind
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.ID,
		SubscriptionID: s.SubscriptionID,
		Total:          len(s.Indices),
		Completed:      s.completed,
		SuccessCount:   s.success,
		FailureCount:   s.failure,
		Cancelled:      s.cancelled,
		Terminated:     s.terminated,
		CreatedAt:      s.CreatedAt,
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// requestCancel 只在会话仍有未完成节点时生效。重复取消返回 false。
func (s *Session) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.cancelled || s.completed >= len(s.Indices) {
		return false
	}
	s.cancelled = true
	s.signalStop()
	return true
}

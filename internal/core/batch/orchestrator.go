package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/core/nodes"
	"liuproxy_selector/internal/core/probe"
	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/settings"
	"liuproxy_selector/internal/shared/types"
	"liuproxy_selector/internal/storage"
)

var (
	ErrInvalidRequest  = errors.New("invalid batch test request")
	ErrSessionNotFound = errors.New("no active session")
)

// NodeState 记录节点测试状态，由节点存储实现。
type NodeState interface {
	BeginTest(subscriptionID string, index int) error
	RecordTest(subscriptionID string, index int, outcome types.TestOutcome) error
}

// Defaults 是批量测试的默认参数，可由 settings 的 "batch" 模块热更新。
type Defaults struct {
	Concurrency  int
	ProbeTimeout time.Duration
}

// CancelResult 是 Cancel 的结果。Found=false 表示会话不存在或已结束，不是错误。
type CancelResult struct {
	Found   bool   `json:"success"`
	Message string `json:"message"`
}

type Options struct {
	Nodes     nodes.Source
	State     NodeState
	Runner    *probe.Runner
	Registry  *Registry
	Publisher events.Publisher
	History   storage.Store
	Metrics   *metrics.Metrics
	Defaults  Defaults
}

// Orchestrator 把一组节点分发给固定大小的 worker 池进行探测，并发布进度事件。
type Orchestrator struct {
	nodes     nodes.Source
	state     NodeState
	runner    *probe.Runner
	registry  *Registry
	publisher events.Publisher
	history   storage.Store
	metrics   *metrics.Metrics
	defaults  atomic.Pointer[Defaults]

	// 进行中的探测使用 baseCtx，而不是会话的取消信号：取消只阻止新的分发。
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

var _ settings.ConfigurableModule = (*Orchestrator)(nil)

func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.History == nil {
		opts.History = storage.NopStore{}
	}
	d := normalizeDefaults(opts.Defaults)
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		nodes:      opts.Nodes,
		state:      opts.State,
		runner:     opts.Runner,
		registry:   opts.Registry,
		publisher:  opts.Publisher,
		history:    opts.History,
		metrics:    opts.Metrics,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	o.defaults.Store(&d)
	return o
}

func normalizeDefaults(d Defaults) Defaults {
	if d.Concurrency <= 0 {
		d.Concurrency = 2
	}
	if d.ProbeTimeout <= 0 {
		d.ProbeTimeout = probe.DefaultTimeout
	}
	return d
}

func (o *Orchestrator) Registry() *Registry { return o.registry }

// OnSettingsUpdate 应用 "batch" 模块的新默认值，只影响之后创建的会话。
func (o *Orchestrator) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	bs, ok := newSettings.(*settings.BatchSettings)
	if !ok {
		return fmt.Errorf("invalid settings type for batch orchestrator: %T", newSettings)
	}
	d := normalizeDefaults(Defaults{
		Concurrency:  bs.Concurrency,
		ProbeTimeout: time.Duration(bs.ProbeTimeoutSec) * time.Second,
	})
	o.defaults.Store(&d)
	logger.Info().Int("concurrency", d.Concurrency).Dur("probe_timeout", d.ProbeTimeout).Msg("Batch defaults updated.")
	return nil
}

// StartBatch 校验、注册并立即开始一次批量测试。
func (o *Orchestrator) StartBatch(subscriptionID string, indices []int, concurrency int) (*Session, error) {
	s, err := o.Create(subscriptionID, indices, concurrency)
	if err != nil {
		return nil, err
	}
	o.Run(s)
	return s, nil
}

// Create 校验请求并注册会话，但不开始分发。调用方可以在 Run 之前订阅会话事件，
// 从而不会错过任何 progress。创建后必须调用 Run 或 Discard。
func (o *Orchestrator) Create(subscriptionID string, indices []int, concurrency int) (*Session, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription_id is required", ErrInvalidRequest)
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: node_indexes must not be empty", ErrInvalidRequest)
	}

	seen := make(map[int]struct{}, len(indices))
	ordered := make([]int, 0, len(indices))
	for _, idx := range indices {
		if _, dup := seen[idx]; dup {
			continue
		}
		if _, err := o.nodes.Node(subscriptionID, idx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		seen[idx] = struct{}{}
		ordered = append(ordered, idx)
	}

	d := *o.defaults.Load()
	if concurrency <= 0 {
		concurrency = d.Concurrency
	}
	if concurrency > len(ordered) {
		concurrency = len(ordered)
	}

	s := newSession(uuid.New().String(), subscriptionID, ordered, concurrency, d.ProbeTimeout)
	if err := o.registry.Register(s); err != nil {
		return nil, err
	}
	logger.Info().Str("session_id", s.ID).Str("subscription_id", subscriptionID).
		Int("total", len(ordered)).Int("concurrency", concurrency).Msg("Batch test session created.")
	return s, nil
}

// Discard 移除一个已创建但不会运行的会话。
func (o *Orchestrator) Discard(s *Session) {
	o.registry.Remove(s.ID)
}

// Run 在后台执行会话。
func (o *Orchestrator) Run(s *Session) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(s)
	}()
}

// Cancel 请求取消会话。未知或已结束的会话返回 Found=false。
func (o *Orchestrator) Cancel(sessionID string) CancelResult {
	s, ok := o.registry.Lookup(sessionID)
	if !ok || !s.requestCancel() {
		return CancelResult{Found: false, Message: ErrSessionNotFound.Error()}
	}
	logger.Info().Str("session_id", sessionID).Msg("Batch test cancellation requested.")
	return CancelResult{Found: true, Message: "batch test cancellation requested"}
}

func (o *Orchestrator) Lookup(sessionID string) (*Session, bool) {
	return o.registry.Lookup(sessionID)
}

// Shutdown 取消所有会话、中断进行中的探测并等待会话结束。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.registry.Range(func(s *Session) bool {
		s.requestCancel()
		return true
	})
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(s *Session) {
	jobs := make(chan int)
	var workers sync.WaitGroup
	for w := 0; w < s.concurrency; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for idx := range jobs {
				// 取消后收到的任务直接跳过
				if s.stopped() {
					continue
				}
				o.probeOne(s, idx)
			}
		}()
	}

dispatch:
	for _, idx := range s.Indices {
		if s.stopped() {
			break
		}
		select {
		case <-s.stop:
			break dispatch
		case jobs <- idx:
		}
	}
	close(jobs)
	workers.Wait()

	o.finish(s)
}

func (o *Orchestrator) storeOutcome(s *Session, idx int, outcome types.TestOutcome) {
	if err := o.state.RecordTest(s.SubscriptionID, idx, outcome); err != nil {
		logger.Warn().Err(err).Str("session_id", s.ID).Int("node_index", idx).Msg("Failed to store test result on node.")
	}
}

func (o *Orchestrator) probeOne(s *Session, idx int) {
	defer func() {
		if rec := recover(); rec != nil {
			o.fail(s, fmt.Errorf("internal error while testing node %d: %v", idx, rec))
		}
	}()

	node, err := o.nodes.Node(s.SubscriptionID, idx)
	var outcome types.TestOutcome
	if err != nil {
		// 校验后节点被移除，按失败计数
		node = types.Node{SubscriptionID: s.SubscriptionID, Index: idx}
		outcome = types.TestOutcome{Success: false, Error: err.Error(), Timestamp: time.Now(), TestType: "batch"}
	} else {
		if err := o.state.BeginTest(s.SubscriptionID, idx); err != nil {
			logger.Warn().Err(err).Str("session_id", s.ID).Int("node_index", idx).Msg("Failed to mark node as testing.")
		}
		outcome, err = o.runner.Run(o.baseCtx, node, probe.Options{Timeout: s.timeout, TestType: "batch"})
		if err != nil {
			o.storeOutcome(s, idx, types.TestOutcome{
				Success: false, Error: err.Error(), Timestamp: time.Now(), TestType: "batch",
			})
			o.fail(s, err)
			return
		}
		o.storeOutcome(s, idx, outcome)
	}

	if err := o.history.RecordTest(o.baseCtx, storage.TestRecord{
		SubscriptionID: s.SubscriptionID,
		NodeIndex:      idx,
		NodeName:       node.Name,
		Success:        outcome.Success,
		LatencyMS:      outcome.Latency.Milliseconds(),
		Error:          outcome.Error,
		TestType:       "batch",
		TestedAt:       outcome.Timestamp,
	}); err != nil {
		logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to persist test record.")
	}

	o.record(s, node, outcome)
}

// record 在会话锁内更新计数并发布 progress。会话终止后不再发布。
func (o *Orchestrator) record(s *Session, node types.Node, outcome types.TestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}

	s.completed++
	var msg string
	if outcome.Success {
		s.success++
		msg = fmt.Sprintf("node %d (%s): success, latency %dms", node.Index, node.Name, outcome.Latency.Milliseconds())
	} else {
		s.failure++
		msg = fmt.Sprintf("node %d (%s): failed: %s", node.Index, node.Name, outcome.Error)
	}
	s.results = append(s.results, NodeResult{NodeIndex: node.Index, NodeName: node.Name, Result: outcome})

	idx := node.Index
	result := outcome
	total := len(s.Indices)
	o.publisher.Publish(events.BatchTopic(s.ID), events.KindProgress, Progress{
		Type:          "progress",
		SessionID:     s.ID,
		Message:       msg,
		NodeIndex:     &idx,
		NodeName:      node.Name,
		Progress:      s.completed * 100 / total,
		Total:         total,
		Completed:     s.completed,
		SuccessCount:  s.success,
		FailureCount:  s.failure,
		CurrentResult: &result,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// fail 发布 error 终止事件并停止分发。
func (o *Orchestrator) fail(s *Session, err error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.terminalKind = events.KindError
	o.publisher.Publish(events.BatchTopic(s.ID), events.KindError, ErrorPayload{SessionID: s.ID, Error: err.Error()})
	s.mu.Unlock()

	s.signalStop()
	logger.Error().Err(err).Str("session_id", s.ID).Msg("Batch test session aborted.")
}

// finish 发布唯一的终止事件 (如果尚未因错误终止) 并移除会话。
func (o *Orchestrator) finish(s *Session) {
	s.mu.Lock()
	if !s.terminated {
		s.terminated = true
		now := time.Now().UnixMilli()
		total := len(s.Indices)
		if s.cancelled {
			s.terminalKind = events.KindCancelled
			o.publisher.Publish(events.BatchTopic(s.ID), events.KindCancelled, Cancelled{
				SessionID:    s.ID,
				Message:      fmt.Sprintf("batch test cancelled after %d of %d nodes", s.completed, total),
				Reason:       "user_cancelled",
				Total:        total,
				Completed:    s.completed,
				SuccessCount: s.success,
				FailureCount: s.failure,
				Timestamp:    now,
			})
		} else {
			s.terminalKind = events.KindFinalResult
			results := make([]NodeResult, len(s.results))
			copy(results, s.results)
			o.publisher.Publish(events.BatchTopic(s.ID), events.KindFinalResult, FinalResult{
				SessionID:    s.ID,
				Results:      results,
				SuccessCount: s.success,
				FailureCount: s.failure,
				TotalCount:   total,
				Message:      fmt.Sprintf("batch test finished: %d succeeded, %d failed", s.success, s.failure),
				Timestamp:    now,
			})
		}
	}
	kind := s.terminalKind
	snap := Snapshot{Completed: s.completed, SuccessCount: s.success, FailureCount: s.failure, Total: len(s.Indices)}
	s.mu.Unlock()

	o.registry.Remove(s.ID)
	s.signalStop()
	close(s.done)
	o.metrics.BatchFinished(string(kind))

	logger.Info().Str("session_id", s.ID).Str("outcome", string(kind)).
		Int("completed", snap.Completed).Int("success", snap.SuccessCount).Int("failure", snap.FailureCount).
		Msg("Batch test session finished.")
}

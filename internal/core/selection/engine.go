// Package selection 实现每个订阅的智能选择引擎：周期性测试节点、维护候选队列、
// 并根据自动切换规则修改代理绑定。
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_selector/internal/core/binding"
	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/core/health"
	"liuproxy_selector/internal/core/nodes"
	"liuproxy_selector/internal/core/probe"
	"liuproxy_selector/internal/core/queue"
	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
	"liuproxy_selector/internal/storage"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrAlreadyRunning       = errors.New("intelligent proxy is already running")
	ErrNotRunning           = errors.New("intelligent proxy is not running")
	ErrTestingInProgress    = errors.New("testing already in progress")
	ErrNodeNotInQueue       = errors.New("node is not in the candidate queue")
	ErrSubscriptionRequired = errors.New("subscription_id is required when several subscriptions are running")
)

// 每轮最多测速的可用节点数。
const speedTestCandidates = 3

// NodeStore 是引擎依赖的节点存储。
type NodeStore interface {
	nodes.Source
	binding.Controller
	RecordTest(subscriptionID string, index int, outcome types.TestOutcome) error
	RecordSpeed(subscriptionID string, index int, outcome types.SpeedOutcome) error
}

type Deps struct {
	Nodes     NodeStore
	Runner    *probe.Runner
	Publisher events.Publisher
	History   storage.Store
	Metrics   *metrics.Metrics
}

// Engine 是单个订阅的控制循环。
type Engine struct {
	subscriptionID string
	deps           Deps
	checker        *health.Checker
	queue          *queue.Queue
	binding        *binding.Binding

	cfg        atomic.Pointer[types.SelectionConfig]
	autoSwitch atomic.Bool
	testing    atomic.Bool

	// mu 串行化队列重评分和切换，同一订阅不会有两个切换同时进行。
	mu sync.Mutex

	stateMu      sync.RWMutex
	state        State
	startTime    time.Time
	lastTestTime time.Time
	progress     TestingProgress

	retestCh   chan struct{}
	reconfigCh chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

func newEngine(subscriptionID string, cfg types.SelectionConfig, deps Deps) *Engine {
	cfg = cfg.Normalize()
	e := &Engine{
		subscriptionID: subscriptionID,
		deps:           deps,
		checker:        health.New(deps.Runner),
		queue:          queue.New(subscriptionID, cfg.MaxQueueSize),
		binding:        binding.New(subscriptionID, cfg.HTTPPort, cfg.SOCKSPort, deps.Nodes),
		state:          StateStopped,
		retestCh:       make(chan struct{}, 1),
		reconfigCh:     make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	e.cfg.Store(&cfg)
	e.autoSwitch.Store(cfg.EnableAutoSwitch)
	return e
}

func (e *Engine) config() types.SelectionConfig { return *e.cfg.Load() }

func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *Engine) publish(kind events.Kind, data interface{}) {
	if e.deps.Publisher == nil {
		return
	}
	e.deps.Publisher.Publish(events.TopicSelection, kind, data)
}

func (e *Engine) start(ctx context.Context) {
	e.setState(StateStarting)
	e.restoreQueue(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	// 第一次 TestingPhase 在循环开始时立即执行，提前置位以拒绝并发的 Retest。
	e.testing.Store(true)

	now := time.Now()
	e.stateMu.Lock()
	e.startTime = now
	e.state = StateRunning
	e.stateMu.Unlock()

	cfg := e.config()
	logger.Info().Str("subscription_id", e.subscriptionID).Int("test_concurrency", cfg.TestConcurrency).
		Bool("auto_switch", cfg.EnableAutoSwitch).Msg("Intelligent proxy started.")
	e.publish(events.KindServiceStarted, lifecyclePayload{
		SubscriptionID: e.subscriptionID,
		Message:        "intelligent proxy started",
		Config:         &cfg,
		Timestamp:      now,
	})

	go e.loop(loopCtx)
}

func (e *Engine) stop(ctx context.Context) {
	e.setState(StateStopping)
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
			logger.Warn().Str("subscription_id", e.subscriptionID).Msg("Control loop did not exit before stop deadline.")
		}
	}

	if err := e.binding.Release(ctx); err != nil {
		logger.Warn().Err(err).Str("subscription_id", e.subscriptionID).Msg("Failed to release active node.")
	}
	e.saveQueue(ctx)
	e.queue.Clear()

	e.stateMu.Lock()
	e.progress = TestingProgress{}
	e.state = StateStopped
	e.stateMu.Unlock()

	logger.Info().Str("subscription_id", e.subscriptionID).Msg("Intelligent proxy stopped.")
	e.publish(events.KindServiceStopped, lifecyclePayload{
		SubscriptionID: e.subscriptionID,
		Message:        "intelligent proxy stopped",
		Timestamp:      time.Now(),
	})
}

func (e *Engine) newTickers() (testTicker, healthTicker *time.Ticker) {
	cfg := e.config()
	if cfg.EnableRetesting {
		testTicker = time.NewTicker(cfg.TestEvery())
	}
	if cfg.EnableHealthCheck {
		healthTicker = time.NewTicker(cfg.HealthEvery())
	}
	return
}

func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTicker(t *time.Ticker) {
	if t != nil {
		t.Stop()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	e.runTestingPhase(ctx)

	testTicker, healthTicker := e.newTickers()
	defer func() {
		stopTicker(testTicker)
		stopTicker(healthTicker)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC(testTicker):
			e.runTestingPhase(ctx)
		case <-tickC(healthTicker):
			e.runHealthCheck(ctx)
		case <-e.retestCh:
			e.runTestingPhase(ctx)
		case <-e.reconfigCh:
			stopTicker(testTicker)
			stopTicker(healthTicker)
			testTicker, healthTicker = e.newTickers()
		}
	}
}

func (e *Engine) updateProgress(fn func(p *TestingProgress)) TestingProgress {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	fn(&e.progress)
	return e.progress
}

// runTestingPhase 测试订阅下的所有节点，然后应用自动切换规则。
func (e *Engine) runTestingPhase(ctx context.Context) {
	e.testing.Store(true)
	defer e.testing.Store(false)

	cfg := e.config()
	started := time.Now()
	nodeList, err := e.deps.Nodes.Nodes(e.subscriptionID)
	if err != nil {
		logger.Error().Err(err).Str("subscription_id", e.subscriptionID).Msg("TestingPhase: failed to list nodes.")
		return
	}
	if n := e.queue.PruneBlacklist(); n > 0 {
		logger.Debug().Str("subscription_id", e.subscriptionID).Int("released", n).Msg("TestingPhase: blacklist entries expired.")
	}
	nodeList, skipped := e.withoutBlacklisted(nodeList)

	e.updateProgress(func(p *TestingProgress) {
		*p = TestingProgress{SubscriptionID: e.subscriptionID, IsRunning: true, TotalNodes: len(nodeList), SkippedNodes: skipped}
	})
	e.publish(events.KindTestingStart, testingStartPayload{SubscriptionID: e.subscriptionID, TotalNodes: len(nodeList)})

	e.checker.Check(ctx, nodeList, cfg.TestConcurrency, probeOptions(cfg), func(r health.Result) {
		if ctx.Err() != nil {
			return
		}
		e.recordOutcome(ctx, r.Node, r.Outcome)
		p := e.updateProgress(func(p *TestingProgress) {
			p.TestedNodes++
			if r.Outcome.Success {
				p.SuccessNodes++
			} else {
				p.FailedNodes++
			}
			p.CurrentNode = r.Node.Name
			p.Progress = p.TestedNodes * 100 / p.TotalNodes
		})
		e.publish(events.KindTestingProgress, p)
	})
	if ctx.Err() != nil {
		return
	}

	if cfg.EnableSpeedTest {
		e.runSpeedTests(ctx, cfg)
	}

	p := e.updateProgress(func(p *TestingProgress) {
		p.IsRunning = false
		p.CurrentNode = ""
	})
	e.stateMu.Lock()
	e.lastTestTime = time.Now()
	e.stateMu.Unlock()

	logger.Info().Str("subscription_id", e.subscriptionID).Int("success_nodes", p.SuccessNodes).
		Int("failed_nodes", p.FailedNodes).Dur("duration", time.Since(started)).Msg("TestingPhase complete.")
	e.publish(events.KindTestingComplete, testingCompletePayload{
		SubscriptionID: e.subscriptionID,
		TotalNodes:     p.TotalNodes,
		SuccessNodes:   p.SuccessNodes,
		FailedNodes:    p.FailedNodes,
		Duration:       time.Since(started).Milliseconds(),
	})

	e.saveQueue(ctx)
	e.evaluate(ctx, "")
}

// withoutBlacklisted 去掉拉黑期内的节点，它们在解禁前不参与测试。
func (e *Engine) withoutBlacklisted(nodeList []types.Node) ([]types.Node, int) {
	out := nodeList[:0:0]
	for _, n := range nodeList {
		if e.queue.Blacklisted(n.Index) {
			continue
		}
		out = append(out, n)
	}
	return out, len(nodeList) - len(out)
}

func probeOptions(cfg types.SelectionConfig) probe.Options {
	return probe.Options{Timeout: cfg.ProbeTimeout(), TestURL: cfg.TestURL}
}

func (e *Engine) recordOutcome(ctx context.Context, node types.Node, outcome types.TestOutcome) {
	if err := e.deps.Nodes.RecordTest(e.subscriptionID, node.Index, outcome); err != nil {
		logger.Warn().Err(err).Str("subscription_id", e.subscriptionID).Int("node_index", node.Index).Msg("Failed to store test result.")
	}
	e.mu.Lock()
	e.queue.Record(node, outcome)
	e.mu.Unlock()

	rec := storage.TestRecord{
		SubscriptionID: e.subscriptionID,
		NodeIndex:      node.Index,
		NodeName:       node.Name,
		Success:        outcome.Success,
		LatencyMS:      outcome.Latency.Milliseconds(),
		Error:          outcome.Error,
		TestType:       outcome.TestType,
		TestedAt:       outcome.Timestamp,
	}
	if err := e.deps.History.RecordTest(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to write test history.")
	}
}

func (e *Engine) runSpeedTests(ctx context.Context, cfg types.SelectionConfig) {
	tested := 0
	for _, entry := range e.queue.Snapshot() {
		if tested >= speedTestCandidates || ctx.Err() != nil {
			return
		}
		if !entry.Available {
			continue
		}
		node, err := e.deps.Nodes.Node(e.subscriptionID, entry.NodeIndex)
		if err != nil {
			continue
		}
		tested++
		out := e.deps.Runner.RunSpeed(ctx, node, cfg.ProbeTimeout())
		if err := e.deps.Nodes.RecordSpeed(e.subscriptionID, node.Index, out); err != nil {
			logger.Warn().Err(err).Int("node_index", node.Index).Msg("Failed to store speed result.")
		}
		e.mu.Lock()
		e.queue.RecordSpeed(node.Index, out)
		e.mu.Unlock()
		logger.Debug().Str("subscription_id", e.subscriptionID).Int("node_index", node.Index).
			Str("error", out.Error).Msgf("Speed test: %.2f Mbps", out.DownloadSpeed)
	}
}

// runHealthCheck 只探测当前活动节点，然后重新应用自动切换规则。
func (e *Engine) runHealthCheck(ctx context.Context) {
	idx := e.binding.ActiveIndex()
	if idx < 0 {
		e.evaluate(ctx, "")
		return
	}
	node, err := e.deps.Nodes.Node(e.subscriptionID, idx)
	if err != nil {
		logger.Warn().Err(err).Str("subscription_id", e.subscriptionID).Int("node_index", idx).Msg("HealthCheck: active node vanished.")
		return
	}

	res := e.checker.CheckOne(ctx, node, probeOptions(e.config()))
	if ctx.Err() != nil {
		return
	}
	e.recordOutcome(ctx, node, res.Outcome)
	if res.Outcome.Success {
		e.evaluate(ctx, "")
		return
	}

	logger.Warn().Str("subscription_id", e.subscriptionID).Int("node_index", idx).
		Str("error", res.Outcome.Error).Msg("Active node failed health check.")
	e.evaluate(ctx, types.ReasonHealthCheckFailed)
}

// entryFor 返回节点在队列中的条目；不在队列中时视为不可用。
func (e *Engine) entryFor(node *types.Node) *queue.Entry {
	if node == nil {
		return nil
	}
	if en, ok := e.queue.Get(node.Index); ok {
		return &en
	}
	return &queue.Entry{SubscriptionID: e.subscriptionID, NodeIndex: node.Index, NodeName: node.Name}
}

// evaluate 应用自动切换规则。trigger 非空时用作 advisory 事件的原因。
func (e *Engine) evaluate(ctx context.Context, trigger types.SwitchReason) {
	cfg := e.config()
	auto := e.autoSwitch.Load()

	e.mu.Lock()
	defer e.mu.Unlock()

	var decision queue.Decision
	var from *queue.Entry
	ch, switched, err := e.binding.SwitchIf(ctx, func(active *types.Node) (types.Node, types.SwitchReason, bool) {
		from = e.entryFor(active)
		activeIdx := -1
		if active != nil {
			activeIdx = active.Index
		}
		var best *queue.Entry
		if b, ok := e.queue.BestExcluding(activeIdx); ok {
			best = &b
		}
		decision = queue.Decide(auto, from, from != nil && from.Available, best, cfg.SwitchThreshold)
		if !decision.Switch {
			return types.Node{}, "", false
		}
		node, err := e.deps.Nodes.Node(e.subscriptionID, decision.Target.NodeIndex)
		if err != nil {
			logger.Warn().Err(err).Int("node_index", decision.Target.NodeIndex).Msg("Switch target vanished.")
			return types.Node{}, "", false
		}
		return node, decision.Reason, true
	})

	switch {
	case err != nil:
		logger.Error().Err(err).Str("subscription_id", e.subscriptionID).Msg("Auto switch failed.")
		e.publishQueueUpdate("", "", nil)
	case switched:
		e.afterSwitchLocked(ctx, ch, from, decision.Target)
	case decision.Advisory:
		reason := decision.Reason
		if trigger != "" {
			reason = trigger
		}
		s := summarize(decision.Target)
		logger.Info().Str("subscription_id", e.subscriptionID).Int("suggested_node", s.NodeIndex).
			Str("reason", string(reason)).Msg("Auto switch disabled, manual switch available.")
		e.publishQueueUpdate(advisoryManualSwitch, reason, &s)
	default:
		e.publishQueueUpdate("", "", nil)
	}
}

// afterSwitchLocked 在持有 e.mu 时调用。
func (e *Engine) afterSwitchLocked(ctx context.Context, ch binding.Change, from *queue.Entry, to queue.Entry) {
	e.queue.SetActive(to.NodeIndex)

	payload := switchPayload{
		SubscriptionID: e.subscriptionID,
		ToNode:         summarize(to),
		SwitchReason:   ch.Reason,
		SwitchTime:     ch.At,
	}
	rec := storage.SwitchRecord{
		SubscriptionID: e.subscriptionID,
		ToIndex:        to.NodeIndex,
		ToName:         to.NodeName,
		Reason:         string(ch.Reason),
		ScoreAfter:     to.Score,
		LatencyAfter:   to.LatencyMS,
		SwitchedAt:     ch.At,
	}
	if ch.From != nil && from != nil {
		f := summarize(*from)
		payload.FromNode = &f
		idx := from.NodeIndex
		rec.FromIndex = &idx
		rec.FromName = from.NodeName
		rec.ScoreBefore = from.Score
		rec.LatencyBefore = from.LatencyMS
	}

	e.publish(events.KindNodeSwitch, payload)
	e.deps.Metrics.SwitchRecorded(string(ch.Reason))
	if err := e.deps.History.RecordSwitch(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to write switch log.")
	}
	e.publishQueueUpdate("", "", nil)
}

func (e *Engine) publishQueueUpdate(advisory string, reason types.SwitchReason, suggested *SwitchNode) {
	available, failed := e.queue.Counts()
	e.publish(events.KindQueueUpdate, queueUpdatePayload{
		SubscriptionID: e.subscriptionID,
		QueueSize:      e.queue.Len(),
		AvailableNodes: available,
		FailedNodes:    failed,
		Advisory:       advisory,
		Reason:         reason,
		Suggested:      suggested,
	})
}

// Retest 请求立即执行一次 TestingPhase。
func (e *Engine) Retest() error {
	if e.State() != StateRunning {
		return ErrNotRunning
	}
	if e.testing.Load() {
		return ErrTestingInProgress
	}
	select {
	case e.retestCh <- struct{}{}:
		logger.Info().Str("subscription_id", e.subscriptionID).Msg("Retest requested.")
		return nil
	default:
		return ErrTestingInProgress
	}
}

func (e *Engine) ToggleAutoSwitch(enabled bool) error {
	if e.State() != StateRunning {
		return ErrNotRunning
	}
	e.stateMu.Lock()
	cfg := e.config()
	cfg.EnableAutoSwitch = enabled
	e.cfg.Store(&cfg)
	e.autoSwitch.Store(enabled)
	e.stateMu.Unlock()

	logger.Info().Str("subscription_id", e.subscriptionID).Bool("enabled", enabled).Msg("Auto switch toggled.")
	e.publish(events.KindAutoSwitchToggled, togglePayload{SubscriptionID: e.subscriptionID, Enabled: enabled})
	return nil
}

// SwitchTo 手动切换。只要节点在候选队列中就允许，与自动切换开关无关。
func (e *Engine) SwitchTo(ctx context.Context, index int) error {
	if e.State() != StateRunning {
		return ErrNotRunning
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	target, ok := e.queue.Get(index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotInQueue, index)
	}
	node, err := e.deps.Nodes.Node(e.subscriptionID, index)
	if err != nil {
		return err
	}
	from := e.binding.Snapshot().Active
	fromEntry := e.entryFor(from)

	ch, err := e.binding.Switch(ctx, node, types.ReasonManualSwitch)
	if err != nil {
		return err
	}
	e.afterSwitchLocked(ctx, ch, fromEntry, target)
	return nil
}

// UpdateConfig 替换运行中的配置。绑定端口在一次运行内保持不变。
func (e *Engine) UpdateConfig(cfg types.SelectionConfig) (types.SelectionConfig, error) {
	if e.State() != StateRunning {
		return types.SelectionConfig{}, ErrNotRunning
	}
	cfg = cfg.Normalize()

	old := e.config()
	cfg.HTTPPort = old.HTTPPort
	cfg.SOCKSPort = old.SOCKSPort
	if err := cfg.Validate(); err != nil {
		return types.SelectionConfig{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	e.stateMu.Lock()
	e.cfg.Store(&cfg)
	e.autoSwitch.Store(cfg.EnableAutoSwitch)
	e.stateMu.Unlock()

	e.mu.Lock()
	e.queue.SetMaxSize(cfg.MaxQueueSize)
	e.mu.Unlock()

	select {
	case e.reconfigCh <- struct{}{}:
	default:
	}

	logger.Info().Str("subscription_id", e.subscriptionID).Interface("config", cfg).Msg("Selection config updated.")
	e.publish(events.KindConfigUpdated, lifecyclePayload{
		SubscriptionID: e.subscriptionID,
		Message:        "config updated",
		Config:         &cfg,
		Timestamp:      time.Now(),
	})
	return cfg, nil
}

func (e *Engine) Status() Status {
	cfg := e.config()
	b := e.binding.Snapshot()
	snap := e.queue.Snapshot()
	blacklist := e.queue.Blacklist()
	available, failed := e.queue.Counts()

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	st := Status{
		IsRunning:        e.state == StateRunning,
		State:            e.state,
		SubscriptionID:   e.subscriptionID,
		Queue:            snap,
		Blacklist:        blacklist,
		QueueSize:        len(snap),
		TotalSwitches:    b.TotalSwitches,
		TestedNodes:      available + failed,
		FailedNodes:      failed,
		Config:           cfg,
		AutoSwitch:       e.autoSwitch.Load(),
		LastSwitchReason: b.LastReason,
	}
	if b.Active != nil {
		st.ActiveNode = e.entryFor(b.Active)
		st.ActiveNode.IsActive = true
	}
	if !e.startTime.IsZero() {
		t := e.startTime
		st.StartTime = &t
		st.Uptime = int64(time.Since(t).Seconds())
	}
	if !b.LastSwitch.IsZero() {
		t := b.LastSwitch
		st.LastSwitchTime = &t
	}
	if !e.lastTestTime.IsZero() {
		t := e.lastTestTime
		st.LastTestTime = &t
	}
	if e.progress.TotalNodes > 0 || e.progress.IsRunning {
		p := e.progress
		st.TestingProgress = &p
	}
	return st
}

func (e *Engine) restoreQueue(ctx context.Context) {
	recs, err := e.deps.History.LoadQueue(ctx, e.subscriptionID)
	if err != nil {
		logger.Warn().Err(err).Str("subscription_id", e.subscriptionID).Msg("Failed to load queue snapshot.")
		return
	}
	entries := make([]queue.Entry, 0, len(recs))
	for _, r := range recs {
		node, err := e.deps.Nodes.Node(e.subscriptionID, r.NodeIndex)
		if err != nil {
			continue
		}
		entries = append(entries, queue.Entry{
			NodeIndex:    r.NodeIndex,
			NodeName:     node.Name,
			Protocol:     node.Protocol,
			Server:       node.Server,
			Port:         node.Port,
			LatencyMS:    r.LatencyMS,
			Speed:        r.Speed,
			SuccessRate:  r.SuccessRate,
			TestCount:    r.TestCount,
			FailCount:    r.FailCount,
			LastTestTime: r.LastTestTime,
		})
	}
	if len(entries) > 0 {
		e.queue.Restore(entries)
		logger.Info().Str("subscription_id", e.subscriptionID).Int("entries", len(entries)).Msg("Candidate queue restored.")
	}
}

func (e *Engine) saveQueue(ctx context.Context) {
	snap := e.queue.Snapshot()
	recs := make([]storage.QueueRecord, 0, len(snap))
	for _, en := range snap {
		if en.TestCount == 0 {
			continue
		}
		recs = append(recs, storage.QueueRecord{
			SubscriptionID: e.subscriptionID,
			NodeIndex:      en.NodeIndex,
			NodeName:       en.NodeName,
			LatencyMS:      en.LatencyMS,
			Speed:          en.Speed,
			Score:          en.Score,
			SuccessRate:    en.SuccessRate,
			TestCount:      en.TestCount,
			FailCount:      en.FailCount,
			LastTestTime:   en.LastTestTime,
		})
	}
	if len(recs) == 0 {
		return
	}
	if err := e.deps.History.SaveQueue(context.WithoutCancel(ctx), e.subscriptionID, recs); err != nil {
		logger.Warn().Err(err).Str("subscription_id", e.subscriptionID).Msg("Failed to save queue snapshot.")
	}
}

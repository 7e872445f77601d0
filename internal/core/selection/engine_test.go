package selection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_selector/internal/core/binding"
	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/core/nodes"
	"liuproxy_selector/internal/core/probe"
	"liuproxy_selector/internal/shared/types"
	"liuproxy_selector/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(topic string, kind events.Kind, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events.Event{Topic: topic, Kind: kind, Data: data})
}

func (p *recordingPublisher) ofKind(kind events.Kind) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func (p *recordingPublisher) healthAdvisories() []queueUpdatePayload {
	var out []queueUpdatePayload
	for _, ev := range p.ofKind(events.KindQueueUpdate) {
		qu := ev.Data.(queueUpdatePayload)
		if qu.Reason == types.ReasonHealthCheckFailed {
			out = append(out, qu)
		}
	}
	return out
}

// scriptedProber 按节点返回预设的延迟或失败，可在运行中修改。
type scriptedProber struct {
	mu      sync.Mutex
	latency map[int]time.Duration
	down    map[int]bool
	gate    chan struct{}
	urls    []string
	calls   map[int]int
}

func newScriptedProber(latencies ...int) *scriptedProber {
	p := &scriptedProber{latency: make(map[int]time.Duration), down: make(map[int]bool), calls: make(map[int]int)}
	for i, ms := range latencies {
		p.latency[i] = time.Duration(ms) * time.Millisecond
	}
	return p
}

func (p *scriptedProber) set(index, ms int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency[index] = time.Duration(ms) * time.Millisecond
	p.down[index] = false
}

func (p *scriptedProber) setDown(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[index] = true
}

func (p *scriptedProber) Probe(ctx context.Context, node types.Node, testURL string) types.TestOutcome {
	p.mu.Lock()
	gate, lat, down := p.gate, p.latency[node.Index], p.down[node.Index]
	p.urls = append(p.urls, testURL)
	p.calls[node.Index]++
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.TestOutcome{Success: false, Error: "cancelled"}
		}
	}
	if down {
		return types.TestOutcome{Success: false, Error: "connection refused"}
	}
	return types.TestOutcome{Success: true, Latency: lat}
}

func (p *scriptedProber) callsFor(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[index]
}

func (p *scriptedProber) seenURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

func newNodeStore(count int) *nodes.Store {
	sub := &types.Subscription{ID: "sub1", Name: "test"}
	for i := 0; i < count; i++ {
		sub.Nodes = append(sub.Nodes, &types.Node{
			SubscriptionID: "sub1",
			Index:          i,
			Name:           fmt.Sprintf("node-%d", i),
			Server:         "127.0.0.1",
			Port:           1000 + i,
			Status:         types.NodeIdle,
		})
	}
	return nodes.NewStore([]*types.Subscription{sub})
}

func setupManager(t *testing.T, count int, p probe.Prober, history storage.Store) (*Manager, *recordingPublisher, *nodes.Store) {
	t.Helper()
	store := newNodeStore(count)
	pub := &recordingPublisher{}
	m := NewManager(Deps{
		Nodes:     store,
		Runner:    probe.NewRunner(p, nil, nil),
		Publisher: pub,
		History:   history,
	}, types.DefaultSelectionConfig())
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m, pub, store
}

func testConfig(autoSwitch bool) *types.SelectionConfig {
	cfg := types.DefaultSelectionConfig()
	cfg.TestConcurrency = 2
	cfg.TestTimeout = types.MinTestTimeout
	cfg.EnableAutoSwitch = autoSwitch
	cfg.TestPeriod = time.Hour
	cfg.HealthPeriod = time.Hour
	return &cfg
}

func waitCount(t *testing.T, pub *recordingPublisher, kind events.Kind, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(pub.ofKind(kind)) >= n }, 5*time.Second, 5*time.Millisecond,
		"expected at least %d %s events", n, kind)
}

func retest(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Retest("sub1") == nil }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_InitialActivationPicksBest(t *testing.T) {
	m, pub, store := setupManager(t, 3, newScriptedProber(300, 100, 200), nil)
	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))

	waitCount(t, pub, events.KindQueueUpdate, 1)

	switches := pub.ofKind(events.KindNodeSwitch)
	require.Len(t, switches, 1)
	sw := switches[0].Data.(switchPayload)
	assert.Equal(t, 1, sw.ToNode.NodeIndex)
	assert.Equal(t, types.ReasonInitialActivation, sw.SwitchReason)
	assert.Nil(t, sw.FromNode)

	assert.Equal(t, []events.Kind{
		events.KindServiceStarted,
		events.KindTestingStart,
		events.KindTestingProgress, events.KindTestingProgress, events.KindTestingProgress,
		events.KindTestingComplete,
		events.KindNodeSwitch,
		events.KindQueueUpdate,
	}, pub.kinds())

	n, err := store.Node("sub1", 1)
	require.NoError(t, err)
	assert.True(t, n.IsRunning)
	assert.Equal(t, 7890, n.HTTPPort)
	assert.Equal(t, types.NodeConnected, n.Status)

	st := m.Status("")
	assert.True(t, st.IsRunning)
	require.NotNil(t, st.ActiveNode)
	assert.Equal(t, 1, st.ActiveNode.NodeIndex)
	assert.Equal(t, 3, st.QueueSize)
	assert.Equal(t, 3, st.TestedNodes)
	assert.Equal(t, 1, st.TotalSwitches)
	assert.Equal(t, types.ReasonInitialActivation, st.LastSwitchReason)
	require.NotNil(t, st.TestingProgress)
	assert.Equal(t, 100, st.TestingProgress.Progress)
}

func TestEngine_SwitchThreshold(t *testing.T) {
	p := newScriptedProber(100, 300)
	m, pub, _ := setupManager(t, 2, p, nil)
	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))
	waitCount(t, pub, events.KindQueueUpdate, 1)
	require.Len(t, pub.ofKind(events.KindNodeSwitch), 1)

	// 675 vs 750: gap 75 is below the threshold of 100
	p.set(0, 250)
	p.set(1, 100)
	retest(t, m)
	waitCount(t, pub, events.KindQueueUpdate, 2)
	assert.Len(t, pub.ofKind(events.KindNodeSwitch), 1)
	assert.Equal(t, 0, m.Status("sub1").ActiveNode.NodeIndex)

	// 600 vs 750: gap 150
	p.set(0, 400)
	retest(t, m)
	waitCount(t, pub, events.KindNodeSwitch, 2)

	sw := pub.ofKind(events.KindNodeSwitch)[1].Data.(switchPayload)
	assert.Equal(t, types.ReasonBetterNodeAvailable, sw.SwitchReason)
	assert.Equal(t, 1, sw.ToNode.NodeIndex)
	require.NotNil(t, sw.FromNode)
	assert.Equal(t, 0, sw.FromNode.NodeIndex)
}

func TestEngine_HealthFailureWithAutoSwitchDisabledIsAdvisory(t *testing.T) {
	p := newScriptedProber(100, 200)
	m, pub, _ := setupManager(t, 2, p, nil)
	cfg := testConfig(false)
	cfg.HealthPeriod = 20 * time.Millisecond
	require.NoError(t, m.Start(context.Background(), "sub1", cfg))
	waitCount(t, pub, events.KindTestingComplete, 1)
	assert.Empty(t, pub.ofKind(events.KindNodeSwitch), "auto switch disabled must not activate a node")

	require.NoError(t, m.SwitchTo(context.Background(), "sub1", 0))
	p.setDown(0)

	require.Eventually(t, func() bool { return len(pub.healthAdvisories()) >= 2 }, 5*time.Second, 5*time.Millisecond)

	adv := pub.healthAdvisories()[0]
	assert.Equal(t, advisoryManualSwitch, adv.Advisory)
	require.NotNil(t, adv.Suggested)
	assert.Equal(t, 1, adv.Suggested.NodeIndex)

	switches := pub.ofKind(events.KindNodeSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, types.ReasonManualSwitch, switches[0].Data.(switchPayload).SwitchReason)
	st := m.Status("sub1")
	require.NotNil(t, st.ActiveNode)
	assert.Equal(t, 0, st.ActiveNode.NodeIndex)
	assert.False(t, st.ActiveNode.Available)
}

func TestEngine_HealthFailureTriggersFailover(t *testing.T) {
	p := newScriptedProber(100, 200)
	m, pub, store := setupManager(t, 2, p, nil)
	cfg := testConfig(true)
	cfg.HealthPeriod = 20 * time.Millisecond
	require.NoError(t, m.Start(context.Background(), "sub1", cfg))
	waitCount(t, pub, events.KindNodeSwitch, 1)

	p.setDown(0)
	waitCount(t, pub, events.KindNodeSwitch, 2)

	sw := pub.ofKind(events.KindNodeSwitch)[1].Data.(switchPayload)
	assert.Equal(t, types.ReasonAutoFailover, sw.SwitchReason)
	assert.Equal(t, 1, sw.ToNode.NodeIndex)

	old, _ := store.Node("sub1", 0)
	assert.False(t, old.IsRunning, "previous node must be released")
}

func TestEngine_HealthyActiveNodeIsStillRanked(t *testing.T) {
	p := newScriptedProber(100, 200)
	m, pub, _ := setupManager(t, 2, p, nil)
	cfg := testConfig(true)
	cfg.HealthPeriod = 20 * time.Millisecond
	require.NoError(t, m.Start(context.Background(), "sub1", cfg))
	waitCount(t, pub, events.KindNodeSwitch, 1)
	assert.Equal(t, 0, m.Status("sub1").ActiveNode.NodeIndex)

	// 活动节点仍然可用，只是变慢：550 vs 700
	p.set(0, 500)
	waitCount(t, pub, events.KindNodeSwitch, 2)

	sw := pub.ofKind(events.KindNodeSwitch)[1].Data.(switchPayload)
	assert.Equal(t, types.ReasonBetterNodeAvailable, sw.SwitchReason)
	assert.Equal(t, 1, sw.ToNode.NodeIndex)
	require.NotNil(t, sw.FromNode)
	assert.Equal(t, 0, sw.FromNode.NodeIndex)
}

func TestEngine_TestURLIsPassedThrough(t *testing.T) {
	p := newScriptedProber(100, 200)
	m, pub, _ := setupManager(t, 2, p, nil)
	cfg := testConfig(true)
	cfg.TestURL = "http://connectivity.example/generate_204"
	cfg.HealthPeriod = 20 * time.Millisecond
	require.NoError(t, m.Start(context.Background(), "sub1", cfg))
	waitCount(t, pub, events.KindNodeSwitch, 1)
	require.Eventually(t, func() bool { return len(p.seenURLs()) >= 4 }, 5*time.Second, 5*time.Millisecond,
		"health checks must run too")

	for _, u := range p.seenURLs() {
		assert.Equal(t, cfg.TestURL, u)
	}
}

func TestEngine_BlacklistedNodesAreSkipped(t *testing.T) {
	p := newScriptedProber(100, 200, 300)
	p.setDown(2)
	m, pub, _ := setupManager(t, 3, p, nil)
	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))
	waitCount(t, pub, events.KindTestingComplete, 1)

	for i := 2; i <= 4; i++ {
		retest(t, m)
		waitCount(t, pub, events.KindTestingComplete, i)
	}

	// 第三次失败后拉黑，第四轮不再测试
	assert.Equal(t, 3, p.callsFor(2))
	assert.Equal(t, 4, p.callsFor(1))

	st := m.Status("sub1")
	require.Len(t, st.Blacklist, 1)
	assert.Equal(t, 2, st.Blacklist[0].NodeIndex)
	assert.Equal(t, "connection refused", st.Blacklist[0].Reason)
	require.NotNil(t, st.TestingProgress)
	assert.Equal(t, 1, st.TestingProgress.SkippedNodes)
	assert.Equal(t, 2, st.TestingProgress.TotalNodes)
}

// 真实的 ProxiedProber + nodes.Store：绑定后的活动节点必须和其它节点用同一种方式测试，
// 延迟相近时重复测试不会引起切换。
func TestEngine_BoundNodeIsMeasuredLikeTheRest(t *testing.T) {
	var ports []int
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				_ = c.Close()
			}
		}()
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}

	sub := &types.Subscription{ID: "sub1"}
	for i, port := range ports {
		sub.Nodes = append(sub.Nodes, &types.Node{
			SubscriptionID: "sub1", Index: i, Name: fmt.Sprintf("vmess-%d", i),
			Protocol: "vmess", Server: "127.0.0.1", Port: port, Status: types.NodeIdle,
		})
	}
	store := nodes.NewStore([]*types.Subscription{sub})
	pub := &recordingPublisher{}
	m := NewManager(Deps{
		Nodes:     store,
		Runner:    probe.NewRunner(&probe.ProxiedProber{}, nil, nil),
		Publisher: pub,
	}, types.DefaultSelectionConfig())
	t.Cleanup(func() { m.StopAll(context.Background()) })

	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))
	waitCount(t, pub, events.KindQueueUpdate, 1)
	for i := 2; i <= 4; i++ {
		retest(t, m)
		waitCount(t, pub, events.KindQueueUpdate, i)
	}

	switches := pub.ofKind(events.KindNodeSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, types.ReasonInitialActivation, switches[0].Data.(switchPayload).SwitchReason)
	st := m.Status("sub1")
	for _, e := range st.Queue {
		assert.True(t, e.Available, "node %d", e.NodeIndex)
	}
}

func TestEngine_RetestRejectedWhileTesting(t *testing.T) {
	p := newScriptedProber(100, 200)
	p.gate = make(chan struct{})
	m, pub, _ := setupManager(t, 2, p, nil)
	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))
	waitCount(t, pub, events.KindTestingStart, 1)

	assert.ErrorIs(t, m.Retest("sub1"), ErrTestingInProgress)
	st := m.Status("sub1")
	require.NotNil(t, st.TestingProgress)
	assert.True(t, st.TestingProgress.IsRunning)

	close(p.gate)
	waitCount(t, pub, events.KindTestingComplete, 1)
	retest(t, m)
	waitCount(t, pub, events.KindTestingComplete, 2)
}

func TestEngine_ManualSwitchErrors(t *testing.T) {
	m, pub, _ := setupManager(t, 2, newScriptedProber(100, 200), nil)
	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))
	waitCount(t, pub, events.KindNodeSwitch, 1)

	assert.ErrorIs(t, m.SwitchTo(context.Background(), "sub1", 99), ErrNodeNotInQueue)
	assert.ErrorIs(t, m.SwitchTo(context.Background(), "sub1", 0), binding.ErrAlreadyActive)
	require.NoError(t, m.SwitchTo(context.Background(), "sub1", 1))
	assert.Equal(t, 1, m.Status("sub1").ActiveNode.NodeIndex)
}

func TestEngine_ToggleAndUpdateConfig(t *testing.T) {
	m, pub, _ := setupManager(t, 3, newScriptedProber(100, 200, 300), nil)
	require.NoError(t, m.Start(context.Background(), "sub1", testConfig(true)))
	waitCount(t, pub, events.KindQueueUpdate, 1)

	require.NoError(t, m.ToggleAutoSwitch("sub1", false))
	toggles := pub.ofKind(events.KindAutoSwitchToggled)
	require.Len(t, toggles, 1)
	assert.False(t, toggles[0].Data.(togglePayload).Enabled)
	assert.False(t, m.Status("sub1").Config.EnableAutoSwitch)

	next := *testConfig(false)
	next.MaxQueueSize = 2
	next.HTTPPort = 9999
	applied, err := m.UpdateConfig("sub1", next)
	require.NoError(t, err)
	assert.Equal(t, 7890, applied.HTTPPort, "ports stay fixed for a run")
	assert.Len(t, pub.ofKind(events.KindConfigUpdated), 1)

	st := m.Status("sub1")
	assert.Equal(t, 2, st.QueueSize)
	assert.Equal(t, 0, st.ActiveNode.NodeIndex)
}

func TestManager_Lifecycle(t *testing.T) {
	m, pub, store := setupManager(t, 2, newScriptedProber(100, 200), nil)
	ctx := context.Background()

	assert.ErrorIs(t, m.Start(ctx, "missing", nil), nodes.ErrSubscriptionNotFound)
	assert.ErrorIs(t, m.Start(ctx, "", nil), ErrInvalidRequest)
	assert.ErrorIs(t, m.Retest(""), ErrNotRunning)
	assert.False(t, m.Status("sub1").IsRunning)

	require.NoError(t, m.Start(ctx, "sub1", testConfig(true)))
	assert.ErrorIs(t, m.Start(ctx, "sub1", nil), ErrAlreadyRunning)
	waitCount(t, pub, events.KindNodeSwitch, 1)

	require.NoError(t, m.Stop(ctx, ""))
	assert.Len(t, pub.ofKind(events.KindServiceStopped), 1)
	n, _ := store.Node("sub1", 0)
	assert.False(t, n.IsRunning)
	st := m.Status("sub1")
	assert.False(t, st.IsRunning)
	assert.Equal(t, StateStopped, st.State)
	assert.ErrorIs(t, m.Stop(ctx, "sub1"), ErrNotRunning)
	assert.Empty(t, m.Running())

	require.NoError(t, m.Start(ctx, "sub1", testConfig(true)))
	assert.Equal(t, []string{"sub1"}, m.Running())
}

func TestManager_QueueSnapshotSurvivesRestart(t *testing.T) {
	history, err := storage.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	p := newScriptedProber(100, 200)
	m, pub, _ := setupManager(t, 2, p, history)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sub1", testConfig(true)))
	waitCount(t, pub, events.KindNodeSwitch, 1)
	require.NoError(t, m.Stop(ctx, "sub1"))

	switches, err := history.RecentSwitches(ctx, "sub1", 10)
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, string(types.ReasonInitialActivation), switches[0].Reason)

	// hold the first phase so only restored entries are visible
	p.gate = make(chan struct{})
	defer close(p.gate)
	require.NoError(t, m.Start(ctx, "sub1", testConfig(true)))

	st := m.Status("sub1")
	require.Equal(t, 2, st.QueueSize)
	for _, e := range st.Queue {
		assert.False(t, e.Available)
		assert.Equal(t, "stale", e.Status)
	}
	assert.Nil(t, st.ActiveNode)
}

func TestManager_AmbiguousSubscription(t *testing.T) {
	store := nodes.NewStore([]*types.Subscription{
		{ID: "a", Nodes: []*types.Node{{SubscriptionID: "a", Index: 0}}},
		{ID: "b", Nodes: []*types.Node{{SubscriptionID: "b", Index: 0}}},
	})
	m := NewManager(Deps{Nodes: store, Runner: probe.NewRunner(newScriptedProber(100), nil, nil)}, types.DefaultSelectionConfig())
	defer m.StopAll(context.Background())

	require.NoError(t, m.Start(context.Background(), "a", testConfig(true)))
	require.NoError(t, m.Start(context.Background(), "b", testConfig(true)))
	err := m.Retest("")
	assert.True(t, errors.Is(err, ErrSubscriptionRequired))
}

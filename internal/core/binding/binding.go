// Package binding records which node currently serves traffic for a subscription.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

var ErrAlreadyActive = errors.New("node is already active")

// Controller 是底层代理进程的绑定接口 (外部协作方)。
type Controller interface {
	Connect(ctx context.Context, subscriptionID string, index, httpPort, socksPort int) error
	Disconnect(ctx context.Context, subscriptionID string, index int) error
}

// Forwarder 由会在绑定端口上真正启动本地代理的 Controller 实现。
type Forwarder interface {
	ForwardsTraffic() bool
}

// Forwards 报告 c 绑定节点后，本地端口上是否有代理在监听。
// 只记录绑定状态的 Controller 返回 false。
func Forwards(c Controller) bool {
	f, ok := c.(Forwarder)
	return ok && f.ForwardsTraffic()
}

// Change 描述一次已完成的切换。
type Change struct {
	SubscriptionID string             `json:"subscription_id"`
	From           *types.Node        `json:"from_node,omitempty"`
	To             types.Node         `json:"to_node"`
	Reason         types.SwitchReason `json:"switch_reason"`
	At             time.Time          `json:"switch_time"`
}

// State 是 Binding 的只读快照。
type State struct {
	SubscriptionID string             `json:"subscription_id"`
	Active         *types.Node        `json:"active_node,omitempty"`
	LastSwitch     time.Time          `json:"last_switch_time,omitempty"`
	LastReason     types.SwitchReason `json:"last_switch_reason,omitempty"`
	TotalSwitches  int                `json:"total_switches"`
}

// Binding 是一个订阅的活动节点记录。所有修改持有 mu，
// 包括对 Controller 的调用，因此同一时刻最多只有一次切换在进行。
type Binding struct {
	subscriptionID string
	httpPort       int
	socksPort      int
	controller     Controller

	mu            sync.Mutex
	active        *types.Node
	lastSwitch    time.Time
	lastReason    types.SwitchReason
	totalSwitches int
}

func New(subscriptionID string, httpPort, socksPort int, c Controller) *Binding {
	return &Binding{
		subscriptionID: subscriptionID,
		httpPort:       httpPort,
		socksPort:      socksPort,
		controller:     c,
	}
}

func (b *Binding) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := State{
		SubscriptionID: b.subscriptionID,
		LastSwitch:     b.lastSwitch,
		LastReason:     b.lastReason,
		TotalSwitches:  b.totalSwitches,
	}
	if b.active != nil {
		n := *b.active
		st.Active = &n
	}
	return st
}

// ActiveIndex returns the active node index, or -1.
func (b *Binding) ActiveIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return -1
	}
	return b.active.Index
}

// Switch 无条件切换到 node (手动切换使用)。
func (b *Binding) Switch(ctx context.Context, node types.Node, reason types.SwitchReason) (Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil && b.active.Index == node.Index {
		return Change{}, fmt.Errorf("%w: %d", ErrAlreadyActive, node.Index)
	}
	return b.switchLocked(ctx, node, reason)
}

// SwitchIf 在持锁状态下调用 decide，根据当前活动节点决定是否切换。
// decide 返回 ok=false 时不做任何修改。返回的 bool 表示是否发生了切换。
func (b *Binding) SwitchIf(ctx context.Context, decide func(active *types.Node) (types.Node, types.SwitchReason, bool)) (Change, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var current *types.Node
	if b.active != nil {
		n := *b.active
		current = &n
	}
	target, reason, ok := decide(current)
	if !ok {
		return Change{}, false, nil
	}
	if current != nil && current.Index == target.Index {
		return Change{}, false, nil
	}
	ch, err := b.switchLocked(ctx, target, reason)
	if err != nil {
		return Change{}, false, err
	}
	return ch, true, nil
}

func (b *Binding) switchLocked(ctx context.Context, node types.Node, reason types.SwitchReason) (Change, error) {
	if node.SubscriptionID != "" && node.SubscriptionID != b.subscriptionID {
		return Change{}, fmt.Errorf("node belongs to subscription %s, not %s", node.SubscriptionID, b.subscriptionID)
	}
	if err := b.controller.Connect(ctx, b.subscriptionID, node.Index, b.httpPort, b.socksPort); err != nil {
		return Change{}, fmt.Errorf("failed to bind node %d: %w", node.Index, err)
	}

	ch := Change{
		SubscriptionID: b.subscriptionID,
		From:           b.active,
		To:             node,
		Reason:         reason,
		At:             time.Now(),
	}
	n := node
	b.active = &n
	b.lastSwitch = ch.At
	b.lastReason = reason
	b.totalSwitches++

	ev := logger.Info().Str("subscription_id", b.subscriptionID).Int("to_node", node.Index).Str("switch_reason", string(reason))
	if ch.From != nil {
		ev = ev.Int("from_node", ch.From.Index)
	}
	ev.Msg("Active node switched.")
	return ch, nil
}

// Release 解除当前活动节点的绑定。
func (b *Binding) Release(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil
	}
	idx := b.active.Index
	b.active = nil
	if err := b.controller.Disconnect(ctx, b.subscriptionID, idx); err != nil {
		return fmt.Errorf("failed to release node %d: %w", idx, err)
	}
	return nil
}

// Package nodes 保存所有订阅的节点及其运行状态，是外部订阅存储在本服务内的适配层。
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNodeNotFound         = errors.New("node not found")
)

// Source 是节点只读查询接口。
type Source interface {
	Nodes(subscriptionID string) ([]types.Node, error)
	Node(subscriptionID string, index int) (types.Node, error)
}

// Store 实现 Source，同时记录节点状态、测试结果和端口绑定。
// 返回给调用方的都是值拷贝。
type Store struct {
	mu   sync.RWMutex
	subs map[string]*types.Subscription
}

func NewStore(subs []*types.Subscription) *Store {
	s := &Store{subs: make(map[string]*types.Subscription, len(subs))}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

// Subscriptions returns subscription ids and names sorted by id.
func (s *Store) Subscriptions() []types.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, types.Subscription{ID: sub.ID, Name: sub.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Nodes(subscriptionID string) ([]types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
	}
	out := make([]types.Node, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		out = append(out, *n)
	}
	return out, nil
}

func (s *Store) Node(subscriptionID string, index int) (types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(subscriptionID, index)
	if err != nil {
		return types.Node{}, err
	}
	return *n, nil
}

func (s *Store) lookup(subscriptionID string, index int) (*types.Node, error) {
	sub, ok := s.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
	}
	if index < 0 || index >= len(sub.Nodes) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNodeNotFound, subscriptionID, index)
	}
	return sub.Nodes[index], nil
}

func (s *Store) update(subscriptionID string, index int, fn func(n *types.Node)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(subscriptionID, index)
	if err != nil {
		return err
	}
	fn(n)
	return nil
}

// BeginTest 把节点标记为 testing。已连接的节点保持 connected，测试不影响其绑定。
func (s *Store) BeginTest(subscriptionID string, index int) error {
	return s.update(subscriptionID, index, func(n *types.Node) {
		if n.Status != types.NodeConnected {
			n.Status = types.NodeTesting
		}
	})
}

// RecordTest 保存测试结果并结束 testing 状态。
func (s *Store) RecordTest(subscriptionID string, index int, outcome types.TestOutcome) error {
	return s.update(subscriptionID, index, func(n *types.Node) {
		o := outcome
		n.TestResult = &o
		if n.Status == types.NodeConnected {
			return
		}
		if outcome.Success {
			n.Status = types.NodeIdle
		} else {
			n.Status = types.NodeError
		}
	})
}

func (s *Store) RecordSpeed(subscriptionID string, index int, outcome types.SpeedOutcome) error {
	return s.update(subscriptionID, index, func(n *types.Node) {
		o := outcome
		n.SpeedResult = &o
	})
}

// Connect 把节点绑定到本地端口。同一订阅下之前绑定的节点会被释放。
func (s *Store) Connect(ctx context.Context, subscriptionID string, index, httpPort, socksPort int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(subscriptionID, index)
	if err != nil {
		return err
	}
	n.Status = types.NodeConnecting
	for _, other := range s.subs[subscriptionID].Nodes {
		if other != n && other.IsRunning {
			releaseLocked(other)
		}
	}
	n.IsRunning = true
	n.HTTPPort = httpPort
	n.SOCKSPort = socksPort
	n.Status = types.NodeConnected

	logger.Info().Str("subscription_id", subscriptionID).Int("node_index", index).
		Int("http_port", httpPort).Int("socks_port", socksPort).Msg("Node bound to local ports.")
	return nil
}

func (s *Store) Disconnect(ctx context.Context, subscriptionID string, index int) error {
	return s.update(subscriptionID, index, func(n *types.Node) {
		releaseLocked(n)
	})
}

func releaseLocked(n *types.Node) {
	n.IsRunning = false
	n.HTTPPort = 0
	n.SOCKSPort = 0
	n.Status = types.NodeIdle
}

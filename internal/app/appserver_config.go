package app

import (
	"liuproxy_selector/internal/shared/config"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

// subscriptionsSnapshot 从节点存储导出订阅，保留最近的测试结果，清除运行期字段。
func (s *AppServer) subscriptionsSnapshot() []*types.Subscription {
	list := s.nodes.Subscriptions()
	out := make([]*types.Subscription, 0, len(list))
	for _, sub := range list {
		nodeList, err := s.nodes.Nodes(sub.ID)
		if err != nil {
			continue
		}
		copySub := &types.Subscription{ID: sub.ID, Name: sub.Name, Nodes: make([]*types.Node, 0, len(nodeList))}
		for i := range nodeList {
			n := nodeList[i]
			n.Status = types.NodeIdle
			n.IsRunning = false
			n.HTTPPort = 0
			n.SOCKSPort = 0
			copySub.Nodes = append(copySub.Nodes, &n)
		}
		out = append(out, copySub)
	}
	return out
}

// SaveSubscriptionsToFile persists subscriptions, including the latest test results, to subscriptions.json.
func (s *AppServer) SaveSubscriptionsToFile() error {
	s.subscriptionsFileLock.Lock()
	defer s.subscriptionsFileLock.Unlock()

	subs := s.subscriptionsSnapshot()
	logger.Debug().Int("subscriptions", len(subs)).Msg("Persisting subscriptions to subscriptions.json...")
	return config.SaveSubscriptions(s.subscriptionsPath, subs)
}

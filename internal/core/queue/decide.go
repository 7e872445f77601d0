package queue

import "liuproxy_selector/internal/shared/types"

// Decision 是自动切换规则的结果。
// Switch=false 且 Advisory=true 表示存在更好的节点，但自动切换已关闭。
type Decision struct {
	Switch   bool
	Advisory bool
	Target   Entry
	Reason   types.SwitchReason
}

// Decide 应用自动切换规则：
//   - 没有活动节点 → initial_activation
//   - 活动节点不健康 → auto_failover
//   - best.Score - current.Score >= threshold → better_node_available
//
// best 应为排除活动节点后的最佳可用节点。autoSwitch=false 时从不切换。
func Decide(autoSwitch bool, current *Entry, currentHealthy bool, best *Entry, threshold float64) Decision {
	if best == nil || !best.Available {
		return Decision{}
	}
	if current != nil && current.NodeIndex == best.NodeIndex {
		return Decision{}
	}

	var reason types.SwitchReason
	switch {
	case current == nil:
		reason = types.ReasonInitialActivation
	case !currentHealthy:
		reason = types.ReasonAutoFailover
	case best.Score-current.Score >= threshold:
		reason = types.ReasonBetterNodeAvailable
	default:
		return Decision{}
	}

	if !autoSwitch {
		return Decision{Advisory: true, Target: *best, Reason: reason}
	}
	return Decision{Switch: true, Target: *best, Reason: reason}
}
